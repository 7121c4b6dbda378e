// Package prmanager implements the push & PR manager (C8): it pushes the
// rebase branch when it has moved, then reconciles a single pull request on
// the dest repository against it.
package prmanager

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/gitrepo"
	"github.com/rebasebot/rebasebot/internal/hooks"
	"github.com/rebasebot/rebasebot/internal/logfields"
)

// ManualOverrideLabel marks a PR as under indefinite human control: the
// manager leaves it untouched while the label is present.
const ManualOverrideLabel = "rebase/manual"

// titlePrefixRe matches an optional leading ticket-id prefix that must be
// preserved verbatim across a retitle, e.g. "OCPBUGS-123: ".
var titlePrefixRe = regexp.MustCompile(`^[A-Z][A-Z0-9]+-\d+:\s`)

// templateRe recognizes a title (with any leading ticket-id prefix already
// stripped) as an instance of the canonical "Merge ... into ..." template,
// regardless of the specific source url / sha / dest ref it was rendered
// with on a previous run.
var templateRe = regexp.MustCompile(`^Merge .+ \(.+\) into .+$`)

// PullRequest is the subset of provider PR data the manager reconciles
// against.
type PullRequest struct {
	Number int
	Title  string
	Body   string
	Labels []string
}

// Provider is the hosting-provider surface the manager needs. It is
// satisfied by internal/githubclt.Client.
type Provider interface {
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]PRListEntry, error)
	CreatePullRequest(ctx context.Context, owner, repo, title, body, headOwner, headBranch, base string) (*PRListEntry, error)
	UpdatePullRequestTitleAndBody(ctx context.Context, owner, repo string, number int, title, body *string) error
	ListLabels(ctx context.Context, owner, repo string, number int) ([]string, error)

	// IsBlockedFromMerge reports whether pr's current review/CI state
	// should keep the manager from touching it: a required check failing,
	// or a reviewer having requested changes.
	IsBlockedFromMerge(ctx context.Context, owner, repo string, number int) (bool, error)

	// ListReleases returns owner/repo's releases, most recent first. Used
	// to annotate a reconciled PR's body with the upstream release it
	// corresponds to.
	ListReleases(ctx context.Context, owner, repo string) ([]ReleaseInfo, error)
}

// ReleaseInfo mirrors githubclt.Release without creating an import cycle.
type ReleaseInfo struct {
	TagName string
	HTMLURL string
}

// PRListEntry mirrors githubclt.PullRequest without creating an import
// cycle between the two packages.
type PRListEntry struct {
	Number      int
	Title       string
	Body        string
	AuthorLogin string
	HeadOwner   string
	HeadRepo    string
	HeadRef     string
	HeadSHA     string
}

// Notifier is called whenever the manager defers touching a pull request,
// so the caller can forward a best-effort notification.
type Notifier interface {
	NotifyManualOverride(ctx context.Context, prNumber int)
	NotifyBlocked(ctx context.Context, prNumber int, reason string)
}

// Manager reconciles the rebase branch and its pull request on dest.
type Manager struct {
	provider Provider
	repo     *gitrepo.Repo
	hookRun  *hooks.Runner
	notifier Notifier
	dryRun   bool
	logger   *zap.Logger
}

// New returns a Manager. When dryRun is true, every mutating operation
// (push, PR create/update) is logged and skipped instead of executed.
func New(provider Provider, repo *gitrepo.Repo, hookRun *hooks.Runner, notifier Notifier, dryRun bool) *Manager {
	return &Manager{provider: provider, repo: repo, hookRun: hookRun, notifier: notifier, dryRun: dryRun, logger: zap.L().Named("prmanager")}
}

// Request describes a single run's push-and-reconcile target.
type Request struct {
	DestOwner    string
	DestRepo     string
	RebaseOwner  string
	RebaseRepo   string
	RebaseRemote string
	RebaseRef    string
	DestRef      string
	SourceURL    string
	SourceOwner  string
	SourceRepo   string
	SourceTipSHA string

	// IgnoreManualLabel forces reconciliation even when the existing PR
	// carries ManualOverrideLabel.
	IgnoreManualLabel bool
}

// SkipReason explains why Run skipped pushing/reconciling, when Skipped is
// true.
type SkipReason string

const (
	SkipReasonNoDiff         SkipReason = "no_diff"
	SkipReasonDryRun         SkipReason = "dry_run"
	SkipReasonManualOverride SkipReason = "manual_override"
	SkipReasonBlocked        SkipReason = "blocked"
)

// Result reports what the manager did.
type Result struct {
	Pushed     bool
	PR         *PRListEntry
	Skipped    bool
	SkipReason SkipReason
}

// Run computes the diff between the local rebase branch and dest/ref; if
// non-empty (or alwaysRunHooks forces it), it pushes and reconciles the PR.
// A dry run still computes the diff but performs no network writes.
func (m *Manager) Run(ctx context.Context, req Request, alwaysRunHooks bool) (*Result, error) {
	differs, err := m.repo.Diff(ctx, "rebase", "dest/"+req.DestRef)
	if err != nil {
		return nil, fmt.Errorf("diffing rebase branch against dest: %w", err)
	}

	if !differs && !alwaysRunHooks {
		m.logger.Info("rebase branch matches dest, skipping push and pr reconcile",
			logfields.Event("prmanager_noop"),
		)
		return &Result{Skipped: true, SkipReason: SkipReasonNoDiff}, nil
	}

	existing, err := m.findExistingPR(ctx, req)
	if err != nil {
		return nil, err
	}

	if existing != nil && !req.IgnoreManualLabel {
		labels, err := m.provider.ListLabels(ctx, req.DestOwner, req.DestRepo, existing.Number)
		if err != nil {
			return nil, fmt.Errorf("listing labels of pr #%d: %w", existing.Number, err)
		}

		if hasLabel(labels, ManualOverrideLabel) {
			m.logger.Info("pull request has manual override label, leaving it untouched",
				logfields.Event("prmanager_manual_override"),
				logfields.PullRequest(existing.Number),
			)

			if m.notifier != nil {
				m.notifier.NotifyManualOverride(ctx, existing.Number)
			}

			return &Result{Skipped: true, PR: existing, SkipReason: SkipReasonManualOverride}, nil
		}

		blocked, err := m.provider.IsBlockedFromMerge(ctx, req.DestOwner, req.DestRepo, existing.Number)
		if err != nil {
			return nil, fmt.Errorf("checking review/ci status of pr #%d: %w", existing.Number, err)
		}

		if blocked {
			m.logger.Info("pull request has failing required checks or requested changes, leaving it untouched",
				logfields.Event("prmanager_blocked"),
				logfields.PullRequest(existing.Number),
			)

			if m.notifier != nil {
				m.notifier.NotifyBlocked(ctx, existing.Number, "failing required checks or requested changes")
			}

			return &Result{Skipped: true, PR: existing, SkipReason: SkipReasonBlocked}, nil
		}
	}

	if m.dryRun {
		m.logger.Info("dry-run: skipping push and pr reconcile",
			logfields.Event("prmanager_dry_run_skip"),
		)
		return &Result{Skipped: true, SkipReason: SkipReasonDryRun}, nil
	}

	if err := m.hookRun.Run(ctx, hooks.PhasePrePushRebaseBranch, nil); err != nil {
		return nil, fmt.Errorf("pre-push-rebase-branch hook failed: %w", err)
	}

	if err := m.repo.Push(ctx, req.RebaseRemote, "rebase:"+req.RebaseRef, true); err != nil {
		return nil, fmt.Errorf("force-pushing rebase branch: %w", err)
	}

	pr, err := m.reconcilePR(ctx, req, existing)
	if err != nil {
		return nil, err
	}

	return &Result{Pushed: true, PR: pr}, nil
}

// findExistingPR returns the open PR (if any) whose head matches the rebase
// branch, or nil if none exists yet.
func (m *Manager) findExistingPR(ctx context.Context, req Request) (*PRListEntry, error) {
	prs, err := m.provider.ListOpenPullRequests(ctx, req.DestOwner, req.DestRepo)
	if err != nil {
		return nil, fmt.Errorf("listing open pull requests: %w", err)
	}

	for i := range prs {
		if prs[i].HeadOwner == req.RebaseOwner && prs[i].HeadRepo == req.RebaseRepo && prs[i].HeadRef == req.RebaseRef {
			return &prs[i], nil
		}
	}

	return nil, nil
}

func (m *Manager) reconcilePR(ctx context.Context, req Request, existing *PRListEntry) (*PRListEntry, error) {
	title := Title(req.SourceURL, req.SourceTipSHA, req.DestRef)
	body := Body(req.SourceURL, req.SourceTipSHA, m.latestRelease(ctx, req))

	if existing == nil {
		if err := m.hookRun.Run(ctx, hooks.PhasePreCreatePR, nil); err != nil {
			return nil, fmt.Errorf("pre-create-pr hook failed: %w", err)
		}

		created, err := m.provider.CreatePullRequest(ctx, req.DestOwner, req.DestRepo, title, body, req.RebaseOwner, req.RebaseRef, req.DestRef)
		if err != nil {
			return nil, fmt.Errorf("creating pull request: %w", err)
		}

		m.logger.Info("created pull request", logfields.Event("prmanager_pr_created"), logfields.PullRequest(created.Number))
		return created, nil
	}

	newTitle := retitle(existing.Title, title)

	if err := m.provider.UpdatePullRequestTitleAndBody(ctx, req.DestOwner, req.DestRepo, existing.Number, &newTitle, &body); err != nil {
		return nil, fmt.Errorf("updating pr #%d: %w", existing.Number, err)
	}

	m.logger.Info("updated pull request", logfields.Event("prmanager_pr_updated"), logfields.PullRequest(existing.Number))

	return existing, nil
}

// latestRelease returns the most recent upstream release to annotate the PR
// body with, or nil if the source owner/repo is unknown or listing releases
// fails. Failure here is never fatal: the annotation is best-effort.
func (m *Manager) latestRelease(ctx context.Context, req Request) *ReleaseInfo {
	if req.SourceOwner == "" || req.SourceRepo == "" {
		return nil
	}

	releases, err := m.provider.ListReleases(ctx, req.SourceOwner, req.SourceRepo)
	if err != nil {
		m.logger.Warn("listing upstream releases failed, omitting release annotation from pr body",
			logfields.Event("prmanager_list_releases_failed"),
			zap.Error(err),
		)
		return nil
	}

	if len(releases) == 0 {
		return nil
	}

	return &releases[0]
}

// Title renders the canonical PR title template.
func Title(sourceURL, sourceTipSHA, destRef string) string {
	return fmt.Sprintf("Merge %s (%s) into %s", sourceURL, shortSHA(sourceTipSHA), destRef)
}

// Body renders the canonical PR body, annotated with release (if any) as
// the upstream release the rebase corresponds to.
func Body(sourceURL, sourceTipSHA string, release *ReleaseInfo) string {
	body := fmt.Sprintf("Automated merge of %s at %s.", sourceURL, shortSHA(sourceTipSHA))
	if release != nil {
		body += fmt.Sprintf("\n\nLatest upstream release: [%s](%s).", release.TagName, release.HTMLURL)
	}
	return body
}

func shortSHA(sha string) string {
	if len(sha) <= 7 {
		return sha
	}
	return sha[:7]
}

// retitle regenerates a PR title from the canonical template, preserving
// any leading ticket-id prefix on the existing title. The existing title is
// left unchanged unless what remains after stripping the prefix matches the
// canonical template's shape.
func retitle(existingTitle, canonicalTitle string) string {
	prefix := titlePrefixRe.FindString(existingTitle)
	rest := existingTitle[len(prefix):]

	if !templateRe.MatchString(rest) {
		return existingTitle
	}

	return prefix + canonicalTitle
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}
