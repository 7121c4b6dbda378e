// Package artpr implements the ART-PR picker (C7): it opportunistically
// folds an externally maintained build-tooling-update PR into the rebase
// when exactly one is open and mergeable.
package artpr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/gitrepo"
	"github.com/rebasebot/rebasebot/internal/logfields"
)

// ErrConflict is returned when cherry-picking the ART PR's commits
// conflicts with the current rebase branch.
var ErrConflict = errors.New("art pr could not be applied without conflicts")

// PullRequest is the subset of a hosting-provider pull request the picker
// needs.
type PullRequest struct {
	Number      int
	Title       string
	AuthorLogin string
	HeadOwner   string
	HeadRepo    string
	HeadRef     string
	HeadSHA     string
}

// Provider lists open pull requests and the commits of one of them.
type Provider interface {
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error)
	ListPullRequestCommitSHAs(ctx context.Context, owner, repo string, number int) ([]string, error)
}

// Predicate decides whether a pull request is the bot's target ART PR. The
// detection heuristic is intentionally configurable rather than hardcoded:
// spec.md leaves the exact matching rule as an implementation-defined,
// configurable choice.
type Predicate func(pr PullRequest) bool

// DefaultPredicate matches a pull request whose title mentions the ART
// consistency marker and whose author is the configured bot account.
func DefaultPredicate(authorLogin string) Predicate {
	return func(pr PullRequest) bool {
		return strings.Contains(pr.Title, "consistent with ART") && pr.AuthorLogin == authorLogin
	}
}

// Picker runs the ART-PR opportunistic cherry-pick.
type Picker struct {
	provider  Provider
	predicate Predicate
	repo      *gitrepo.Repo
	logger    *zap.Logger
}

func New(provider Provider, predicate Predicate, repo *gitrepo.Repo) *Picker {
	return &Picker{provider: provider, predicate: predicate, repo: repo, logger: zap.L().Named("artpr")}
}

// Run looks for exactly one open PR on owner/repo matching the picker's
// predicate and, if found, cherry-picks its commits onto the current
// "rebase" branch. Zero or multiple matches are not an error: the phase is
// silently skipped.
func (p *Picker) Run(ctx context.Context, owner, repo string) (applied bool, err error) {
	prs, err := p.provider.ListOpenPullRequests(ctx, owner, repo)
	if err != nil {
		return false, fmt.Errorf("listing open pull requests for ART-PR detection: %w", err)
	}

	var matches []PullRequest
	for _, pr := range prs {
		if p.predicate(pr) {
			matches = append(matches, pr)
		}
	}

	if len(matches) != 1 {
		p.logger.Debug("skipping art-pr phase",
			logfields.Event("artpr_skipped"),
			zap.Int("match_count", len(matches)),
		)
		return false, nil
	}

	match := matches[0]
	shas, err := p.provider.ListPullRequestCommitSHAs(ctx, match.HeadOwner, match.HeadRepo, match.Number)
	if err != nil {
		return false, fmt.Errorf("listing commits of art pr #%d: %w", match.Number, err)
	}

	for _, sha := range shas {
		if err := p.repo.CherryPick(ctx, sha); err != nil {
			if errors.Is(err, gitrepo.ErrConflict) {
				if abortErr := p.repo.CherryPickAbort(ctx); abortErr != nil {
					p.logger.Warn("aborting conflicted art-pr cherry-pick failed",
						logfields.Event("artpr_abort_failed"),
						zap.Error(abortErr),
					)
				}
				return false, fmt.Errorf("%w: pr #%d, commit %s", ErrConflict, match.Number, sha)
			}
			return false, fmt.Errorf("cherry-picking art pr #%d commit %s: %w", match.Number, sha, err)
		}
	}

	p.logger.Info("folded art pr into rebase branch",
		logfields.Event("artpr_applied"),
		logfields.PullRequest(match.Number),
	)

	return true, nil
}
