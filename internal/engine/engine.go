// Package engine wires the individual components into the single top-level
// run: resolve remotes, prepare the workspace, plan and carry the rebase,
// opportunistically fold in the ART PR, then push and reconcile the pull
// request, notifying on completion.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/artpr"
	"github.com/rebasebot/rebasebot/internal/carry"
	"github.com/rebasebot/rebasebot/internal/cliflags"
	"github.com/rebasebot/rebasebot/internal/credentials"
	"github.com/rebasebot/rebasebot/internal/hooks"
	"github.com/rebasebot/rebasebot/internal/logfields"
	"github.com/rebasebot/rebasebot/internal/metrics"
	"github.com/rebasebot/rebasebot/internal/notify"
	"github.com/rebasebot/rebasebot/internal/planner"
	"github.com/rebasebot/rebasebot/internal/prmanager"
	"github.com/rebasebot/rebasebot/internal/remote"
	"github.com/rebasebot/rebasebot/internal/workspace"
)

// Outcome classifies how a run concluded.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeNoop           Outcome = "noop"
	OutcomeManualOverride Outcome = "manual_override"
	OutcomeBlocked        Outcome = "blocked"
	OutcomeFailed         Outcome = "failed"
)

// RunResult summarizes what a run did, for logging and notification.
type RunResult struct {
	Outcome      Outcome
	CarriedCount int
	Pushed       bool
	PRNumber     int
	ARTApplied   bool
}

// RunContext collects every dependency a run needs, already resolved from
// cliflags.Config plus live provider clients. Tests construct it directly
// with fakes; cmd/rebasebot/main.go constructs it from parsed flags.
type RunContext struct {
	Cfg *cliflags.Config

	Creds         credentials.Provider
	ArtProvider   artpr.Provider
	PRProvider    prmanager.Provider
	Notifier      *notify.Sink
	Metrics       *metrics.Collector
	SourceRefHook remote.SourceRefHook

	ArtPREnabled    bool
	ArtPRAuthorName string
}

// Run executes the full pipeline described by spec §2's control flow. On any
// error return it records a failure outcome and posts a failure
// notification before returning, so every one of its error paths is
// observable the same way a successful run is.
func Run(ctx context.Context, rc *RunContext) (result *RunResult, err error) {
	logger := zap.L().Named("engine")
	start := time.Now()

	defer func() {
		if err != nil {
			if result == nil {
				result = &RunResult{}
			}
			result.Outcome = OutcomeFailed
			recordMetrics(rc.Metrics, metrics.OutcomeFailure, start)
			rc.Notifier.Notify(ctx, notify.OutcomeFailure, err.Error())
		}
	}()

	var sourceRemote *remote.Remote
	if rc.Cfg.SourceRepo != "" {
		sourceRemote, err = remote.ParseSpec(remote.Source, remote.ProviderGithub, githubURL(rc.Cfg.SourceRepo)+":unresolved")
		if err != nil {
			return nil, fmt.Errorf("parsing source remote: %w", err)
		}

		if err := remote.ResolveDynamicSourceRef(ctx, sourceRemote, rc.Cfg.SourceRepo, rc.SourceRefHook); err != nil {
			return nil, err
		}
	} else {
		sourceRemote, err = remote.ParseSpec(remote.Source, remote.ProviderGithub, rc.Cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("parsing source remote: %w", err)
		}
	}

	destRemote, err := remote.ParseSpec(remote.Dest, remote.ProviderGithub, rc.Cfg.Dest)
	if err != nil {
		return nil, fmt.Errorf("parsing dest remote: %w", err)
	}

	rebaseRemote, err := remote.ParseSpec(remote.Rebase, remote.ProviderGithub, rc.Cfg.Rebase)
	if err != nil {
		return nil, fmt.Errorf("parsing rebase remote: %w", err)
	}

	ws := workspace.New(rc.Creds)
	repo, err := ws.Prepare(ctx, workspace.Config{
		Dir:         rc.Cfg.WorkingDir,
		GitUsername: rc.Cfg.GitUsername,
		GitEmail:    rc.Cfg.GitEmail,
		Remotes: map[remote.Name]*remote.Remote{
			remote.Source: sourceRemote,
			remote.Dest:   destRemote,
			remote.Rebase: rebaseRemote,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}

	hookCfg := hooks.Config{
		SourceRef:   sourceRemote.Ref,
		DestRef:     destRemote.Ref,
		RebaseRef:   rebaseRemote.Ref,
		WorkingDir:  repo.Dir,
		GitUsername: rc.Cfg.GitUsername,
		GitEmail:    rc.Cfg.GitEmail,
	}

	hookSpecs, err := buildHookSpecs(rc.Cfg)
	if err != nil {
		return nil, err
	}

	resolver := hooks.NewResolver(repo, repo.Dir)
	hookRunner := hooks.NewRunner(resolver, hookSpecs, hookCfg, time.Duration(rc.Cfg.HookTimeoutSeconds)*time.Second, rc.Metrics)

	pl := planner.New(repo)
	plan, err := pl.Plan(ctx, "dest/"+destRemote.Ref, "source/"+sourceRemote.Ref, planner.TagPolicy(rc.Cfg.TagPolicy), rc.Cfg.ExcludeCommits)
	if err != nil {
		return nil, fmt.Errorf("planning rebase: %w", err)
	}

	if rc.Metrics != nil {
		rc.Metrics.SetCarriedCommits(len(plan.Carry))
	}

	executor := carry.New(repo, hookRunner, rc.Cfg.BotEmails)
	if _, err := executor.Run(ctx, "source/"+sourceRemote.Ref, plan, rc.Cfg.AlwaysRunHooks); err != nil {
		return nil, fmt.Errorf("carrying commits: %w", err)
	}

	result = &RunResult{CarriedCount: len(plan.Carry)}

	if rc.ArtPREnabled {
		owner, repoName, err := remote.ParseGithubOwnerRepo(sourceRemote.URL)
		if err == nil {
			picker := artpr.New(
				rc.ArtProvider,
				artpr.DefaultPredicate(rc.ArtPRAuthorName),
				repo,
			)
			applied, err := picker.Run(ctx, owner, repoName)
			if err != nil {
				return nil, fmt.Errorf("art-pr phase: %w", err)
			}
			result.ARTApplied = applied
		}
	}

	if !plan.RequiresPush && !rc.Cfg.AlwaysRunHooks {
		result.Outcome = OutcomeNoop
		logger.Info("run completed with no-op rebase", logfields.Event("engine_run_noop"))
		recordMetrics(rc.Metrics, metrics.OutcomeNoop, start)
		rc.Notifier.Notify(ctx, notify.OutcomeNoop, fmt.Sprintf("%d commits already present in %s", len(plan.Carry), sourceRemote.Ref))
		return result, nil
	}

	sourceTip, err := repo.RevParse(ctx, "source/"+sourceRemote.Ref)
	if err != nil {
		return nil, fmt.Errorf("resolving source tip: %w", err)
	}

	destOwner, destRepoName, err := remote.ParseGithubOwnerRepo(destRemote.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing dest owner/repo: %w", err)
	}
	rebaseOwner, rebaseRepoName, err := remote.ParseGithubOwnerRepo(rebaseRemote.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing rebase owner/repo: %w", err)
	}

	// SourceOwner/SourceRepo are best-effort: a parse failure only means the
	// reconciled PR body omits the upstream-release annotation.
	sourceOwner, sourceRepoName, _ := remote.ParseGithubOwnerRepo(sourceRemote.URL)

	prMgr := prmanager.New(
		rc.PRProvider,
		repo,
		hookRunner,
		&notifierAdapter{sink: rc.Notifier},
		rc.Cfg.DryRun,
	)

	prResult, err := prMgr.Run(ctx, prmanager.Request{
		DestOwner:         destOwner,
		DestRepo:          destRepoName,
		RebaseOwner:       rebaseOwner,
		RebaseRepo:        rebaseRepoName,
		RebaseRemote:      string(remote.Rebase),
		RebaseRef:         rebaseRemote.Ref,
		DestRef:           destRemote.Ref,
		SourceURL:         sourceRemote.URL,
		SourceOwner:       sourceOwner,
		SourceRepo:        sourceRepoName,
		SourceTipSHA:      sourceTip,
		IgnoreManualLabel: rc.Cfg.IgnoreManualLabel,
	}, rc.Cfg.AlwaysRunHooks)
	if err != nil {
		return nil, fmt.Errorf("push and pr reconcile: %w", err)
	}

	result.Pushed = prResult.Pushed
	if prResult.PR != nil {
		result.PRNumber = prResult.PR.Number
	}
	var metricsOutcome metrics.OutcomeLabel
	result.Outcome, metricsOutcome = outcomeFor(prResult)

	logger.Info("run completed",
		logfields.Event("engine_run_completed"),
		logfields.Outcome(string(result.Outcome)),
		zap.Int("carried_commits", result.CarriedCount),
		zap.Bool("pushed", result.Pushed),
		zap.Int("pr_number", result.PRNumber),
	)

	recordMetrics(rc.Metrics, metricsOutcome, start)

	// prmanager already notified for the manual-override and blocked skip
	// reasons at the point it observed them; only the pushed and plain-noop
	// (no diff / dry-run) cases still need a notification here.
	switch result.Outcome {
	case OutcomeSuccess:
		rc.Notifier.Notify(ctx, notify.OutcomeSuccess, fmt.Sprintf("pr #%d", result.PRNumber))
	case OutcomeNoop:
		rc.Notifier.Notify(ctx, notify.OutcomeNoop, fmt.Sprintf("%d commits already present in %s", len(plan.Carry), sourceRemote.Ref))
	}

	return result, nil
}

// outcomeFor classifies a completed push/reconcile result into the run's
// public Outcome and the metrics label recorded alongside it.
func outcomeFor(r *prmanager.Result) (Outcome, metrics.OutcomeLabel) {
	if r.Pushed {
		return OutcomeSuccess, metrics.OutcomeSuccess
	}

	switch r.SkipReason {
	case prmanager.SkipReasonManualOverride:
		return OutcomeManualOverride, metrics.OutcomeNoop
	case prmanager.SkipReasonBlocked:
		return OutcomeBlocked, metrics.OutcomeNoop
	default:
		return OutcomeNoop, metrics.OutcomeNoop
	}
}

func recordMetrics(m *metrics.Collector, outcome metrics.OutcomeLabel, start time.Time) {
	if m == nil {
		return
	}
	m.IncRunOutcome(outcome)
	m.ObserveRunDuration(time.Since(start).Seconds())
}

func githubURL(ownerRepo string) string {
	return "https://github.com/" + ownerRepo + ".git"
}

func buildHookSpecs(cfg *cliflags.Config) (map[hooks.Phase][]*hooks.Spec, error) {
	specs := map[hooks.Phase][]*hooks.Spec{}

	phases := []struct {
		phase hooks.Phase
		raw   []string
	}{
		{hooks.PhasePreRebase, cfg.PreRebaseHooks},
		{hooks.PhasePreCarryCommit, cfg.PreCarryCommitHooks},
		{hooks.PhasePostRebase, cfg.PostRebaseHooks},
		{hooks.PhasePrePushRebaseBranch, cfg.PrePushRebaseBranchHooks},
		{hooks.PhasePreCreatePR, cfg.PreCreatePRHooks},
	}

	for _, p := range phases {
		for _, raw := range p.raw {
			spec, err := hooks.ParseSpec(raw)
			if err != nil {
				return nil, fmt.Errorf("parsing %s hook %q: %w", p.phase, raw, err)
			}
			specs[p.phase] = append(specs[p.phase], spec)
		}
	}

	return specs, nil
}

// notifierAdapter adapts notify.Sink to prmanager.Notifier.
type notifierAdapter struct {
	sink *notify.Sink
}

func (n *notifierAdapter) NotifyManualOverride(ctx context.Context, prNumber int) {
	if n.sink == nil {
		return
	}
	n.sink.NotifyManualOverride(ctx, prNumber)
}

func (n *notifierAdapter) NotifyBlocked(ctx context.Context, prNumber int, reason string) {
	if n.sink == nil {
		return
	}
	n.sink.NotifyBlocked(ctx, prNumber, reason)
}
