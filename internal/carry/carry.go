// Package carry implements the carry executor (C5): it checks out the
// rebase branch at source/ref, replays the planned carry set onto it, and
// invokes the pre-rebase/pre-carry-commit/post-rebase hooks around that
// work.
package carry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/gitrepo"
	"github.com/rebasebot/rebasebot/internal/hooks"
	"github.com/rebasebot/rebasebot/internal/logfields"
	"github.com/rebasebot/rebasebot/internal/planner"
)

// ErrConflict is returned when a cherry-pick could not be applied cleanly.
// Carry commit conflicts are always fatal; this system does not attempt
// automatic conflict resolution.
var ErrConflict = errors.New("carry commit could not be applied without conflicts")

// Executor replays a rebase plan onto the local "rebase" branch.
type Executor struct {
	repo      *gitrepo.Repo
	hookRun   *hooks.Runner
	botEmails map[string]bool
	logger    *zap.Logger
}

// New creates an Executor. botEmails, if non-empty, enables squashing of
// consecutive carry commits authored by one of the given emails into a
// single commit carrying the newest bot commit's subject line.
func New(repo *gitrepo.Repo, hookRun *hooks.Runner, botEmails []string) *Executor {
	set := make(map[string]bool, len(botEmails))
	for _, e := range botEmails {
		set[e] = true
	}

	return &Executor{repo: repo, hookRun: hookRun, botEmails: set, logger: zap.L().Named("carry")}
}

// Run checks out "rebase" at sourceRef and replays plan.Carry onto it. It
// returns the new tip SHA of the rebase branch.
func (e *Executor) Run(ctx context.Context, sourceRef string, plan *planner.Plan, alwaysRunHooks bool) (string, error) {
	if err := e.repo.CheckoutNewBranch(ctx, "rebase", sourceRef); err != nil {
		return "", fmt.Errorf("checking out rebase branch at %s: %w", sourceRef, err)
	}

	runPreCarry := len(plan.Carry) > 0

	if runPreCarry || alwaysRunHooks {
		if err := e.hookRun.Run(ctx, hooks.PhasePreRebase, nil); err != nil {
			return "", fmt.Errorf("pre-rebase hook failed: %w", err)
		}
	}

	squashable := len(e.botEmails) > 0

	for i, c := range plan.Carry {
		if err := e.hookRun.Run(ctx, hooks.PhasePreCarryCommit, map[string]string{
			"REBASEBOT_CARRY_COMMIT": c.SHA,
		}); err != nil {
			return "", fmt.Errorf("pre-carry-commit hook failed for %s: %w", c.SHA, err)
		}

		if err := e.repo.CherryPick(ctx, c.SHA); err != nil {
			if errors.Is(err, gitrepo.ErrConflict) {
				if abortErr := e.repo.CherryPickAbort(ctx); abortErr != nil {
					e.logger.Warn("aborting conflicted cherry-pick failed",
						logfields.Event("carry_abort_failed"),
						zap.Error(abortErr),
					)
				}

				return "", fmt.Errorf("%w: commit %s: %s", ErrConflict, c.SHA, err)
			}

			return "", fmt.Errorf("cherry-picking %s: %w", c.SHA, err)
		}

		e.logger.Debug("carried commit",
			logfields.Event("carry_commit_applied"),
			logfields.Commit(c.SHA),
		)

		if squashable && i > 0 {
			prevEmail := e.botEmail(plan.Carry[i-1])
			currEmail := e.botEmail(c)

			if prevEmail != "" && prevEmail == currEmail {
				if err := e.repo.SquashLastTwo(ctx, c.Subject, currEmail); err != nil {
					return "", fmt.Errorf("squashing bot commits at %s: %w", c.SHA, err)
				}
			}
		}
	}

	if runPreCarry || alwaysRunHooks {
		if err := e.hookRun.Run(ctx, hooks.PhasePostRebase, nil); err != nil {
			return "", fmt.Errorf("post-rebase hook failed: %w", err)
		}
	}

	tip, err := e.repo.RevParse(ctx, "rebase")
	if err != nil {
		return "", fmt.Errorf("resolving rebase branch tip: %w", err)
	}

	return tip, nil
}

// botEmail returns c's author email if it is one of the configured bot
// emails, or "" otherwise.
func (e *Executor) botEmail(c gitrepo.CommitDescriptor) string {
	email := extractEmail(c.Author)
	if e.botEmails[email] {
		return email
	}
	return ""
}

// extractEmail pulls the email out of a "Name <email>" author string.
func extractEmail(author string) string {
	start := -1
	for i, r := range author {
		if r == '<' {
			start = i + 1
		}
		if r == '>' && start >= 0 {
			return author[start:i]
		}
	}
	return ""
}
