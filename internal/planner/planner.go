// Package planner implements the rebase planner (C4): it computes the
// ordered carry set of downstream commits that must be replayed onto the
// tip of source/ref, and decides whether the run needs to push at all.
package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/classify"
	"github.com/rebasebot/rebasebot/internal/gitrepo"
	"github.com/rebasebot/rebasebot/internal/logfields"
)

// TagPolicy decides which dest-only commits are replayed onto source.
type TagPolicy string

const (
	PolicyNone   TagPolicy = "none"
	PolicySoft   TagPolicy = "soft"
	PolicyStrict TagPolicy = "strict"
)

// MinExclusionPrefixLen is the shortest sha prefix accepted in the
// exclusion list; shorter prefixes are ambiguous and rejected at config
// validation time.
const MinExclusionPrefixLen = 4

// Plan is the outcome of planning a rebase: the ordered carry set and
// whether the run needs to push at all.
type Plan struct {
	Carry        []gitrepo.CommitDescriptor
	RequiresPush bool
}

// Planner computes rebase plans against a working repository.
type Planner struct {
	repo   *gitrepo.Repo
	logger *zap.Logger
}

func New(repo *gitrepo.Repo) *Planner {
	return &Planner{repo: repo, logger: zap.L().Named("planner")}
}

// Plan computes the carry set for replaying destRef onto sourceRef.
func (p *Planner) Plan(ctx context.Context, destRef, sourceRef string, policy TagPolicy, excludePrefixes []string) (*Plan, error) {
	mergeBase, err := p.repo.MergeBase(ctx, destRef, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("computing merge-base: %w", err)
	}

	candidates, err := p.repo.Log(ctx, mergeBase, destRef)
	if err != nil {
		return nil, fmt.Errorf("listing candidate carry commits: %w", err)
	}

	filtered := make([]gitrepo.CommitDescriptor, 0, len(candidates))
	for _, c := range candidates {
		tag := classify.Classify(c.Subject)
		if !includeByPolicy(policy, tag.Kind) {
			continue
		}
		if excludedByPrefix(c.SHA, excludePrefixes) {
			p.logger.Debug("excluding commit by configured sha prefix",
				logfields.Event("planner_commit_excluded"),
				logfields.Commit(c.SHA),
			)
			continue
		}
		filtered = append(filtered, c)
	}

	requiresPush, err := p.requiresPush(ctx, sourceRef, mergeBase, filtered)
	if err != nil {
		return nil, fmt.Errorf("evaluating no-op condition: %w", err)
	}

	p.logger.Info("rebase plan computed",
		logfields.Event("planner_plan_computed"),
		logfields.TagPolicy(string(policy)),
		zap.Int("carry_count", len(filtered)),
		zap.Bool("requires_push", requiresPush),
	)

	return &Plan{Carry: filtered, RequiresPush: requiresPush}, nil
}

func includeByPolicy(policy TagPolicy, kind classify.Kind) bool {
	switch policy {
	case PolicySoft:
		return kind != classify.KindDrop
	case PolicyStrict:
		return kind == classify.KindCarry || kind == classify.KindOther
	default: // PolicyNone
		return true
	}
}

func excludedByPrefix(sha string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(sha, prefix) {
			return true
		}
	}
	return false
}

// requiresPush implements the no-op detection: the plan requires no push if
// the carry set is empty, or if every carry commit is already present in
// sourceRef (by patch-id equivalence or ancestry).
func (p *Planner) requiresPush(ctx context.Context, sourceRef, mergeBase string, carry []gitrepo.CommitDescriptor) (bool, error) {
	if len(carry) == 0 {
		return false, nil
	}

	sourcePatchIDs, err := p.repo.PatchIDs(ctx, mergeBase, sourceRef)
	if err != nil {
		return false, fmt.Errorf("computing source patch-ids: %w", err)
	}

	for _, c := range carry {
		id, err := p.repo.PatchID(ctx, c.SHA)
		if err != nil {
			return false, fmt.Errorf("computing patch-id of %s: %w", c.SHA, err)
		}

		if _, ok := sourcePatchIDs[id]; ok {
			continue
		}

		isAncestor, err := p.repo.IsAncestor(ctx, c.SHA, sourceRef)
		if err != nil {
			return false, fmt.Errorf("checking ancestry of %s: %w", c.SHA, err)
		}
		if isAncestor {
			continue
		}

		return true, nil
	}

	return false, nil
}
