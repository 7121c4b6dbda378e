package carry

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rebasebot/rebasebot/internal/gitrepo"
	"github.com/rebasebot/rebasebot/internal/hooks"
	"github.com/rebasebot/rebasebot/internal/planner"
)

func newTestRepo(t *testing.T) *gitrepo.Repo {
	t.Helper()

	dir := t.TempDir()
	r := gitrepo.New(dir)
	r.Env = []string{
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	}
	require.NoError(t, r.Init(context.Background()))
	return r
}

func commit(t *testing.T, r *gitrepo.Repo, name, content, message string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, name), []byte(content), 0o644))

	cmd := exec.Command("git", "add", name)
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())

	cmd = exec.Command("git", "commit", "--message", message)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "commit output: %s", out)

	sha, err := r.RevParse(context.Background(), "HEAD")
	require.NoError(t, err)
	return sha
}

func commitAs(t *testing.T, r *gitrepo.Repo, name, content, message, authorName, authorEmail string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, name), []byte(content), 0o644))

	cmd := exec.Command("git", "add", name)
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())

	cmd = exec.Command("git", "commit", "--message", message)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+authorName, "GIT_AUTHOR_EMAIL="+authorEmail,
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "commit output: %s", out)

	sha, err := r.RevParse(context.Background(), "HEAD")
	require.NoError(t, err)
	return sha
}

func noopHookRunner(repo *gitrepo.Repo) *hooks.Runner {
	resolver := hooks.NewResolver(repo, repo.Dir)
	return hooks.NewRunner(resolver, nil, hooks.Config{WorkingDir: repo.Dir}, 0, nil)
}

func TestExecutorAppliesCarrySet(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	commit(t, r, "a.txt", "A", "A")
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "source").Run())
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "dest").Run())

	require.NoError(t, r.CheckoutNewBranch(ctx, "dest", "dest"))
	carrySHA := commit(t, r, "carry.txt", "carry", "UPSTREAM: <carry>: patch")

	pl := planner.New(r)
	plan, err := pl.Plan(ctx, "dest", "source", planner.PolicyStrict, nil)
	require.NoError(t, err)
	require.Len(t, plan.Carry, 1)

	ex := New(r, noopHookRunner(r), nil)
	tip, err := ex.Run(ctx, "source", plan, false)
	require.NoError(t, err)
	require.NotEmpty(t, tip)

	log, err := r.Log(ctx, "source", "rebase")
	require.NoError(t, err)
	require.Len(t, log, 1)
	wantPatchID, err := r.PatchID(ctx, carrySHA)
	require.NoError(t, err)
	gotPatchID, err := r.PatchID(ctx, log[0].SHA)
	require.NoError(t, err)
	require.Equal(t, wantPatchID, gotPatchID)
}

func TestExecutorSquashesConsecutiveCommitsFromSameBotEmail(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	commit(t, r, "a.txt", "A", "A")
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "source").Run())
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "dest").Run())

	require.NoError(t, r.CheckoutNewBranch(ctx, "dest", "dest"))
	commitAs(t, r, "bot1.txt", "one", "UPSTREAM: <carry>: bot change one", "bot", "bot@example.com")
	commitAs(t, r, "bot2.txt", "two", "UPSTREAM: <carry>: bot change two", "bot", "bot@example.com")

	pl := planner.New(r)
	plan, err := pl.Plan(ctx, "dest", "source", planner.PolicyNone, nil)
	require.NoError(t, err)
	require.Len(t, plan.Carry, 2)

	ex := New(r, noopHookRunner(r), []string{"bot@example.com"})
	_, err = ex.Run(ctx, "source", plan, false)
	require.NoError(t, err)

	log, err := r.Log(ctx, "source", "rebase")
	require.NoError(t, err)
	require.Len(t, log, 1, "the two bot commits should have been squashed into one")
	require.Equal(t, "UPSTREAM: <carry>: bot change two", log[0].Subject)
	require.Equal(t, "bot@example.com", extractEmail(log[0].Author))
}

func TestExecutorDoesNotSquashCommitsFromDifferentBotEmails(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	commit(t, r, "a.txt", "A", "A")
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "source").Run())
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "dest").Run())

	require.NoError(t, r.CheckoutNewBranch(ctx, "dest", "dest"))
	commitAs(t, r, "bot1.txt", "one", "UPSTREAM: <carry>: bot one change", "bot-one", "bot-one@example.com")
	commitAs(t, r, "bot2.txt", "two", "UPSTREAM: <carry>: bot two change", "bot-two", "bot-two@example.com")

	pl := planner.New(r)
	plan, err := pl.Plan(ctx, "dest", "source", planner.PolicyNone, nil)
	require.NoError(t, err)
	require.Len(t, plan.Carry, 2)

	ex := New(r, noopHookRunner(r), []string{"bot-one@example.com", "bot-two@example.com"})
	_, err = ex.Run(ctx, "source", plan, false)
	require.NoError(t, err)

	log, err := r.Log(ctx, "source", "rebase")
	require.NoError(t, err)
	require.Len(t, log, 2, "commits from two different bot emails must not be squashed together")
}

func TestExecutorReportsConflictAsFatal(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	commit(t, r, "a.txt", "base\n", "base")
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "source").Run())
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "dest").Run())

	commit(t, r, "a.txt", "changed-on-source\n", "UPSTREAM: <carry>: change on source parent")
	require.NoError(t, exec.Command("git", "-C", r.Dir, "checkout", "source").Run())
	require.NoError(t, exec.Command("git", "-C", r.Dir, "reset", "--hard", "master").Run())

	require.NoError(t, r.CheckoutNewBranch(ctx, "dest", "dest"))
	commit(t, r, "a.txt", "changed-on-dest\n", "UPSTREAM: <carry>: change on dest")

	pl := planner.New(r)
	plan, err := pl.Plan(ctx, "dest", "source", planner.PolicyStrict, nil)
	require.NoError(t, err)
	require.Len(t, plan.Carry, 1)

	ex := New(r, noopHookRunner(r), nil)
	_, err = ex.Run(ctx, "source", plan, false)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConflict)
}
