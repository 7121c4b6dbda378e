package gitrepo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()

	dir := t.TempDir()
	r := New(dir)
	r.Env = []string{
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	}

	require.NoError(t, r.Init(context.Background()))
	return r
}

func commitFile(t *testing.T, r *Repo, name, content, message string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, name), []byte(content), 0o644))

	cmd := exec.Command("git", "add", name)
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())

	out, err := r.run(context.Background(), "commit", "--message", message)
	require.NoErrorf(t, err, "commit output: %s", out)

	sha, err := r.RevParse(context.Background(), "HEAD")
	require.NoError(t, err)
	return sha
}

func TestMergeBaseAndLog(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	base := commitFile(t, r, "a.txt", "1", "base commit")
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "downstream").Run())

	upstream := commitFile(t, r, "b.txt", "2", "upstream commit")

	require.NoError(t, r.CheckoutNewBranch(ctx, "downstream", "downstream"))
	down1 := commitFile(t, r, "c.txt", "3", "UPSTREAM: <carry>: keep this")

	mb, err := r.MergeBase(ctx, "downstream", "master")
	require.NoError(t, err)
	require.Equal(t, base, mb)
	require.NotEqual(t, upstream, mb)

	commits, err := r.Log(ctx, mb, "downstream")
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, down1, commits[0].SHA)
	require.Equal(t, "UPSTREAM: <carry>: keep this", commits[0].Subject)
}

func TestCherryPickConflictIsReported(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	commitFile(t, r, "a.txt", "base\n", "base commit")
	require.NoError(t, exec.Command("git", "-C", r.Dir, "branch", "other").Run())

	commitFile(t, r, "a.txt", "changed-on-main\n", "change on main")

	require.NoError(t, r.CheckoutNewBranch(ctx, "other", "other"))
	conflicting := commitFile(t, r, "a.txt", "changed-on-other\n", "change on other")

	require.NoError(t, r.CheckoutNewBranch(ctx, "target", "master"))
	err := r.CherryPick(ctx, conflicting)
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, r.CherryPickAbort(ctx))
}

func TestIsAncestor(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	base := commitFile(t, r, "a.txt", "1", "base")
	commitFile(t, r, "b.txt", "2", "second")

	ok, err := r.IsAncestor(ctx, base, "HEAD")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.IsAncestor(ctx, "HEAD", base)
	require.NoError(t, err)
	require.False(t, ok)
}
