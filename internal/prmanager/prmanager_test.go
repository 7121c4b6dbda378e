package prmanager

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rebasebot/rebasebot/internal/gitrepo"
	"github.com/rebasebot/rebasebot/internal/hooks"
)

type fakeProvider struct {
	prs        []PRListEntry
	labels     map[int][]string
	blocked    map[int]bool
	releases   []ReleaseInfo
	created    *PRListEntry
	updated    map[int][2]string
	nextNumber int
}

func (f *fakeProvider) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]PRListEntry, error) {
	return f.prs, nil
}

func (f *fakeProvider) CreatePullRequest(ctx context.Context, owner, repo, title, body, headOwner, headBranch, base string) (*PRListEntry, error) {
	f.nextNumber++
	pr := &PRListEntry{Number: f.nextNumber, Title: title, Body: body, HeadOwner: headOwner, HeadRef: headBranch}
	f.created = pr
	return pr, nil
}

func (f *fakeProvider) UpdatePullRequestTitleAndBody(ctx context.Context, owner, repo string, number int, title, body *string) error {
	if f.updated == nil {
		f.updated = map[int][2]string{}
	}
	f.updated[number] = [2]string{*title, *body}
	return nil
}

func (f *fakeProvider) ListLabels(ctx context.Context, owner, repo string, number int) ([]string, error) {
	return f.labels[number], nil
}

func (f *fakeProvider) IsBlockedFromMerge(ctx context.Context, owner, repo string, number int) (bool, error) {
	return f.blocked[number], nil
}

func (f *fakeProvider) ListReleases(ctx context.Context, owner, repo string) ([]ReleaseInfo, error) {
	return f.releases, nil
}

func newTestRepoWithRemotes(t *testing.T) (*gitrepo.Repo, *hooks.Runner) {
	t.Helper()

	dir := t.TempDir()
	r := gitrepo.New(dir)
	r.Env = []string{
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	}
	require.NoError(t, r.Init(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "commit", "--message", "base")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)
	require.NoError(t, cmd.Run())

	require.NoError(t, exec.Command("git", "-C", dir, "branch", "rebase").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "branch", "dest-base").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "remote", "add", "dest", dir).Run())
	require.NoError(t, exec.Command("git", "-C", dir, "fetch", "dest").Run())

	resolver := hooks.NewResolver(r, dir)
	runner := hooks.NewRunner(resolver, nil, hooks.Config{WorkingDir: dir}, 0, nil)

	return r, runner
}

func TestRunSkipsWhenNoDiff(t *testing.T) {
	ctx := context.Background()
	r, runner := newTestRepoWithRemotes(t)

	require.NoError(t, r.CheckoutNewBranch(ctx, "rebase", "dest/dest-base"))

	p := &fakeProvider{}
	m := New(p, r, runner, nil, false)

	res, err := m.Run(ctx, Request{DestRef: "dest-base", RebaseRemote: "rebase"}, false)
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestRunCreatesNewPRWhenNoneExists(t *testing.T) {
	ctx := context.Background()
	r, runner := newTestRepoWithRemotes(t)

	require.NoError(t, r.CheckoutNewBranch(ctx, "rebase", "master"))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "b.txt"), []byte("b"), 0o644))
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "commit", "--message", "extra")
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	require.NoError(t, cmd.Run())

	require.NoError(t, exec.Command("git", "-C", r.Dir, "remote", "add", "rebase", r.Dir).Run())

	p := &fakeProvider{}
	m := New(p, r, runner, nil, false)

	res, err := m.Run(ctx, Request{
		DestRef: "dest-base", RebaseRemote: "rebase", RebaseRef: "topic",
		SourceURL: "https://example.com/up.git", SourceTipSHA: "abcdef1234567890",
	}, false)
	require.NoError(t, err)
	require.True(t, res.Pushed)
	require.NotNil(t, p.created)
	require.Contains(t, p.created.Title, "Merge https://example.com/up.git (abcdef1) into dest-base")
}

func TestRunHonorsManualOverrideLabel(t *testing.T) {
	ctx := context.Background()
	r, runner := newTestRepoWithRemotes(t)

	require.NoError(t, r.CheckoutNewBranch(ctx, "rebase", "master"))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "b.txt"), []byte("b"), 0o644))
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "commit", "--message", "extra")
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	require.NoError(t, cmd.Run())
	require.NoError(t, exec.Command("git", "-C", r.Dir, "remote", "add", "rebase", r.Dir).Run())

	p := &fakeProvider{
		prs:    []PRListEntry{{Number: 5, Title: "Merge old (aaa) into dest-base", HeadOwner: "", HeadRef: "topic"}},
		labels: map[int][]string{5: {ManualOverrideLabel}},
	}
	m := New(p, r, runner, nil, false)

	res, err := m.Run(ctx, Request{
		DestRef: "dest-base", RebaseRemote: "rebase", RebaseRef: "topic",
		SourceURL: "https://example.com/up.git", SourceTipSHA: "abcdef1234567890",
	}, false)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.False(t, res.Pushed)
	require.Equal(t, 5, res.PR.Number)
	require.Nil(t, p.updated)
	require.Nil(t, p.created)
}

func TestRunIgnoresManualOverrideLabelWhenRequested(t *testing.T) {
	ctx := context.Background()
	r, runner := newTestRepoWithRemotes(t)

	require.NoError(t, r.CheckoutNewBranch(ctx, "rebase", "master"))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "b.txt"), []byte("b"), 0o644))
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "commit", "--message", "extra")
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	require.NoError(t, cmd.Run())
	require.NoError(t, exec.Command("git", "-C", r.Dir, "remote", "add", "rebase", r.Dir).Run())

	p := &fakeProvider{
		prs:    []PRListEntry{{Number: 5, Title: "Merge old (aaa) into dest-base", HeadOwner: "", HeadRef: "topic"}},
		labels: map[int][]string{5: {ManualOverrideLabel}},
	}
	m := New(p, r, runner, nil, false)

	res, err := m.Run(ctx, Request{
		DestRef: "dest-base", RebaseRemote: "rebase", RebaseRef: "topic",
		SourceURL: "https://example.com/up.git", SourceTipSHA: "abcdef1234567890",
		IgnoreManualLabel: true,
	}, false)
	require.NoError(t, err)
	require.True(t, res.Pushed)
	require.Equal(t, 5, res.PR.Number)
	require.NotNil(t, p.updated)
}

func TestRunSkipsBlockedPR(t *testing.T) {
	ctx := context.Background()
	r, runner := newTestRepoWithRemotes(t)

	require.NoError(t, r.CheckoutNewBranch(ctx, "rebase", "master"))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "b.txt"), []byte("b"), 0o644))
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "commit", "--message", "extra")
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	require.NoError(t, cmd.Run())
	require.NoError(t, exec.Command("git", "-C", r.Dir, "remote", "add", "rebase", r.Dir).Run())

	p := &fakeProvider{
		prs:     []PRListEntry{{Number: 5, Title: "Merge old (aaa) into dest-base", HeadOwner: "", HeadRef: "topic"}},
		blocked: map[int]bool{5: true},
	}
	m := New(p, r, runner, nil, false)

	res, err := m.Run(ctx, Request{
		DestRef: "dest-base", RebaseRemote: "rebase", RebaseRef: "topic",
		SourceURL: "https://example.com/up.git", SourceTipSHA: "abcdef1234567890",
	}, false)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, SkipReasonBlocked, res.SkipReason)
	require.False(t, res.Pushed)
	require.Nil(t, p.updated)
	require.Nil(t, p.created)
}

func TestReconcilePRAnnotatesBodyWithLatestRelease(t *testing.T) {
	ctx := context.Background()
	r, runner := newTestRepoWithRemotes(t)

	require.NoError(t, r.CheckoutNewBranch(ctx, "rebase", "master"))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "b.txt"), []byte("b"), 0o644))
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "commit", "--message", "extra")
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	require.NoError(t, cmd.Run())
	require.NoError(t, exec.Command("git", "-C", r.Dir, "remote", "add", "rebase", r.Dir).Run())

	p := &fakeProvider{
		releases: []ReleaseInfo{{TagName: "v1.2.3", HTMLURL: "https://example.com/releases/v1.2.3"}},
	}
	m := New(p, r, runner, nil, false)

	res, err := m.Run(ctx, Request{
		DestRef: "dest-base", RebaseRemote: "rebase", RebaseRef: "topic",
		SourceURL: "https://example.com/up.git", SourceOwner: "example", SourceRepo: "up",
		SourceTipSHA: "abcdef1234567890",
	}, false)
	require.NoError(t, err)
	require.True(t, res.Pushed)
	require.NotNil(t, p.created)
	require.Contains(t, p.created.Body, "Latest upstream release: [v1.2.3](https://example.com/releases/v1.2.3)")
}

func TestRetitlePreservesTicketPrefix(t *testing.T) {
	got := retitle("OCPBUGS-123: Merge old (abc) into release-4.16", "Merge new (def) into release-4.16")
	require.Equal(t, "OCPBUGS-123: Merge new (def) into release-4.16", got)
}

func TestRetitleLeavesUnrelatedTitleUnchanged(t *testing.T) {
	got := retitle("Fix flaky test", "Merge new (def) into release-4.16")
	require.Equal(t, "Fix flaky test", got)
}
