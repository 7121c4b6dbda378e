package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rebasebot/rebasebot/internal/gitrepo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseSpec(t *testing.T) {
	cases := []struct {
		raw  string
		want Spec
	}{
		{"_BUILTIN_/update-go-modules.sh", Spec{Origin: OriginBuiltin, Path: "update-go-modules.sh"}},
		{"/opt/hooks/foo.sh", Spec{Origin: OriginLocal, Path: "/opt/hooks/foo.sh"}},
		{"git:source/main:hooks/foo.sh", Spec{Origin: OriginGit, GitRemote: "source", GitRef: "main", GitPath: "hooks/foo.sh"}},
		{"git:https://example.com/repo.git/main:hooks/foo.sh", Spec{Origin: OriginGit, GitURL: "https://example.com/repo.git", GitRef: "main", GitPath: "hooks/foo.sh"}},
	}

	for _, c := range cases {
		got, err := ParseSpec(c.raw)
		require.NoErrorf(t, err, "raw: %s", c.raw)
		assert.Equal(t, c.want.Origin, got.Origin, "raw: %s", c.raw)
		assert.Equal(t, c.want.Path, got.Path, "raw: %s", c.raw)
		assert.Equal(t, c.want.GitRemote, got.GitRemote, "raw: %s", c.raw)
		assert.Equal(t, c.want.GitURL, got.GitURL, "raw: %s", c.raw)
		assert.Equal(t, c.want.GitRef, got.GitRef, "raw: %s", c.raw)
		assert.Equal(t, c.want.GitPath, got.GitPath, "raw: %s", c.raw)
	}
}

func TestParseSpecInvalid(t *testing.T) {
	_, err := ParseSpec("")
	require.Error(t, err)

	_, err = ParseSpec("git:missing-path")
	require.Error(t, err)
}

func TestResolveBuiltin(t *testing.T) {
	resolver := NewResolver(nil, t.TempDir())

	spec, err := ParseSpec("_BUILTIN_/update-go-modules.sh")
	require.NoError(t, err)

	path, err := resolver.Resolve(context.Background(), spec)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "materialized hook should be executable")
}

func TestRunnerExecutesHookWithEnv(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "check.sh")
	script := `#!/bin/sh
[ "$REBASEBOT_SOURCE" = "main" ] || exit 1
[ "$REBASEBOT_DEST" = "release" ] || exit 1
exit 0
`
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o700))

	repo := gitrepo.New(dir)
	resolver := NewResolver(repo, dir)

	spec, err := ParseSpec(scriptPath)
	require.NoError(t, err)

	runner := NewRunner(resolver, map[Phase][]*Spec{PhasePreRebase: {spec}}, Config{
		SourceRef:  "main",
		DestRef:    "release",
		WorkingDir: dir,
	}, time.Second, nil)

	err = runner.Run(context.Background(), PhasePreRebase, nil)
	require.NoError(t, err)
}

func TestRunnerReportsNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\necho boom 1>&2\nexit 3\n"), 0o700))

	repo := gitrepo.New(dir)
	resolver := NewResolver(repo, dir)
	spec, err := ParseSpec(scriptPath)
	require.NoError(t, err)

	runner := NewRunner(resolver, map[Phase][]*Spec{PhasePostRebase: {spec}}, Config{WorkingDir: dir}, time.Second, nil)

	err = runner.Run(context.Background(), PhasePostRebase, nil)
	require.Error(t, err)

	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, 3, scriptErr.ExitCode)
	assert.Contains(t, scriptErr.Stderr, "boom")
}

func TestRunnerKillsOnTimeout(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "slow.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\nsleep 5\n"), 0o700))

	repo := gitrepo.New(dir)
	resolver := NewResolver(repo, dir)
	spec, err := ParseSpec(scriptPath)
	require.NoError(t, err)

	runner := NewRunner(resolver, map[Phase][]*Spec{PhasePostRebase: {spec}}, Config{WorkingDir: dir}, 100*time.Millisecond, nil)

	err = runner.Run(context.Background(), PhasePostRebase, nil)
	require.Error(t, err)

	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.True(t, scriptErr.TimedOut)
}
