// Package gitrepo wraps the git command line tool to provide the plumbing
// operations the rebase engine needs. No git library is used: every
// operation shells out to the git binary via os/exec, the same approach
// every git-touching repository in this codebase's lineage uses.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/logfields"
	"github.com/rebasebot/rebasebot/internal/stringutils"
)

// ErrNotFound is returned by operations that look up a ref, commit or file
// that does not exist.
var ErrNotFound = errors.New("not found")

// CommandError wraps a failed git invocation, carrying the verbatim
// standard error output of the git process.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s failed: %s\nstderr:\n%s",
		strings.Join(e.Args, " "), e.Err, stringutils.IndentString(e.Stderr, "  "))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Repo is a working copy that all plumbing operations run against.
type Repo struct {
	// Dir is the working directory of the repository.
	Dir string
	// Env are additional environment variables passed to every git
	// invocation, appended to the process's own environment (for example
	// a fixed author/committer identity).
	Env []string

	logger *zap.Logger
}

func New(dir string) *Repo {
	return &Repo{
		Dir:    dir,
		logger: zap.L().Named("gitrepo"),
	}
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running git command",
		logfields.Event("git_command_running"),
		zap.Strings("args", args),
	)

	err := cmd.Run()
	if err != nil {
		return "", &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}

	return stdout.String(), nil
}

// Init creates the repository directory and runs `git init` if it has not
// been initialized yet.
func (r *Repo) Init(ctx context.Context) error {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}

	if _, err := os.Stat(r.Dir + "/.git"); err == nil {
		return nil
	}

	_, err := r.run(ctx, "init", "--initial-branch=master")
	return err
}

// AddRemote adds a remote, or updates its URL if it already exists.
func (r *Repo) AddRemote(ctx context.Context, name, url string) error {
	_, err := r.run(ctx, "remote", "add", name, url)
	if err == nil {
		return nil
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "already exists") {
		_, err = r.run(ctx, "remote", "set-url", name, url)
		return err
	}

	return err
}

// Fetch fetches ref from remote into the tracking ref refs/remotes/<remote>/<ref>,
// so callers can refer to it as "<remote>/<ref>" afterwards. If tags is
// true, all of the remote's tags are fetched too (--tags).
func (r *Repo) Fetch(ctx context.Context, remote, ref string, tags bool) error {
	args := []string{"fetch", "--force"}
	if tags {
		args = append(args, "--tags")
	} else {
		args = append(args, "--no-tags")
	}
	args = append(args, remote, fmt.Sprintf("%s:refs/remotes/%s/%s", ref, remote, ref))

	_, err := r.run(ctx, args...)
	return err
}

// FetchRefspec fetches an explicit refspec (e.g. `<ref>:refs/tmp/hook`) from
// remote. Used to resolve `git:<remote>/<ref>:<path>` hook origins.
func (r *Repo) FetchRefspec(ctx context.Context, remote, refspec string) error {
	_, err := r.run(ctx, "fetch", remote, refspec)
	return err
}

// IsRemoteTag reports whether ref names a tag on the remote at url, without
// requiring url to already be configured as a named remote.
func (r *Repo) IsRemoteTag(ctx context.Context, url, ref string) (bool, error) {
	out, err := r.run(ctx, "ls-remote", "--tags", url, ref)
	if err != nil {
		return false, fmt.Errorf("listing tags on %s: %w", url, err)
	}

	return strings.TrimSpace(out) != "", nil
}

// RevParse resolves ref to a full commit SHA.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", ref)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// MergeBase returns the best common ancestor of a and b.
func (r *Repo) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := r.run(ctx, "merge-base", a, b)
	if err != nil {
		return "", fmt.Errorf("computing merge-base of %s and %s: %w", a, b, err)
	}

	return strings.TrimSpace(out), nil
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to)
// descendant.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := r.run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		if exitErr, ok := cmdErr.Err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
	}

	return false, err
}

// CheckoutNewBranch creates branch at startPoint and checks it out,
// replacing any existing local branch of that name.
func (r *Repo) CheckoutNewBranch(ctx context.Context, branch, startPoint string) error {
	_, err := r.run(ctx, "checkout", "-B", branch, startPoint)
	return err
}

// CherryPick applies sha onto the current branch, preserving authorship.
// On conflict, the cherry-pick is left in progress and ErrConflict is
// returned; callers must call CherryPickAbort before attempting anything
// else in the working tree.
func (r *Repo) CherryPick(ctx context.Context, sha string) error {
	_, err := r.run(ctx, "cherry-pick", "--keep-redundant-commits", sha)
	if err == nil {
		return nil
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && (strings.Contains(cmdErr.Stderr, "conflict") || strings.Contains(cmdErr.Stderr, "CONFLICT")) {
		return fmt.Errorf("%w: %s", ErrConflict, cmdErr.Stderr)
	}

	return err
}

// ErrConflict is returned by CherryPick when applying the commit produced a
// merge conflict.
var ErrConflict = errors.New("cherry-pick conflict")

// CherryPickAbort resets the working tree after a failed CherryPick.
func (r *Repo) CherryPickAbort(ctx context.Context) error {
	_, err := r.run(ctx, "cherry-pick", "--abort")
	return err
}

// SquashLastTwo replaces the two most recent commits with a single commit
// carrying message. If author is non-empty, the squashed commit is
// attributed to it via --author instead of the configured committer
// identity, e.g. when both replaced commits come from the same bot email.
func (r *Repo) SquashLastTwo(ctx context.Context, message, author string) error {
	_, err := r.run(ctx, "reset", "--soft", "HEAD~2")
	if err != nil {
		return fmt.Errorf("resetting to squash commits: %w", err)
	}

	args := []string{"commit", "--message", message}
	if author != "" {
		args = append(args, "--author", author)
	}

	_, err = r.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("committing squashed commit: %w", err)
	}

	return nil
}

// Diff returns true if there is any difference between a and b.
func (r *Repo) Diff(ctx context.Context, a, b string) (bool, error) {
	_, err := r.run(ctx, "diff", "--quiet", a, b)
	if err == nil {
		return false, nil
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		if exitErr, ok := cmdErr.Err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return true, nil
		}
	}

	return false, err
}

// Push pushes refspec to remote. If force is true, a `--force-with-lease`
// push is performed.
func (r *Repo) Push(ctx context.Context, remote, refspec string, force bool) error {
	args := []string{"push"}
	if force {
		args = append(args, "--force-with-lease")
	}
	args = append(args, remote, refspec)

	_, err := r.run(ctx, args...)
	return err
}

// SetConfig sets a repository-local git config value.
func (r *Repo) SetConfig(ctx context.Context, key, val string) error {
	if val == "" {
		return nil
	}

	_, err := r.run(ctx, "config", "--local", key, val)
	return err
}

// ShowFile returns the content of path as it exists at ref.
func (r *Repo) ShowFile(ctx context.Context, ref, path string) (string, error) {
	out, err := r.run(ctx, "show", fmt.Sprintf("%s:%s", ref, path))
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return "", fmt.Errorf("%w: %s:%s", ErrNotFound, ref, path)
		}
		return "", err
	}

	return out, nil
}

// PatchIDs returns the set of git patch-ids of every commit in the
// range `since..until`. Patch-ids are stable across cherry-picks that
// preserve the diff content, which makes them useful for detecting that a
// commit has already been applied under a different SHA.
func (r *Repo) PatchIDs(ctx context.Context, since, until string) (map[string]struct{}, error) {
	shas, err := r.RevList(ctx, since, until)
	if err != nil {
		return nil, err
	}

	result := make(map[string]struct{}, len(shas))
	for _, sha := range shas {
		id, err := r.patchID(ctx, sha)
		if err != nil {
			return nil, err
		}
		if id != "" {
			result[id] = struct{}{}
		}
	}

	return result, nil
}

// PatchID returns the git patch-id of a single commit.
func (r *Repo) PatchID(ctx context.Context, sha string) (string, error) {
	return r.patchID(ctx, sha)
}

func (r *Repo) patchID(ctx context.Context, sha string) (string, error) {
	showCmd := exec.CommandContext(ctx, "git", "show", sha)
	showCmd.Dir = r.Dir
	showCmd.Env = append(os.Environ(), r.Env...)

	patchIDCmd := exec.CommandContext(ctx, "git", "patch-id", "--stable")
	patchIDCmd.Dir = r.Dir
	patchIDCmd.Env = append(os.Environ(), r.Env...)

	pipe, err := showCmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	patchIDCmd.Stdin = pipe

	var out bytes.Buffer
	patchIDCmd.Stdout = &out

	if err := patchIDCmd.Start(); err != nil {
		return "", err
	}
	if err := showCmd.Run(); err != nil {
		return "", err
	}
	if err := patchIDCmd.Wait(); err != nil {
		return "", err
	}

	fields := strings.Fields(out.String())
	if len(fields) == 0 {
		return "", nil
	}

	return fields[0], nil
}

// RevList returns the SHAs in `since..until`, oldest first.
func (r *Repo) RevList(ctx context.Context, since, until string) ([]string, error) {
	out, err := r.run(ctx, "rev-list", "--reverse", fmt.Sprintf("%s..%s", since, until))
	if err != nil {
		return nil, err
	}

	return splitLines(out), nil
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
