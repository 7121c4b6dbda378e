package hooks

import (
	"context"
	"crypto/sha1" //nolint:gosec // used only to build a short, stable temp filename, not for security
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rebasebot/rebasebot/internal/gitrepo"
)

// Resolver turns a Spec into an executable path on disk, materializing
// builtin and git-hosted scripts into temporary files as needed. Resolved
// paths are cached for the lifetime of the Resolver (i.e. for one run).
type Resolver struct {
	repo    *gitrepo.Repo
	tempDir string
	cache   map[string]string
}

func NewResolver(repo *gitrepo.Repo, tempDir string) *Resolver {
	return &Resolver{repo: repo, tempDir: tempDir, cache: make(map[string]string)}
}

// Resolve returns the executable path for spec, materializing it if
// necessary.
func (r *Resolver) Resolve(ctx context.Context, spec *Spec) (string, error) {
	if path, ok := r.cache[spec.Raw]; ok {
		return path, nil
	}

	var (
		path string
		err  error
	)

	switch spec.Origin {
	case OriginLocal:
		path, err = r.resolveLocal(spec)
	case OriginBuiltin:
		path, err = r.resolveBuiltin(spec)
	case OriginGit:
		path, err = r.resolveGit(ctx, spec)
	default:
		return "", fmt.Errorf("unknown hook origin for spec %q", spec.Raw)
	}
	if err != nil {
		return "", err
	}

	r.cache[spec.Raw] = path
	return path, nil
}

func (r *Resolver) resolveLocal(spec *Spec) (string, error) {
	if filepath.IsAbs(spec.Path) {
		return spec.Path, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determining current directory to resolve local hook %q: %w", spec.Raw, err)
	}

	return filepath.Join(cwd, spec.Path), nil
}

func (r *Resolver) resolveBuiltin(spec *Spec) (string, error) {
	content, err := builtinFS.ReadFile(filepath.Join(builtinFSRoot, spec.Path))
	if err != nil {
		return "", fmt.Errorf("builtin hook %q not found: %w", spec.Path, err)
	}

	return r.materialize(spec.Raw, content)
}

func (r *Resolver) resolveGit(ctx context.Context, spec *Spec) (string, error) {
	ref := spec.GitRef

	if spec.GitRemote != "" {
		content, err := r.repo.ShowFile(ctx, fmt.Sprintf("%s/%s", spec.GitRemote, ref), spec.GitPath)
		if err != nil {
			return "", fmt.Errorf("fetching hook %q from configured remote: %w", spec.Raw, err)
		}
		return r.materialize(spec.Raw, []byte(content))
	}

	tmpRemote := "hook-" + shortHash(spec.Raw)
	if err := r.repo.AddRemote(ctx, tmpRemote, spec.GitURL); err != nil {
		return "", fmt.Errorf("adding temporary remote for hook %q: %w", spec.Raw, err)
	}

	if err := r.repo.Fetch(ctx, tmpRemote, ref, false); err != nil {
		return "", fmt.Errorf("fetching ref %q for hook %q: %w", ref, spec.Raw, err)
	}

	content, err := r.repo.ShowFile(ctx, "FETCH_HEAD", spec.GitPath)
	if err != nil {
		return "", fmt.Errorf("reading %q from hook source %q: %w", spec.GitPath, spec.Raw, err)
	}

	return r.materialize(spec.Raw, []byte(content))
}

// materialize writes content to a uniquely-named, executable temp file and
// returns its path.
func (r *Resolver) materialize(rawSpec string, content []byte) (string, error) {
	name := filepath.Join(r.tempDir, "hook-"+shortHash(rawSpec)+"-"+filepath.Base(rawSpec))
	if err := os.WriteFile(name, content, 0o700); err != nil {
		return "", fmt.Errorf("writing materialized hook script: %w", err)
	}

	return name, nil
}

// shortHash returns a short, filesystem-safe, collision-resistant suffix
// derived from s, used to keep materialized hook filenames unique without
// leaking the full origin string into the path.
func shortHash(s string) string {
	sum := sha1.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])[:10]
}
