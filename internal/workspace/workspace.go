// Package workspace implements the workspace manager (C2): it prepares the
// local working directory a run operates in, wires up the three named
// remotes with freshly credentialed urls, and fetches the refs a plan needs.
package workspace

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/credentials"
	"github.com/rebasebot/rebasebot/internal/gitrepo"
	"github.com/rebasebot/rebasebot/internal/logfields"
	"github.com/rebasebot/rebasebot/internal/remote"
)

// DefaultDir is the working directory used when none is configured.
const DefaultDir = ".rebase"

// Config configures a run's three named remotes and the local git identity
// used for commits the system itself creates (squashes, builtin hooks).
type Config struct {
	Dir         string
	GitUsername string
	GitEmail    string
	Remotes     map[remote.Name]*remote.Remote
}

// Manager prepares a local git working directory for a run.
type Manager struct {
	creds  credentials.Provider
	logger *zap.Logger
}

// New returns a Manager that obtains remote credentials via creds once per
// remote in Prepare and stores them in that remote's url; they are not
// refreshed for later network operations on the same remote, such as a push.
func New(creds credentials.Provider) *Manager {
	return &Manager{creds: creds, logger: zap.L().Named("workspace")}
}

// Prepare initializes or reuses cfg.Dir, ensures the three named remotes
// exist pointing at freshly credentialed urls, and fetches each remote's
// configured ref (plus tags, when the source ref is a tag). It returns the
// *gitrepo.Repo ready for use by the rest of the pipeline.
func (m *Manager) Prepare(ctx context.Context, cfg Config) (*gitrepo.Repo, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = DefaultDir
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace directory %s: %w", dir, err)
	}

	repo := gitrepo.New(dir)

	if _, err := os.Stat(dir + "/.git"); os.IsNotExist(err) {
		if err := repo.Init(ctx); err != nil {
			return nil, fmt.Errorf("initializing workspace repository: %w", err)
		}
	}

	if err := repo.SetConfig(ctx, "user.name", cfg.GitUsername); err != nil {
		return nil, fmt.Errorf("configuring git user.name: %w", err)
	}
	if err := repo.SetConfig(ctx, "user.email", cfg.GitEmail); err != nil {
		return nil, fmt.Errorf("configuring git user.email: %w", err)
	}

	for _, name := range []remote.Name{remote.Source, remote.Dest, remote.Rebase} {
		r := cfg.Remotes[name]
		if r == nil {
			return nil, fmt.Errorf("no remote configured for %q", name)
		}

		if err := m.syncRemote(ctx, repo, r); err != nil {
			return nil, fmt.Errorf("syncing remote %q: %w", name, err)
		}
	}

	return repo, nil
}

func (m *Manager) syncRemote(ctx context.Context, repo *gitrepo.Repo, r *remote.Remote) error {
	credentialedURL, err := m.credentialedURL(ctx, r.URL)
	if err != nil {
		return fmt.Errorf("obtaining credentials: %w", err)
	}

	if err := repo.AddRemote(ctx, string(r.Name), credentialedURL); err != nil {
		return fmt.Errorf("adding remote: %w", err)
	}

	withTags := false
	if r.Name == remote.Source {
		isTag, err := repo.IsRemoteTag(ctx, credentialedURL, r.Ref)
		if err != nil {
			return fmt.Errorf("checking whether source ref %q is a tag: %w", r.Ref, err)
		}
		withTags = isTag
	}

	m.logger.Debug("fetching remote",
		logfields.Event("workspace_fetch"),
		logfields.Remote(string(r.Name)),
		zap.String("ref", r.Ref),
		zap.Bool("with_tags", withTags),
	)

	if err := repo.Fetch(ctx, string(r.Name), r.Ref, withTags); err != nil {
		return fmt.Errorf("fetching %s: %w", r.Ref, err)
	}

	return nil
}

func (m *Manager) credentialedURL(ctx context.Context, rawURL string) (string, error) {
	if m.creds == nil {
		return rawURL, nil
	}

	username, password, err := m.creds.GitCredential(ctx, rawURL)
	if err != nil {
		return "", err
	}

	if username == "" && password == "" {
		return rawURL, nil
	}

	return credentials.WithCredentialsInURL(rawURL, username, password)
}
