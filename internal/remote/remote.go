// Package remote parses and resolves the three named remotes (source, dest,
// rebase) that drive a run.
package remote

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Name identifies one of the three configured remotes.
type Name string

const (
	Source Name = "source"
	Dest   Name = "dest"
	Rebase Name = "rebase"
)

// Provider is the hosting kind of a remote.
type Provider string

const (
	ProviderGit    Provider = "git"
	ProviderGithub Provider = "github"
)

// Remote is a single named remote, resolved from a `<url>:<ref>` spec.
type Remote struct {
	Name     Name
	URL      string
	Ref      string
	Provider Provider
}

// ParseSpec splits a `<url>:<ref>` remote spec. Exactly the final colon
// separates url from ref, so urls containing colons (ssh, port numbers)
// are handled correctly.
func ParseSpec(name Name, provider Provider, spec string) (*Remote, error) {
	idx := strings.LastIndex(spec, ":")
	if idx <= 0 || idx == len(spec)-1 {
		return nil, fmt.Errorf("invalid remote spec %q for %s, expected <url>:<ref>", spec, name)
	}

	u := spec[:idx]
	ref := spec[idx+1:]

	if u == "" {
		return nil, fmt.Errorf("remote spec %q for %s has an empty url", spec, name)
	}
	if ref == "" {
		return nil, fmt.Errorf("remote spec %q for %s has an empty ref", spec, name)
	}

	return &Remote{Name: name, URL: u, Ref: ref, Provider: provider}, nil
}

var githubOwnerRepoRe = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)

// ParseGithubOwnerRepo extracts the owner and repository name from a github
// remote URL, accepting both `owner/repo` shorthand and full https/ssh
// clone urls.
func ParseGithubOwnerRepo(rawURL string) (owner, repo string, err error) {
	if githubOwnerRepoRe.MatchString(rawURL) {
		parts := strings.SplitN(rawURL, "/", 2)
		return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
	}

	if strings.HasPrefix(rawURL, "git@") {
		// git@github.com:owner/repo.git
		idx := strings.Index(rawURL, ":")
		if idx < 0 {
			return "", "", fmt.Errorf("cannot parse github ssh url %q", rawURL)
		}
		path := strings.TrimSuffix(rawURL[idx+1:], ".git")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse github ssh url %q", rawURL)
		}
		return parts[0], parts[1], nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing github url %q: %w", rawURL, err)
	}

	path := strings.Trim(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot extract owner/repo from url %q", rawURL)
	}

	return parts[0], parts[1], nil
}

// SourceRefHook resolves a dynamic source ref by running an external hook.
type SourceRefHook interface {
	ResolveSourceRef(ctx context.Context, sourceRepo string) (string, error)
}

// ResolveDynamicSourceRef replaces r's ref with the value produced by hook,
// as required when --source-repo is used instead of --source.
func ResolveDynamicSourceRef(ctx context.Context, r *Remote, sourceRepo string, hook SourceRefHook) error {
	ref, err := hook.ResolveSourceRef(ctx, sourceRepo)
	if err != nil {
		return fmt.Errorf("resolving dynamic source ref: %w", err)
	}

	r.Ref = ref
	return nil
}
