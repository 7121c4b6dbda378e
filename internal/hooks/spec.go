// Package hooks resolves and executes lifecycle hook scripts from local,
// builtin, or git-hosted origins, following the polymorphic hook-source
// model described for this system: a tagged variant with a single resolve
// operation returning a path to an executable.
package hooks

import (
	"fmt"
	"regexp"
	"strings"
)

// Phase identifies a point in the run where hooks may be invoked.
type Phase string

const (
	PhasePreRebase           Phase = "pre-rebase"
	PhasePreCarryCommit      Phase = "pre-carry-commit"
	PhasePostRebase          Phase = "post-rebase"
	PhasePrePushRebaseBranch Phase = "pre-push-rebase-branch"
	PhasePreCreatePR         Phase = "pre-create-pr"
	// PhaseSourceRef is not one of the five documented lifecycle phases;
	// it identifies the single source-ref-resolution hook run by C1.
	PhaseSourceRef Phase = "source-ref"
)

// OriginKind is the kind of a hook's origin.
type OriginKind int

const (
	OriginLocal OriginKind = iota
	OriginBuiltin
	OriginGit
)

// Spec is a parsed hook origin, per the grammar:
//
//	_BUILTIN_/<path> | git:<remote>/<ref>:<path> | git:<url>/<ref>:<path> | <filesystem-path>
type Spec struct {
	Origin OriginKind
	Raw    string

	// Local / builtin
	Path string

	// Git
	GitRemote string // set when the git ref is resolved against a configured remote
	GitURL    string // set when an explicit clone url was given
	GitRef    string
	GitPath   string
}

const builtinPrefix = "_BUILTIN_/"

var gitOriginRe = regexp.MustCompile(`^git:([^/]+(?:/+[^/]+)*)/([^/:]+):(.+)$`)

// knownRemoteNames restricts unqualified git origins (`git:<name>/...`) to
// names that are actually one of the three configured remotes; anything
// else is treated as a clone url.
var knownRemoteNames = map[string]bool{"source": true, "dest": true, "rebase": true}

// ParseSpec parses a single hook spec string.
func ParseSpec(raw string) (*Spec, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty hook spec")
	}

	if strings.HasPrefix(raw, builtinPrefix) {
		return &Spec{Origin: OriginBuiltin, Raw: raw, Path: strings.TrimPrefix(raw, builtinPrefix)}, nil
	}

	if strings.HasPrefix(raw, "git:") {
		m := gitOriginRe.FindStringSubmatch(raw)
		if m == nil {
			return nil, fmt.Errorf("invalid git hook spec %q, expected git:<remote-or-url>/<ref>:<path>", raw)
		}

		remoteOrURL, ref, path := m[1], m[2], m[3]
		spec := &Spec{Origin: OriginGit, Raw: raw, GitRef: ref, GitPath: path}
		if knownRemoteNames[remoteOrURL] {
			spec.GitRemote = remoteOrURL
		} else {
			spec.GitURL = remoteOrURL
		}

		return spec, nil
	}

	return &Spec{Origin: OriginLocal, Raw: raw, Path: raw}, nil
}
