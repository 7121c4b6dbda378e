// Package cliflags defines the command-line surface of the bot and
// validates it into a ready-to-use Config.
package cliflags

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/rebasebot/rebasebot/internal/hooks"
	"github.com/rebasebot/rebasebot/internal/planner"
)

// ValidationError marks a configuration problem that maps to exit code 2
// rather than the generic operational-failure exit code 1.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, a ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, a...)}
}

// Config is the fully parsed and validated command line configuration.
type Config struct {
	Source     string
	SourceRepo string
	Dest       string
	Rebase     string

	SourceRefHook string

	GithubUserTokenPath string
	GithubAppKeyPath    string
	GithubAppID         int64
	GithubClonerKeyPath string
	GithubClonerID      int64

	DryRun            bool
	WorkingDir        string
	UpdateGoModules   bool
	TagPolicy         string
	ExcludeCommits    []string
	GitUsername       string
	GitEmail          string
	AlwaysRunHooks    bool
	SlackWebhookPath  string
	BotEmails         []string
	IgnoreManualLabel bool
	EnableArtPR       bool
	ArtPRAuthor       string

	PreRebaseHooks           []string
	PreCarryCommitHooks      []string
	PostRebaseHooks          []string
	PrePushRebaseBranchHooks []string
	PreCreatePRHooks         []string

	MetricsPushgatewayURL string
	LogFormat             string
	LogLevel              string
	HookTimeoutSeconds    int
}

// Parse defines and parses the CLI flags from args (normally os.Args[1:]),
// then validates the result.
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("rebasebot", pflag.ContinueOnError)

	cfg := &Config{}

	fs.StringVar(&cfg.Source, "source", "", "source remote spec <url>:<ref>")
	fs.StringVar(&cfg.SourceRepo, "source-repo", "", "source repository namespace/name; ref is resolved via --source-ref-hook")
	fs.StringVar(&cfg.Dest, "dest", "", "dest remote spec <url>:<ref>")
	fs.StringVar(&cfg.Rebase, "rebase", "", "rebase remote spec <url>:<ref>")
	fs.StringVar(&cfg.SourceRefHook, "source-ref-hook", "", "hook resolving the source ref when --source-repo is used")

	fs.StringVar(&cfg.GithubUserTokenPath, "github-user-token", "", "path to a file containing a github personal access token")
	fs.StringVar(&cfg.GithubAppKeyPath, "github-app-key", "", "path to the github app private key")
	fs.Int64Var(&cfg.GithubAppID, "github-app-id", 0, "github app id")
	fs.StringVar(&cfg.GithubClonerKeyPath, "github-cloner-key", "", "path to the github app private key used for git clone credentials")
	fs.Int64Var(&cfg.GithubClonerID, "github-cloner-id", 0, "github app installation id used for git clone credentials")

	fs.BoolVar(&cfg.DryRun, "dry-run", false, "compute the rebase locally but do not push or touch pull requests")
	fs.StringVar(&cfg.WorkingDir, "working-dir", "", "local working directory (default .rebase)")
	fs.BoolVar(&cfg.UpdateGoModules, "update-go-modules", false, "append a builtin post-rebase hook that runs go mod tidy/vendor")
	fs.StringVar(&cfg.TagPolicy, "tag-policy", "none", "commit tag policy: none|soft|strict")
	fs.StringSliceVar(&cfg.ExcludeCommits, "exclude-commits", nil, "commit sha prefixes (min length 4) to exclude from the carry set")
	fs.StringVar(&cfg.GitUsername, "git-username", "", "committer name used for commits the bot itself creates")
	fs.StringVar(&cfg.GitEmail, "git-email", "", "committer email used for commits the bot itself creates")
	fs.BoolVar(&cfg.AlwaysRunHooks, "always-run-hooks", false, "run pre-rebase/post-rebase hooks even when the carry set is empty")
	fs.StringVar(&cfg.SlackWebhookPath, "slack-webhook", "", "path to a file containing a slack incoming webhook url")
	fs.StringSliceVar(&cfg.BotEmails, "bot-emails", nil, "commit author emails whose consecutive carry commits are squashed together")
	fs.BoolVar(&cfg.IgnoreManualLabel, "ignore-manual-label", false, "reconcile the pull request even if it carries the manual override label")
	fs.BoolVar(&cfg.EnableArtPR, "enable-art-pr", false, "opportunistically fold a single matching open art pull request into the rebase")
	fs.StringVar(&cfg.ArtPRAuthor, "art-pr-author", "openshift-bot", "github login the art-pr detection predicate requires as the pull request's author")

	fs.StringArrayVar(&cfg.PreRebaseHooks, "pre-rebase-hook", nil, "hook spec, repeatable")
	fs.StringArrayVar(&cfg.PreCarryCommitHooks, "pre-carry-commit-hook", nil, "hook spec, repeatable")
	fs.StringArrayVar(&cfg.PostRebaseHooks, "post-rebase-hook", nil, "hook spec, repeatable")
	fs.StringArrayVar(&cfg.PrePushRebaseBranchHooks, "pre-push-rebase-branch-hook", nil, "hook spec, repeatable")
	fs.StringArrayVar(&cfg.PreCreatePRHooks, "pre-create-pr-hook", nil, "hook spec, repeatable")

	fs.StringVar(&cfg.MetricsPushgatewayURL, "metrics-pushgateway-url", "", "pushgateway url metrics are pushed to at exit")
	fs.StringVar(&cfg.LogFormat, "log-format", "logfmt", "log output format: logfmt|console|json")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	fs.IntVar(&cfg.HookTimeoutSeconds, "hook-timeout", 600, "per-hook timeout in seconds")

	if err := fs.Parse(args); err != nil {
		return nil, validationErrorf("parsing command line flags: %s", err)
	}

	if cfg.UpdateGoModules {
		cfg.PostRebaseHooks = append(cfg.PostRebaseHooks, "_BUILTIN_/update-go-modules.sh")
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Source == "" && cfg.SourceRepo == "" {
		return validationErrorf("either --source or --source-repo must be set")
	}
	if cfg.Source != "" && cfg.SourceRepo != "" {
		return validationErrorf("--source and --source-repo are mutually exclusive")
	}
	if cfg.SourceRepo != "" && cfg.SourceRefHook == "" {
		return validationErrorf("--source-ref-hook is required when --source-repo is set")
	}

	if cfg.Dest == "" {
		return validationErrorf("--dest must be set")
	}
	if cfg.Rebase == "" {
		return validationErrorf("--rebase must be set")
	}

	if cfg.GithubUserTokenPath == "" {
		appCreds := cfg.GithubAppKeyPath != "" && cfg.GithubAppID != 0
		clonerCreds := cfg.GithubClonerKeyPath != "" && cfg.GithubClonerID != 0
		if !appCreds || !clonerCreds {
			return validationErrorf("either --github-user-token, or --github-app-key/--github-app-id together with --github-cloner-key/--github-cloner-id, must be set")
		}
	} else if cfg.GithubAppKeyPath != "" || cfg.GithubClonerKeyPath != "" || cfg.GithubAppID != 0 || cfg.GithubClonerID != 0 {
		return validationErrorf("--github-user-token and the --github-app-*/--github-cloner-* flags are mutually exclusive")
	}

	switch cfg.TagPolicy {
	case string(planner.PolicyNone), string(planner.PolicySoft), string(planner.PolicyStrict):
	default:
		return validationErrorf("invalid --tag-policy %q, must be one of none|soft|strict", cfg.TagPolicy)
	}

	for _, prefix := range cfg.ExcludeCommits {
		if len(prefix) < planner.MinExclusionPrefixLen {
			return validationErrorf("--exclude-commits prefix %q is shorter than the minimum length of %d", prefix, planner.MinExclusionPrefixLen)
		}
	}

	for _, specs := range [][]string{cfg.PreRebaseHooks, cfg.PreCarryCommitHooks, cfg.PostRebaseHooks, cfg.PrePushRebaseBranchHooks, cfg.PreCreatePRHooks} {
		for _, raw := range specs {
			if _, err := hooks.ParseSpec(raw); err != nil {
				return validationErrorf("invalid hook spec %q: %s", raw, err)
			}
		}
	}

	switch cfg.LogFormat {
	case "logfmt", "console", "json":
	default:
		return validationErrorf("invalid --log-format %q", cfg.LogFormat)
	}

	if cfg.HookTimeoutSeconds <= 0 {
		return validationErrorf("--hook-timeout must be positive")
	}

	return nil
}

// ReadSecretFile reads a credential file's content with surrounding
// whitespace trimmed, e.g. a token or webhook url written with a trailing
// newline by a secret-mounting sidecar.
func ReadSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	return strings.TrimSpace(string(data)), nil
}
