package main

import (
	"context"
	"fmt"
	"os"
	"time"

	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rebasebot/rebasebot/internal/cliflags"
	"github.com/rebasebot/rebasebot/internal/credentials"
	"github.com/rebasebot/rebasebot/internal/engine"
	"github.com/rebasebot/rebasebot/internal/githubclt"
	"github.com/rebasebot/rebasebot/internal/gitrepo"
	"github.com/rebasebot/rebasebot/internal/hooks"
	"github.com/rebasebot/rebasebot/internal/logfields"
	"github.com/rebasebot/rebasebot/internal/metrics"
	"github.com/rebasebot/rebasebot/internal/notify"
	"github.com/rebasebot/rebasebot/internal/retry"
	"github.com/rebasebot/rebasebot/internal/workspace"
)

const appName = "rebasebot"

var logger *zap.Logger

// Version is set via a ldflag on compilation.
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Info(
				"panic caught, terminating gracefully",
				zap.String("panic", fmt.Sprintf("%v", r)),
				zap.StackSkip("stacktrace", 1),
			)
		}

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func zapEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitLogger(cfg *cliflags.Config) {
	var level zapcore.Level
	if err := (&level).Set(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", cfg.LogLevel, err)
		os.Exit(2)
	}

	switch cfg.LogFormat {
	case "logfmt":
		logger = zap.New(zapcore.NewCore(zaplogfmt.NewEncoder(zapEncoderConfig()), os.Stdout, level))

	case "console", "json":
		zcfg := zap.NewProductionConfig()
		zcfg.Sampling = nil
		zcfg.EncoderConfig = zapEncoderConfig()
		zcfg.OutputPaths = []string{"stdout"}
		zcfg.Encoding = cfg.LogFormat
		zcfg.Level = zap.NewAtomicLevelAt(level)

		built, err := zcfg.Build()
		exitOnErr("could not initialize logger", err)
		logger = built

	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", cfg.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// buildCredentials returns the credential providers for API calls and for
// git network operations. A user token serves both roles; app-installation
// mode uses two independently scoped apps (spec.md's "app" and "cloner"
// identities), each exchanged through the bootstrap client, which
// authenticates the token-exchange call itself via the app JWT carried in
// the request context rather than through either provider's cached token.
func buildCredentials(cfg *cliflags.Config) (apiCreds, gitCreds credentials.Provider, err error) {
	if cfg.GithubUserTokenPath != "" {
		token, err := cliflags.ReadSecretFile(cfg.GithubUserTokenPath)
		if err != nil {
			return nil, nil, err
		}

		provider := credentials.NewUserTokenProvider(token)
		return provider, provider, nil
	}

	appKey, err := cliflags.ReadSecretFile(cfg.GithubAppKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading github app key: %w", err)
	}

	clonerKey, err := cliflags.ReadSecretFile(cfg.GithubClonerKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading github cloner key: %w", err)
	}

	// The app's own installation id doubles as its JWT issuer id: spec.md's
	// CLI surface exposes one int per app identity rather than a separate
	// app-id/installation-id pair, and a single pinned bot installation
	// makes the two interchangeable in practice.
	apiProvider, err := credentials.NewAppInstallationProvider(cfg.GithubAppID, cfg.GithubAppID, []byte(appKey))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing github app key: %w", err)
	}

	clonerProvider, err := credentials.NewAppInstallationProvider(cfg.GithubClonerID, cfg.GithubClonerID, []byte(clonerKey))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing github cloner key: %w", err)
	}

	bootstrapClient := githubclt.New(credentials.NewUserTokenProvider(""), nil)
	apiProvider.SetExchanger(bootstrapClient)
	clonerProvider.SetExchanger(bootstrapClient)

	return apiProvider, clonerProvider, nil
}

func buildSourceRefHook(cfg *cliflags.Config) (*hooks.SourceRefHook, error) {
	if cfg.SourceRefHook == "" {
		return nil, nil
	}

	spec, err := hooks.ParseSpec(cfg.SourceRefHook)
	if err != nil {
		return nil, fmt.Errorf("parsing source-ref-hook: %w", err)
	}

	workDir := cfg.WorkingDir
	if workDir == "" {
		workDir = workspace.DefaultDir
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}

	resolver := hooks.NewResolver(gitrepo.New(workDir), workDir)
	timeout := time.Duration(cfg.HookTimeoutSeconds) * time.Second

	return hooks.NewSourceRefHook(resolver, spec, timeout), nil
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	// cliflags.Parse reports every failure (bad flags or failed validation)
	// as a *cliflags.ValidationError, which always maps to exit code 2.
	cfg, err := cliflags.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(2)
	}

	mustInitLogger(cfg)

	apiCreds, gitCreds, err := buildCredentials(cfg)
	exitOnErr("could not set up github credentials", err)

	collector := metrics.NewCollector()

	providerRetryer := retry.New(retry.WithRetryObserver(func() { collector.IncProviderRetry("github") }))
	defer providerRetryer.Stop()

	githubClient := githubclt.New(apiCreds, providerRetryer)

	sourceRefHook, err := buildSourceRefHook(cfg)
	exitOnErr("could not set up source-ref-hook", err)

	slackWebhook, err := cliflags.ReadSecretFile(cfg.SlackWebhookPath)
	exitOnErr("could not read slack webhook url", err)

	logger.Info("starting run",
		logfields.Event("run_starting"),
		zap.String("source", cfg.Source),
		zap.String("source_repo", cfg.SourceRepo),
		zap.String("dest", cfg.Dest),
		zap.String("rebase", cfg.Rebase),
		zap.String("github_user_token", hide(cfg.GithubUserTokenPath)),
		zap.String("slack_webhook", hide(slackWebhook)),
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("tag_policy", cfg.TagPolicy),
	)

	rc := &engine.RunContext{
		Cfg:             cfg,
		Creds:           gitCreds,
		ArtProvider:     &githubclt.ArtProviderAdapter{Clt: githubClient},
		PRProvider:      &githubclt.PRProviderAdapter{Clt: githubClient},
		Notifier:        notify.New(slackWebhook),
		Metrics:         collector,
		SourceRefHook:   sourceRefHook,
		ArtPREnabled:    cfg.EnableArtPR,
		ArtPRAuthorName: cfg.ArtPRAuthor,
	}

	ctx := context.Background()
	result, runErr := engine.Run(ctx, rc)

	hostname, hostErr := os.Hostname()
	if hostErr != nil {
		hostname = appName
	}

	if pushErr := collector.Push(cfg.MetricsPushgatewayURL, appName, hostname); pushErr != nil {
		logger.Warn("pushing metrics failed", logfields.Event("metrics_push_failed"), zap.Error(pushErr))
	}

	if runErr != nil {
		logger.Error("run failed", logfields.Event("run_failed"), zap.Error(runErr))
		fmt.Fprintln(os.Stderr, "ERROR: run failed:", runErr)
		os.Exit(1)
	}

	logger.Info("run finished",
		logfields.Event("run_finished"),
		logfields.Outcome(string(result.Outcome)),
		zap.Int("carried_commits", result.CarriedCount),
		zap.Bool("pushed", result.Pushed),
		zap.Int("pr_number", result.PRNumber),
	)
}
