package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/logfields"
	"github.com/rebasebot/rebasebot/internal/metrics"
	"github.com/rebasebot/rebasebot/internal/stringutils"
)

// DefaultTimeout is used when no explicit hook timeout is configured.
const DefaultTimeout = 10 * time.Minute

// ScriptError is returned when a hook script exits non-zero or times out.
type ScriptError struct {
	Phase    Phase
	Spec     string
	ExitCode int
	TimedOut bool
	Stderr   string
}

func (e *ScriptError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("hook %q (phase %s) timed out", e.Spec, e.Phase)
	}

	return fmt.Sprintf("hook %q (phase %s) exited with code %d:\n%s",
		e.Spec, e.Phase, e.ExitCode, stringutils.IndentString(e.Stderr, "  "))
}

// sensitiveEnvSubstrings marks inherited environment variables that are
// scrubbed before being passed to a hook script.
var sensitiveEnvSubstrings = []string{"TOKEN", "PASSWORD", "SECRET", "_KEY"}

// Runner materializes and executes hook scripts for each configured phase.
type Runner struct {
	specs    map[Phase][]*Spec
	resolver *Resolver
	workDir  string
	timeout  time.Duration
	baseEnv  map[string]string
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Config holds the values shared by every hook invocation, matching the
// REBASEBOT_* environment contract.
type Config struct {
	SourceRef   string
	DestRef     string
	RebaseRef   string
	WorkingDir  string
	GitUsername string
	GitEmail    string
}

// NewRunner returns a Runner. m may be nil, in which case hook durations are
// not recorded.
func NewRunner(resolver *Resolver, specs map[Phase][]*Spec, cfg Config, timeout time.Duration, m *metrics.Collector) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Runner{
		specs:    specs,
		resolver: resolver,
		workDir:  cfg.WorkingDir,
		timeout:  timeout,
		baseEnv: map[string]string{
			"REBASEBOT_SOURCE":       cfg.SourceRef,
			"REBASEBOT_DEST":         cfg.DestRef,
			"REBASEBOT_REBASE":       cfg.RebaseRef,
			"REBASEBOT_WORKING_DIR":  cfg.WorkingDir,
			"REBASEBOT_GIT_USERNAME": cfg.GitUsername,
			"REBASEBOT_GIT_EMAIL":    cfg.GitEmail,
		},
		metrics: m,
		logger:  zap.L().Named("hooks"),
	}
}

// Run executes every hook registered for phase, in configuration order,
// with extraEnv merged on top of the base REBASEBOT_* variables.
func (r *Runner) Run(ctx context.Context, phase Phase, extraEnv map[string]string) error {
	specs := r.specs[phase]
	if len(specs) == 0 {
		return nil
	}

	for _, spec := range specs {
		if err := r.runOne(ctx, phase, spec, extraEnv); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) runOne(ctx context.Context, phase Phase, spec *Spec, extraEnv map[string]string) error {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ObserveHookDuration(string(phase), time.Since(start).Seconds())
		}
	}()

	path, err := r.resolver.Resolve(ctx, spec)
	if err != nil {
		return fmt.Errorf("resolving hook %q: %w", spec.Raw, err)
	}

	logger := r.logger.With(
		logfields.HookPhase(string(phase)),
		zap.String("hook", spec.Raw),
	)

	logger.Info("running hook", logfields.Event("hook_running"))

	cmd := exec.Command(path)
	cmd.Dir = r.workDir
	cmd.Env = buildEnv(r.baseEnv, extraEnv)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting hook %q: %w", spec.Raw, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()

	case <-time.After(r.timeout):
		_ = cmd.Process.Kill()
		<-done

		logger.Error("hook timed out", logfields.Event("hook_timed_out"))
		return &ScriptError{Phase: phase, Spec: spec.Raw, TimedOut: true}

	case err := <-done:
		if err != nil {
			exitCode := -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}

			logger.Error("hook failed",
				logfields.Event("hook_failed"),
				zap.Int("exit_code", exitCode),
			)

			return &ScriptError{Phase: phase, Spec: spec.Raw, ExitCode: exitCode, Stderr: stderr.String()}
		}

		logger.Debug("hook succeeded", logfields.Event("hook_succeeded"))
		return nil
	}
}

func buildEnv(base map[string]string, extra map[string]string) []string {
	var result []string

	for _, kv := range os.Environ() {
		if isSensitive(kv) {
			continue
		}
		result = append(result, kv)
	}

	for k, v := range base {
		result = append(result, k+"="+v)
	}

	for k, v := range extra {
		result = append(result, k+"="+v)
	}

	return result
}

func isSensitive(envKV string) bool {
	key := strings.SplitN(envKV, "=", 2)[0]
	upper := strings.ToUpper(key)

	for _, s := range sensitiveEnvSubstrings {
		if strings.Contains(upper, s) {
			return true
		}
	}

	return false
}
