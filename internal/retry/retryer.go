// Package retry executes an operation repeatedly until it succeeds, fails
// with a non-retryable error, or a retry budget is exhausted.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/goorderr"
	"github.com/rebasebot/rebasebot/internal/logfields"
)

// DefaultMaxRetryTimeout bounds the total time Run spends retrying an
// operation before giving up.
const DefaultMaxRetryTimeout = 30 * time.Minute

// DefaultMaxAttempts bounds the number of times Run executes fn, matching
// spec.md §7's "retried up to N=3 times" for idempotent provider calls.
const DefaultMaxAttempts = 3

const defaultInitialInterval = 5 * time.Second

// Retryer executes a function repeatedly until it succeeds or a cancel
// condition happens.
type Retryer struct {
	logger          *zap.Logger
	maxRetryTimeout time.Duration
	maxAttempts     uint
	onRetry         func()
	shutdownChan    chan struct{}
}

// Option configures a Retryer.
type Option func(*Retryer)

// WithMaxRetryTimeout overrides DefaultMaxRetryTimeout.
func WithMaxRetryTimeout(d time.Duration) Option {
	return func(r *Retryer) {
		r.maxRetryTimeout = d
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts. A value of 0 means unbounded
// (the time budget alone decides when to give up).
func WithMaxAttempts(n uint) Option {
	return func(r *Retryer) {
		r.maxAttempts = n
	}
}

// WithRetryObserver registers fn to be called once for every retry Run
// schedules, e.g. to increment a metrics counter.
func WithRetryObserver(fn func()) Option {
	return func(r *Retryer) {
		r.onRetry = fn
	}
}

func New(opts ...Option) *Retryer {
	r := &Retryer{
		logger:          zap.L().Named("retryer"),
		maxRetryTimeout: DefaultMaxRetryTimeout,
		maxAttempts:     DefaultMaxAttempts,
		shutdownChan:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes fn until it succeeds, it returns an error that does not wrap
// goorderr.RetryableError, or the retry budget/context is exhausted.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	startTime := time.Now()
	endTime := startTime.Add(r.maxRetryTimeout)

	retryTimeout := time.NewTimer(r.maxRetryTimeout)
	defer retryTimeout.Stop()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultInitialInterval

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		if ctx.Err() != nil {
			logger.Info(
				"operation execution cancelled",
				logfields.Event("operation_execution_cancelled"),
				logFieldResult("cancelled"),
			)

			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			logger.Info(
				"operation execution cancelled",
				logfields.Event("operation_execution_cancelled"),
				logFieldResult("cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			logger.Debug(
				"running operation",
				logfields.Event("operation_running"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			err := fn(ctx)
			if err != nil {
				var retryError *goorderr.RetryableError

				logger = logger.With(zap.Error(err))

				if errors.Is(err, context.Canceled) {
					logger.Error(
						"operation cancelled",
						logfields.Event("operation_cancelled"),
						logFieldResult("cancelled"),
					)

					return err
				}

				if errors.As(err, &retryError) {
					logger = logger.With(
						zap.Duration("age", bo.GetElapsedTime()),
						zap.Duration("retry_timeout", r.maxRetryTimeout),
					)

					if retryError.After.After(endTime) {
						logger.Error(
							"operation failed, next possible retry time is after timeout expiration",
							logfields.Event("operation_failed"),
							zap.Time("earliest_allowed_retry", retryError.After),
						)

						return err
					}

					if r.maxAttempts > 0 && tryCnt >= r.maxAttempts {
						logger.Error(
							"operation failed, max attempts reached",
							logfields.Event("operation_max_attempts_reached"),
							zap.Uint("max_attempts", r.maxAttempts),
						)

						return err
					}

					var retryIn time.Duration

					if retryError.After.IsZero() {
						retryIn = bo.NextBackOff()
					} else {
						retryIn = time.Until(retryError.After)
					}

					if r.onRetry != nil {
						r.onRetry()
					}

					retryTimer.Reset(retryIn)
					logger.Error(
						"operation failed, retry scheduled",
						logfields.Event("operation_retry_scheduled"),
						zap.Duration("retry_in", retryIn),
					)

					continue
				}

				logger.Error(
					"operation failed, not retryable",
					logfields.Event("operation_failed"),
					logFieldResult("failure"),
				)

				return err
			}

			logger.Debug(
				"operation executed successfully",
				logfields.Event("operation_executed_successfully"),
				logFieldResult("success"),
			)

			return nil

		case <-retryTimeout.C:
			logger.Warn(
				"giving up retrying operation, retry timeout expired",
				logfields.Event("operation_retry_timeout"),
				logFieldResult("cancelled"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			return errors.New("retry timeout expired")

		case <-r.shutdownChan:
			logger.Info(
				"terminating, operation not executed",
				logfields.Event("operation_execution_cancelled_shutdown"),
				logFieldResult("cancelled"),
			)

			return errors.New("retryer is shutting down")
		}
	}
}

// Stop notifies all Run() calls to terminate. It does not wait for their
// termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}

func logFieldResult(val string) zap.Field {
	return zap.String("result", val)
}
