package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/rebasebot/rebasebot/internal/goorderr"
)

func TestRetryerMaxTimeoutExpires(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New(WithMaxRetryTimeout(500 * time.Millisecond))
	t.Cleanup(r.Stop)

	err := r.Run(context.Background(), func(context.Context) error {
		return goorderr.NewRetryableAnytimeError(errors.New("always fails"))
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry timeout expired")
}

func TestRetryerSucceedsAfterRetries(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New(WithMaxRetryTimeout(5 * time.Second))
	t.Cleanup(r.Stop)

	var attempts int
	err := r.Run(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return goorderr.NewRetryableAnytimeError(errors.New("transient"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerGivesUpAfterMaxAttempts(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New(WithMaxRetryTimeout(time.Minute), WithMaxAttempts(3))
	t.Cleanup(r.Stop)

	sentinel := errors.New("always fails")
	var attempts int
	err := r.Run(context.Background(), func(context.Context) error {
		attempts++
		return goorderr.NewRetryableAnytimeError(sentinel)
	}, nil)

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, attempts)
}

func TestRetryerInvokesObserverOnEveryRetry(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var observed int
	r := New(WithMaxRetryTimeout(5*time.Second), WithRetryObserver(func() { observed++ }))
	t.Cleanup(r.Stop)

	var attempts int
	err := r.Run(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return goorderr.NewRetryableAnytimeError(errors.New("transient"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, observed)
}

func TestRetryerNonRetryableFailsImmediately(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	t.Cleanup(r.Stop)

	sentinel := errors.New("fatal")
	var attempts int
	err := r.Run(context.Background(), func(context.Context) error {
		attempts++
		return sentinel
	}, nil)

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestRetryerContextCancelled(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	t.Cleanup(r.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, func(context.Context) error {
		t.Fatal("fn must not be called with an already-cancelled context")
		return nil
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
}
