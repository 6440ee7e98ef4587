package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	t.Parallel()

	require.True(t, IsTransient(Transient(errors.New("boom"))))
	require.False(t, IsTransient(Permanent(errors.New("boom"))))
	require.True(t, IsTransient(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	require.False(t, IsTransient(errors.New("plain")))
	require.True(t, IsPermanent(fmt.Errorf("open: %w", fs.ErrNotExist)))
	require.True(t, IsTransient(FromHTTPStatus(503, "busy")))
	require.True(t, IsPermanent(FromHTTPStatus(404, "missing")))
	require.Nil(t, Transient(nil))
	require.Nil(t, Permanent(nil))
}

func fastConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("not yet"))
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return Permanent(errors.New("nope"))
	}, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryExhausts(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := RetryWithResult(context.Background(), fastConfig(), func(context.Context) (int, error) {
		calls++
		return 0, Transient(errors.New("again"))
	}, nil)
	require.ErrorContains(t, err, "max retries exceeded")
	require.Equal(t, 4, calls)
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastConfig(), func(context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffCaps(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	require.Equal(t, time.Second, calculateBackoff(0, cfg))
	require.Equal(t, 4*time.Second, calculateBackoff(2, cfg))
	require.Equal(t, 5*time.Second, calculateBackoff(6, cfg))
}
