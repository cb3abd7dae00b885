package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rendis/deflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), true},
		{"protocol code", schema.NewError(schema.ErrCodeProtocol, "bad status"), true},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limited", errors.New("429 Too Many Requests"), true},
		{"plain", errors.New("unknown token"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryableError(tc.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, ComputeBackoff(p, 0))
	assert.Equal(t, 2*time.Second, ComputeBackoff(p, 1))
	assert.Equal(t, 4*time.Second, ComputeBackoff(p, 2))
	assert.Equal(t, 30*time.Second, ComputeBackoff(p, 10), "capped at max delay")

	assert.Zero(t, ComputeBackoff(RetryPolicy{}, 3))
	assert.Equal(t, time.Second, ComputeBackoff(RetryPolicy{InitialDelay: time.Second, Multiplier: 0}, 4), "multiplier below 1 is constant")
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, Multiplier: 1}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("unknown token")
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("bad gateway")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "one attempt plus two retries")
}
