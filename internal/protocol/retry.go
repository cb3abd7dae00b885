package protocol

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/deflow/pkg/schema"
)

// RetryPolicy configures how domain executors retry protocol calls.
type RetryPolicy struct {
	MaxRetries   int           `json:"max_retries"`
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy retries three times starting at one second, doubling,
// capped at thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// IsRetryableError classifies whether an error should be retried.
// Retryable: network errors, timeouts, typed errors with transient codes and
// common transient HTTP/socket messages. Not retryable: cancellation, open
// circuits, validation errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based):
// InitialDelay * Multiplier^attempt, capped at MaxDelay.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.InitialDelay <= 0 {
		return 0
	}
	mult := policy.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(policy.InitialDelay) * math.Pow(mult, float64(attempt)))
	if policy.MaxDelay > 0 && (delay > policy.MaxDelay || delay <= 0) {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy's retries are exhausted. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= policy.MaxRetries || !IsRetryableError(err) {
			return err
		}
		if waitErr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); waitErr != nil {
			return waitErr
		}
	}
}
