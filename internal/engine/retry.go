package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/pkg/schema"
)

// RetryPolicy bounds step retries. Delays grow by Factor from BaseDelay and
// are capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is 3 attempts with 1s, 2s backoff capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Factor: 2, MaxDelay: 30 * time.Second}
}

// IsRetryableError classifies whether a step invocation error should be retried.
// Structured errors decide by code; bare network errors are transient.
// Context errors and everything else are not retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// ComputeBackoff calculates the delay after the given failed attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	factor := policy.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if policy.MaxDelay > 0 && delay >= float64(policy.MaxDelay) {
			return policy.MaxDelay
		}
	}
	d := time.Duration(delay)
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

// errStopped is returned by wait when the run's stop channel closes.
var errStopped = errors.New("run stopped")

// WaitForBackoff sleeps for delay on c, returning early with ctx.Err() when
// ctx ends or errStopped when stop closes.
func WaitForBackoff(ctx context.Context, c clock.Clock, delay time.Duration, stop <-chan struct{}) error {
	if delay <= 0 {
		select {
		case <-stop:
			return errStopped
		default:
			return nil
		}
	}
	select {
	case <-c.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	}
}
