package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/execgraph/pkg/schema"
)

// Backoff strategies.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// BackoffPolicy controls how long the consumer waits before re-triggering an
// execution whose cycle did not drain.
type BackoffPolicy struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Strategy: BackoffExponential, Base: 250 * time.Millisecond, Max: 30 * time.Second}
}

// IsRetryableError reports whether a failed cycle or rebuild is worth
// re-triggering. Cancellation never is; domain errors decide by code.
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

	var ge *schema.GraphError
	if errors.As(err, &ge) {
		return ge.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified errors usually come from the store driver.
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based),
// capped at p.Max when set.
func ComputeBackoff(p BackoffPolicy, attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch p.Strategy {
	case BackoffExponential:
		delay = p.Base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if p.Max > 0 && delay >= p.Max {
				break
			}
		}
	case BackoffLinear:
		delay = p.Base * time.Duration(attempt+1)
	default:
		delay = p.Base
	}

	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
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
