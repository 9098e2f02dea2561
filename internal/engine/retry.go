package engine

import (
	"context"
	"time"

	"github.com/marqops/conductor/pkg/schema"
)

// RetryDelayBase resolves the backoff base for a step: its retry_delay when
// set and parseable, else the default of one second.
func RetryDelayBase(spec *schema.StepSpec) time.Duration {
	if spec.RetryDelay != "" {
		if d, err := time.ParseDuration(spec.RetryDelay); err == nil && d > 0 {
			return d
		}
	}
	d, _ := time.ParseDuration(schema.DefaultRetryDelay)
	return d
}

// Backoff computes the delay before retry attempt n: 2^n × base, n starting
// at zero. So with the default base the waits run 1s, 2s, 4s, …
func Backoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled. Returns the context error on early return.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
