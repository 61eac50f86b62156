package backoff

import (
	"context"
	"time"
)

// SleepWithContext sleeps for duration, returning early with ctx.Err()
// if ctx is cancelled first.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepWithBackoff computes the backoff for attempt and sleeps for it.
func SleepWithBackoff(ctx context.Context, policy Policy, attempt int) error {
	return SleepWithContext(ctx, Compute(policy, attempt))
}
