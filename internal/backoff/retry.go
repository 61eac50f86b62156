package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when every retry attempt failed.
var ErrMaxAttemptsExhausted = errors.New("backoff: max retry attempts exhausted")

// Result holds the outcome of a retried operation.
type Result[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// OnRetry is called after a failed attempt, before sleeping, with the
// attempt number that just failed and the error it returned. Used to
// emit retry_attempt observables without coupling this package to
// agentcore.
type OnRetry func(attempt int, err error)

// RetryWithBackoff calls fn up to policy.MaxAttempts times, sleeping
// between failures according to policy. fn receives the 1-indexed
// attempt number. Retrying stops early if canRetry returns false for
// the error just seen (canRetry may be nil, meaning always retry) or
// if ctx is cancelled.
func RetryWithBackoff[T any](
	ctx context.Context,
	policy Policy,
	canRetry func(error) bool,
	onRetry OnRetry,
	fn func(attempt int) (T, error),
) (Result[T], error) {
	var result Result[T]
	var lastErr error

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = lastErr
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}

		lastErr = err
		result.LastError = err

		if canRetry != nil && !canRetry(err) {
			return result, err
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		if attempt < maxAttempts {
			if sleepErr := SleepWithBackoff(ctx, policy, attempt); sleepErr != nil {
				return result, sleepErr
			}
		}
	}

	return result, ErrMaxAttemptsExhausted
}
