// Package backoff provides exponential backoff with jitter for retrying
// provider requests.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
	// MaxAttempts is the number of attempts RetryWithBackoff will make
	// before giving up.
	MaxAttempts int
}

// Compute calculates the backoff duration for a given attempt number.
// base = InitialMs * Factor^(attempt-1); the result is
// min(MaxMs, base + base*Jitter*(2*random()-1)), i.e. base ±Jitter.
// Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter, not a security value
}

// ComputeWithRand is Compute with an injected random value in [0, 1),
// used by tests that need deterministic backoff durations.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * (2*randomValue - 1)
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy is the retry policy every provider adapter uses unless
// overridden: 1s initial, doubling, capped at 30s, ±10% jitter, 10
// attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialMs:   1000,
		MaxMs:       30000,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 10,
	}
}
