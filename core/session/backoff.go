package session

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff between
// persistence retries.
type BackoffPolicy struct {
	// Initial is the backoff before the first retry.
	Initial time.Duration
	// Max caps the backoff for any attempt.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the symmetric randomization factor (0.0 to 1.0).
	Jitter float64
}

// DefaultBackoffPolicy matches the persistence retry contract:
// 0.5 s base, factor 2, 5 s cap, 20% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: 500 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Backoff calculates the backoff duration for a given attempt number.
// Attempt numbers start at 1.
func (p BackoffPolicy) Backoff(attempt int) time.Duration {
	return p.BackoffWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// BackoffWithRand calculates the backoff using a provided random value in
// [0.0, 1.0), for deterministic tests. Jitter is symmetric: the random
// value spreads across [-Jitter, +Jitter] of the base.
func (p BackoffPolicy) BackoffWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)

	jitterAmount := base * p.Jitter * (2*randomValue - 1)

	total := math.Min(float64(p.Max), base+jitterAmount)
	if total < 0 {
		total = 0
	}
	return time.Duration(math.Round(total))
}
