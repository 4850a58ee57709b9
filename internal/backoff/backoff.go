// Package backoff provides exponential backoff with jitter for retry
// loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added to the delay.
	Jitter float64
}

// DefaultPolicy returns the policy used for provider retries:
// 1s initial, 30s cap, doubling, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// LocalPolicy returns a quicker policy for retries against the local
// daemon, where waiting long buys nothing: 250ms initial, 5s cap.
func LocalPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Compute calculates the delay for a given attempt. Attempts start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided random value in
// [0.0, 1.0). Deterministic; used by tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(float64(policy.Max), base+jitter)
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// SleepWithContext sleeps for the duration, respecting cancellation.
// Returns nil if the sleep completed, or ctx.Err() otherwise.
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

// Sleep computes the delay for the attempt and sleeps it off.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	return SleepWithContext(ctx, Compute(policy, attempt))
}
