package backoff

import (
	"context"
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	policy := Policy{
		Initial: 100 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0,
	}

	tests := []struct {
		name    string
		attempt int
		random  float64
		want    time.Duration
	}{
		{"first attempt", 1, 0.5, 100 * time.Millisecond},
		{"second attempt doubles", 2, 0.5, 200 * time.Millisecond},
		{"third attempt quadruples", 3, 0.5, 400 * time.Millisecond},
		{"attempt zero clamps to first", 0, 0.5, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(policy, tt.attempt, tt.random)
			if got != tt.want {
				t.Errorf("ComputeWithRand(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestComputeWithRandJitter(t *testing.T) {
	policy := Policy{
		Initial: 100 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}

	// jitter = base * 0.1 * random; at random=1.0 the first delay is 110ms
	got := ComputeWithRand(policy, 1, 1.0)
	if got != 110*time.Millisecond {
		t.Errorf("ComputeWithRand with full jitter = %v, want 110ms", got)
	}

	got = ComputeWithRand(policy, 1, 0)
	if got != 100*time.Millisecond {
		t.Errorf("ComputeWithRand with zero jitter = %v, want 100ms", got)
	}
}

func TestComputeWithRandCapsAtMax(t *testing.T) {
	policy := Policy{
		Initial: time.Second,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0,
	}

	got := ComputeWithRand(policy, 10, 0.5)
	if got != 5*time.Second {
		t.Errorf("ComputeWithRand(attempt=10) = %v, want cap 5s", got)
	}
}

func TestSleepWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	if err != context.Canceled {
		t.Errorf("SleepWithContext on cancelled context = %v, want context.Canceled", err)
	}
}

func TestSleepWithContextZeroDuration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Zero duration returns before consulting the context.
	if err := SleepWithContext(ctx, 0); err != nil {
		t.Errorf("SleepWithContext(0) = %v, want nil", err)
	}
}
