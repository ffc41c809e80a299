package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt uses base delay",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second},
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "second attempt doubles",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second},
			attempt:     2,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name:        "fifth attempt",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second},
			attempt:     5,
			randomValue: 0.5,
			expected:    1600 * time.Millisecond,
		},
		{
			name:        "clamped to max",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name:        "midpoint random adds no jitter",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterRatio: 0.2},
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "upper jitter bound",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterRatio: 0.2},
			attempt:     1,
			randomValue: 1.0,
			// 100 * (1 + 0.2) = 120
			expected: 120 * time.Millisecond,
		},
		{
			name:        "lower jitter bound",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterRatio: 0.2},
			attempt:     1,
			randomValue: 0,
			// 100 * (1 - 0.2) = 80
			expected: 80 * time.Millisecond,
		},
		{
			name:        "jitter applied after clamp",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond, JitterRatio: 0.5},
			attempt:     6,
			randomValue: 1.0,
			expected:    300 * time.Millisecond,
		},
		{
			name:        "full jitter can reach zero",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterRatio: 1},
			attempt:     1,
			randomValue: 0,
			expected:    0,
		},
		{
			name:        "attempt 0 treated as 1",
			policy:      Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
			attempt:     0,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "uncapped when max is zero",
			policy:      Policy{BaseDelay: time.Second},
			attempt:     4,
			randomValue: 0.5,
			expected:    8 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestComputeNeverNegative(t *testing.T) {
	policy := Policy{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, JitterRatio: 1}
	for attempt := 1; attempt <= 20; attempt++ {
		for _, r := range []float64{-1, 0, 0.25, 0.5, 0.999, 2} {
			if got := ComputeWithRand(policy, attempt, r); got < 0 {
				t.Fatalf("ComputeWithRand(attempt=%d, r=%v) = %v, want >= 0", attempt, r, got)
			}
		}
	}
}

func TestComputeJitterRange(t *testing.T) {
	policy := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterRatio: 0.3}
	for i := 0; i < 100; i++ {
		got := Compute(policy, 1)
		if got < 70*time.Millisecond || got > 130*time.Millisecond {
			t.Fatalf("Compute() = %v, want within [70ms, 130ms]", got)
		}
	}
}

func TestHugeAttemptDoesNotOverflow(t *testing.T) {
	got := ComputeWithRand(Policy{BaseDelay: time.Second}, 200, 0.5)
	if got <= 0 {
		t.Errorf("ComputeWithRand() = %v, want saturated positive duration", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"negative base", Policy{BaseDelay: -1}, true},
		{"max below base", Policy{BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
		{"jitter above one", Policy{BaseDelay: time.Millisecond, JitterRatio: 1.5}, true},
		{"negative jitter", Policy{JitterRatio: -0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
