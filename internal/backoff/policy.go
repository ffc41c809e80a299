// Package backoff computes jittered exponential delays between retry attempts.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth before jitter is applied.
	MaxDelay time.Duration
	// JitterRatio spreads each delay uniformly over ±JitterRatio of its value.
	// Must be in [0, 1].
	JitterRatio float64
}

// Validate reports whether the policy can produce meaningful delays.
func (p Policy) Validate() error {
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay must be non-negative, got %s", p.BaseDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay must be non-negative, got %s", p.MaxDelay)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.JitterRatio < 0 || p.JitterRatio > 1 || math.IsNaN(p.JitterRatio) {
		return fmt.Errorf("jitter ratio must be within [0, 1], got %v", p.JitterRatio)
	}
	return nil
}

// Compute calculates the delay that precedes the given attempt number.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided random value in [0, 1).
// The formula is min(MaxDelay, BaseDelay * 2^(attempt-1)) scaled by
// 1 + JitterRatio*(2r-1). The result is never negative.
// Attempt numbers start at 1; MaxDelay of zero means uncapped.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.BaseDelay) * math.Pow(2, exp)
	if policy.MaxDelay > 0 {
		base = math.Min(base, float64(policy.MaxDelay))
	}

	ratio := math.Min(math.Max(policy.JitterRatio, 0), 1)
	r := math.Min(math.Max(randomValue, 0), 1)
	total := base * (1 + ratio*(2*r-1))

	if total <= 0 || math.IsNaN(total) {
		return 0
	}
	if total >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Round(total))
}

// DefaultPolicy returns the delays used when configuration is silent.
// Base: 250ms, Max: 8s, Jitter: ±20%
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		JitterRatio: 0.2,
	}
}
