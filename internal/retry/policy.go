// Package retry executes one logical completion across providers, retrying
// transient failures with backoff and falling back on fatal ones, all under a
// single deadline.
package retry

import (
	"time"

	"github.com/haasonsaas/parley/internal/backoff"
	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/routing"
)

// Policy configures one Execute call.
type Policy struct {
	// MaxAttempts bounds attempts per provider, including the first. An
	// unclassified error always gets one retry, even past this bound.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
	// ProviderOrder ranks direct providers for fallback.
	ProviderOrder []string
	// Timeout applies when the caller's context carries no deadline.
	Timeout time.Duration
}

// DefaultPolicy returns the policy used when configuration is silent.
func DefaultPolicy() Policy {
	b := backoff.DefaultPolicy()
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     b.BaseDelay,
		MaxDelay:      b.MaxDelay,
		JitterRatio:   b.JitterRatio,
		ProviderOrder: []string{"anthropic", "openai", "google"},
		Timeout:       60 * time.Second,
	}
}

// Backoff returns the delay parameters of p.
func (p Policy) Backoff() backoff.Policy {
	return backoff.Policy{BaseDelay: p.BaseDelay, MaxDelay: p.MaxDelay, JitterRatio: p.JitterRatio}
}

// Validate reports configuration errors as Misconfigured.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errkind.Newf(errkind.Misconfigured, "retry.policy", "max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if len(p.ProviderOrder) == 0 {
		return errkind.Newf(errkind.Misconfigured, "retry.policy", "provider order is empty")
	}
	if p.Timeout < 0 {
		return errkind.Newf(errkind.Misconfigured, "retry.policy", "timeout must be non-negative, got %s", p.Timeout)
	}
	if err := p.Backoff().Validate(); err != nil {
		return errkind.New(errkind.Misconfigured, "retry.policy", err)
	}
	return nil
}

// Candidates lists the providers to try, in order. Proxied requests use only
// the backend. Direct requests start at the selected provider and continue
// through the rest of order.
func Candidates(route routing.Route, order []string) []string {
	if route.Mode == routing.ProxiedBackend {
		return []string{route.ProviderID}
	}
	out := make([]string, 0, len(order)+1)
	if route.ProviderID != "" {
		out = append(out, route.ProviderID)
	}
	for _, id := range order {
		if id != route.ProviderID {
			out = append(out, id)
		}
	}
	return out
}
