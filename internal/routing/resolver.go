// Package routing decides whether a request goes through the proxied backend
// or directly to a provider.
package routing

import (
	"strings"
	"time"

	"github.com/haasonsaas/parley/internal/credentials"
	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/providers"
)

// Mode is the transport a request uses.
type Mode string

const (
	ProxiedBackend Mode = "proxied"
	Direct         Mode = "direct"
)

// Route is the outcome of mode resolution.
type Route struct {
	Mode       Mode
	ProviderID string
}

// Resolve picks the mode for one request. It is a pure function of the
// material and the clock.
//
// An unexpired proxied credential always wins. Otherwise a direct route is
// taken only for an explicit direct credential, or when the material opts
// into direct mode and carries a usable direct key. An expired proxied
// session never falls through to a direct key on its own.
func Resolve(m credentials.Material, now time.Time) (Route, error) {
	if m.ProxiedUsable(now) {
		return Route{Mode: ProxiedBackend, ProviderID: providers.BackendID}, nil
	}

	direct := m.DirectKey()
	explicit := m.Kind == credentials.KindDirect || m.PreferDirect
	if explicit && direct.Usable(now) {
		return directRoute(direct)
	}

	switch {
	case m.Kind == credentials.KindProxied && m.Expired(now):
		return Route{}, errkind.Newf(errkind.NoUsableCredential, "routing.resolve", "session token expired at %s", m.ExpiresAt.Format(time.RFC3339))
	case m.Kind == credentials.KindDirect && direct != nil && direct.APIKey != "":
		return Route{}, errkind.Newf(errkind.NoUsableCredential, "routing.resolve", "direct key for %q expired", direct.ProviderID)
	default:
		return Route{}, errkind.Newf(errkind.NoUsableCredential, "routing.resolve", "no credential configured")
	}
}

func directRoute(d *credentials.Direct) (Route, error) {
	provider := strings.TrimSpace(d.ProviderID)
	if provider == "" {
		return Route{}, errkind.Newf(errkind.Misconfigured, "routing.resolve", "direct credential has no provider")
	}
	if provider == providers.BackendID {
		return Route{}, errkind.Newf(errkind.Misconfigured, "routing.resolve", "direct credential cannot target %q", providers.BackendID)
	}
	return Route{Mode: Direct, ProviderID: provider}, nil
}
