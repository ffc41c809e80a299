package pipeline

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/parley/internal/credentials"
	"github.com/haasonsaas/parley/internal/providers"
)

// Keyring holds the credential material requests are routed with. Refreshed
// material replaces the whole snapshot; readers never see a partial update.
type Keyring struct {
	current      atomic.Pointer[credentials.Material]
	configKeys   map[string]string
	order        []string
	preferDirect bool
	logger       *slog.Logger
}

// KeyringOption configures a Keyring.
type KeyringOption func(*Keyring)

// WithConfigKeys supplies API keys from configuration. Absent material
// becomes a direct credential for the first keyed provider in order. Proxied
// material only carries a configured key as its alternate when direct mode
// is preferred.
func WithConfigKeys(keys map[string]string, order []string) KeyringOption {
	return func(k *Keyring) {
		k.configKeys = make(map[string]string, len(keys))
		for id, key := range keys {
			if strings.TrimSpace(key) != "" {
				k.configKeys[id] = key
			}
		}
		k.order = append([]string(nil), order...)
	}
}

// WithPreferDirect marks every installed material as allowed to use a direct
// key once the backend session is no longer usable.
func WithPreferDirect(prefer bool) KeyringOption {
	return func(k *Keyring) { k.preferDirect = prefer }
}

// WithKeyringLogger sets the logger.
func WithKeyringLogger(logger *slog.Logger) KeyringOption {
	return func(k *Keyring) { k.logger = logger }
}

// NewKeyring returns a keyring holding initial.
func NewKeyring(initial credentials.Material, opts ...KeyringOption) *Keyring {
	k := &Keyring{logger: slog.Default()}
	for _, opt := range opts {
		opt(k)
	}
	k.Install(initial)
	return k
}

// Material returns a copy of the current material.
func (k *Keyring) Material() credentials.Material {
	return k.current.Load().Clone()
}

// Install atomically replaces the current material.
func (k *Keyring) Install(m credentials.Material) {
	m = m.Clone()
	if k.preferDirect {
		m.PreferDirect = true
	}
	m = k.withFallback(m)
	k.current.Store(&m)
	k.logger.Info("credential installed", "kind", m.Kind, "expires_at", m.ExpiresAt)
}

// Follow installs every refresh published by store until cancel is called.
func (k *Keyring) Follow(store credentials.Store) (cancel func()) {
	return store.OnRefresh(k.Install)
}

// withFallback fills m from the configured keys when m has no direct key.
// A proxied session is never given an alternate unless it prefers direct.
func (k *Keyring) withFallback(m credentials.Material) credentials.Material {
	if m.DirectKey() != nil || len(k.configKeys) == 0 {
		return m
	}
	absent := m.Kind == credentials.KindAbsent || m.Kind == ""
	if !absent && !m.PreferDirect {
		return m
	}
	for _, id := range k.order {
		key, ok := k.configKeys[id]
		if !ok {
			continue
		}
		if absent {
			return credentials.Material{Kind: credentials.KindDirect, Token: key, ProviderHint: id, PreferDirect: m.PreferDirect}
		}
		m.Direct = &credentials.Direct{ProviderID: id, APIKey: key}
		return m
	}
	return m
}

// ProviderKey returns a key source for a direct provider: the material's
// direct key when it targets id and is usable, else the configured key.
func (k *Keyring) ProviderKey(id string) providers.KeyFunc {
	return func() string {
		m := k.current.Load()
		if d := m.DirectKey(); d != nil && d.ProviderID == id && d.Usable(time.Now()) {
			return d.APIKey
		}
		return k.configKeys[id]
	}
}

// BackendToken returns the session token source for the proxied backend.
func (k *Keyring) BackendToken() providers.KeyFunc {
	return func() string {
		m := k.current.Load()
		if m.Kind != credentials.KindProxied {
			return ""
		}
		return m.Token
	}
}
