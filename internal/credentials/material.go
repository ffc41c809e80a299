// Package credentials loads and refreshes the authentication material that
// decides how requests reach a model.
package credentials

import (
	"strings"
	"time"
)

// Kind identifies the primary credential type.
type Kind string

const (
	KindAbsent  Kind = "absent"
	KindDirect  Kind = "direct"
	KindProxied Kind = "proxied"
)

// Direct is an API key for one provider.
type Direct struct {
	ProviderID string    `json:"provider"`
	APIKey     string    `json:"api_key"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

// Usable reports whether the key can be presented at now.
func (d *Direct) Usable(now time.Time) bool {
	if d == nil || strings.TrimSpace(d.APIKey) == "" {
		return false
	}
	return d.ExpiresAt.IsZero() || now.Before(d.ExpiresAt)
}

// Material is the credential snapshot a request is routed with.
//
// A proxied material carries the backend session token in Token. A direct
// material carries the API key in Token and its provider in ProviderHint.
// Either kind may also hold an alternate Direct key.
type Material struct {
	Kind         Kind      `json:"kind"`
	Token        string    `json:"token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	ProviderHint string    `json:"provider_hint,omitempty"`
	Direct       *Direct   `json:"direct,omitempty"`
	// PreferDirect forces direct mode when a usable direct key exists.
	PreferDirect bool `json:"prefer_direct,omitempty"`
}

// Absent is the material used when nothing is configured.
func Absent() Material {
	return Material{Kind: KindAbsent}
}

// Expired reports whether the primary credential has expired at now.
// Materials without an expiry never expire.
func (m Material) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// ProxiedUsable reports whether the backend session token can be used at now.
func (m Material) ProxiedUsable(now time.Time) bool {
	return m.Kind == KindProxied && strings.TrimSpace(m.Token) != "" && !m.Expired(now)
}

// DirectKey returns the direct credential carried by m, whether it is the
// primary credential or an alternate.
func (m Material) DirectKey() *Direct {
	if m.Kind == KindDirect {
		return &Direct{ProviderID: m.ProviderHint, APIKey: m.Token, ExpiresAt: m.ExpiresAt}
	}
	if m.Direct != nil {
		d := *m.Direct
		return &d
	}
	return nil
}

// Clone returns a deep copy of m.
func (m Material) Clone() Material {
	cp := m
	if m.Direct != nil {
		d := *m.Direct
		cp.Direct = &d
	}
	return cp
}

// Redacted returns a copy with secrets masked, for logs and diagnostics.
func (m Material) Redacted() Material {
	cp := m.Clone()
	cp.Token = mask(cp.Token)
	if cp.Direct != nil {
		cp.Direct.APIKey = mask(cp.Direct.APIKey)
	}
	return cp
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}
