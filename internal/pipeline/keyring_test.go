package pipeline

import (
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/credentials"
	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/routing"
)

func TestKeyringInstallReplacesSnapshot(t *testing.T) {
	k := NewKeyring(credentials.Absent())
	if got := k.Material().Kind; got != credentials.KindAbsent {
		t.Fatalf("initial kind = %q, want absent", got)
	}

	k.Install(credentials.Material{Kind: credentials.KindProxied, Token: "t1"})
	before := k.Material()
	k.Install(credentials.Material{Kind: credentials.KindProxied, Token: "t2"})

	if before.Token != "t1" {
		t.Errorf("earlier snapshot changed to %q", before.Token)
	}
	if got := k.BackendToken()(); got != "t2" {
		t.Errorf("BackendToken() = %q, want t2", got)
	}
}

func TestKeyringFollowsStore(t *testing.T) {
	store := credentials.NewMemoryStore(credentials.Absent())
	k := NewKeyring(credentials.Absent())
	cancel := k.Follow(store)

	store.Replace(credentials.Material{Kind: credentials.KindDirect, Token: "sk-new", ProviderHint: "openai"})
	if got := k.ProviderKey("openai")(); got != "sk-new" {
		t.Errorf("ProviderKey(openai) = %q, want sk-new", got)
	}

	cancel()
	store.Replace(credentials.Material{Kind: credentials.KindDirect, Token: "sk-ignored", ProviderHint: "openai"})
	if got := k.ProviderKey("openai")(); got != "sk-new" {
		t.Errorf("ProviderKey(openai) after cancel = %q, want sk-new", got)
	}
}

func TestKeyringConfigKeys(t *testing.T) {
	k := NewKeyring(credentials.Absent(), WithConfigKeys(map[string]string{"anthropic": "sk-ant", "google": ""}, []string{"google", "anthropic"}))

	m := k.Material()
	if m.Kind != credentials.KindDirect || m.ProviderHint != "anthropic" {
		t.Fatalf("Material() = %+v, want direct anthropic from config", m.Redacted())
	}
	if got := k.ProviderKey("anthropic")(); got != "sk-ant" {
		t.Errorf("ProviderKey(anthropic) = %q", got)
	}
	if got := k.ProviderKey("google")(); got != "" {
		t.Errorf("ProviderKey(google) = %q, want empty", got)
	}
	if got := k.BackendToken()(); got != "" {
		t.Errorf("BackendToken() = %q, want empty for direct material", got)
	}

	k.Install(credentials.Material{Kind: credentials.KindProxied, Token: "sess", ExpiresAt: time.Now().Add(time.Hour)})
	if m = k.Material(); m.Direct != nil {
		t.Errorf("proxied material gained a configured direct key without override: %+v", m.Redacted())
	}
}

func TestKeyringConfigKeyAlternateNeedsOverride(t *testing.T) {
	keys := map[string]string{"anthropic": "sk-ant"}
	order := []string{"anthropic"}
	now := time.Now()
	expired := credentials.Material{Kind: credentials.KindProxied, Token: "sess", ExpiresAt: now.Add(-time.Minute)}

	plain := NewKeyring(expired, WithConfigKeys(keys, order))
	if _, err := routing.Resolve(plain.Material(), now); !errkind.Has(err, errkind.NoUsableCredential) {
		t.Errorf("expired session without override: Resolve() error = %v, want %s", err, errkind.NoUsableCredential)
	}

	override := NewKeyring(expired, WithConfigKeys(keys, order), WithPreferDirect(true))
	m := override.Material()
	if m.Direct == nil || m.Direct.ProviderID != "anthropic" {
		t.Fatalf("override material = %+v, want configured anthropic alternate", m.Redacted())
	}
	got, err := routing.Resolve(m, now)
	if err != nil {
		t.Fatalf("expired session with override: Resolve() error = %v", err)
	}
	if got.Mode != routing.Direct || got.ProviderID != "anthropic" {
		t.Errorf("Resolve() = %+v, want direct anthropic", got)
	}
}

func TestKeyringPrefersMaterialKey(t *testing.T) {
	k := NewKeyring(
		credentials.Material{Kind: credentials.KindDirect, Token: "sk-file", ProviderHint: "openai"},
		WithConfigKeys(map[string]string{"openai": "sk-config", "anthropic": "sk-ant"}, []string{"openai"}),
		WithPreferDirect(true),
	)
	if got := k.ProviderKey("openai")(); got != "sk-file" {
		t.Errorf("ProviderKey(openai) = %q, want sk-file", got)
	}
	if got := k.ProviderKey("anthropic")(); got != "sk-ant" {
		t.Errorf("ProviderKey(anthropic) = %q, want sk-ant", got)
	}
	if !k.Material().PreferDirect {
		t.Error("PreferDirect not applied")
	}
}
