package credentials

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMaterialExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		m       Material
		expired bool
		proxied bool
	}{
		{"no expiry", Material{Kind: KindProxied, Token: "t"}, false, true},
		{"future", Material{Kind: KindProxied, Token: "t", ExpiresAt: now.Add(time.Minute)}, false, true},
		{"exactly now", Material{Kind: KindProxied, Token: "t", ExpiresAt: now}, true, false},
		{"past", Material{Kind: KindProxied, Token: "t", ExpiresAt: now.Add(-time.Second)}, true, false},
		{"empty token", Material{Kind: KindProxied}, false, false},
		{"direct kind", Material{Kind: KindDirect, Token: "k"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Expired(now); got != tt.expired {
				t.Errorf("Expired() = %v, want %v", got, tt.expired)
			}
			if got := tt.m.ProxiedUsable(now); got != tt.proxied {
				t.Errorf("ProxiedUsable() = %v, want %v", got, tt.proxied)
			}
		})
	}
}

func TestDirectKey(t *testing.T) {
	primary := Material{Kind: KindDirect, Token: "sk-1", ProviderHint: "openai"}
	if d := primary.DirectKey(); d == nil || d.ProviderID != "openai" || d.APIKey != "sk-1" {
		t.Errorf("DirectKey() = %+v", d)
	}

	alt := Material{Kind: KindProxied, Token: "t", Direct: &Direct{ProviderID: "anthropic", APIKey: "sk-2"}}
	d := alt.DirectKey()
	if d == nil || d.ProviderID != "anthropic" {
		t.Fatalf("DirectKey() = %+v", d)
	}
	d.APIKey = "mutated"
	if alt.Direct.APIKey != "sk-2" {
		t.Error("DirectKey() must return a copy")
	}

	if (Material{Kind: KindProxied}).DirectKey() != nil {
		t.Error("DirectKey() without direct should be nil")
	}
}

func TestRedacted(t *testing.T) {
	m := Material{Kind: KindProxied, Token: "abcdefghijkl", Direct: &Direct{ProviderID: "openai", APIKey: "sk-verysecret"}}
	r := m.Redacted()
	if r.Token != "abcd***" || r.Direct.APIKey != "sk-v***" {
		t.Errorf("Redacted() = %+v / %+v", r, r.Direct)
	}
	if m.Direct.APIKey != "sk-verysecret" {
		t.Error("Redacted() mutated the original")
	}
}

func TestMemoryStoreNotifiesSubscribers(t *testing.T) {
	store := NewMemoryStore(Absent())

	var mu sync.Mutex
	var got []Kind
	cancel := store.OnRefresh(func(m Material) {
		mu.Lock()
		got = append(got, m.Kind)
		mu.Unlock()
	})

	store.Replace(Material{Kind: KindProxied, Token: "t"})
	cancel()
	store.Replace(Material{Kind: KindDirect, Token: "k", ProviderHint: "openai"})

	m, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.Kind != KindDirect {
		t.Errorf("Load().Kind = %v, want direct", m.Kind)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != KindProxied {
		t.Errorf("notifications = %v, want [proxied]", got)
	}
}
