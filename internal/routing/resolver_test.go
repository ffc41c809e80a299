package routing

import (
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/credentials"
	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/providers"
)

func TestResolve(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	directAlt := &credentials.Direct{ProviderID: "anthropic", APIKey: "sk-ant"}

	tests := []struct {
		name     string
		m        credentials.Material
		want     Route
		wantKind errkind.Kind
	}{
		{
			name: "proxied unexpired",
			m:    credentials.Material{Kind: credentials.KindProxied, Token: "t", ExpiresAt: future},
			want: Route{Mode: ProxiedBackend, ProviderID: providers.BackendID},
		},
		{
			name: "proxied wins over valid direct",
			m:    credentials.Material{Kind: credentials.KindProxied, Token: "t", ExpiresAt: future, Direct: directAlt},
			want: Route{Mode: ProxiedBackend, ProviderID: providers.BackendID},
		},
		{
			name: "unexpired proxied beats direct override",
			m:    credentials.Material{Kind: credentials.KindProxied, Token: "t", ExpiresAt: future, Direct: directAlt, PreferDirect: true},
			want: Route{Mode: ProxiedBackend, ProviderID: providers.BackendID},
		},
		{
			name: "expired proxied with direct override",
			m:    credentials.Material{Kind: credentials.KindProxied, Token: "t", ExpiresAt: past, Direct: directAlt, PreferDirect: true},
			want: Route{Mode: Direct, ProviderID: "anthropic"},
		},
		{
			name:     "expired proxied with override but expired direct",
			m:        credentials.Material{Kind: credentials.KindProxied, Token: "t", ExpiresAt: past, Direct: &credentials.Direct{ProviderID: "anthropic", APIKey: "sk-ant", ExpiresAt: past}, PreferDirect: true},
			wantKind: errkind.NoUsableCredential,
		},
		{
			name: "override without usable direct keeps proxied",
			m:    credentials.Material{Kind: credentials.KindProxied, Token: "t", PreferDirect: true},
			want: Route{Mode: ProxiedBackend, ProviderID: providers.BackendID},
		},
		{
			name:     "expired proxied does not fall back to direct without override",
			m:        credentials.Material{Kind: credentials.KindProxied, Token: "t", ExpiresAt: past, Direct: directAlt},
			wantKind: errkind.NoUsableCredential,
		},
		{
			name:     "expired proxied without direct",
			m:        credentials.Material{Kind: credentials.KindProxied, Token: "t", ExpiresAt: past},
			wantKind: errkind.NoUsableCredential,
		},
		{
			name: "direct primary",
			m:    credentials.Material{Kind: credentials.KindDirect, Token: "sk", ProviderHint: "openai"},
			want: Route{Mode: Direct, ProviderID: "openai"},
		},
		{
			name:     "direct without provider hint",
			m:        credentials.Material{Kind: credentials.KindDirect, Token: "sk"},
			wantKind: errkind.Misconfigured,
		},
		{
			name:     "direct pointing at backend",
			m:        credentials.Material{Kind: credentials.KindDirect, Token: "sk", ProviderHint: providers.BackendID},
			wantKind: errkind.Misconfigured,
		},
		{
			name:     "expired direct",
			m:        credentials.Material{Kind: credentials.KindDirect, Token: "sk", ProviderHint: "openai", ExpiresAt: past},
			wantKind: errkind.NoUsableCredential,
		},
		{
			name:     "absent",
			m:        credentials.Absent(),
			wantKind: errkind.NoUsableCredential,
		},
		{
			name:     "zero value",
			m:        credentials.Material{},
			wantKind: errkind.NoUsableCredential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.m, now)
			if tt.wantKind != "" {
				if !errkind.Has(err, tt.wantKind) {
					t.Fatalf("Resolve() error = %v, want %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := credentials.Material{Kind: credentials.KindProxied, Token: "t", ExpiresAt: now.Add(time.Minute)}
	first, _ := Resolve(m, now)
	for i := 0; i < 50; i++ {
		if got, _ := Resolve(m, now); got != first {
			t.Fatalf("Resolve() changed between calls: %+v vs %+v", got, first)
		}
	}
}
