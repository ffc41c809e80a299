package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/safety"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
providers:
  anthropic:
    api_key: sk-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", cfg.Version, CurrentVersion)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if got := strings.Join(cfg.Retry.ProviderOrder, ","); got != "anthropic,openai,google" {
		t.Errorf("Retry.ProviderOrder = %q", got)
	}
	if cfg.Retry.JitterRatio == nil || *cfg.Retry.JitterRatio != 0.2 {
		t.Errorf("Retry.JitterRatio = %v, want 0.2", cfg.Retry.JitterRatio)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverMemory)
	}
	if cfg.Archive.Summarizer != SummarizerConcat {
		t.Errorf("Archive.Summarizer = %q, want %q", cfg.Archive.Summarizer, SummarizerConcat)
	}
	if cfg.Providers["anthropic"].Kind != "anthropic" {
		t.Errorf("provider kind = %q, want anthropic", cfg.Providers["anthropic"].Kind)
	}
	if cfg.Context.EntityScanDepth > cfg.Context.WindowSize {
		t.Errorf("scan depth %d exceeds window %d", cfg.Context.EntityScanDepth, cfg.Context.WindowSize)
	}
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
version: 1
retry:
  max_attempts: 4
  base_delay: 100ms
  max_delay: 2s
  jitter_ratio: 0
  provider_order: [openai, anthropic]
  deadline: 20s
context:
  window_size: 6
  entity_scan_depth: 3
  entity_patterns:
    ticket: '\b([A-Z]+-\d+)\b'
  pronoun_categories:
    It: [path]
archive:
  max_turns: 20
  retain_tail: 4
  max_idle: 10m
  sweep_schedule: "@every 1m"
storage:
  driver: sqlite
  dsn: /tmp/parley.db
safety:
  deny: ['\bterraform\s+destroy\b']
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	policy := cfg.RetryPolicy()
	if policy.MaxAttempts != 4 || policy.BaseDelay != 100*time.Millisecond || policy.MaxDelay != 2*time.Second {
		t.Errorf("RetryPolicy() = %+v", policy)
	}
	if policy.JitterRatio != 0 {
		t.Errorf("explicit zero jitter was replaced: %v", policy.JitterRatio)
	}
	if policy.Timeout != 20*time.Second {
		t.Errorf("Timeout = %s, want 20s", policy.Timeout)
	}
	if got := cfg.Archive.ArchiveConfig(); got.MaxTurns != 20 || got.RetainTail != 4 || got.MaxIdle != 10*time.Minute {
		t.Errorf("ArchiveConfig() = %+v", got)
	}
	if cfg.Storage.DSN != "/tmp/parley.db" {
		t.Errorf("Storage.DSN = %q", cfg.Storage.DSN)
	}

	if got := cfg.Context.PronounCategories["It"]; len(got) != 1 || got[0] != "path" {
		t.Errorf("PronounCategories = %v", cfg.Context.PronounCategories)
	}
	if _, err := cfg.Context.TrackerOptions(); err != nil {
		t.Errorf("TrackerOptions() error = %v", err)
	}

	table, err := cfg.Safety.Table()
	if err != nil {
		t.Fatalf("Safety.Table() error = %v", err)
	}
	if got := safety.New(table).Classify("terraform destroy"); got != safety.Deny {
		t.Errorf("Classify(terraform destroy) = %s, want deny", got)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
retry:
  max_attempts: 2
  extra: true
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !errkind.Has(err, errkind.Misconfigured) {
		t.Fatalf("expected Misconfigured, got %v", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_SET", "value")
	t.Setenv("PARLEY_TEST_EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"${PARLEY_TEST_SET}", "value"},
		{"${PARLEY_TEST_UNSET_X}", ""},
		{"${PARLEY_TEST_UNSET_X:-fallback}", "fallback"},
		{"${PARLEY_TEST_EMPTY:-fallback}", "fallback"},
		{"${PARLEY_TEST_SET:-fallback}", "value"},
		{"$PARLEY_TEST_SET", "$PARLEY_TEST_SET"},
		{"^rm -rf /$", "^rm -rf /$"},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_OPENAI_KEY", "sk-from-env")
	path := writeConfig(t, "config.yaml", `
providers:
  openai:
    api_key: ${PARLEY_TEST_OPENAI_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Providers["openai"].APIKey; got != "sk-from-env" {
		t.Errorf("api_key = %q, want sk-from-env", got)
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.json5"), `{
  // shared defaults
  retry: {max_attempts: 5, provider_order: ["google"]},
  logging: {level: "debug"},
}`)
	path := writeFile(t, filepath.Join(dir, "config.yaml"), `
$include: base.json5
retry:
  provider_order: [anthropic]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5 from include", cfg.Retry.MaxAttempts)
	}
	if got := strings.Join(cfg.Retry.ProviderOrder, ","); got != "anthropic" {
		t.Errorf("ProviderOrder = %q, want including file to win", got)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty provider order", func(c *Config) { c.Retry.ProviderOrder = nil }, "provider order is empty"},
		{"negative delay", func(c *Config) { c.Retry.BaseDelay = -time.Second }, "base delay"},
		{"jitter out of range", func(c *Config) { j := 1.5; c.Retry.JitterRatio = &j }, "jitter"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max attempts"},
		{"retain tail exceeds max turns", func(c *Config) { c.Archive.RetainTail = c.Archive.MaxTurns + 1 }, "retain tail"},
		{"scan depth exceeds window", func(c *Config) { c.Context.EntityScanDepth = c.Context.WindowSize + 1 }, "entity_scan_depth"},
		{"correction without group", func(c *Config) { c.Context.CorrectionMarkers = []string{`(?i)actually (.+)`} }, "replacement"},
		{"bad entity pattern", func(c *Config) { c.Context.EntityPatterns = map[string]string{"x": "("} }, "context"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = DriverSQLite }, "storage.dsn"},
		{"bad safety pattern", func(c *Config) { c.Safety.Confirm = []string{"["} }, "safety"},
		{"unknown provider kind", func(c *Config) { c.Providers = map[string]ProviderConfig{"x": {Kind: "acme"}} }, "providers.x.kind"},
		{"unknown summarizer", func(c *Config) { c.Archive.Summarizer = "nope" }, "archive.summarizer"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"sampling rate", func(c *Config) { c.Observability.SamplingRate = 2 }, "sampling_rate"},
		{"oauth without refresh token", func(c *Config) { c.Credentials.OAuth = OAuthConfig{TokenURL: "https://auth.example/token", ClientID: "cli"} }, "credentials.oauth"},
		{"future version", func(c *Config) { c.Version = CurrentVersion + 1 }, "requires a newer parley"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !errors.Is(err, errkind.ErrMisconfigured) {
				t.Fatalf("expected Misconfigured, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateReportsAllIssues(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "mongo"
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"storage.driver", "logging.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestSummarizerMayNameProvider(t *testing.T) {
	cfg := Default()
	cfg.Providers = map[string]ProviderConfig{"anthropic": {Kind: "anthropic"}}
	cfg.Archive.Summarizer = "anthropic"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		wantErr string
	}{
		{CurrentVersion, ""},
		{0, "is not valid"},
		{-1, "is not valid"},
		{CurrentVersion + 1, "requires a newer parley"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v, want nil", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("ValidateVersion(%d) = %v, want *VersionError containing %q", tt.version, err, tt.wantErr)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeFile(t, filepath.Join(t.TempDir(), name), contents)
}

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
