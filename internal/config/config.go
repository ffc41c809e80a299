// Package config loads the parley configuration file.
//
// Files are YAML or JSON5 (by extension), may pull in other files with
// $include, and have ${ENV} references expanded before parsing. The loaded
// Config is treated as read-only for the life of the process.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/parley/internal/archive"
	"github.com/haasonsaas/parley/internal/backoff"
	"github.com/haasonsaas/parley/internal/conversation"
	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/retry"
	"github.com/haasonsaas/parley/internal/safety"
	"github.com/haasonsaas/parley/internal/sessions"
)

// Config is the main configuration structure for parley.
type Config struct {
	Version       int                       `yaml:"version"`
	Retry         RetryConfig               `yaml:"retry"`
	Context       ContextConfig             `yaml:"context"`
	Archive       ArchiveConfig             `yaml:"archive"`
	Credentials   CredentialsConfig         `yaml:"credentials"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Backend       BackendConfig             `yaml:"backend"`
	Storage       StorageConfig             `yaml:"storage"`
	Safety        SafetyConfig              `yaml:"safety"`
	Logging       LoggingConfig             `yaml:"logging"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	JitterRatio   *float64      `yaml:"jitter_ratio"`
	ProviderOrder []string      `yaml:"provider_order"`
	// Deadline applies to requests whose caller sets none.
	Deadline time.Duration `yaml:"deadline"`
}

type ContextConfig struct {
	WindowSize      int    `yaml:"window_size"`
	EntityScanDepth int    `yaml:"entity_scan_depth"`
	SystemPrompt    string `yaml:"system_prompt"`
	// EntityPatterns adds entity categories, keyed by category name.
	EntityPatterns map[string]string `yaml:"entity_patterns"`
	// CorrectionMarkers replaces the built-in correction patterns. Each must
	// capture a named group "replacement".
	CorrectionMarkers []string `yaml:"correction_markers"`
	// PronounCategories limits which entity categories a pronoun resolves
	// to. Pronouns not listed match every category.
	PronounCategories map[string][]string `yaml:"pronoun_categories"`
}

type ArchiveConfig struct {
	MaxTurns        int           `yaml:"max_turns"`
	MaxBytes        int           `yaml:"max_bytes"`
	MaxIdle         time.Duration `yaml:"max_idle"`
	RetainTail      int           `yaml:"retain_tail"`
	SummaryMaxBytes int           `yaml:"summary_max_bytes"`
	Deadline        time.Duration `yaml:"deadline"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	// Summarizer is "concat" or the id of a configured provider.
	Summarizer string `yaml:"summarizer"`
}

type CredentialsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
	// DirectOverride prefers a usable direct key over a backend session.
	DirectOverride bool        `yaml:"direct_override"`
	OAuth          OAuthConfig `yaml:"oauth"`
}

// OAuthConfig renews the backend session token with a refresh token. It is
// disabled when TokenURL is empty.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RefreshToken string   `yaml:"refresh_token"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether token refresh is configured.
func (c OAuthConfig) Enabled() bool {
	return strings.TrimSpace(c.TokenURL) != ""
}

type ProviderConfig struct {
	// Kind is anthropic, openai or google. Defaults to the provider id.
	Kind      string `yaml:"kind"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

type BackendConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type SafetyConfig struct {
	Deny    []string `yaml:"deny"`
	Confirm []string `yaml:"confirm"`
	Allow   []string `yaml:"allow"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type ObservabilityConfig struct {
	MetricsAddr  string  `yaml:"metrics_addr"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SummarizerConcat selects the deterministic concatenating compactor.
const SummarizerConcat = "concat"

var providerKinds = map[string]bool{"anthropic": true, "openai": true, "google": true}

// Load reads, merges, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	rp := retry.DefaultPolicy()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = rp.MaxAttempts
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = rp.BaseDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = rp.MaxDelay
	}
	if cfg.Retry.JitterRatio == nil {
		jitter := rp.JitterRatio
		cfg.Retry.JitterRatio = &jitter
	}
	if len(cfg.Retry.ProviderOrder) == 0 {
		cfg.Retry.ProviderOrder = append([]string(nil), rp.ProviderOrder...)
	}
	if cfg.Retry.Deadline == 0 {
		cfg.Retry.Deadline = rp.Timeout
	}

	if cfg.Context.WindowSize == 0 {
		cfg.Context.WindowSize = conversation.DefaultWindowSize
	}
	if cfg.Context.EntityScanDepth == 0 {
		cfg.Context.EntityScanDepth = min(conversation.DefaultScanDepth, cfg.Context.WindowSize)
	}

	ac := archive.DefaultConfig()
	sc := archive.DefaultSchedulerConfig()
	if cfg.Archive.MaxTurns == 0 {
		cfg.Archive.MaxTurns = ac.MaxTurns
	}
	if cfg.Archive.MaxBytes == 0 {
		cfg.Archive.MaxBytes = ac.MaxBytes
	}
	if cfg.Archive.MaxIdle == 0 {
		cfg.Archive.MaxIdle = ac.MaxIdle
	}
	if cfg.Archive.RetainTail == 0 {
		cfg.Archive.RetainTail = min(ac.RetainTail, cfg.Archive.MaxTurns)
	}
	if cfg.Archive.Deadline == 0 {
		cfg.Archive.Deadline = sc.Timeout
	}
	if cfg.Archive.MaxConcurrent == 0 {
		cfg.Archive.MaxConcurrent = sc.MaxConcurrent
	}
	if cfg.Archive.SweepSchedule == "" {
		cfg.Archive.SweepSchedule = archive.DefaultSweepSchedule
	}
	if cfg.Archive.Summarizer == "" {
		cfg.Archive.Summarizer = SummarizerConcat
	}

	if cfg.Credentials.Path == "" {
		cfg.Credentials.Path = "credentials.json"
	}
	for id, p := range cfg.Providers {
		if p.Kind == "" {
			p.Kind = id
			cfg.Providers[id] = p
		}
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	pool := sessions.DefaultPoolConfig()
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = pool.MaxOpenConns
	}
	if cfg.Storage.MaxIdleConns == 0 {
		cfg.Storage.MaxIdleConns = pool.MaxIdleConns
	}
	if cfg.Storage.ConnMaxLifetime == 0 {
		cfg.Storage.ConnMaxLifetime = pool.ConnMaxLifetime
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "parley"
	}
}

// Validate reports every problem at once as a Misconfigured error.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("%v", err)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		add("retry: %v", unwrapKind(err))
	}
	for _, id := range c.Retry.ProviderOrder {
		if strings.TrimSpace(id) == "" {
			add("retry.provider_order: empty provider id")
		}
	}
	if c.Retry.Deadline < 0 {
		add("retry.deadline must be non-negative")
	}

	if _, err := c.Context.TrackerOptions(); err != nil {
		add("context: %v", err)
	}

	if err := c.Archive.ArchiveConfig().Validate(); err != nil {
		add("archive: %v", unwrapKind(err))
	}
	if c.Archive.SummaryMaxBytes < 0 {
		add("archive.summary_max_bytes must be non-negative")
	}
	if c.Archive.Deadline < 0 {
		add("archive.deadline must be non-negative")
	}
	if c.Archive.MaxConcurrent < 1 {
		add("archive.max_concurrent must be at least 1")
	}
	if s := c.Archive.Summarizer; s != SummarizerConcat {
		if _, ok := c.Providers[s]; !ok {
			add("archive.summarizer %q is neither %q nor a configured provider", s, SummarizerConcat)
		}
	}

	if o := c.Credentials.OAuth; o.Enabled() && (o.ClientID == "" || o.RefreshToken == "") {
		add("credentials.oauth requires client_id and refresh_token")
	}

	for id, p := range c.Providers {
		if !providerKinds[p.Kind] {
			add("providers.%s.kind %q is not one of anthropic, openai, google", id, p.Kind)
		}
		if p.MaxTokens < 0 {
			add("providers.%s.max_tokens must be non-negative", id)
		}
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		add("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver)
	}

	if _, err := c.Safety.Table(); err != nil {
		add("safety: %v", err)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format %q is not json or text", c.Logging.Format)
	}
	if r := c.Observability.SamplingRate; r < 0 || r > 1 {
		add("observability.sampling_rate must be within [0, 1], got %v", r)
	}

	if len(issues) > 0 {
		return errkind.Newf(errkind.Misconfigured, "config.validate", "%s", strings.Join(issues, "; "))
	}
	return nil
}

// unwrapKind drops the kind prefix so issues read as one message.
func unwrapKind(err error) error {
	var e *errkind.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err
	}
	return err
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	jitter := backoff.DefaultPolicy().JitterRatio
	if c.Retry.JitterRatio != nil {
		jitter = *c.Retry.JitterRatio
	}
	return retry.Policy{
		MaxAttempts:   c.Retry.MaxAttempts,
		BaseDelay:     c.Retry.BaseDelay,
		MaxDelay:      c.Retry.MaxDelay,
		JitterRatio:   jitter,
		ProviderOrder: append([]string(nil), c.Retry.ProviderOrder...),
		Timeout:       c.Retry.Deadline,
	}
}

// TrackerOptions converts the context section into tracker options.
func (c ContextConfig) TrackerOptions() ([]conversation.Option, error) {
	patterns := conversation.DefaultPatterns()
	if len(c.EntityPatterns) > 0 {
		extra, err := conversation.CompileEntityPatterns(c.EntityPatterns)
		if err != nil {
			return nil, err
		}
		patterns.Entities = append(patterns.Entities, extra...)
	}
	if len(c.CorrectionMarkers) > 0 {
		corrections, err := conversation.CompileCorrections(c.CorrectionMarkers)
		if err != nil {
			return nil, err
		}
		patterns.Corrections = corrections
	}
	if len(c.PronounCategories) > 0 {
		patterns.PronounCategories = make(map[string][]string, len(c.PronounCategories))
		for pronoun, cats := range c.PronounCategories {
			patterns.PronounCategories[strings.ToLower(pronoun)] = cats
		}
	}
	if err := patterns.Validate(); err != nil {
		return nil, err
	}
	if c.WindowSize < 1 {
		return nil, fmt.Errorf("window_size must be at least 1, got %d", c.WindowSize)
	}
	if c.EntityScanDepth < 1 || c.EntityScanDepth > c.WindowSize {
		return nil, fmt.Errorf("entity_scan_depth must be within [1, %d], got %d", c.WindowSize, c.EntityScanDepth)
	}
	opts := []conversation.Option{
		conversation.WithWindowSize(c.WindowSize),
		conversation.WithScanDepth(c.EntityScanDepth),
		conversation.WithPatterns(patterns),
	}
	if c.SystemPrompt != "" {
		opts = append(opts, conversation.WithSystemPrompt(c.SystemPrompt))
	}
	return opts, nil
}

// ArchiveConfig converts the archival ceilings.
func (c ArchiveConfig) ArchiveConfig() archive.Config {
	return archive.Config{
		MaxTurns:   c.MaxTurns,
		MaxBytes:   c.MaxBytes,
		MaxIdle:    c.MaxIdle,
		RetainTail: c.RetainTail,
	}
}

// SchedulerConfig converts the background archival limits.
func (c ArchiveConfig) SchedulerConfig() archive.SchedulerConfig {
	return archive.SchedulerConfig{MaxConcurrent: c.MaxConcurrent, Timeout: c.Deadline}
}

// PoolConfig converts the postgres pool settings.
func (c StorageConfig) PoolConfig() sessions.PoolConfig {
	pool := sessions.DefaultPoolConfig()
	pool.MaxOpenConns = c.MaxOpenConns
	pool.MaxIdleConns = c.MaxIdleConns
	pool.ConnMaxLifetime = c.ConnMaxLifetime
	return pool
}

// Table compiles the extra safety patterns on top of the built-in rules.
func (c SafetyConfig) Table() (safety.Table, error) {
	extra, err := safety.CompileTable(c.Deny, c.Confirm, c.Allow)
	if err != nil {
		return safety.Table{}, err
	}
	return safety.DefaultTable().Extend(extra), nil
}

// LogConfig converts the logging section.
func (c LoggingConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:          c.Level,
		Format:         c.Format,
		AddSource:      c.AddSource,
		RedactPatterns: c.RedactPatterns,
	}
}

// TraceConfig converts the tracing settings.
func (c ObservabilityConfig) TraceConfig(version string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: version,
		Environment:    c.Environment,
		Endpoint:       c.OTLPEndpoint,
		SamplingRate:   c.SamplingRate,
		Insecure:       c.OTLPInsecure,
	}
}
