package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/haasonsaas/parley/internal/archive"
	"github.com/haasonsaas/parley/internal/compaction"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/conversation"
	"github.com/haasonsaas/parley/internal/credentials"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/pipeline"
	"github.com/haasonsaas/parley/internal/providers"
	"github.com/haasonsaas/parley/internal/retry"
	"github.com/haasonsaas/parley/internal/routing"
	"github.com/haasonsaas/parley/internal/safety"
	"github.com/haasonsaas/parley/internal/sessions"
)

// envKeys maps provider kinds to the environment variable holding a
// fallback API key.
var envKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GOOGLE_API_KEY",
}

// app holds every long-lived component built from one configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	store     sessions.Store
	creds     *credentials.FileStore
	keyring   *pipeline.Keyring
	scheduler *archive.Scheduler
	sweeper   *archive.Sweeper
	pipeline  *pipeline.Pipeline

	closers []func(context.Context) error
}

// loadConfig reads path, falling back to built-in defaults when the default
// file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigName && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// buildApp wires the request pipeline from cfg.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.logger = observability.NewLogger(cfg.Logging.LogConfig())

	tracer, shutdownTracer := observability.NewTracer(cfg.Observability.TraceConfig(version))
	a.closers = append(a.closers, shutdownTracer)

	sink := observability.MultiSink{
		observability.LogSink{Logger: a.logger},
		observability.NewMetrics(a.registry),
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store = store
	if c, ok := store.(*sessions.SQLStore); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}

	a.creds, err = credentials.NewFileStore(cfg.Credentials.Path, credentials.WithLogger(a.logger))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	material, err := a.creds.Load(ctx)
	if err != nil {
		a.logger.Warn("credentials unavailable, continuing without", "path", cfg.Credentials.Path, "error", err)
		material = credentials.Absent()
	}

	policy := cfg.RetryPolicy()
	a.keyring = pipeline.NewKeyring(material,
		pipeline.WithConfigKeys(configKeys(cfg), policy.ProviderOrder),
		pipeline.WithPreferDirect(cfg.Credentials.DirectOverride),
		pipeline.WithKeyringLogger(a.logger),
	)
	unfollow := a.keyring.Follow(a.creds)
	a.closers = append(a.closers, func(context.Context) error { unfollow(); return nil })

	clients, err := buildClients(cfg, a.keyring)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	registry, err := providers.NewRegistry(clients...)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	orchestrator := retry.New(registry,
		retry.WithSink(sink),
		retry.WithLogger(a.logger),
		retry.WithTracer(tracer),
	)

	trackerOpts, err := cfg.Context.TrackerOptions()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	tracker, err := conversation.New(trackerOpts...)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	table, err := cfg.Safety.Table()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	archivist, err := archive.New(cfg.Archive.ArchiveConfig(), buildCompactor(cfg, orchestrator, policy),
		archive.WithSink(sink), archive.WithLogger(a.logger))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	queue := sessions.NewQueue()
	a.scheduler, err = archive.NewScheduler(archivist, archive.StoreCommit(store, queue), cfg.Archive.SchedulerConfig(),
		archive.WithSchedulerLogger(a.logger))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { a.scheduler.Close(); return nil })

	if cfg.Archive.SweepSchedule != "" {
		a.sweeper, err = archive.NewSweeper(store, a.scheduler, cfg.Archive.SweepSchedule, a.logger)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Store:        store,
		Queue:        queue,
		Keyring:      a.keyring,
		Tracker:      tracker,
		Classifier:   safety.New(table),
		Orchestrator: orchestrator,
		Policy:       policy,
		Scheduler:    a.scheduler,
	}, pipeline.WithSink(sink), pipeline.WithLogger(a.logger), pipeline.WithTracer(tracer))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// startBackground launches the credential watcher, the OAuth refresher and
// the idle sweeper. They stop when ctx is done.
func (a *app) startBackground(ctx context.Context) {
	if a.cfg.Credentials.Watch {
		go func() {
			if err := a.creds.Watch(ctx); err != nil {
				a.logger.Warn("credentials watch stopped", "error", err)
			}
		}()
	}
	if oc := a.cfg.Credentials.OAuth; oc.Enabled() {
		refresher := credentials.NewOAuthRefresher(ctx, &oauth2.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: oc.TokenURL},
			Scopes:       oc.Scopes,
		}, &oauth2.Token{RefreshToken: oc.RefreshToken}, a.creds, a.logger)
		go func() { _ = refresher.Run(ctx) }()
	}
	if a.sweeper != nil {
		a.sweeper.Start()
		go func() {
			<-ctx.Done()
			<-a.sweeper.Stop().Done()
		}()
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

func openStore(cfg config.StorageConfig) (sessions.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sessions.OpenSQLite(cfg.DSN)
	case config.DriverPostgres:
		return sessions.OpenPostgres(cfg.DSN, cfg.PoolConfig())
	default:
		return sessions.NewMemoryStore(), nil
	}
}

// configKeys collects fallback API keys from provider config, then the
// environment.
func configKeys(cfg *config.Config) map[string]string {
	keys := make(map[string]string)
	for _, id := range providerIDs(cfg) {
		p := cfg.Providers[id]
		key := strings.TrimSpace(p.APIKey)
		if key == "" {
			key = strings.TrimSpace(os.Getenv(envKeys[providerKind(id, p)]))
		}
		if key != "" {
			keys[id] = key
		}
	}
	return keys
}

// providerIDs lists configured providers, or the retry order when none are
// configured explicitly.
func providerIDs(cfg *config.Config) []string {
	if len(cfg.Providers) == 0 {
		return cfg.Retry.ProviderOrder
	}
	ids := make([]string, 0, len(cfg.Providers))
	for _, id := range cfg.Retry.ProviderOrder {
		if _, ok := cfg.Providers[id]; ok {
			ids = append(ids, id)
		}
	}
	for id := range cfg.Providers {
		if !contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func providerKind(id string, p config.ProviderConfig) string {
	if p.Kind != "" {
		return p.Kind
	}
	return id
}

func buildClients(cfg *config.Config, keyring *pipeline.Keyring) ([]providers.Client, error) {
	var clients []providers.Client
	for _, id := range providerIDs(cfg) {
		p := cfg.Providers[id]
		var (
			client providers.Client
			err    error
		)
		switch kind := providerKind(id, p); kind {
		case "anthropic":
			client, err = providers.NewAnthropic(providers.AnthropicConfig{
				Name: id, APIKey: keyring.ProviderKey(id), BaseURL: p.BaseURL, Model: p.Model, MaxTokens: p.MaxTokens,
			})
		case "openai":
			client, err = providers.NewOpenAI(providers.OpenAIConfig{
				Name: id, APIKey: keyring.ProviderKey(id), BaseURL: p.BaseURL, Model: p.Model, MaxTokens: p.MaxTokens,
			})
		case "google":
			client, err = providers.NewGoogle(providers.GoogleConfig{
				Name: id, APIKey: keyring.ProviderKey(id), Model: p.Model, MaxTokens: p.MaxTokens,
			})
		default:
			if _, configured := cfg.Providers[id]; !configured {
				continue
			}
			err = fmt.Errorf("unknown provider kind %q", kind)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		clients = append(clients, client)
	}

	if b := cfg.Backend; strings.TrimSpace(b.BaseURL) != "" {
		backend, err := providers.NewBackend(providers.BackendConfig{
			BaseURL: b.BaseURL, Token: keyring.BackendToken(), Model: b.Model, MaxTokens: b.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		clients = append(clients, backend)
	}
	return clients, nil
}

func buildCompactor(cfg *config.Config, orchestrator *retry.Orchestrator, policy retry.Policy) compaction.Compactor {
	s := cfg.Archive.Summarizer
	if s == "" || s == config.SummarizerConcat {
		return compaction.Concat{MaxBytes: cfg.Archive.SummaryMaxBytes}
	}
	return &compaction.ModelSummarizer{
		Client:   orchestrator.Bind("archive", routing.Route{Mode: routing.Direct, ProviderID: s}, policy),
		MaxBytes: cfg.Archive.SummaryMaxBytes,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
