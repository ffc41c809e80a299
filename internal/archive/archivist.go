// Package archive decides when a session's turns are folded into its summary
// and runs that work off the request path.
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/parley/internal/compaction"
	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/sessions"
)

// Trigger names the condition that fired archival.
type Trigger string

const (
	TriggerNone  Trigger = ""
	TriggerTurns Trigger = "turns"
	TriggerBytes Trigger = "bytes"
	TriggerIdle  Trigger = "idle"
)

// Config holds the archival ceilings. Zero MaxBytes or MaxIdle disables that
// trigger.
type Config struct {
	MaxTurns   int
	MaxBytes   int
	MaxIdle    time.Duration
	RetainTail int
}

// DefaultConfig returns the built-in ceilings.
func DefaultConfig() Config {
	return Config{
		MaxTurns:   40,
		MaxBytes:   32 * 1024,
		MaxIdle:    30 * time.Minute,
		RetainTail: 8,
	}
}

// Validate reports Misconfigured ceilings.
func (c Config) Validate() error {
	switch {
	case c.MaxTurns < 1:
		return errkind.Newf(errkind.Misconfigured, "archive.config", "max turns must be at least 1, got %d", c.MaxTurns)
	case c.RetainTail < 0:
		return errkind.Newf(errkind.Misconfigured, "archive.config", "retain tail must be non-negative, got %d", c.RetainTail)
	case c.RetainTail > c.MaxTurns:
		return errkind.Newf(errkind.Misconfigured, "archive.config", "retain tail %d exceeds max turns %d", c.RetainTail, c.MaxTurns)
	case c.MaxBytes < 0:
		return errkind.Newf(errkind.Misconfigured, "archive.config", "max bytes must be non-negative, got %d", c.MaxBytes)
	case c.MaxIdle < 0:
		return errkind.Newf(errkind.Misconfigured, "archive.config", "max idle must be non-negative, got %s", c.MaxIdle)
	}
	return nil
}

// Archivist folds old turns into the session summary.
type Archivist struct {
	cfg       Config
	compactor compaction.Compactor
	sink      observability.Sink
	logger    *slog.Logger
}

// Option configures an Archivist.
type Option func(*Archivist)

// WithSink sets the event sink.
func WithSink(sink observability.Sink) Option {
	return func(a *Archivist) { a.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archivist) { a.logger = logger }
}

// New returns an Archivist. A nil compactor uses compaction.Concat.
func New(cfg Config, compactor compaction.Compactor, opts ...Option) (*Archivist, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if compactor == nil {
		compactor = compaction.Concat{}
	}
	a := &Archivist{
		cfg:       cfg,
		compactor: compactor,
		sink:      observability.NopSink{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the archivist's ceilings.
func (a *Archivist) Config() Config { return a.cfg }

// Check reports which trigger fires for state at now. It reports false when
// no trigger fires or when there is nothing before the retained tail left to
// fold.
func (a *Archivist) Check(state *sessions.State, now time.Time) (Trigger, bool) {
	if a.boundary(state) <= state.ArchiveCursor {
		return TriggerNone, false
	}
	unarchived := len(state.Turns) - state.ArchiveCursor
	switch {
	case unarchived > a.cfg.MaxTurns:
		return TriggerTurns, true
	case a.cfg.MaxBytes > 0 && state.UnarchivedBytes() > a.cfg.MaxBytes:
		return TriggerBytes, true
	case a.cfg.MaxIdle > 0 && !state.LastActive.IsZero() && now.Sub(state.LastActive) >= a.cfg.MaxIdle:
		return TriggerIdle, true
	}
	return TriggerNone, false
}

func (a *Archivist) boundary(state *sessions.State) int {
	return len(state.Turns) - a.cfg.RetainTail
}

// MaybeArchive returns a new state with turns before the retained tail folded
// into the summary, or state itself when no trigger fires. state is never
// modified. When compaction fails the original state is returned with an
// ArchivalDeferred error.
func (a *Archivist) MaybeArchive(ctx context.Context, state *sessions.State, now time.Time) (*sessions.State, Trigger, error) {
	trigger, ok := a.Check(state, now)
	if !ok {
		return state, TriggerNone, nil
	}

	boundary := a.boundary(state)
	fold := make([]sessions.Turn, boundary-state.ArchiveCursor)
	copy(fold, state.Turns[state.ArchiveCursor:boundary])

	started := time.Now()
	summary, err := a.compactor.Summarize(ctx, state.ArchiveSummary, fold)
	latency := time.Since(started)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		a.logger.WarnContext(ctx, "archival deferred",
			"session_id", state.ID, "trigger", string(trigger), "error", err)
		a.record(ctx, state.ID, "deferred", trigger, latency)
		return state, trigger, errkind.New(errkind.ArchivalDeferred, "archive.compact", err)
	}

	next := state.Clone()
	next.ArchiveSummary = summary
	next.ArchiveCursor = boundary
	a.logger.DebugContext(ctx, "session archived",
		"session_id", state.ID, "trigger", string(trigger), "cursor", boundary, "summary_bytes", len(summary))
	a.record(ctx, state.ID, "archived", trigger, latency)
	return next, trigger, nil
}

func (a *Archivist) record(ctx context.Context, sessionID, outcome string, trigger Trigger, latency time.Duration) {
	a.sink.Record(ctx, observability.Event{
		SessionID: sessionID,
		Stage:     observability.StageArchive,
		Outcome:   outcome,
		Latency:   latency,
		Detail:    string(trigger),
	})
}
