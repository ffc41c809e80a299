package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Stage names the component that produced an event.
type Stage string

const (
	StageRoute     Stage = "route"
	StageAttempt   Stage = "attempt"
	StageOutcome   Stage = "outcome"
	StageReference Stage = "reference"
	StageSafety    Stage = "safety"
	StageArchive   Stage = "archive"
	StageAnomaly   Stage = "anomaly"
)

// Event is one structured record of a stage in handling a request.
type Event struct {
	ID        string
	SessionID string
	Stage     Stage
	Outcome   string
	Provider  string
	Attempt   int
	Latency   time.Duration
	Detail    string
	Timestamp time.Time
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Stamp fills the ID and timestamp of e when unset.
func Stamp(e Event) Event {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return e
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}

// LogSink writes events to a logger at debug level, except anomalies which
// are logged as warnings.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e = Stamp(e)
	level := slog.LevelDebug
	if e.Stage == StageAnomaly {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "request event",
		"event_id", e.ID,
		"session_id", e.SessionID,
		"stage", string(e.Stage),
		"outcome", e.Outcome,
		"provider", e.Provider,
		"attempt", e.Attempt,
		"latency_ms", e.Latency.Milliseconds(),
		"detail", e.Detail,
	)
}

// MultiSink fans events out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e Event) {
	e = Stamp(e)
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// MemorySink keeps the most recent events in a bounded buffer.
type MemorySink struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
}

// NewMemorySink creates a sink holding at most maxSize events.
func NewMemorySink(maxSize int) *MemorySink {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemorySink{maxSize: maxSize}
}

func (s *MemorySink) Record(_ context.Context, e Event) {
	e = Stamp(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.maxSize {
		drop := len(s.events) - s.maxSize + 1
		s.events = append(s.events[:0], s.events[drop:]...)
	}
	s.events = append(s.events, e)
}

// Events returns a copy of all buffered events in arrival order.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// BySession returns buffered events for one session.
func (s *MemorySink) BySession(sessionID string) []Event {
	return s.Filter(func(e Event) bool { return e.SessionID == sessionID })
}

// ByStage returns buffered events for one stage.
func (s *MemorySink) ByStage(stage Stage) []Event {
	return s.Filter(func(e Event) bool { return e.Stage == stage })
}

// Filter returns buffered events matching keep.
func (s *MemorySink) Filter(keep func(Event) bool) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
