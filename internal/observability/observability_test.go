package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := AddSessionID(AddRequestID(context.Background(), "req-1"), "sess-9")
	logger.InfoContext(ctx, "calling provider with sk-abcdefghijklmnopqrstuvwxyz",
		"token", "super-secret-token",
		"error", errors.New("rejected key sk-ant-REDACTED"),
		"provider", "openai",
	)

	out := buf.String()
	for _, leaked := range []string{"sk-abcdefghij", "super-secret-token", "sk-ant-abcdefghij"} {
		if strings.Contains(out, leaked) {
			t.Errorf("log output leaked %q: %s", leaked, out)
		}
	}
	for _, want := range []string{`"request_id":"req-1"`, `"session_id":"sess-9"`, `"provider":"openai"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestLoggerWithAttrsRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf}).With("api_key", "abc123")
	logger.Info("hello")
	if strings.Contains(buf.String(), "abc123") {
		t.Errorf("With() attribute leaked: %s", buf.String())
	}
}

func TestLogLevelFromString(t *testing.T) {
	if LogLevelFromString("WARN").String() != "WARN" {
		t.Error("WARN not parsed")
	}
	if LogLevelFromString("bogus").String() != "INFO" {
		t.Error("unknown level should default to INFO")
	}
}

func TestMemorySinkBounded(t *testing.T) {
	sink := NewMemorySink(3)
	for i := 1; i <= 5; i++ {
		sink.Record(context.Background(), Event{SessionID: "s", Stage: StageAttempt, Attempt: i})
	}
	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("len(Events()) = %d, want 3", len(events))
	}
	if events[0].Attempt != 3 || events[2].Attempt != 5 {
		t.Errorf("Events() kept wrong window: %+v", events)
	}
	for _, e := range events {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event not stamped: %+v", e)
		}
	}
}

func TestMemorySinkFilters(t *testing.T) {
	sink := NewMemorySink(10)
	ctx := context.Background()
	sink.Record(ctx, Event{SessionID: "a", Stage: StageAttempt})
	sink.Record(ctx, Event{SessionID: "b", Stage: StageOutcome})
	sink.Record(ctx, Event{SessionID: "a", Stage: StageOutcome})

	if got := len(sink.BySession("a")); got != 2 {
		t.Errorf("BySession(a) = %d events, want 2", got)
	}
	if got := len(sink.ByStage(StageOutcome)); got != 2 {
		t.Errorf("ByStage(outcome) = %d events, want 2", got)
	}
}

func TestMultiSinkSharesID(t *testing.T) {
	a, b := NewMemorySink(5), NewMemorySink(5)
	MultiSink{a, nil, b}.Record(context.Background(), Event{Stage: StageRoute})
	if a.Events()[0].ID != b.Events()[0].ID {
		t.Error("MultiSink should stamp once so every sink sees the same ID")
	}
}

func TestMetricsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ctx := context.Background()

	m.Record(ctx, Event{Stage: StageAttempt, Provider: "openai", Outcome: "transient", Latency: 200 * time.Millisecond})
	m.Record(ctx, Event{Stage: StageAttempt, Provider: "openai", Outcome: "success", Latency: 100 * time.Millisecond})
	m.Record(ctx, Event{Stage: StageOutcome, Outcome: "success", Latency: time.Second})
	m.Record(ctx, Event{Stage: StageSafety, Outcome: "deny"})
	m.Record(ctx, Event{Stage: StageAnomaly, Outcome: "empty_completion"})

	if got := testutil.ToFloat64(m.AttemptCounter.WithLabelValues("openai", "transient")); got != 1 {
		t.Errorf("transient attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestCounter.WithLabelValues("success")); got != 1 {
		t.Errorf("successful requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SafetyCounter.WithLabelValues("deny")); got != 1 {
		t.Errorf("deny decisions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AnomalyCounter.WithLabelValues("empty_completion")); got != 1 {
		t.Errorf("anomalies = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.AttemptDuration); got != 1 {
		t.Errorf("attempt duration series = %d, want 1", got)
	}
}

func TestNoopTracer(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	ctx, span := tracer.Start(context.Background(), "op")
	tracer.RecordError(span, errors.New("boom"))
	span.End()
	if ctx == nil {
		t.Fatal("Start() returned nil context")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}

	var nilTracer *Tracer
	_, span = nilTracer.Start(context.Background(), "op")
	span.End()
}
