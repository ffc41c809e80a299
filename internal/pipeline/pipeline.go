// Package pipeline handles one user message end to end: it resolves the
// route, analyses references, gates actions on safety, runs the completion
// with retries, and commits the turn to the session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/archive"
	"github.com/haasonsaas/parley/internal/conversation"
	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/retry"
	"github.com/haasonsaas/parley/internal/routing"
	"github.com/haasonsaas/parley/internal/safety"
	"github.com/haasonsaas/parley/internal/sessions"
)

// DefaultActionPattern recognises requests to perform an action rather than
// answer a question.
var DefaultActionPattern = regexp.MustCompile(`(?i)^\s*(?:please\s+|can\s+you\s+|could\s+you\s+)?(?:run|execute|exec|delete|remove|install|uninstall|create|write|overwrite|move|rename|copy|kill|restart|stop|deploy|push|wipe|erase|format|upload|send|chmod|chown|rm|mv|cp|sudo|git|curl|wget|docker|kubectl)\b`)

// Outcome is the result of handling one message.
type Outcome struct {
	RequestID    string        `json:"request_id"`
	SessionID    string        `json:"session_id"`
	Text         string        `json:"text"`
	ProviderUsed string        `json:"provider_used,omitempty"`
	AttemptCount int           `json:"attempt_count"`
	Latency      time.Duration `json:"latency"`
	Route        routing.Route `json:"route"`

	CorrectionAcknowledged bool     `json:"correction_acknowledged,omitempty"`
	Replacement            string   `json:"replacement,omitempty"`
	Ambiguous              bool     `json:"ambiguous,omitempty"`
	Unresolved             []string `json:"unresolved,omitempty"`

	// Classification is set only for action requests.
	Classification    *safety.Decision `json:"classification,omitempty"`
	NeedsConfirmation bool             `json:"needs_confirmation,omitempty"`
	Refused           bool             `json:"refused,omitempty"`
}

// Deps are the collaborators a Pipeline needs. Scheduler may be nil, in
// which case no archival runs.
type Deps struct {
	Store        sessions.Store
	Queue        *sessions.Queue
	Keyring      *Keyring
	Tracker      *conversation.Tracker
	Classifier   *safety.Classifier
	Orchestrator *retry.Orchestrator
	Policy       retry.Policy
	Scheduler    *archive.Scheduler
}

// Pipeline processes messages. Requests for one session are served in
// arrival order; distinct sessions run in parallel.
type Pipeline struct {
	deps    Deps
	sink    observability.Sink
	logger  *slog.Logger
	tracer  *observability.Tracer
	now     func() time.Time
	newID   func() string
	actions *regexp.Regexp
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSink sets the event sink.
func WithSink(sink observability.Sink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(p *Pipeline) { p.tracer = tracer }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithActionPattern replaces DefaultActionPattern.
func WithActionPattern(re *regexp.Regexp) Option {
	return func(p *Pipeline) { p.actions = re }
}

// New validates deps and returns a Pipeline.
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errkind.Newf(errkind.Misconfigured, "pipeline.new", "session store is required")
	case deps.Keyring == nil:
		return nil, errkind.Newf(errkind.Misconfigured, "pipeline.new", "keyring is required")
	case deps.Tracker == nil:
		return nil, errkind.Newf(errkind.Misconfigured, "pipeline.new", "context tracker is required")
	case deps.Orchestrator == nil:
		return nil, errkind.Newf(errkind.Misconfigured, "pipeline.new", "retry orchestrator is required")
	}
	if err := deps.Policy.Validate(); err != nil {
		return nil, err
	}
	if deps.Queue == nil {
		deps.Queue = sessions.NewQueue()
	}
	if deps.Classifier == nil {
		deps.Classifier = safety.New(safety.DefaultTable())
	}
	p := &Pipeline{
		deps:    deps,
		sink:    observability.NopSink{},
		logger:  slog.Default(),
		tracer:  observability.NoopTracer(),
		now:     time.Now,
		newID:   uuid.NewString,
		actions: DefaultActionPattern,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Keyring returns the pipeline's credential holder.
func (p *Pipeline) Keyring() *Keyring { return p.deps.Keyring }

// Handle processes one user message for sessionID under deadline. A zero
// deadline means the retry policy's timeout. Refusals and confirmation
// requests are returned as outcomes, not errors. The session is only
// updated when a reply arrives before the deadline.
func (p *Pipeline) Handle(ctx context.Context, sessionID, userText string, deadline time.Time) (Outcome, error) {
	start := p.now()
	out := Outcome{RequestID: p.newID(), SessionID: sessionID}
	if strings.TrimSpace(sessionID) == "" {
		return out, errkind.Newf(errkind.Misconfigured, "pipeline.handle", "session id is required")
	}

	if deadline.IsZero() && p.deps.Policy.Timeout > 0 {
		deadline = start.Add(p.deps.Policy.Timeout)
	}
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	ctx = observability.AddRequestID(ctx, out.RequestID)
	ctx = observability.AddSessionID(ctx, sessionID)
	logger := p.logger.With("request_id", out.RequestID, "session_id", sessionID)

	ctx, span := p.tracer.Start(ctx, "pipeline.handle")
	defer span.End()

	out, err := p.handle(ctx, logger, out, userText)
	out.Latency = p.now().Sub(start)
	if out.Classification != nil {
		span.SetAttributes(observability.AttrTier.String(out.Classification.Tier.String()))
	}
	if err != nil {
		p.tracer.RecordError(span, err)
		logger.Warn("request failed", "error", err, "kind", errkind.KindOf(err), "latency", out.Latency)
	}
	return out, err
}

func (p *Pipeline) handle(ctx context.Context, logger *slog.Logger, out Outcome, userText string) (Outcome, error) {
	release, err := p.deps.Queue.Acquire(ctx, out.SessionID)
	if err != nil {
		return out, errkind.New(errkind.Exhausted, "pipeline.queue", err)
	}
	defer release()

	state, created, err := sessions.GetOrCreate(ctx, p.deps.Store, out.SessionID, p.now())
	if err != nil {
		return out, fmt.Errorf("load session: %w", err)
	}
	if created {
		logger.Debug("session created")
	}

	material := p.deps.Keyring.Material()
	route, err := routing.Resolve(material, p.now())
	if err != nil {
		p.record(ctx, observability.Event{SessionID: out.SessionID, Stage: observability.StageRoute, Outcome: strings.ToLower(string(errkind.KindOf(err)))})
		return out, err
	}
	out.Route = route
	state.Credential = sessions.RecordOf(material)
	p.record(ctx, observability.Event{SessionID: out.SessionID, Stage: observability.StageRoute, Outcome: string(route.Mode), Provider: route.ProviderID})

	window := p.deps.Tracker.Window(state.Turns, state.ArchiveCursor)
	analysis := p.deps.Tracker.Analyze(window, userText)
	out.Ambiguous = analysis.Ambiguous
	out.Unresolved = analysis.Unresolved
	if analysis.Correction != nil {
		out.Replacement = analysis.Correction.Replacement
	}
	p.recordReference(ctx, out.SessionID, analysis)

	if action, ok := p.actionText(userText, analysis.Derived); ok {
		decision := p.deps.Classifier.Decide(action)
		out.Classification = &decision
		p.record(ctx, observability.Event{SessionID: out.SessionID, Stage: observability.StageSafety, Outcome: decision.Tier.String(), Detail: decision.Rule})
		switch {
		case decision.Tier == safety.Deny:
			logger.Info("action refused", "rule", decision.Rule)
			out.Refused = true
			out.Text = safety.Refusal()
			return out, nil
		case decision.Tier == safety.Confirm && !Confirmed(ctx):
			out.NeedsConfirmation = true
			out.Text = safety.ConfirmationPrompt()
			return out, nil
		}
	}

	prompt := p.deps.Tracker.BuildPrompt(state.ArchiveSummary, window, analysis.Derived)
	result, err := p.deps.Orchestrator.Execute(ctx, retry.Request{
		SessionID: out.SessionID,
		Route:     route,
		Prompt:    prompt,
	}, p.deps.Policy)
	out.ProviderUsed = result.ProviderUsed
	out.AttemptCount = result.AttemptCount
	if err != nil {
		return out, err
	}

	text := result.Text
	if out.Replacement != "" {
		text = fmt.Sprintf("Got it, using %s. %s", out.Replacement, text)
		out.CorrectionAcknowledged = true
	}

	// A reply that lands after the deadline is not applied.
	if err := ctx.Err(); err != nil {
		return out, errkind.New(errkind.Exhausted, "pipeline.commit", err)
	}

	now := p.now()
	userTurn := sessions.NewTurn(sessions.RoleUser, userText, now)
	p.deps.Tracker.Annotate(&userTurn)
	replyTurn := sessions.NewTurn(sessions.RoleAssistant, text, now)
	p.deps.Tracker.Annotate(&replyTurn)
	state.Append(userTurn, replyTurn)

	if err := p.deps.Store.Save(ctx, state); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return out, errkind.New(errkind.Exhausted, "pipeline.commit", err)
		}
		return out, fmt.Errorf("save session: %w", err)
	}

	if p.deps.Scheduler != nil && p.deps.Scheduler.Schedule(state.Clone()) {
		logger.Debug("archival scheduled", "turns", len(state.Turns), "cursor", state.ArchiveCursor)
	}

	out.Text = text
	return out, nil
}

// actionText reports whether userText requests an action and returns the
// text to classify: the reference-resolved form with any command prefix
// removed.
func (p *Pipeline) actionText(userText, derived string) (string, bool) {
	trimmed := strings.TrimSpace(userText)
	resolved := strings.TrimSpace(derived)
	for _, prefix := range []string{"/run ", "!"} {
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(resolved, prefix)), true
		}
	}
	if trimmed == "/run" {
		return "", true
	}
	if p.actions != nil && p.actions.MatchString(trimmed) {
		return resolved, true
	}
	return "", false
}

func (p *Pipeline) recordReference(ctx context.Context, sessionID string, a conversation.Analysis) {
	var outcome string
	switch {
	case a.Correction != nil:
		outcome = "correction"
	case a.Ambiguous:
		outcome = "ambiguous"
	case len(a.Resolved) > 0:
		outcome = "resolved"
	default:
		return
	}
	p.record(ctx, observability.Event{SessionID: sessionID, Stage: observability.StageReference, Outcome: outcome})
}

func (p *Pipeline) record(ctx context.Context, e observability.Event) {
	p.sink.Record(ctx, e)
}
