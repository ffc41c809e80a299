package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/haasonsaas/parley/internal/backoff"
	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/providers"
	"github.com/haasonsaas/parley/internal/routing"
)

// ClientSource resolves provider identifiers to clients.
type ClientSource interface {
	Client(id string) (providers.Client, bool)
}

// Request is one logical completion.
type Request struct {
	SessionID string
	Route     routing.Route
	Prompt    providers.Prompt
}

// Attempt records a single provider call.
type Attempt struct {
	Provider string
	Number   int
	Outcome  string
	Latency  time.Duration
	Err      error
}

// Outcome is the result of Execute. AttemptCount and Attempts are populated
// on failure as well.
type Outcome struct {
	Text         string
	ProviderUsed string
	AttemptCount int
	Latency      time.Duration
	Attempts     []Attempt
}

const (
	outcomeSuccess   = "success"
	outcomeAbandoned = "abandoned"
)

// Orchestrator runs requests against providers.
type Orchestrator struct {
	clients ClientSource
	sink    observability.Sink
	logger  *slog.Logger
	tracer  *observability.Tracer
	random  func() float64
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets the event sink.
func WithSink(sink observability.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithRandom sets the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(o *Orchestrator) { o.random = fn }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an orchestrator over clients.
func New(clients ClientSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clients: clients,
		sink:    observability.NopSink{},
		logger:  slog.Default(),
		tracer:  observability.NoopTracer(),
		random:  rand.Float64, // #nosec G404 -- jitter does not require cryptographic randomness
		sleep:   backoff.Sleep,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs req under policy. It returns Misconfigured before any call
// when the policy or client set is unusable, and Exhausted when the deadline
// or every candidate runs out. Results that arrive after the deadline are
// discarded.
func (o *Orchestrator) Execute(ctx context.Context, req Request, policy Policy) (Outcome, error) {
	start := o.now()
	if err := policy.Validate(); err != nil {
		o.emitOutcome(ctx, req, Outcome{}, err)
		return Outcome{}, err
	}

	ctx, cancel := o.withDeadline(ctx, policy)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "retry.execute",
		observability.AttrSessionID.String(req.SessionID),
		observability.AttrMode.String(string(req.Route.Mode)),
	)
	defer span.End()

	out, err := o.execute(ctx, req, policy)
	out.Latency = o.now().Sub(start)
	if err != nil {
		o.tracer.RecordError(span, err)
	}
	span.SetAttributes(observability.AttrAttempts.Int(out.AttemptCount), observability.AttrProvider.String(out.ProviderUsed))
	o.emitOutcome(ctx, req, out, err)
	return out, err
}

func (o *Orchestrator) withDeadline(ctx context.Context, policy Policy) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || policy.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, policy.Timeout)
}

func (o *Orchestrator) execute(ctx context.Context, req Request, policy Policy) (Outcome, error) {
	var out Outcome
	var lastErr error
	usable := 0

	candidates := Candidates(req.Route, policy.ProviderOrder)
	for _, id := range candidates {
		client, ok := o.clients.Client(id)
		if !ok {
			o.logger.WarnContext(ctx, "provider has no client, skipping", "provider", id)
			continue
		}
		usable++

		text, err := o.tryProvider(ctx, client, req, policy, &out)
		if err == nil {
			out.Text = text
			out.ProviderUsed = client.Name()
			return out, nil
		}
		if errkind.KindOf(err) == errkind.Exhausted {
			return out, err
		}
		lastErr = err
		o.logger.InfoContext(ctx, "falling back to next provider", "provider", id, "error", err)
	}

	if usable == 0 {
		return out, errkind.Newf(errkind.Misconfigured, "retry.execute", "no client configured for any of %s", strings.Join(candidates, ", "))
	}
	return out, errkind.New(errkind.Exhausted, "retry.execute", lastErr)
}

// tryProvider retries one provider. A nil error means success; an Exhausted
// error means the deadline ran out; anything else means move on. A backoff
// that cannot fit the deadline ends this provider's retries without ending
// the call.
func (o *Orchestrator) tryProvider(ctx context.Context, client providers.Client, req Request, policy Policy, out *Outcome) (string, error) {
	name := client.Name()
	unknownRetried := false
	limit := policy.MaxAttempts
	var lastErr error

	for n := 1; n <= limit; n++ {
		if err := ctx.Err(); err != nil {
			return "", errkind.New(errkind.Exhausted, "retry.execute", errors.Join(err, lastErr))
		}

		out.AttemptCount++
		started := o.now()
		text, err := o.call(ctx, client, req.Prompt)
		attempt := Attempt{Provider: name, Number: out.AttemptCount, Latency: o.now().Sub(started), Err: err}

		if err == nil {
			attempt.Outcome = outcomeSuccess
			o.recordAttempt(ctx, req, out, attempt)
			if strings.TrimSpace(text) == "" {
				o.logger.WarnContext(ctx, "provider returned empty completion", "anomaly", "empty_completion", "provider", name)
				o.sink.Record(ctx, observability.Event{SessionID: req.SessionID, Stage: observability.StageAnomaly, Outcome: "empty_completion", Provider: name})
			}
			return text, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			attempt.Outcome = outcomeAbandoned
			o.recordAttempt(ctx, req, out, attempt)
			return "", errkind.New(errkind.Exhausted, "retry.execute", errors.Join(ctxErr, err)).WithProvider(name)
		}

		class := providers.Classify(err)
		if class == providers.Unknown {
			if unknownRetried {
				class = providers.Fatal
			} else {
				unknownRetried = true
				class = providers.Transient
				if n == limit {
					limit++
				}
			}
		}
		attempt.Outcome = class.String()
		o.recordAttempt(ctx, req, out, attempt)

		kind := errkind.TransientUpstream
		if class == providers.Fatal {
			kind = errkind.FatalUpstream
		}
		lastErr = errkind.New(kind, "provider.complete", err).WithProvider(name)
		if class == providers.Fatal || n == limit {
			break
		}

		delay := backoff.ComputeWithRand(policy.Backoff(), n, o.random())
		if !backoff.FitsDeadline(ctx, o.now(), delay) {
			o.logger.DebugContext(ctx, "backoff would pass the deadline, leaving provider", "provider", name, "delay", delay)
			break
		}
		if err := o.sleep(ctx, delay); err != nil {
			return "", errkind.New(errkind.Exhausted, "retry.backoff", errors.Join(err, lastErr))
		}
	}
	return "", lastErr
}

// call runs one attempt on its own goroutine so the deadline can abandon it.
// The result channel is buffered so a late result never blocks the sender.
func (o *Orchestrator) call(ctx context.Context, client providers.Client, prompt providers.Prompt) (string, error) {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("provider %s panicked: %v", client.Name(), r)}
			}
		}()
		text, err := client.Complete(ctx, prompt)
		ch <- result{text: text, err: err}
	}()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *Orchestrator) recordAttempt(ctx context.Context, req Request, out *Outcome, a Attempt) {
	out.Attempts = append(out.Attempts, a)
	e := observability.Event{
		SessionID: req.SessionID,
		Stage:     observability.StageAttempt,
		Outcome:   a.Outcome,
		Provider:  a.Provider,
		Attempt:   a.Number,
		Latency:   a.Latency,
	}
	if a.Err != nil {
		e.Detail = a.Err.Error()
	}
	o.sink.Record(ctx, e)
}

func (o *Orchestrator) emitOutcome(ctx context.Context, req Request, out Outcome, err error) {
	label := outcomeSuccess
	if err != nil {
		label = strings.ToLower(string(errkind.KindOf(err)))
	}
	o.sink.Record(ctx, observability.Event{
		SessionID: req.SessionID,
		Stage:     observability.StageOutcome,
		Outcome:   label,
		Provider:  out.ProviderUsed,
		Attempt:   out.AttemptCount,
		Latency:   out.Latency,
	})
}

// Bound is an orchestrator fixed to one route and policy. It satisfies
// providers.Client so background work such as summarization can reuse the
// retry machinery.
type Bound struct {
	o         *Orchestrator
	sessionID string
	route     routing.Route
	policy    Policy
}

// Bind returns a Bound client.
func (o *Orchestrator) Bind(sessionID string, route routing.Route, policy Policy) *Bound {
	return &Bound{o: o, sessionID: sessionID, route: route, policy: policy}
}

func (b *Bound) Name() string { return "retry/" + b.route.ProviderID }

func (b *Bound) Complete(ctx context.Context, prompt providers.Prompt) (string, error) {
	out, err := b.o.Execute(ctx, Request{SessionID: b.sessionID, Route: b.route, Prompt: prompt}, b.policy)
	return out.Text, err
}
