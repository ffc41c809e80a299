package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

const defaultServiceName = "parley"

// Span attribute keys shared by the pipeline and the retry orchestrator.
const (
	AttrSessionID = attribute.Key("parley.session_id")
	AttrRequestID = attribute.Key("parley.request_id")
	AttrMode      = attribute.Key("parley.route.mode")
	AttrProvider  = attribute.Key("parley.provider")
	AttrAttempts  = attribute.Key("parley.attempts")
	AttrTier      = attribute.Key("parley.safety.tier")
)

// Tracer starts spans for request stages. The zero value and a nil *Tracer
// are usable and record nothing.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    Endpoint: "localhost:4317",
//	})
//	defer shutdown(context.Background())
type Tracer struct {
	tracer trace.Tracer
}

// TraceConfig selects the OTLP exporter. An empty Endpoint disables export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	// SamplingRate is the fraction of requests traced; zero means all.
	SamplingRate float64
	Insecure     bool
}

// NoopTracer returns a tracer bound to the global provider.
func NoopTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(defaultServiceName)}
}

// NewTracer returns a tracer and the function that flushes and stops it.
// When the exporter cannot be built the tracer falls back to the global
// provider and startup continues.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	fallback := &Tracer{tracer: otel.Tracer(cfg.ServiceName)}
	stop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return fallback, stop
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName + "/" + cfg.ServiceVersion)),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return fallback, stop
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(cfg)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return &Tracer{tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func serviceResource(cfg TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

// Start opens a span. Request and session IDs found in ctx are attached.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer(defaultServiceName)
	if t != nil && t.tracer != nil {
		tr = t.tracer
	}
	if id := GetRequestID(ctx); id != "" {
		attrs = append(attrs, AttrRequestID.String(id))
	}
	if id := GetSessionID(ctx); id != "" {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
