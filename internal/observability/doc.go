// Package observability provides structured logging, request events,
// Prometheus metrics and OpenTelemetry tracing for the request core.
//
// Every component reports what it did through a Sink as an Event. Sinks fan
// events out to the log, to an in-memory buffer for diagnostics, and to
// Prometheus counters.
package observability
