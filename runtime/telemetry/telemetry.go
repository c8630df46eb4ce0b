// Package telemetry defines the observability seams used throughout the
// runtime: structured logging, metrics, and tracing. Concrete implementations
// delegate to goa.design/clue and OpenTelemetry; no-op implementations support
// tests and embedders that bring their own stack.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records with alternating key-value pairs.
	// Implementations must be safe for concurrent use.
	Logger interface {
		// Debug emits a debug-level log message with structured key-value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level log message with structured key-value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level log message with structured key-value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level log message with structured key-value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are alternating
	// key-value string pairs applied as metric dimensions.
	Metrics interface {
		// IncCounter increments a counter metric by the given value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration histogram/timer metric.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records a gauge metric value.
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates and retrieves spans for runtime operations.
	Tracer interface {
		// Start creates a new span with the given name, returning a new context
		// carrying the span and the span handle.
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		// Span retrieves the current span from the context.
		Span(ctx context.Context) Span
	}

	// Span is the subset of span operations the runtime uses.
	Span interface {
		// End finalizes the span.
		End(opts ...trace.SpanEndOption)
		// AddEvent records a span event with alternating key-value attributes.
		AddEvent(name string, attrs ...any)
		// SetStatus sets the span status code and description.
		SetStatus(code codes.Code, description string)
		// RecordError records an error on the span.
		RecordError(err error, opts ...trace.EventOption)
	}

	// ToolTelemetry holds structured observability metadata collected while
	// executing a single tool call. It is attached to observations and events
	// so cost tracking and dashboards do not need to re-derive it.
	ToolTelemetry struct {
		// Attempts is the total number of invocation attempts, including the
		// successful one.
		Attempts int `json:"attempts"`
		// Retries is Attempts-1 when the call eventually succeeded or exhausted
		// its retry budget.
		Retries int `json:"retries"`
		// QueueWait is the time spent waiting on the global and per-tool
		// semaphores before the first attempt started.
		QueueWait time.Duration `json:"queue_wait"`
		// Duration is the wall-clock time of the final attempt.
		Duration time.Duration `json:"duration"`
		// StatusCode is the upstream status code of the final attempt when the
		// tool reported one (HTTP-style), zero otherwise.
		StatusCode int `json:"status_code,omitempty"`
	}
)
