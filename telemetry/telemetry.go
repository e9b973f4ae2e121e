// Package telemetry defines the small logging, metrics, and tracing
// interfaces used throughout kestrel. Implementations are intentionally
// narrow so components can be tested with lightweight stubs. This package
// provides Clue/OTEL-backed implementations (NewClueLogger, NewClueMetrics,
// NewClueTracer), which cmd/demo wires, as well as a zap-backed Logger
// (NewZapLogger) and a Prometheus-backed Metrics (NewPromMetrics).
package telemetry

import "context"

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, durationMs float64, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying tracing provider.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

// Span represents an in-flight tracing span.
type Span interface {
	End()
	AddEvent(name string, attrs ...any)
	SetError(err error)
}
