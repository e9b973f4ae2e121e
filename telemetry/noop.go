package telemetry

import "context"

type noopLogger struct{}

// NewNoopLogger returns a Logger that discards everything. It is the default
// used by packages constructed without an explicit Logger so call sites never
// need a nil check.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Debug(ctx context.Context, msg string, keyvals ...any) {}
func (noopLogger) Info(ctx context.Context, msg string, keyvals ...any)  {}
func (noopLogger) Warn(ctx context.Context, msg string, keyvals ...any)  {}
func (noopLogger) Error(ctx context.Context, msg string, keyvals ...any) {}

type noopMetrics struct{}

// NewNoopMetrics returns a Metrics that discards everything.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) IncCounter(name string, value float64, tags ...string)        {}
func (noopMetrics) RecordTimer(name string, durationMs float64, tags ...string)  {}
func (noopMetrics) RecordGauge(name string, value float64, tags ...string)       {}

type noopTracer struct{}

// NewNoopTracer returns a Tracer whose spans are no-ops.
func NewNoopTracer() Tracer { return noopTracer{} }

func (noopTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                           {}
func (noopSpan) AddEvent(name string, attrs ...any) {}
func (noopSpan) SetError(err error)             {}
