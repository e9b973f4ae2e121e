package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// clueLogger adapts goa.design/clue/log to the Logger interface. Clue reads
// its formatting and debug settings from the context (set via log.Context
// and log.WithFormat/log.WithDebug elsewhere in process startup), so the
// adapter itself carries no state.
type clueLogger struct{}

// NewClueLogger returns a Logger that delegates to goa.design/clue/log.
func NewClueLogger() Logger {
	return clueLogger{}
}

func (clueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(keyvals)...)...)
}

func (clueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(keyvals)...)...)
}

func (clueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fielders := []log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}
	log.Warn(ctx, append(fielders, kvToFielders(keyvals)...)...)
}

func (clueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(keyvals)...)...)
}

// clueMetrics adapts OTEL metrics to the Metrics interface. Instruments are
// created lazily and cached by name since the OTEL meter has no "get or
// create" call of its own.
type clueMetrics struct {
	meter metric.Meter

	mu         chan struct{} // 1-buffered mutex, see lock/unlock below
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewClueMetrics returns a Metrics that records through the global OTEL
// MeterProvider under the given instrumentation name. Until a provider is
// installed with an explicit otel.SetMeterProvider call (for example one
// built on an OTLP exporter or clue's own setup), the global provider is
// OTEL's no-op implementation and nothing is exported.
func NewClueMetrics(instrumentationName string) Metrics {
	return &clueMetrics{
		meter:      otel.Meter(instrumentationName),
		mu:         make(chan struct{}, 1),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (m *clueMetrics) lock()   { m.mu <- struct{}{} }
func (m *clueMetrics) unlock() { <-m.mu }

func (m *clueMetrics) counter(name string) (metric.Float64Counter, error) {
	m.lock()
	defer m.unlock()
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = c
	return c, nil
}

func (m *clueMetrics) histogram(name string) (metric.Float64Histogram, error) {
	m.lock()
	defer m.unlock()
	if h, ok := m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	m.histograms[name] = h
	return h, nil
}

func (m *clueMetrics) IncCounter(name string, value float64, tags ...string) {
	c, err := m.counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records durationMs, converted to seconds to match OTEL's
// latency-in-seconds convention, as a histogram observation.
func (m *clueMetrics) RecordTimer(name string, durationMs float64, tags ...string) {
	h, err := m.histogram(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), time.Duration(durationMs*float64(time.Millisecond)).Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records value as a histogram observation under a "_gauge"
// suffixed name: OTEL has no synchronous gauge instrument, only observable
// (callback-driven) ones, which don't fit this interface's push model.
func (m *clueMetrics) RecordGauge(name string, value float64, tags ...string) {
	h, err := m.histogram(name + "_gauge")
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// clueTracer adapts OTEL tracing to the Tracer interface.
type clueTracer struct {
	tracer trace.Tracer
}

// NewClueTracer returns a Tracer backed by the global OTEL TracerProvider
// under the given instrumentation name.
func NewClueTracer(instrumentationName string) Tracer {
	return &clueTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *clueTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name)
	return newCtx, &clueSpan{span: span}
}

type clueSpan struct {
	span trace.Span
}

func (s *clueSpan) End() {
	s.span.End()
}

func (s *clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

// SetError records err on the span and marks its status as an error, the
// two OTEL calls a failed span needs; the narrower Span interface collapses
// them into one call since kestrel never needs to set a successful status
// explicitly.
func (s *clueSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// kvToFielders converts alternating key/value pairs into clue/log fielders.
// An odd-length slice pairs its last key with a nil value; a non-string key
// is skipped.
func kvToFielders(keyvals []any) []log.Fielder {
	var fielders []log.Fielder
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fielders = append(fielders, log.KV{K: k, V: v})
	}
	return fielders
}

// tagsToAttrs converts alternating tag key/value pairs into OTEL attributes
// for metric dimensions.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

// kvToAttrs converts alternating key/value pairs into OTEL attributes for
// span events, dispatching on the value's concrete type.
func kvToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(keyvals); i += 2 {
		keyStr, ok := keyvals[i].(string)
		if !ok {
			keyStr = ""
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(keyStr, val))
		case int:
			attrs = append(attrs, attribute.Int(keyStr, val))
		case int64:
			attrs = append(attrs, attribute.Int64(keyStr, val))
		case float64:
			attrs = append(attrs, attribute.Float64(keyStr, val))
		case bool:
			attrs = append(attrs, attribute.Bool(keyStr, val))
		default:
			attrs = append(attrs, attribute.String(keyStr, ""))
		}
	}
	return attrs
}
