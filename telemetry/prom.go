package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics implements Metrics on top of dynamically registered
// Prometheus vectors, keyed by metric name. Tags are joined positionally
// into a single "tags" label rather than modeled as distinct label names,
// since callers pass a variable number of free-form tag strings.
type promMetrics struct {
	registerer prometheus.Registerer

	mu        sync.Mutex
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
	summaries map[string]*prometheus.SummaryVec
}

// NewPromMetrics returns a Metrics backed by the given registerer. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewPromMetrics(registerer prometheus.Registerer) Metrics {
	return &promMetrics{
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
	}
}

func (p *promMetrics) IncCounter(name string, value float64, tags ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: sanitizeMetricName(name),
			Help: "kestrel counter: " + name,
		}, []string{"tags"})
		p.registerer.MustRegister(vec)
		p.counters[name] = vec
	}
	vec.WithLabelValues(joinTags(tags)).Add(value)
}

func (p *promMetrics) RecordGauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: sanitizeMetricName(name),
			Help: "kestrel gauge: " + name,
		}, []string{"tags"})
		p.registerer.MustRegister(vec)
		p.gauges[name] = vec
	}
	vec.WithLabelValues(joinTags(tags)).Set(value)
}

func (p *promMetrics) RecordTimer(name string, durationMs float64, tags ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.summaries[name]
	if !ok {
		vec = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       sanitizeMetricName(name) + "_ms",
			Help:       "kestrel timer (milliseconds): " + name,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"tags"})
		p.registerer.MustRegister(vec)
		p.summaries[name] = vec
	}
	vec.WithLabelValues(joinTags(tags)).Observe(durationMs)
}

func joinTags(tags []string) string {
	if len(tags) == 0 {
		return "none"
	}
	out := tags[0]
	for _, t := range tags[1:] {
		out += "," + t
	}
	return out
}

func sanitizeMetricName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return "kestrel_" + string(out)
}
