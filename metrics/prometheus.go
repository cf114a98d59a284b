package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is a Sink backed by the real ecosystem client,
// github.com/prometheus/client_golang, alongside the bespoke Registry.
// Vectors are created lazily per metric name since label sets aren't known
// until the first observation.
type Prometheus struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	summaries  map[string]*prometheus.SummaryVec
}

// NewPrometheus creates a Prometheus-backed sink with its own registry
// (not the global default, so multiple Shield instances in one process
// don't collide).
func NewPrometheus() *Prometheus {
	return &Prometheus{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
	}
}

// Handler serves the registry via the standard promhttp exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func labelNames(labels Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (p *Prometheus) counterVec(name string, labels Labels) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	cv, ok := p.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		p.reg.MustRegister(cv)
		p.counters[name] = cv
	}
	return cv
}

func (p *Prometheus) gaugeVec(name string, labels Labels) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	gv, ok := p.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		p.reg.MustRegister(gv)
		p.gauges[name] = gv
	}
	return gv
}

func (p *Prometheus) histogramVec(name string, labels Labels) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	hv, ok := p.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms..~8s
		}, labelNames(labels))
		p.reg.MustRegister(hv)
		p.histograms[name] = hv
	}
	return hv
}

func (p *Prometheus) summaryVec(name string, labels Labels) *prometheus.SummaryVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	sv, ok := p.summaries[name]
	if !ok {
		sv = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       name,
			Help:       name,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, labelNames(labels))
		p.reg.MustRegister(sv)
		p.summaries[name] = sv
	}
	return sv
}

func (p *Prometheus) Increment(name string, by int64, labels Labels) {
	p.counterVec(name, labels).With(prometheus.Labels(labels)).Add(float64(by))
}

func (p *Prometheus) Decrement(name string, by int64, labels Labels) {
	// Prometheus counters are monotonic; model "decrement" as a gauge so
	// callers that need it (e.g. active-request counts) still work.
	p.gaugeVec(name, labels).With(prometheus.Labels(labels)).Sub(float64(by))
}

func (p *Prometheus) Gauge(name string, value float64, labels Labels) {
	p.gaugeVec(name, labels).With(prometheus.Labels(labels)).Set(value)
}

func (p *Prometheus) Histogram(name string, value float64, labels Labels) {
	p.histogramVec(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

func (p *Prometheus) Summary(name string, value float64, labels Labels) {
	p.summaryVec(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

func (p *Prometheus) StartTimer(name string, labels Labels) func() {
	return startTimerFor(func(ms float64) { p.Histogram(name, ms, labels) })
}
