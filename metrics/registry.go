package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ─── Metric Types ───────────────────────────────────────────

type counter struct{ value int64 }

func (c *counter) add(n int64)  { atomic.AddInt64(&c.value, n) }
func (c *counter) val() int64   { return atomic.LoadInt64(&c.value) }

type gauge struct{ value int64 } // stored as micros for float precision

func (g *gauge) set(v float64) { atomic.StoreInt64(&g.value, int64(v*1e6)) }
func (g *gauge) add(v float64) { atomic.AddInt64(&g.value, int64(v*1e6)) }
func (g *gauge) val() float64  { return float64(atomic.LoadInt64(&g.value)) / 1e6 }

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64 // per-bucket counts (+ Inf)
	sum     float64
	count   int64
}

func newHistogram(buckets []float64) *histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &histogram{buckets: sorted, counts: make([]int64, len(sorted)+1)}
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

func labelKey(labels Labels) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// ─── Registry ───────────────────────────────────────────────

// Registry is a self-contained, Prometheus-text-exposition-compatible
// metrics sink, generalized from LLM-gateway metric names to protection
// pipeline metric names.
type Registry struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	counters   map[string]map[string]*counter
	gauges     map[string]map[string]*gauge
	histograms map[string]map[string]*histogram

	latencyBuckets []float64
}

// NewRegistry creates a new metrics registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:         logger.With().Str("component", "metrics").Logger(),
		counters:       make(map[string]map[string]*counter),
		gauges:         make(map[string]map[string]*gauge),
		histograms:     make(map[string]map[string]*histogram),
		latencyBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}
}

func (m *Registry) Increment(name string, by int64, labels Labels) {
	m.getCounter(name, labels).add(by)
}

func (m *Registry) Decrement(name string, by int64, labels Labels) {
	m.getCounter(name, labels).add(-by)
}

func (m *Registry) getCounter(name string, labels Labels) *counter {
	key := labelKey(labels)
	m.mu.RLock()
	if byLabel, ok := m.counters[name]; ok {
		if c, ok := byLabel[key]; ok {
			m.mu.RUnlock()
			return c
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; !ok {
		m.counters[name] = make(map[string]*counter)
	}
	if _, ok := m.counters[name][key]; !ok {
		m.counters[name][key] = &counter{}
	}
	return m.counters[name][key]
}

func (m *Registry) Gauge(name string, value float64, labels Labels) {
	m.getGauge(name, labels).set(value)
}

func (m *Registry) getGauge(name string, labels Labels) *gauge {
	key := labelKey(labels)
	m.mu.RLock()
	if byLabel, ok := m.gauges[name]; ok {
		if g, ok := byLabel[key]; ok {
			m.mu.RUnlock()
			return g
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; !ok {
		m.gauges[name] = make(map[string]*gauge)
	}
	if _, ok := m.gauges[name][key]; !ok {
		m.gauges[name][key] = &gauge{}
	}
	return m.gauges[name][key]
}

func (m *Registry) Histogram(name string, value float64, labels Labels) {
	m.getHistogram(name, labels).observe(value)
}

func (m *Registry) Summary(name string, value float64, labels Labels) {
	// The bespoke registry treats summaries as histograms; the Prometheus
	// sink (prometheus.go) uses a real summary type instead.
	m.Histogram(name, value, labels)
}

func (m *Registry) getHistogram(name string, labels Labels) *histogram {
	key := labelKey(labels)
	m.mu.RLock()
	if byLabel, ok := m.histograms[name]; ok {
		if h, ok := byLabel[key]; ok {
			m.mu.RUnlock()
			return h
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; !ok {
		m.histograms[name] = make(map[string]*histogram)
	}
	if _, ok := m.histograms[name][key]; !ok {
		m.histograms[name][key] = newHistogram(m.latencyBuckets)
	}
	return m.histograms[name][key]
}

func (m *Registry) StartTimer(name string, labels Labels) func() {
	return startTimerFor(func(ms float64) { m.Histogram(name, ms, labels) })
}

// Snapshot returns every counter and gauge's current value keyed by
// "name{labelKey}", flattened for cheap transport over clustersync's
// pub/sub broadcast rather than the full text-exposition format.
func (m *Registry) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for name, byLabel := range m.counters {
		for lk, c := range byLabel {
			out[snapshotKey(name, lk)] = float64(c.val())
		}
	}
	for name, byLabel := range m.gauges {
		for lk, g := range byLabel {
			out[snapshotKey(name, lk)] = g.val()
		}
	}
	return out
}

func snapshotKey(name, labelKey string) string {
	if labelKey == "" {
		return name
	}
	return name + "{" + labelKey + "}"
}

// Handler serves /metrics in Prometheus text exposition format.
func (m *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		m.mu.RLock()
		defer m.mu.RUnlock()

		for name, byLabel := range m.counters {
			sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
			for lk, c := range byLabel {
				writeSeries(&sb, name, lk, fmt.Sprintf("%d", c.val()))
			}
		}
		for name, byLabel := range m.gauges {
			sb.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
			for lk, g := range byLabel {
				writeSeries(&sb, name, lk, fmt.Sprintf("%f", g.val()))
			}
		}
		for name, byLabel := range m.histograms {
			sb.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
			for lk, h := range byLabel {
				h.mu.Lock()
				cumulative := int64(0)
				for i, b := range h.buckets {
					cumulative += h.counts[i]
					writeSeries(&sb, name+"_bucket", addLabel(lk, "le", fmt.Sprintf("%g", b)), fmt.Sprintf("%d", cumulative))
				}
				cumulative += h.counts[len(h.buckets)]
				writeSeries(&sb, name+"_bucket", addLabel(lk, "le", "+Inf"), fmt.Sprintf("%d", cumulative))
				writeSeries(&sb, name+"_sum", lk, fmt.Sprintf("%f", h.sum))
				writeSeries(&sb, name+"_count", lk, fmt.Sprintf("%d", h.count))
				h.mu.Unlock()
			}
		}

		_, _ = w.Write([]byte(sb.String()))
	}
}

func writeSeries(sb *strings.Builder, name, labelKey, value string) {
	if labelKey == "" {
		fmt.Fprintf(sb, "%s %s\n", name, value)
		return
	}
	fmt.Fprintf(sb, "%s{%s} %s\n", name, labelKey, value)
}

func addLabel(existing, k, v string) string {
	pair := fmt.Sprintf("%s=%q", k, v)
	if existing == "" {
		return pair
	}
	return existing + "," + pair
}
