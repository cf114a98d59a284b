package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqshield/reqshield/metrics"
)

func TestRegistry_CounterAndGauge(t *testing.T) {
	r := metrics.NewRegistry(zerolog.Nop())

	r.Increment("requests_total", 1, metrics.Labels{"route": "/x"})
	r.Increment("requests_total", 2, metrics.Labels{"route": "/x"})
	r.Gauge("queue_depth", 5, metrics.Labels{"class": "high"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "requests_total{route=\"/x\"} 3")
	assert.Contains(t, body, "queue_depth{class=\"high\"} 5.000000")
}

func TestRegistry_HistogramBuckets(t *testing.T) {
	r := metrics.NewRegistry(zerolog.Nop())
	r.Histogram("latency_ms", 3, nil)
	r.Histogram("latency_ms", 30, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "latency_ms_count 2")
	assert.Contains(t, body, "latency_ms_sum 33.000000")
}

func TestRegistry_StartTimer(t *testing.T) {
	r := metrics.NewRegistry(zerolog.Nop())
	stop := r.StartTimer("op_duration_ms", nil)
	stop()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "op_duration_ms_count 1")
}

func TestRegistry_SnapshotFlattensCountersAndGauges(t *testing.T) {
	r := metrics.NewRegistry(zerolog.Nop())
	r.Increment("requests_total", 3, metrics.Labels{"route": "/x"})
	r.Gauge("queue_depth", 7, nil)

	snap := r.Snapshot()
	assert.Equal(t, float64(3), snap[`requests_total{route="/x"}`])
	assert.Equal(t, float64(7), snap["queue_depth"])
}

func TestFanout_BroadcastsToAllSinks(t *testing.T) {
	a := metrics.NewRegistry(zerolog.Nop())
	b := metrics.NewRegistry(zerolog.Nop())
	f := metrics.Fanout{a, b}

	f.Increment("shed_total", 1, metrics.Labels{"strategy": "fifo"})

	for _, r := range []*metrics.Registry{a, b} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/metrics", nil)
		r.Handler().ServeHTTP(rec, req)
		require.Contains(t, rec.Body.String(), "shed_total{strategy=\"fifo\"} 1")
	}
}
