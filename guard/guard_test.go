package guard_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqshield/reqshield/breaker"
	"github.com/reqshield/reqshield/guard"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/overload"
	"github.com/reqshield/reqshield/priority"
	"github.com/reqshield/reqshield/ratelimit"
	"github.com/reqshield/reqshield/store"
	"github.com/reqshield/reqshield/throttle"
)

func newDeps(t *testing.T) guard.Deps {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(st.Close)
	sink := metrics.NewRegistry(zerolog.Nop())

	pm := priority.New(priority.Config{
		Levels: []priority.Level{
			{Name: "normal", Priority: 5, MaxConcurrent: 100, MaxQueueSize: 100, Timeout: time.Second},
		},
		DefaultPriority: 5,
	}, sink, zerolog.Nop())
	t.Cleanup(pm.Close)

	oc := overload.New(overload.Config{
		Enabled:       true,
		MaxConcurrent: 100,
		MaxQueueSize:  100,
		QueueTimeout:  time.Second,
	}, sink, zerolog.Nop())
	t.Cleanup(oc.Close)

	rl := ratelimit.New(st, sink, zerolog.Nop(), 10_000)
	th := throttle.New(st, sink, zerolog.Nop(), 0, 0)
	t.Cleanup(th.Close)
	br := breaker.NewRegistry(breaker.Config{
		ErrorThresholdPercent: 50,
		VolumeThreshold:       4,
		RollingCountBuckets:   10,
		RollingCountTimeout:   10 * time.Second,
		ResetTimeout:          30 * time.Millisecond,
		TimeoutMs:             50 * time.Millisecond,
	}, sink, zerolog.Nop())

	return guard.Deps{
		RateLimiter: rl,
		Throttler:   th,
		Priority:    pm,
		Overload:    oc,
		Breakers:    br,
		Metrics:     sink,
		Logger:      zerolog.Nop(),
	}
}

func newGuard(t *testing.T, deps guard.Deps) *guard.Guard {
	t.Helper()
	return guard.New(deps, guard.Options{
		HandlerID: func(r *http.Request) string { return r.URL.Path },
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestGuard_AllowsRequestThroughFullPipeline(t *testing.T) {
	g := newGuard(t, newDeps(t))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)

	g.Middleware(okHandler()).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "true", rr.Header().Get("X-Shield-Protected"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestGuard_RejectsWhenRateLimitExceeded(t *testing.T) {
	deps := newDeps(t)
	routes := guard.NewRouteRegistry()
	rlCfg := ratelimit.Config{Points: 1, Duration: time.Minute}
	routes.Register(http.MethodGet, "/widgets", guard.RouteConfig{RateLimit: &rlCfg})
	g := guard.New(deps, guard.Options{
		HandlerID: func(r *http.Request) string { return r.URL.Path },
		Routes:    routes,
	})

	req1 := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rr1 := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rr1, req1)
	require.Equal(t, http.StatusOK, rr1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rr2 := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rr2.Code)
}

func TestGuard_RejectsWhenThrottleExceeded(t *testing.T) {
	deps := newDeps(t)
	routes := guard.NewRouteRegistry()
	thCfg := throttle.Config{Limit: 1, TTL: time.Minute}
	routes.Register(http.MethodGet, "/widgets", guard.RouteConfig{Throttle: &thCfg})
	g := guard.New(deps, guard.Options{
		HandlerID: func(r *http.Request) string { return r.URL.Path },
		Routes:    routes,
	})

	req1 := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rr1 := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rr1, req1)
	require.Equal(t, http.StatusOK, rr1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rr2 := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rr2.Code)
}

func failingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
}

// TestGuard_RejectsWhenCircuitOpen drives real 5xx responses through the
// Guard's own wiring so the breaker trips from traffic the middleware
// actually observed, not from calls fed into the registry out of band.
func TestGuard_RejectsWhenCircuitOpen(t *testing.T) {
	deps := newDeps(t)
	routes := guard.NewRouteRegistry()
	routes.Register(http.MethodGet, "/widgets", guard.RouteConfig{BreakerKey: "widgets"})
	g := guard.New(deps, guard.Options{
		HandlerID: func(r *http.Request) string { return r.URL.Path },
		Routes:    routes,
	})

	mw := g.Middleware(failingHandler())
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	}
	require.Equal(t, breaker.Open, deps.Breakers.State("widgets"))

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rr := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGuard_RejectsSuspiciousPattern(t *testing.T) {
	g := newGuard(t, newDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/widgets?q=<script>alert(1)</script>", nil)
	rr := httptest.NewRecorder()

	g.Middleware(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestGuard_RejectsTooLargeBody(t *testing.T) {
	g := newGuard(t, newDeps(t))
	req := httptest.NewRequest(http.MethodPost, "/widgets", nil)
	req.ContentLength = 20 * 1024 * 1024
	rr := httptest.NewRecorder()

	g.Middleware(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestGuard_TrustedBypassPathSkipsPipeline(t *testing.T) {
	g := newGuard(t, newDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rr := httptest.NewRecorder()

	g.Middleware(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("X-Shield-Protected"), "bypassed requests skip pipeline header stamping")
}

func TestGuard_GlobalDisableSkipsPipeline(t *testing.T) {
	deps := newDeps(t)
	g := guard.New(deps, guard.Options{GlobalDisable: true})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rr := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
