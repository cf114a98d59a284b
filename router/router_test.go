package router_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/router"
)

func TestNew_HealthEndpointsBypassHandlers(t *testing.T) {
	h := router.New(router.Deps{Logger: zerolog.Nop()}, func(r chi.Router) {
		r.Get("/widgets", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	})

	for _, path := range []string{"/healthz", "/ready", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestNew_ProtectedRouteReachesHandler(t *testing.T) {
	h := router.New(router.Deps{Logger: zerolog.Nop()}, func(r chi.Router) {
		r.Get("/widgets", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestNew_BodyTooLargeRejected(t *testing.T) {
	h := router.New(router.Deps{Logger: zerolog.Nop(), MaxBodyBytes: 10}, func(r chi.Router) {
		r.Post("/widgets", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	})

	req := httptest.NewRequest(http.MethodPost, "/widgets", nil)
	req.ContentLength = 1000
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestNew_CORSPreflightSetsAllowOrigin(t *testing.T) {
	h := router.New(router.Deps{Logger: zerolog.Nop(), AllowOrigins: []string{"*"}}, func(r chi.Router) {})

	req := httptest.NewRequest(http.MethodOptions, "/widgets", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandlerID_FallsBackToPathOutsideChi(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/widgets/1", nil)
	assert.Equal(t, "/widgets/1", router.HandlerID(req))
}

func TestNew_PrometheusEndpointServesExpositionFormat(t *testing.T) {
	promSink := metrics.NewPrometheus()
	promSink.Increment("widgets_created_total", 1, metrics.Labels{"route": "/widgets"})

	h := router.New(router.Deps{Logger: zerolog.Nop(), PrometheusSink: promSink}, func(r chi.Router) {})

	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "widgets_created_total"))
}
