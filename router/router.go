// Package router wires the protection pipeline's chi router: ambient
// middleware (CORS, security headers, request ID, panic recovery, request
// logging, body-size ceiling) then the Guard, then the protected handlers.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/guard"
	"github.com/reqshield/reqshield/metrics"
	appmw "github.com/reqshield/reqshield/middleware"
)

// Deps are the components New wires together.
type Deps struct {
	Guard          *guard.Guard
	Identity       func(http.Handler) http.Handler // nil disables identity resolution
	Metrics        *metrics.Registry
	PrometheusSink *metrics.Prometheus // nil omits the /metrics/prometheus route
	Logger         zerolog.Logger
	AllowOrigins   []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// New returns a configured chi.Router. handlers registers the protected
// application routes behind the Guard; callers supply it so this package
// stays ignorant of any particular API surface.
func New(deps Deps, handlers func(r chi.Router)) http.Handler {
	r := chi.NewRouter()

	r.Use(appmw.CORS(deps.AllowOrigins))
	r.Use(appmw.SecurityHeaders)
	r.Use(appmw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(deps.Logger))
	r.Use(maxBodySize(deps.MaxBodyBytes))
	if deps.Identity != nil {
		r.Use(deps.Identity)
	}
	if deps.RequestTimeout > 0 {
		r.Use(appmw.NewTimeout(deps.Logger, deps.RequestTimeout, 5*time.Minute).Handler)
	}

	r.Get("/healthz", healthHandler("ok"))
	r.Get("/ready", healthHandler("ready"))
	r.Get("/health", healthHandler("healthy"))

	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler())
	}
	if deps.PrometheusSink != nil {
		r.Get("/metrics/prometheus", deps.PrometheusSink.Handler().ServeHTTP)
	}

	r.Group(func(protected chi.Router) {
		if deps.Guard != nil {
			protected.Use(deps.Guard.Middleware)
		}
		handlers(protected)
	})

	return r
}

func healthHandler(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
	}
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"statusCode":413,"message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", r.Header.Get("X-Request-ID")).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

// HandlerID resolves the matched chi route pattern for use as guard.HandlerIDFunc,
// falling back to the raw path when chi hasn't matched a route (e.g. 404s).
func HandlerID(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
