// Package guard implements the Guard/Orchestrator (C8): the single
// request-protection entry point, run once per request in the fixed
// pipeline order overload → rate limit → throttle → circuit breaker,
// wired as a chi-compatible middleware (func(http.Handler) http.Handler).
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/breaker"
	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/overload"
	"github.com/reqshield/reqshield/priority"
	"github.com/reqshield/reqshield/ratelimit"
	"github.com/reqshield/reqshield/shielderrors"
	"github.com/reqshield/reqshield/throttle"
)

// HandlerIDFunc resolves the routing identity (e.g. chi's matched route
// pattern) a request targets, used to look up its RouteConfig.
type HandlerIDFunc func(r *http.Request) string

// Deps are the Guard's component dependencies. Priority and Overload are
// required; RateLimiter, Throttler, and Breakers are optional — a nil
// component is simply skipped in the pipeline.
type Deps struct {
	RateLimiter *ratelimit.Limiter
	Throttler   *throttle.Throttler
	Priority    *priority.Manager
	Overload    *overload.Controller
	Breakers    *breaker.Registry
	Metrics     metrics.Sink
	Logger      zerolog.Logger
}

// Options configures global Guard behavior.
type Options struct {
	GlobalDisable bool
	HandlerID     HandlerIDFunc
	Routes        *RouteRegistry
	DefaultRoute  RouteConfig
}

// Guard is the pipeline orchestrator.
type Guard struct {
	deps Deps
	opts Options
}

// New creates a Guard.
func New(deps Deps, opts Options) *Guard {
	if opts.HandlerID == nil {
		opts.HandlerID = func(r *http.Request) string { return r.URL.Path }
	}
	if opts.Routes == nil {
		opts.Routes = NewRouteRegistry()
	}
	return &Guard{deps: deps, opts: opts}
}

// Middleware returns the chi-compatible middleware implementing the full
// pipeline described in §4.8.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if g.opts.GlobalDisable {
			next.ServeHTTP(w, r)
			return
		}

		handlerID := g.opts.HandlerID(r)
		routeCfg := g.opts.Routes.Lookup(r.Method, handlerID, g.opts.DefaultRoute)

		if routeCfg.Bypass {
			next.ServeHTTP(w, r)
			return
		}

		if isTrustedBypassPath(r.URL.Path) && isTrustedSource(core.ClientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}

		pctx := core.FromRequest(r, handlerID)

		if g.deps.RateLimiter != nil {
			if blocked, reason, err := g.deps.RateLimiter.IsBlocked(r.Context(), pctx); err == nil && blocked {
				if g.rejectWithHeaders(w, r, pctx, shielderrors.Wrap(shielderrors.WithRetryAfter(shielderrors.ErrRateLimitExceeded, 60), errBlocked{reason}), nil) {
					return
				}
			}
		}

		// Priority and overload slots, once acquired, are released exactly
		// once via this closure, regardless of which later stage rejects.
		var releasePriority, releaseOverload func()
		release := func() {
			if releaseOverload != nil {
				releaseOverload()
				releaseOverload = nil
			}
			if releasePriority != nil {
				releasePriority()
				releasePriority = nil
			}
		}
		defer release()

		priorityDecision, relP := g.deps.Priority.Admit(r.Context(), pctx)
		if !priorityDecision.Allowed {
			if g.rejectWithHeaders(w, r, pctx, priorityDecision.Err, priorityDecision.Headers) {
				return
			}
		} else {
			releasePriority = relP
		}

		overloadDecision := g.deps.Overload.Acquire(r.Context(), pctx)
		if !overloadDecision.Allowed {
			if g.rejectWithHeaders(w, r, pctx, overloadDecision.Err, overloadDecision.Headers) {
				return
			}
		} else {
			releaseOverload = g.deps.Overload.Release
		}

		headers := make(map[string]string)

		if g.deps.RateLimiter != nil && routeCfg.RateLimit != nil {
			d := g.deps.RateLimiter.Consume(r.Context(), pctx, *routeCfg.RateLimit)
			mergeHeaders(headers, d.Headers)
			if !d.Allowed {
				if g.rejectWithHeaders(w, r, pctx, d.Err, headers) {
					return
				}
			}
		}

		if g.deps.Throttler != nil && routeCfg.Throttle != nil {
			d := g.deps.Throttler.Consume(r.Context(), pctx, *routeCfg.Throttle)
			mergeHeaders(headers, d.Headers)
			if !d.Allowed {
				if g.rejectWithHeaders(w, r, pctx, d.Err, headers) {
					return
				}
			}
		}

		if isSuspicious(r) {
			if g.rejectWithHeaders(w, r, pctx, shielderrors.ErrSuspiciousPattern, headers) {
				return
			}
		}
		if tooLarge(r) {
			if g.rejectWithHeaders(w, r, pctx, shielderrors.ErrRequestTooLarge, headers) {
				return
			}
		}

		headers["X-Request-ID"] = pctx.RequestID
		headers["X-Shield-Protected"] = "true"
		for k, v := range headers {
			w.Header().Set(k, v)
		}

		// The breaker's call path wraps the real handler invocation: a
		// 5xx response (or a handler-side error, surfaced the same way)
		// counts as a failure against the rolling window, so the breaker
		// actually trips from production traffic rather than from calls
		// fed into the registry out of band.
		serve := func(ctx context.Context) (any, error) {
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r.WithContext(ctx))
			if sw.status >= http.StatusInternalServerError {
				return nil, fmt.Errorf("handler returned status %d", sw.status)
			}
			return nil, nil
		}

		if g.deps.Breakers != nil {
			key := routeCfg.BreakerKey
			if key == "" {
				key = DefaultBreakerKey(r.Method, handlerID)
			}
			if _, err := g.deps.Breakers.Execute(r.Context(), key, serve); err != nil {
				// A ProtectionError here means the breaker rejected the call
				// before reaching serve (OPEN or a full HALF_OPEN probe slot),
				// so nothing has been written to w yet. Any other error means
				// serve ran and the handler already wrote its own response.
				if _, ok := shielderrors.AsProtectionError(err); ok {
					g.rejectWithHeaders(w, r, pctx, err, headers)
					return
				}
			}
		} else {
			_, _ = serve(r.Context())
		}

		g.deps.Metrics.Histogram("guard_request_duration_ms", float64(time.Since(start))/float64(time.Millisecond),
			metrics.Labels{"route": handlerID, "method": r.Method})
	})
}

// statusWriter captures the status code written by the wrapped handler so
// the breaker stage can judge success/failure from the real response.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func mergeHeaders(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

// errBlocked carries an explicit rate-limit block record's reason as a
// wrapped cause so it surfaces in logs without changing the Kind.
type errBlocked struct{ reason string }

func (e errBlocked) Error() string { return "blocked: " + e.reason }

// rejectWithHeaders writes the pipeline's standard JSON rejection body.
// Non-protection errors fail open per §4.8's fail-open rule: they log and
// allow the request to proceed with whatever headers were already set.
func (g *Guard) rejectWithHeaders(w http.ResponseWriter, r *http.Request, pctx *core.ProtectionContext, err error, headers map[string]string) bool {
	pe, ok := shielderrors.AsProtectionError(err)
	if !ok {
		g.deps.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("guard: non-protection error, failing open")
		return false
	}

	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if pe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(pe.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pe.Kind.HTTPStatus())

	body := map[string]any{
		"statusCode": pe.Kind.HTTPStatus(),
		"message":    pe.Error(),
		"path":       r.URL.Path,
		"requestId":  pctx.RequestID,
	}
	if pe.RetryAfter > 0 {
		body["retryAfter"] = pe.RetryAfter
	}
	_ = json.NewEncoder(w).Encode(body)

	g.deps.Metrics.Increment("guard_rejected_total", 1, metrics.Labels{"kind": string(pe.Kind)})
	return true
}
