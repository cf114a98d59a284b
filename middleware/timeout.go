package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Timeout applies a configurable deadline to every request's context:
// one default plus an optional client-requested override via header.
type Timeout struct {
	logger         zerolog.Logger
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewTimeout builds a Timeout middleware. A non-positive defaultTimeout
// disables the default deadline; a valid X-Request-Timeout header still
// applies one.
func NewTimeout(logger zerolog.Logger, defaultTimeout, maxTimeout time.Duration) *Timeout {
	if maxTimeout <= 0 {
		maxTimeout = 5 * time.Minute
	}
	return &Timeout{logger: logger, defaultTimeout: defaultTimeout, maxTimeout: maxTimeout}
}

// Handler returns the HTTP middleware.
func (t *Timeout) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := t.resolveTimeout(r)
		if timeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		done := make(chan struct{})
		tw := &timeoutWriter{ResponseWriter: w}

		go func() {
			next.ServeHTTP(tw, r.WithContext(ctx))
			close(done)
		}()

		select {
		case <-done:
			return
		case <-ctx.Done():
			tw.mu.Lock()
			tw.timedOut = true
			if !tw.wroteHeader {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusGatewayTimeout)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"statusCode": http.StatusGatewayTimeout,
					"message":    "request timed out after " + timeout.String(),
					"path":       r.URL.Path,
				})
				tw.wroteHeader = true
			}
			tw.mu.Unlock()

			t.logger.Warn().Str("path", r.URL.Path).Dur("timeout", timeout).Msg("request timed out")
			<-done
		}
	})
}

// resolveTimeout honors a client-requested X-Request-Timeout header
// (seconds, capped at maxTimeout) before falling back to the default.
func (t *Timeout) resolveTimeout(r *http.Request) time.Duration {
	if headerVal := r.Header.Get("X-Request-Timeout"); headerVal != "" {
		if seconds, err := strconv.Atoi(headerVal); err == nil && seconds > 0 {
			timeout := time.Duration(seconds) * time.Second
			if timeout > t.maxTimeout {
				timeout = t.maxTimeout
			}
			return timeout
		}
	}
	return t.defaultTimeout
}

// timeoutWriter wraps http.ResponseWriter for safe concurrent access
// between the handler goroutine and the timeout path.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, context.DeadlineExceeded
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(b)
}

func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
