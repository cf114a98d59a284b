// Package identity resolves the caller an inbound request belongs to: a
// Bearer token is extracted and, once validated, cached for a TTL so
// repeat calls with the same token skip re-validation. This middleware
// never rejects a request on its own — an absent or unvalidated token
// simply leaves the caller anonymous, and ratelimit.DefaultKey's
// user-then-session-then-IP fallback takes over from there. Authentication
// enforcement, if any, belongs to the handler behind the Guard.
package identity

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/core"
)

// Validator resolves a bearer token to a caller identity. Callers supply
// their own implementation (a local table, a call to an auth service);
// Middleware only owns extraction, caching, and context wiring.
type Validator func(ctx *http.Request, token string) (userID, sessionID string, ok bool)

// Resolver identifies inbound requests, caching validated tokens for TTL
// so a hot caller doesn't re-run Validate on every request.
type Resolver struct {
	log       zerolog.Logger
	validate  Validator
	headerKey string
	ttl       time.Duration
	cache     sync.Map // token -> *cachedIdentity
}

type cachedIdentity struct {
	userID    string
	sessionID string
	expiresAt time.Time
}

// Config configures a Resolver. HeaderKey defaults to "Authorization";
// TTL defaults to 5 minutes.
type Config struct {
	HeaderKey string
	TTL       time.Duration
	Validate  Validator
}

// New builds a Resolver. A nil Validate makes every token resolve to
// anonymous (cache never populates), which is a legitimate no-auth
// deployment: requests still flow, keyed by IP alone.
func New(log zerolog.Logger, cfg Config) *Resolver {
	headerKey := cfg.HeaderKey
	if headerKey == "" {
		headerKey = "Authorization"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{log: log, validate: cfg.Validate, headerKey: headerKey, ttl: ttl}
}

// Middleware extracts and resolves the caller identity, attaching it to
// the request context for core.FromRequest to pick up downstream. It
// never blocks or rejects the request itself.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r.Header.Get(res.headerKey))
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		if cached, ok := res.cache.Load(token); ok {
			ci := cached.(*cachedIdentity)
			if time.Now().Before(ci.expiresAt) {
				next.ServeHTTP(w, r.WithContext(core.WithIdentity(r.Context(), ci.userID, ci.sessionID)))
				return
			}
			res.cache.Delete(token)
		}

		if res.validate == nil {
			next.ServeHTTP(w, r)
			return
		}

		userID, sessionID, ok := res.validate(r, token)
		if !ok {
			res.log.Debug().Msg("identity: token rejected by validator")
			next.ServeHTTP(w, r)
			return
		}

		res.cache.Store(token, &cachedIdentity{userID: userID, sessionID: sessionID, expiresAt: time.Now().Add(res.ttl)})
		next.ServeHTTP(w, r.WithContext(core.WithIdentity(r.Context(), userID, sessionID)))
	})
}

func extractToken(header string) string {
	if header == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return header
}
