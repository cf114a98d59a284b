package guard

import (
	"fmt"
	"sync"

	"github.com/reqshield/reqshield/ratelimit"
	"github.com/reqshield/reqshield/throttle"
)

// RouteConfig is the merged, per-route effective configuration, computed
// once at registration time rather than on the hot path, per §4.8.
type RouteConfig struct {
	Bypass     bool
	RateLimit  *ratelimit.Config
	Throttle   *throttle.Config
	BreakerKey string
}

// RouteRegistry indexes RouteConfig by (method, handlerID), avoiding any
// reflection or lookup cost beyond a single map read per request.
type RouteRegistry struct {
	mu     sync.RWMutex
	routes map[string]RouteConfig
}

// NewRouteRegistry creates an empty registry.
func NewRouteRegistry() *RouteRegistry {
	return &RouteRegistry{routes: make(map[string]RouteConfig)}
}

func routeKey(method, handlerID string) string {
	return method + " " + handlerID
}

// Register sets the effective configuration for (method, handlerID),
// merge order: global defaults ← class-level override ← method-level
// override, resolved by the caller before calling Register.
func (r *RouteRegistry) Register(method, handlerID string, cfg RouteConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey(method, handlerID)] = cfg
}

// Lookup returns the effective configuration for (method, handlerID),
// falling back to def if no specific registration exists.
func (r *RouteRegistry) Lookup(method, handlerID string, def RouteConfig) RouteConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.routes[routeKey(method, handlerID)]; ok {
		return cfg
	}
	return def
}

// DefaultBreakerKey derives a breaker key from method and handlerID when a
// route doesn't specify its own.
func DefaultBreakerKey(method, handlerID string) string {
	return fmt.Sprintf("%s %s", method, handlerID)
}
