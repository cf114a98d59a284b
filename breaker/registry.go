package breaker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/metrics"
)

// Registry holds one Breaker per key, reads dominate writes so lookups use
// an RWMutex while each Breaker protects its own state transitions with an
// inner lock, per the concurrency model.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	metrics  metrics.Sink
	logger   zerolog.Logger
}

// NewRegistry creates a Registry; cfg is the default applied to any key
// first seen without an explicit per-key override.
func NewRegistry(cfg Config, sink metrics.Sink, logger zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		metrics:  sink,
		logger:   logger,
	}
}

func (r *Registry) get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, r.cfg, r.metrics, r.logger)
	r.breakers[key] = b
	return b
}

// Execute runs handler under key's breaker, per §4.7's call path.
func (r *Registry) Execute(ctx context.Context, key string, handler func(ctx context.Context) (any, error)) (any, error) {
	return r.get(key).Execute(ctx, handler)
}

// State reports key's current breaker state (CLOSED if the key has never
// been seen).
func (r *Registry) State(key string) State {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return Closed
	}
	return b.CurrentState()
}

// HealthCheck delegates to key's breaker.
func (r *Registry) HealthCheck(key string) bool {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return b.HealthCheck()
}

// DisableAll forces every known breaker into DISABLED, used during
// graceful shutdown so in-flight probes don't start new ones.
func (r *Registry) DisableAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Disable()
	}
}
