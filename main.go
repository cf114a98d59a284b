// Command reqshield runs the request-protection pipeline as a standalone
// HTTP service: it wraps a demo set of handlers with rate limiting,
// throttling, priority-aware overload shedding, circuit breaking, and
// cross-instance coordination. Process wiring follows a standard
// config → logger → store → router → HTTP server shape with graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/breaker"
	"github.com/reqshield/reqshield/clustersync"
	"github.com/reqshield/reqshield/config"
	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/guard"
	"github.com/reqshield/reqshield/identity"
	"github.com/reqshield/reqshield/logging"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/overload"
	"github.com/reqshield/reqshield/priority"
	"github.com/reqshield/reqshield/ratelimit"
	"github.com/reqshield/reqshield/router"
	"github.com/reqshield/reqshield/store"
	"github.com/reqshield/reqshield/throttle"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)

	log.Info().Str("env", cfg.Env).Str("addr", cfg.Addr).Msg("reqshield starting")

	st := openStore(cfg, log)

	registry := metrics.NewRegistry(log)
	promSink := metrics.NewPrometheus()
	// Every component observes both sinks: the bespoke Registry backs
	// clustersync's snapshot broadcast and the legacy text endpoint, while
	// promSink exposes the identical series via the real client_golang
	// exposition format at /metrics/prometheus.
	sink := metrics.Fanout{registry, promSink}

	rateLimiter := ratelimit.New(st, sink, log, 10_000)
	throttler := throttle.New(st, sink, log, 0, 0)
	priorityMgr := priority.New(cfg.Priority, sink, log)
	overloadCtrl := overload.New(cfg.Overload, sink, log)
	breakers := breaker.NewRegistry(cfg.Breaker, sink, log)

	idResolver := identity.New(log, identity.Config{})

	routes := guard.NewRouteRegistry()
	defaultRoute := guard.RouteConfig{
		RateLimit: &cfg.RateLimit,
		Throttle:  &cfg.Throttle,
	}

	writeLimit := cfg.RateLimit.Points / 10
	routes.Register(http.MethodPost, "/v1/widgets", config.MergeRoute(defaultRoute, &config.RouteOverride{
		RateLimit: &config.RateLimitOverride{Points: &writeLimit},
	}, nil))

	g := guard.New(guard.Deps{
		RateLimiter: rateLimiter,
		Throttler:   throttler,
		Priority:    priorityMgr,
		Overload:    overloadCtrl,
		Breakers:    breakers,
		Metrics:     sink,
		Logger:      log,
	}, guard.Options{
		GlobalDisable: cfg.ShutdownMode,
		HandlerID:     router.HandlerID,
		Routes:        routes,
		DefaultRoute:  defaultRoute,
	})

	if cfg.ShutdownMode {
		log.Warn().Msg("SHIELD_SHUTDOWN_MODE set — guard bypasses all protection")
	}

	node := clustersync.New(clustersync.Config{
		Store:        st,
		Logger:       log,
		Channel:      "reqshield:metrics",
		SyncInterval: cfg.SyncInterval,
		Snapshot:     registry.Snapshot,
	})
	node.OnNodeJoin(func(n clustersync.NodeInfo) { log.Info().Str("node", n.ID).Msg("cluster member joined") })
	node.OnNodeLeave(func(n clustersync.NodeInfo) { log.Warn().Str("node", n.ID).Msg("cluster member left") })

	clusterCtx, cancelCluster := context.WithCancel(context.Background())
	if err := node.Start(clusterCtx); err != nil {
		log.Warn().Err(err).Msg("cluster sync failed to start — continuing as a single node")
	}

	handler := router.New(router.Deps{
		Guard:          g,
		Identity:       idResolver.Middleware,
		Metrics:        registry,
		PrometheusSink: promSink,
		Logger:         log,
		AllowOrigins:   []string{"*"},
		MaxBodyBytes:   10 << 20,
		RequestTimeout: 30 * time.Second,
	}, demoRoutes)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("reqshield listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	node.Stop()
	cancelCluster()
	overloadCtrl.ClearQueue()

	drainTimeout := cfg.GracefulTimeout * 4 / 5
	if max := 60 * time.Second; drainTimeout > max {
		drainTimeout = max
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("reqshield stopped gracefully")
	}

	breakers.DisableAll()
}

// openStore picks a Redis-backed Store when REDIS_URL is reachable,
// falling back to the in-memory Store for single-instance deployments.
func openStore(cfg *config.Config, log zerolog.Logger) store.Store {
	rs, err := store.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — using in-memory store")
		return store.NewMemory()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — using in-memory store")
		return store.NewMemory()
	}

	log.Info().Msg("redis connected")
	return rs
}

// demoRoutes registers a handful of endpoints exercising every admission
// path the Guard offers: a free-form route riding the global default
// config, and an explicitly-registered one showing per-route overrides.
func demoRoutes(r chi.Router) {
	r.Get("/v1/widgets", func(w http.ResponseWriter, r *http.Request) {
		pctx := core.FromRequest(r, router.HandlerID(r))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"requestId":"` + pctx.RequestID + `","widgets":[]}`))
	})

	r.Post("/v1/widgets", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
}
