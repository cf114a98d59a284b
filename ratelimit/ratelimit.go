// Package ratelimit implements RateLimiter (C3): a fixed-window counter
// per (caller, route) with custom key extractors, cache-assisted window
// arithmetic, and an explicit block list the Guard consults first.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/shielderrors"
	"github.com/reqshield/reqshield/store"
)

// Config describes one fixed-window policy.
type Config struct {
	Points   int           // max requests admitted per window
	Duration time.Duration // window length
	KeyFn    KeyExtractor  // defaults to DefaultKey if nil
}

// Limiter is the fixed-window rate limiter over a Store.
type Limiter struct {
	store   store.Store
	metrics metrics.Sink
	logger  zerolog.Logger

	mu  sync.Mutex
	lru *lru
}

// New creates a Limiter. cacheCapacity is typically 10_000 per §4.3.
func New(st store.Store, sink metrics.Sink, logger zerolog.Logger, cacheCapacity int) *Limiter {
	return &Limiter{
		store:   st,
		metrics: sink,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		lru:     newLRU(cacheCapacity),
	}
}

type windowCache struct {
	key       string
	resetUnix int64
}

// Consume applies cfg's fixed-window policy to ctx, returning a Decision
// carrying the X-RateLimit-* header hints on both allow and reject.
func (l *Limiter) Consume(ctx context.Context, pctx *core.ProtectionContext, cfg Config) core.Decision {
	keyFn := cfg.KeyFn
	if keyFn == nil {
		keyFn = DefaultKey
	}

	now := time.Now()
	cacheKey := fmt.Sprintf("%s:%s:%s", pctx.IP, pctx.Path, pctx.Method)

	l.mu.Lock()
	var windowKey string
	var resetUnix int64
	if wc, ok := l.lru.get(cacheKey); ok && now.Unix() < wc.resetUnix {
		windowKey, resetUnix = wc.key, wc.resetUnix
	}
	if windowKey == "" {
		windowStart := now.Truncate(cfg.Duration)
		resetUnix = windowStart.Add(cfg.Duration).Unix()
		windowKey = fmt.Sprintf("rate_limit:%s:%d", keyFn(pctx), windowStart.UnixNano())
		l.lru.put(cacheKey, windowCache{key: windowKey, resetUnix: resetUnix})
	}
	l.mu.Unlock()

	count, err := l.store.Increment(ctx, windowKey, 1)
	if err != nil {
		l.metrics.Increment("rate_limit_error", 1, metrics.Labels{})
		l.logger.Warn().Err(err).Str("key", windowKey).Msg("rate limit store error, failing open")
		return core.Allow(nil)
	}
	if count == 1 {
		if err := l.store.Expire(ctx, windowKey, cfg.Duration); err != nil {
			l.logger.Warn().Err(err).Str("key", windowKey).Msg("failed to set rate limit window expiry")
		}
	}

	remaining := cfg.Points - int(count)
	if remaining < 0 {
		remaining = 0
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     fmt.Sprintf("%d", cfg.Points),
		"X-RateLimit-Remaining": fmt.Sprintf("%d", remaining),
		"X-RateLimit-Reset":     fmt.Sprintf("%d", resetUnix),
	}

	if int(count) > cfg.Points {
		retryAfter := int(math.Ceil(float64(resetUnix - now.Unix())))
		if retryAfter < 1 {
			retryAfter = 1
		}
		headers["Retry-After"] = fmt.Sprintf("%d", retryAfter)
		l.metrics.Increment("rate_limit_rejected_total", 1, metrics.Labels{})
		d := core.Reject(shielderrors.WithRetryAfter(shielderrors.ErrRateLimitExceeded, retryAfter), retryAfter)
		d.Headers = headers
		return d
	}

	return core.Allow(headers)
}

// Block writes an explicit block record at block:<ip> for duration, which
// IsBlocked (and therefore the Guard) consults before anything else runs.
func (l *Limiter) Block(ctx context.Context, pctx *core.ProtectionContext, duration time.Duration, reason string) error {
	key := "block:" + pctx.IP
	if err := l.store.Set(ctx, key, []byte(reason), duration); err != nil {
		return fmt.Errorf("ratelimit: block %s: %w", pctx.IP, err)
	}
	return nil
}

// IsBlocked reports whether pctx's IP carries an active block record.
func (l *Limiter) IsBlocked(ctx context.Context, pctx *core.ProtectionContext) (bool, string, error) {
	val, ok, err := l.store.Get(ctx, "block:"+pctx.IP)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "", nil
	}
	return true, string(val), nil
}
