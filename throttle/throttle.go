// Package throttle implements Throttler (C4): a first-request-anchored
// window per caller, with a local read cache and a batched async flush so
// per-request writes never wait on the store; a cache miss reads the
// record from the store synchronously.
package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/shielderrors"
	"github.com/reqshield/reqshield/store"
)

// Config describes one throttle policy.
type Config struct {
	Limit            int
	TTL              time.Duration
	IgnoreUserAgents []*regexp.Regexp
	KeyFn            func(*core.ProtectionContext) string
}

// Record is the persisted first-request-anchored counter.
type Record struct {
	Count           int       `json:"count"`
	FirstRequestAt  time.Time `json:"first_request_at"`
}

type cacheEntry struct {
	record   Record
	ttl      time.Duration
	cachedAt time.Time
	dirty    bool
}

// Throttler enforces Config over a Store, batching writes on a timer.
type Throttler struct {
	store   store.Store
	metrics metrics.Sink
	logger  zerolog.Logger

	cacheTTL   time.Duration
	flushEvery time.Duration

	mu    sync.Mutex
	cache map[string]*cacheEntry

	stop chan struct{}
	done chan struct{}
}

// New creates a Throttler. cacheTTL and flushEvery default to 30s/100ms
// (the values the policy is specified against) when zero.
func New(st store.Store, sink metrics.Sink, logger zerolog.Logger, cacheTTL, flushEvery time.Duration) *Throttler {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if flushEvery <= 0 {
		flushEvery = 100 * time.Millisecond
	}
	t := &Throttler{
		store:      st,
		metrics:    sink,
		logger:     logger.With().Str("component", "throttle").Logger(),
		cacheTTL:   cacheTTL,
		flushEvery: flushEvery,
		cache:      make(map[string]*cacheEntry),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go t.flushLoop()
	return t
}

// Close stops the background flush timer, flushing once more first.
func (t *Throttler) Close() {
	close(t.stop)
	<-t.done
}

func defaultKey(ctx *core.ProtectionContext) string {
	return "throttle:" + ctx.IP
}

// Consume applies cfg's first-request-anchored window to ctx.
func (t *Throttler) Consume(ctx context.Context, pctx *core.ProtectionContext, cfg Config) core.Decision {
	for _, re := range cfg.IgnoreUserAgents {
		if re.MatchString(pctx.UserAgent) {
			return core.Allow(nil)
		}
	}

	keyFn := cfg.KeyFn
	if keyFn == nil {
		keyFn = defaultKey
	}
	key := keyFn(pctx)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache[key]
	if !ok || now.Sub(entry.cachedAt) > t.cacheTTL {
		rec, found, err := t.loadRecord(ctx, key)
		if err != nil {
			t.metrics.Increment("throttle_error", 1, metrics.Labels{})
			t.logger.Warn().Err(err).Str("key", key).Msg("throttle store error, failing open")
			return core.Allow(nil)
		}
		if !found || now.After(rec.FirstRequestAt.Add(cfg.TTL)) {
			rec = Record{Count: 1, FirstRequestAt: now}
			entry = &cacheEntry{record: rec, ttl: cfg.TTL, cachedAt: now, dirty: true}
			t.cache[key] = entry
			return t.allowDecision(rec, cfg, now)
		}
		entry = &cacheEntry{record: rec, cachedAt: now}
		t.cache[key] = entry
	}

	rec := entry.record
	if now.After(rec.FirstRequestAt.Add(cfg.TTL)) {
		rec = Record{Count: 1, FirstRequestAt: now}
		entry.record, entry.ttl, entry.dirty, entry.cachedAt = rec, cfg.TTL, true, now
		return t.allowDecision(rec, cfg, now)
	}

	if rec.Count >= cfg.Limit {
		resetAt := rec.FirstRequestAt.Add(cfg.TTL)
		retryAfter := int(math.Ceil(resetAt.Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		t.metrics.Increment("throttle_rejected_total", 1, metrics.Labels{})
		d := core.Reject(shielderrors.WithRetryAfter(shielderrors.ErrThrottleExceeded, retryAfter), retryAfter)
		d.Headers = t.headers(rec, cfg, resetAt)
		d.Headers["Retry-After"] = fmt.Sprintf("%d", retryAfter)
		return d
	}

	rec.Count++
	entry.record, entry.ttl, entry.dirty = rec, cfg.TTL, true
	return t.allowDecision(rec, cfg, now)
}

func (t *Throttler) allowDecision(rec Record, cfg Config, now time.Time) core.Decision {
	resetAt := rec.FirstRequestAt.Add(cfg.TTL)
	return core.Allow(t.headers(rec, cfg, resetAt))
}

func (t *Throttler) headers(rec Record, cfg Config, resetAt time.Time) map[string]string {
	remaining := cfg.Limit - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return map[string]string{
		"X-Throttle-Limit":     fmt.Sprintf("%d", cfg.Limit),
		"X-Throttle-Remaining": fmt.Sprintf("%d", remaining),
		"X-Throttle-Reset":     fmt.Sprintf("%d", resetAt.Unix()),
	}
}

func (t *Throttler) loadRecord(ctx context.Context, key string) (Record, bool, error) {
	raw, ok, err := t.store.Get(ctx, key)
	if err != nil || !ok {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// flushLoop writes dirty cache entries to the store every flushEvery;
// flush failures log and never propagate, per the batching contract.
func (t *Throttler) flushLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.stop:
			t.flush()
			return
		}
	}
}

// dirtyRecord pairs a pending write with the cfg.TTL it was consumed
// under, so flush can compute each key's store expiry against the policy
// that actually produced it rather than a single shared constant.
type dirtyRecord struct {
	record Record
	ttl    time.Duration
}

func (t *Throttler) flush() {
	t.mu.Lock()
	dirty := make(map[string]dirtyRecord, len(t.cache))
	for k, e := range t.cache {
		if e.dirty {
			dirty[k] = dirtyRecord{record: e.record, ttl: e.ttl}
			e.dirty = false
		}
	}
	t.mu.Unlock()

	if len(dirty) == 0 {
		return
	}
	ctx := context.Background()
	for key, d := range dirty {
		raw, err := json.Marshal(d.record)
		if err != nil {
			t.logger.Error().Err(err).Str("key", key).Msg("throttle record marshal failed")
			continue
		}
		ttl := d.ttl
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		expiry := time.Until(d.record.FirstRequestAt.Add(ttl))
		if err := t.store.Set(ctx, key, raw, expiry); err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("throttle flush failed")
		}
	}
}
