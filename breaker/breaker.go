// Package breaker implements CircuitBreaker (C7): a per-key rolling-window
// state machine (CLOSED/OPEN/HALF_OPEN/DISABLED), grounded on the
// resilience pattern seen across the example pack (e.g.
// mauriciomferz-Gauth_go's resilience.CircuitBreaker) but implemented
// directly rather than imported, per the call-path and bucket semantics
// this pipeline specifies exactly.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/shielderrors"
)

// State is one of the breaker's four effective states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
	Disabled
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// gaugeValue maps State to the 0/0.5/1 convention shared across the pack.
func (s State) gaugeValue() float64 {
	switch s {
	case Open:
		return 1
	case HalfOpen:
		return 0.5
	default:
		return 0
	}
}

// Config configures one breaker key.
type Config struct {
	ErrorThresholdPercent float64       // e.g. 50.0
	VolumeThreshold       int           // min calls before evaluating
	RollingCountBuckets   int           // e.g. 10
	RollingCountTimeout   time.Duration // e.g. 10s total window
	ResetTimeout          time.Duration // OPEN → HALF_OPEN delay
	TimeoutMs             time.Duration // per-call deadline
	AllowWarmUp           bool
	WarmUpCallVolume      int
	Fallback              func(ctx context.Context) (any, error)
	HealthCheck           func(key string) bool
}

type bucket struct {
	windowIdx int64
	fires     int64
	successes int64
	failures  int64
	timeouts  int64
	rejects   int64
}

// Breaker is a single key's circuit breaker instance.
type Breaker struct {
	key     string
	cfg     Config
	metrics metrics.Sink
	logger  zerolog.Logger

	mu              sync.Mutex
	state           State
	nextAttemptTime time.Time
	buckets         []bucket
	totalCalls      int64
	halfOpenInFlight bool
}

func newBreaker(key string, cfg Config, sink metrics.Sink, logger zerolog.Logger) *Breaker {
	buckets := cfg.RollingCountBuckets
	if buckets <= 0 {
		buckets = 10
	}
	return &Breaker{
		key:     key,
		cfg:     cfg,
		metrics: sink,
		logger:  logger.With().Str("component", "breaker").Str("key", key).Logger(),
		state:   Closed,
		buckets: make([]bucket, buckets),
	}
}

func (b *Breaker) bucketDuration() time.Duration {
	total := b.cfg.RollingCountTimeout
	if total <= 0 {
		total = 10 * time.Second
	}
	return total / time.Duration(len(b.buckets))
}

// currentBucketLocked returns the live bucket for now, clearing it first
// if it belongs to a stale window.
func (b *Breaker) currentBucketLocked(now time.Time) *bucket {
	bd := b.bucketDuration()
	idx := now.UnixNano() / int64(bd)
	slot := int(idx % int64(len(b.buckets)))
	bk := &b.buckets[slot]
	if bk.windowIdx != idx {
		*bk = bucket{windowIdx: idx}
	}
	return bk
}

// aggregateLocked sums live (non-stale) buckets.
func (b *Breaker) aggregateLocked(now time.Time) (failures, successes, total int64) {
	bd := b.bucketDuration()
	curIdx := now.UnixNano() / int64(bd)
	span := int64(len(b.buckets))
	for i := range b.buckets {
		bk := &b.buckets[i]
		if bk.windowIdx == 0 || curIdx-bk.windowIdx >= span {
			continue // stale or never-used
		}
		failures += bk.failures
		successes += bk.successes
		total += bk.fires
	}
	return
}

func (b *Breaker) errorPercentLocked(now time.Time) (pct float64, total int64) {
	failures, successes, totalCalls := b.aggregateLocked(now)
	denom := failures + successes
	if denom == 0 {
		return 0, totalCalls
	}
	return (float64(failures) / float64(denom)) * 100, totalCalls
}

// Execute runs handler under this breaker's call path, per §4.7.
func (b *Breaker) Execute(ctx context.Context, handler func(ctx context.Context) (any, error)) (any, error) {
	now := time.Now()

	b.mu.Lock()
	if b.state == Disabled {
		b.mu.Unlock()
		return handler(ctx)
	}

	if b.state == Open {
		if now.Before(b.nextAttemptTime) {
			b.recordLocked(now, func(bk *bucket) { bk.rejects++ })
			b.mu.Unlock()
			return b.rejectOrFallback(ctx)
		}
		b.state = HalfOpen
		b.halfOpenInFlight = false
		b.logger.Info().Msg("breaker transitioning to half-open")
	}

	if b.state == HalfOpen {
		if b.halfOpenInFlight {
			b.recordLocked(now, func(bk *bucket) { bk.rejects++ })
			b.mu.Unlock()
			return b.rejectOrFallback(ctx)
		}
		b.halfOpenInFlight = true
	}
	b.recordLocked(now, func(bk *bucket) { bk.fires++ })
	b.totalCalls++
	warmingUp := b.cfg.AllowWarmUp && b.totalCalls <= int64(b.cfg.WarmUpCallVolume)
	b.mu.Unlock()

	deadline := b.cfg.TimeoutMs
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := handler(callCtx)

	outcomeNow := time.Now()
	b.mu.Lock()
	if b.state == HalfOpen {
		b.halfOpenInFlight = false
	}
	switch {
	case err == nil:
		b.recordLocked(outcomeNow, func(bk *bucket) { bk.successes++ })
		b.onSuccessLocked()
	case callCtx.Err() != nil:
		b.recordLocked(outcomeNow, func(bk *bucket) { bk.timeouts++; bk.failures++ })
		b.onFailureLocked(outcomeNow, warmingUp)
	default:
		b.recordLocked(outcomeNow, func(bk *bucket) { bk.failures++ })
		b.onFailureLocked(outcomeNow, warmingUp)
	}
	b.mu.Unlock()

	b.emitStateGauge()
	return result, err
}

func (b *Breaker) recordLocked(now time.Time, fn func(bk *bucket)) {
	fn(b.currentBucketLocked(now))
}

func (b *Breaker) onSuccessLocked() {
	if b.state == HalfOpen {
		b.state = Closed
		b.logger.Info().Msg("breaker closed after successful probe")
	}
}

func (b *Breaker) onFailureLocked(now time.Time, warmingUp bool) {
	if b.state == HalfOpen {
		b.openLocked(now)
		return
	}
	if warmingUp {
		return
	}
	pct, total := b.errorPercentLocked(now)
	if total >= b.cfg.VolumeThreshold && pct >= b.cfg.ErrorThresholdPercent {
		b.openLocked(now)
	}
}

func (b *Breaker) openLocked(now time.Time) {
	reset := b.cfg.ResetTimeout
	if reset <= 0 {
		reset = 30 * time.Second
	}
	b.state = Open
	b.nextAttemptTime = now.Add(reset)
	b.halfOpenInFlight = false
	b.logger.Warn().Time("next_attempt", b.nextAttemptTime).Msg("breaker opened")
}

func (b *Breaker) rejectOrFallback(ctx context.Context) (any, error) {
	if b.cfg.Fallback != nil {
		b.metrics.Increment("breaker_fallback_total", 1, metrics.Labels{"key": b.key})
		return b.cfg.Fallback(ctx)
	}
	return nil, shielderrors.ErrCircuitOpen
}

func (b *Breaker) emitStateGauge() {
	b.mu.Lock()
	st := b.state
	b.mu.Unlock()
	b.metrics.Gauge("breaker_state", st.gaugeValue(), metrics.Labels{"key": b.key})
}

// HealthCheck reports false if the breaker is OPEN, or delegates to
// cfg.HealthCheck if provided.
func (b *Breaker) HealthCheck() bool {
	b.mu.Lock()
	st := b.state
	b.mu.Unlock()
	if st == Open {
		return false
	}
	if b.cfg.HealthCheck != nil {
		return b.cfg.HealthCheck(b.key)
	}
	return true
}

// CurrentState returns the breaker's current state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Disable forces the breaker into the terminal DISABLED state, used during
// graceful shutdown so no new probes start.
func (b *Breaker) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Disabled
}
