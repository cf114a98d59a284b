package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/shielderrors"
)

// TokenBucket is an alternate, smoother admission algorithm built on
// golang.org/x/time/rate, offered alongside the fixed-window Limiter as a
// separate type (there is no shared algorithm interface) for callers who'd
// rather smooth bursts than count them exactly. The fixed window remains the default described by the
// invariants in the rest of this package.
type TokenBucket struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewTokenBucket creates a per-key token bucket limiter admitting rps
// requests per second with the given burst capacity.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (t *TokenBucket) limiterFor(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(t.rps, t.burst)
		t.limiters[key] = l
	}
	return l
}

// Allow reports whether pctx's caller (resolved via keyFn, or DefaultKey if
// nil) has a token available right now.
func (t *TokenBucket) Allow(pctx *core.ProtectionContext, keyFn KeyExtractor) core.Decision {
	if keyFn == nil {
		keyFn = DefaultKey
	}
	limiter := t.limiterFor(keyFn(pctx))
	if limiter.Allow() {
		return core.Allow(nil)
	}

	reservation := limiter.Reserve()
	retryAfter := int(reservation.Delay()/time.Second) + 1
	reservation.Cancel()
	return core.Reject(shielderrors.WithRetryAfter(shielderrors.ErrRateLimitExceeded, retryAfter), retryAfter)
}
