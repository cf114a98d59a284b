package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/ratelimit"
	"github.com/reqshield/reqshield/shielderrors"
	"github.com/reqshield/reqshield/store"
)

func testCtx(ip string) *core.ProtectionContext {
	return &core.ProtectionContext{IP: ip, Method: "GET", Path: "/widgets"}
}

func TestLimiter_AllowsUpToPoints(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	l := ratelimit.New(st, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop(), 10_000)

	cfg := ratelimit.Config{Points: 3, Duration: time.Minute}
	ctx := context.Background()
	pctx := testCtx("1.2.3.4")

	for i := 0; i < 3; i++ {
		d := l.Consume(ctx, pctx, cfg)
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}

	d := l.Consume(ctx, pctx, cfg)
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, d.Err, shielderrors.ErrRateLimitExceeded)
	assert.Equal(t, "3", d.Headers["X-RateLimit-Limit"])
	assert.NotEmpty(t, d.Headers["Retry-After"])
}

func TestLimiter_SeparateKeysIndependent(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	l := ratelimit.New(st, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop(), 10_000)
	cfg := ratelimit.Config{Points: 1, Duration: time.Minute}
	ctx := context.Background()

	d1 := l.Consume(ctx, testCtx("1.1.1.1"), cfg)
	d2 := l.Consume(ctx, testCtx("2.2.2.2"), cfg)
	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
}

func TestLimiter_BlockList(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	l := ratelimit.New(st, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop(), 10_000)
	ctx := context.Background()
	pctx := testCtx("9.9.9.9")

	blocked, _, err := l.IsBlocked(ctx, pctx)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, l.Block(ctx, pctx, time.Minute, "abuse"))

	blocked, reason, err := l.IsBlocked(ctx, pctx)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, "abuse", reason)
}

func TestTokenBucket_BurstThenThrottle(t *testing.T) {
	tb := ratelimit.NewTokenBucket(1, 2)
	pctx := testCtx("5.5.5.5")

	d1 := tb.Allow(pctx, nil)
	d2 := tb.Allow(pctx, nil)
	d3 := tb.Allow(pctx, nil)

	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
	assert.False(t, d3.Allowed)
	assert.ErrorIs(t, d3.Err, shielderrors.ErrRateLimitExceeded)
}
