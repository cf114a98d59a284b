package throttle_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/shielderrors"
	"github.com/reqshield/reqshield/store"
	"github.com/reqshield/reqshield/throttle"
)

func TestThrottler_FirstRequestAnchoredWindow(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	th := throttle.New(st, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop(), time.Second, 5*time.Millisecond)
	defer th.Close()

	cfg := throttle.Config{Limit: 2, TTL: time.Hour}
	ctx := context.Background()
	pctx := &core.ProtectionContext{IP: "3.3.3.3"}

	d1 := th.Consume(ctx, pctx, cfg)
	d2 := th.Consume(ctx, pctx, cfg)
	d3 := th.Consume(ctx, pctx, cfg)

	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
	assert.False(t, d3.Allowed)
	assert.ErrorIs(t, d3.Err, shielderrors.ErrThrottleExceeded)
}

func TestThrottler_IgnoresAllowlistedUserAgent(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	th := throttle.New(st, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop(), time.Second, 5*time.Millisecond)
	defer th.Close()

	cfg := throttle.Config{
		Limit: 1, TTL: time.Hour,
		IgnoreUserAgents: []*regexp.Regexp{regexp.MustCompile(`(?i)healthcheck`)},
	}
	ctx := context.Background()
	pctx := &core.ProtectionContext{IP: "4.4.4.4", UserAgent: "internal-healthcheck/1.0"}

	for i := 0; i < 5; i++ {
		d := th.Consume(ctx, pctx, cfg)
		require.True(t, d.Allowed)
	}
}

func TestThrottler_FlushPersistsAcrossCacheExpiry(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	th := throttle.New(st, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop(), 10*time.Millisecond, 5*time.Millisecond)
	defer th.Close()

	cfg := throttle.Config{Limit: 1, TTL: time.Hour}
	ctx := context.Background()
	pctx := &core.ProtectionContext{IP: "8.8.8.8"}

	d1 := th.Consume(ctx, pctx, cfg)
	require.True(t, d1.Allowed)

	time.Sleep(40 * time.Millisecond) // let flush + local cache TTL elapse

	d2 := th.Consume(ctx, pctx, cfg)
	assert.False(t, d2.Allowed, "count persisted via flush should still be enforced after cache expiry")
}

func TestThrottler_FlushHonorsConfiguredTTLBeyondOneDay(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	th := throttle.New(st, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop(), 10*time.Millisecond, 5*time.Millisecond)
	defer th.Close()

	cfg := throttle.Config{Limit: 10, TTL: 48 * time.Hour}
	ctx := context.Background()
	pctx := &core.ProtectionContext{IP: "9.9.9.9"}

	d := th.Consume(ctx, pctx, cfg)
	require.True(t, d.Allowed)

	time.Sleep(20 * time.Millisecond) // let the background flush persist the record

	ttl, err := st.TTL(ctx, "throttle:9.9.9.9")
	require.NoError(t, err)
	assert.Greater(t, ttl, 24*time.Hour, "store TTL must track the configured window, not a hardcoded 24h cap")
}
