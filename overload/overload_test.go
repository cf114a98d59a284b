package overload_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/overload"
	"github.com/reqshield/reqshield/shielderrors"
)

func TestController_AdmitsUpToMaxConcurrent(t *testing.T) {
	cfg := overload.Config{Enabled: true, MaxConcurrent: 2, MaxQueueSize: 0, QueueTimeout: 10 * time.Millisecond}
	c := overload.New(cfg, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop())
	defer c.Close()
	pctx := &core.ProtectionContext{}

	d1 := c.Acquire(context.Background(), pctx)
	d2 := c.Acquire(context.Background(), pctx)
	require.True(t, d1.Allowed)
	require.True(t, d2.Allowed)

	d3 := c.Acquire(context.Background(), pctx)
	assert.False(t, d3.Allowed)
	assert.ErrorIs(t, d3.Err, shielderrors.ErrOverloadQueueFull)
}

func TestController_QueueTimeoutRejects(t *testing.T) {
	cfg := overload.Config{Enabled: true, MaxConcurrent: 1, MaxQueueSize: 5, QueueTimeout: 20 * time.Millisecond}
	c := overload.New(cfg, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop())
	defer c.Close()
	pctx := &core.ProtectionContext{}

	d1 := c.Acquire(context.Background(), pctx)
	require.True(t, d1.Allowed)

	d2 := c.Acquire(context.Background(), pctx)
	assert.False(t, d2.Allowed)
	assert.True(t, errors.Is(d2.Err, shielderrors.ErrOverloadTimeout))
}

func TestController_ReleaseAdmitsQueuedWaiter(t *testing.T) {
	cfg := overload.Config{Enabled: true, MaxConcurrent: 1, MaxQueueSize: 5, QueueTimeout: time.Second}
	c := overload.New(cfg, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop())
	defer c.Close()
	pctx := &core.ProtectionContext{}

	d1 := c.Acquire(context.Background(), pctx)
	require.True(t, d1.Allowed)

	resultCh := make(chan bool, 1)
	go func() {
		d := c.Acquire(context.Background(), pctx)
		resultCh <- d.Allowed
	}()

	time.Sleep(20 * time.Millisecond)
	c.Release()

	select {
	case allowed := <-resultCh:
		assert.True(t, allowed)
	case <-time.After(time.Second):
		t.Fatal("queued request was never admitted after release")
	}
}

func TestController_DisabledAlwaysAllows(t *testing.T) {
	cfg := overload.Config{Enabled: false, MaxConcurrent: 0}
	c := overload.New(cfg, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop())
	defer c.Close()
	d := c.Acquire(context.Background(), &core.ProtectionContext{})
	assert.True(t, d.Allowed)
}

func TestController_HealthIndicatorDrivesThreshold(t *testing.T) {
	cfg := overload.Config{
		Enabled: true, MaxConcurrent: 10, MaxQueueSize: 0, QueueTimeout: 10 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
		HealthIndicator: func(ctx context.Context) (float64, error) {
			return 0.2, nil // effective threshold becomes round(10*0.2) = 2
		},
	}
	c := overload.New(cfg, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop())
	defer c.Close()

	time.Sleep(30 * time.Millisecond) // allow at least one poll

	pctx := &core.ProtectionContext{}
	d1 := c.Acquire(context.Background(), pctx)
	d2 := c.Acquire(context.Background(), pctx)
	d3 := c.Acquire(context.Background(), pctx)

	require.True(t, d1.Allowed)
	require.True(t, d2.Allowed)
	assert.False(t, d3.Allowed, "health-scaled threshold of ~2 should reject the third request")
}

func TestController_ClearQueueRejectsWaiters(t *testing.T) {
	cfg := overload.Config{Enabled: true, MaxConcurrent: 1, MaxQueueSize: 5, QueueTimeout: time.Second}
	c := overload.New(cfg, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop())
	defer c.Close()
	pctx := &core.ProtectionContext{}

	_ = c.Acquire(context.Background(), pctx)

	resultCh := make(chan bool, 1)
	go func() {
		d := c.Acquire(context.Background(), pctx)
		resultCh <- d.Allowed
	}()
	time.Sleep(20 * time.Millisecond)

	c.ClearQueue()

	select {
	case allowed := <-resultCh:
		assert.False(t, allowed)
	case <-time.After(time.Second):
		t.Fatal("cleared waiter never resolved")
	}
}
