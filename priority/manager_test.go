package priority_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/priority"
)

func newManager(t *testing.T, cfg priority.Config) *priority.Manager {
	t.Helper()
	m := priority.New(cfg, metrics.NewRegistry(zerolog.Nop()), zerolog.Nop())
	t.Cleanup(m.Close)
	return m
}

func TestManager_AdmitsUpToMaxConcurrent(t *testing.T) {
	cfg := priority.Config{
		Levels: []priority.Level{{Name: "normal", Priority: 5, MaxConcurrent: 2, MaxQueueSize: 0, Timeout: 10 * time.Millisecond}},
		DefaultPriority: 5,
	}
	m := newManager(t, cfg)
	pctx := &core.ProtectionContext{}

	d1, _ := m.Admit(context.Background(), pctx)
	d2, _ := m.Admit(context.Background(), pctx)
	require.True(t, d1.Allowed)
	require.True(t, d2.Allowed)

	d3, _ := m.Admit(context.Background(), pctx)
	assert.False(t, d3.Allowed, "third request should be rejected: no queue capacity and no strategy admits it")
}

func TestManager_QueuedRequestAdmittedOnRelease(t *testing.T) {
	cfg := priority.Config{
		Levels:          []priority.Level{{Name: "normal", Priority: 5, MaxConcurrent: 1, MaxQueueSize: 5, Timeout: time.Second}},
		DefaultPriority: 5,
	}
	m := newManager(t, cfg)
	pctx := &core.ProtectionContext{}

	_, release1 := m.Admit(context.Background(), pctx)

	resultCh := make(chan bool, 1)
	go func() {
		d, _ := m.Admit(context.Background(), pctx)
		resultCh <- d.Allowed
	}()

	time.Sleep(20 * time.Millisecond)
	release1()

	select {
	case allowed := <-resultCh:
		assert.True(t, allowed)
	case <-time.After(time.Second):
		t.Fatal("queued request was never admitted")
	}
}

func TestManager_QueueTimeoutRejects(t *testing.T) {
	cfg := priority.Config{
		Levels:          []priority.Level{{Name: "normal", Priority: 5, MaxConcurrent: 1, MaxQueueSize: 5, Timeout: 20 * time.Millisecond}},
		DefaultPriority: 5,
	}
	m := newManager(t, cfg)
	pctx := &core.ProtectionContext{}

	_, _ = m.Admit(context.Background(), pctx)

	d, _ := m.Admit(context.Background(), pctx)
	assert.False(t, d.Allowed)
}

func TestManager_PriorityShedEvictsLowerPriorityWaiter(t *testing.T) {
	cfg := priority.Config{
		Levels:          []priority.Level{{Name: "normal", Priority: 5, MaxConcurrent: 1, MaxQueueSize: 1, Timeout: time.Second}},
		DefaultPriority: 5,
		ShedStrategy:    priority.ShedPriority,
		PriorityHeader:  "X-Request-Priority",
	}
	m := newManager(t, cfg)

	low := &core.ProtectionContext{Headers: map[string][]string{"X-Request-Priority": {"1"}}}
	high := &core.ProtectionContext{Headers: map[string][]string{"X-Request-Priority": {"9"}}}

	_, _ = m.Admit(context.Background(), &core.ProtectionContext{}) // occupies the one concurrent slot

	lowResult := make(chan bool, 1)
	go func() {
		d, _ := m.Admit(context.Background(), low)
		lowResult <- d.Allowed
	}()
	time.Sleep(20 * time.Millisecond) // let low occupy the single queue slot

	highResult := make(chan bool, 1)
	go func() {
		d, _ := m.Admit(context.Background(), high)
		highResult <- d.Allowed
	}()

	assert.False(t, <-lowResult, "lower-priority waiter should be evicted to make room")
	_ = highResult // high's own fate depends on a subsequent release; not asserted here
}

func TestManager_NearestLevelCoercion(t *testing.T) {
	cfg := priority.Config{
		Levels:          priority.DefaultLevels(),
		DefaultPriority: 6, // between normal(5) and high(8), nearer normal
		PriorityHeader:  "X-Request-Priority",
	}
	m := newManager(t, cfg)
	pctx := &core.ProtectionContext{}
	d, release := m.Admit(context.Background(), pctx)
	require.True(t, d.Allowed)
	release()
	assert.Equal(t, 5, pctx.Priority)
}
