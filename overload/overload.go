// Package overload implements OverloadController (C6): a single
// system-wide concurrency ceiling with a cooperative wait queue, adaptive
// health-driven threshold, and the same shed strategies priority.Manager
// offers per class, generalized from one fixed per-key semaphore limit to
// a combined queue spanning every priority with release ordering
// symmetric to the shed strategy.
package overload

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/priority"
	"github.com/reqshield/reqshield/shielderrors"
)

// HealthIndicator reports a [0,1] system health score, polled every 5s.
// An error defaults the score to 0.5, per §4.6.
type HealthIndicator func(ctx context.Context) (float64, error)

// Config configures a Controller.
type Config struct {
	Enabled         bool
	MaxConcurrent   int
	MaxQueueSize    int
	QueueTimeout    time.Duration
	ShedStrategy    priority.ShedStrategy
	CustomShed      func(snapshot []QueueSnapshot) int
	HealthIndicator HealthIndicator
	HealthInterval  time.Duration // default 5s
}

// QueueSnapshot is a read-only view of a queued waiter.
type QueueSnapshot struct {
	Priority   int
	EnqueuedAt time.Time
}

type queuedWaiter struct {
	priority   int
	enqueuedAt time.Time
	resultCh   chan waitResult
}

type waitResult struct {
	allowed bool
	err     error
}

// Controller is the OverloadController.
type Controller struct {
	cfg     Config
	metrics metrics.Sink
	logger  zerolog.Logger

	mu              sync.Mutex
	currentRequests int
	queue           []*queuedWaiter
	healthScore     float64

	stop chan struct{}
	done chan struct{}
}

// New creates a Controller and starts its health-polling loop if
// cfg.HealthIndicator is set.
func New(cfg Config, sink metrics.Sink, logger zerolog.Logger) *Controller {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	c := &Controller{
		cfg:         cfg,
		metrics:     sink,
		logger:      logger.With().Str("component", "overload").Logger(),
		healthScore: 1.0,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if cfg.HealthIndicator != nil {
		go c.healthLoop()
	} else {
		close(c.done)
	}
	return c
}

// Close stops the health-polling loop.
func (c *Controller) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

func (c *Controller) healthLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pollHealth()
		case <-c.stop:
			return
		}
	}
}

func (c *Controller) pollHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HealthInterval)
	defer cancel()
	score, err := c.cfg.HealthIndicator(ctx)
	if err != nil {
		score = 0.5
		c.logger.Warn().Err(err).Msg("health indicator failed, defaulting score to 0.5")
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	c.mu.Lock()
	c.healthScore = score
	c.mu.Unlock()
	c.metrics.Gauge("overload_health_score", score, metrics.Labels{})
}

// effectiveThresholdLocked computes round(maxConcurrent × healthScore) when
// a health indicator is configured. Without one, healthScore is recorded as
// 1 − utilization and the threshold is maxConcurrent itself.
func (c *Controller) effectiveThresholdLocked() int {
	if c.cfg.HealthIndicator == nil {
		util := 0.0
		if c.cfg.MaxConcurrent > 0 {
			util = float64(c.currentRequests) / float64(c.cfg.MaxConcurrent)
		}
		c.healthScore = 1 - util
		if c.healthScore < 0 {
			c.healthScore = 0
		}
		return c.cfg.MaxConcurrent
	}
	return int(float64(c.cfg.MaxConcurrent)*c.healthScore + 0.5)
}

// Acquire admits ctx immediately, queues it, sheds a lower-priority
// waiter, or rejects it, per §4.6. On success the Guard must call
// Release() exactly once.
func (c *Controller) Acquire(ctx context.Context, pctx *core.ProtectionContext) core.Decision {
	if !c.cfg.Enabled {
		return core.Allow(nil)
	}

	c.mu.Lock()
	threshold := c.effectiveThresholdLocked()
	if c.currentRequests < threshold {
		c.currentRequests++
		c.mu.Unlock()
		c.metrics.Gauge("overload_current_requests", float64(c.currentRequests), metrics.Labels{})
		return core.Allow(nil)
	}

	if len(c.queue) < c.cfg.MaxQueueSize {
		w := &queuedWaiter{priority: pctx.Priority, enqueuedAt: time.Now(), resultCh: make(chan waitResult, 1)}
		c.queue = append(c.queue, w)
		c.mu.Unlock()
		return c.wait(ctx, w)
	}

	evicted, admitted := c.shedLocked(pctx.Priority)
	c.mu.Unlock()

	if evicted != nil {
		evicted.resultCh <- waitResult{allowed: false, err: shielderrors.ErrOverloadQueueFull}
	}
	if admitted == nil {
		c.metrics.Increment("overload_shed_total", 1, metrics.Labels{})
		return core.Reject(shielderrors.ErrOverloadQueueFull, 1)
	}
	return c.wait(ctx, admitted)
}

func (c *Controller) shedLocked(incomingPriority int) (evicted, admitted *queuedWaiter) {
	if len(c.queue) == 0 {
		return nil, nil
	}
	switch c.cfg.ShedStrategy {
	case priority.ShedLIFO:
		evicted = c.queue[0]
		c.queue = c.queue[1:]
	case priority.ShedPriority:
		idx := 0
		for i, w := range c.queue {
			if w.priority < c.queue[idx].priority {
				idx = i
			}
		}
		if incomingPriority <= c.queue[idx].priority {
			return nil, nil
		}
		evicted = c.queue[idx]
		c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	case priority.ShedRandom:
		idx := rand.Intn(len(c.queue))
		evicted = c.queue[idx]
		c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	case priority.ShedCustom:
		if c.cfg.CustomShed == nil {
			return nil, nil
		}
		snap := make([]QueueSnapshot, len(c.queue))
		for i, w := range c.queue {
			snap[i] = QueueSnapshot{Priority: w.priority, EnqueuedAt: w.enqueuedAt}
		}
		idx := c.cfg.CustomShed(snap)
		if idx < 0 || idx >= len(c.queue) {
			return nil, nil
		}
		evicted = c.queue[idx]
		c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	default: // FIFO: reject the incoming request, queue untouched.
		return nil, nil
	}
	admitted = &queuedWaiter{priority: incomingPriority, enqueuedAt: time.Now(), resultCh: make(chan waitResult, 1)}
	c.queue = append(c.queue, admitted)
	return evicted, admitted
}

func (c *Controller) wait(ctx context.Context, w *queuedWaiter) core.Decision {
	timeout := c.cfg.QueueTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.resultCh:
		if res.allowed {
			return core.Allow(nil)
		}
		return core.Reject(res.err, 1)
	case <-timer.C:
		c.removeWaiter(w)
		c.metrics.Increment("overload_timeout_total", 1, metrics.Labels{})
		return core.Reject(shielderrors.ErrOverloadTimeout, 1)
	case <-ctx.Done():
		c.removeWaiter(w)
		return core.Reject(shielderrors.ErrOverloadTimeout, 1)
	}
}

func (c *Controller) removeWaiter(target *queuedWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.queue {
		if w == target {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// Release frees one concurrency slot, handing it directly to the next
// queued waiter selected by the shed strategy's symmetric rule (FIFO:
// head; LIFO: tail; PRIORITY: highest priority; RANDOM: uniform).
func (c *Controller) Release() {
	c.mu.Lock()
	if len(c.queue) == 0 {
		if c.currentRequests > 0 {
			c.currentRequests--
		}
		c.mu.Unlock()
		return
	}

	idx := c.dequeueIndexLocked()
	w := c.queue[idx]
	c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	c.mu.Unlock()

	w.resultCh <- waitResult{allowed: true}
}

func (c *Controller) dequeueIndexLocked() int {
	switch c.cfg.ShedStrategy {
	case priority.ShedLIFO:
		return len(c.queue) - 1
	case priority.ShedPriority:
		idx := 0
		for i, w := range c.queue {
			if w.priority > c.queue[idx].priority {
				idx = i
			}
		}
		return idx
	case priority.ShedRandom:
		return rand.Intn(len(c.queue))
	default:
		return 0
	}
}

// ClearQueue rejects every waiter with QUEUE_CLEARED, for graceful
// shutdown.
func (c *Controller) ClearQueue() {
	c.mu.Lock()
	waiters := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w.resultCh <- waitResult{allowed: false, err: shielderrors.ErrQueueCleared}
	}
}

// ForceRelease decrements currentRequests by up to n, for graceful
// shutdown once in-flight work has drained.
func (c *Controller) ForceRelease(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRequests -= n
	if c.currentRequests < 0 {
		c.currentRequests = 0
	}
}

// Snapshot reports current state for diagnostics.
type Snapshot struct {
	CurrentRequests int
	QueueLength     int
	HealthScore     float64
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{CurrentRequests: c.currentRequests, QueueLength: len(c.queue), HealthScore: c.healthScore}
}
