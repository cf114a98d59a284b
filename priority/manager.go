// Package priority implements PriorityManager (C5): fixed priority classes
// with independent per-class concurrency ceilings, queues, shedding, and
// fairness, generalized from a single per-key semaphore pattern into N
// independent priority-class semaphores with queueing.
package priority

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/core"
	"github.com/reqshield/reqshield/metrics"
	"github.com/reqshield/reqshield/shielderrors"
)

type acquireResult struct {
	allowed bool
	err     error
}

type waiter struct {
	priority   int
	enqueuedAt time.Time
	resultCh   chan acquireResult
}

// classState holds one priority class's live counters and queue, guarded
// by its own mutex — no lock is ever held across two classes at once.
type classState struct {
	mu                sync.Mutex
	level             Level
	current           int
	queue             []*waiter
	processed         int64
	lastProcessedTime time.Time
}

// Manager is the PriorityManager.
type Manager struct {
	cfg     Config
	metrics metrics.Sink
	logger  zerolog.Logger

	levels   []Level // sorted descending by Priority
	classes  map[string]*classState

	stop chan struct{}
	done chan struct{}
}

// New creates a Manager. If cfg.Levels is empty, DefaultLevels() is used.
func New(cfg Config, sink metrics.Sink, logger zerolog.Logger) *Manager {
	levels := cfg.Levels
	if len(levels) == 0 {
		levels = DefaultLevels()
	}
	sorted := make([]Level, len(levels))
	copy(sorted, levels)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority > sorted[j-1].Priority; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	m := &Manager{
		cfg:     cfg,
		metrics: sink,
		logger:  logger.With().Str("component", "priority").Logger(),
		levels:  sorted,
		classes: make(map[string]*classState, len(sorted)),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, lvl := range sorted {
		m.classes[lvl.Name] = &classState{level: lvl, lastProcessedTime: time.Now()}
	}
	if cfg.AdaptiveEnabled && cfg.AdaptiveAdjustmentInterval > 0 {
		go m.adaptiveLoop()
	} else {
		close(m.done)
	}
	return m
}

// Close stops the adaptive adjustment loop, if running.
func (m *Manager) Close() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func (m *Manager) resolveLevel(pctx *core.ProtectionContext) Level {
	priority, ok := m.extractPriority(pctx)
	if !ok {
		priority = m.cfg.DefaultPriority
	}
	return m.nearestLevel(priority)
}

func (m *Manager) extractPriority(pctx *core.ProtectionContext) (int, bool) {
	if m.cfg.Extractor != nil {
		if p, ok := m.cfg.Extractor(pctx); ok {
			return p, true
		}
	}
	if m.cfg.PriorityHeader != "" {
		if v := pctx.Headers.Get(m.cfg.PriorityHeader); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				return p, true
			}
		}
	}
	if v, ok := pctx.Metadata["priority"]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			return p, true
		}
	}
	return 0, false
}

// nearestLevel coerces an arbitrary numeric priority to the closest
// configured class, per §4.5's "unknown numeric values are coerced to the
// nearest defined class".
func (m *Manager) nearestLevel(priority int) Level {
	best := m.levels[0]
	bestDiff := abs(priority - best.Priority)
	for _, lvl := range m.levels[1:] {
		if d := abs(priority - lvl.Priority); d < bestDiff {
			best, bestDiff = lvl, d
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Admit resolves ctx's priority class and either admits it immediately,
// waits in that class's queue, or rejects it per the shed strategy. On
// success the returned release func must be called exactly once.
func (m *Manager) Admit(ctx context.Context, pctx *core.ProtectionContext) (core.Decision, func()) {
	level := m.resolveLevel(pctx)
	pctx.Priority = level.Priority
	cs := m.classes[level.Name]

	// Queued waiters carry the request's own numeric priority, so PRIORITY
	// shedding and dequeueing can order requests within one class.
	incoming := level
	incoming.Priority = m.cfg.DefaultPriority
	if p, ok := m.extractPriority(pctx); ok {
		incoming.Priority = p
	}

	release := func() { m.release(cs) }

	cs.mu.Lock()
	if cs.current < level.MaxConcurrent {
		cs.current++
		cs.mu.Unlock()
		m.metrics.Gauge("priority_class_active", float64(cs.current), metrics.Labels{"class": level.Name})
		return core.Allow(nil), release
	}

	if len(cs.queue) < level.MaxQueueSize {
		w := m.enqueueLocked(cs, incoming)
		cs.mu.Unlock()
		return m.waitFor(ctx, cs, w, level), release
	}

	// Queue is full: apply the shed strategy.
	evicted, w := m.shedLocked(cs, incoming)
	cs.mu.Unlock()

	if evicted != nil {
		evicted.resultCh <- acquireResult{allowed: false, err: shielderrors.ErrPriorityQueueFull}
	}
	if w == nil {
		m.metrics.Increment("priority_shed_total", 1, metrics.Labels{"class": level.Name, "strategy": string(m.cfg.ShedStrategy)})
		return core.Reject(shielderrors.ErrPriorityQueueFull, 1), func() {}
	}
	return m.waitFor(ctx, cs, w, level), release
}

func (m *Manager) enqueueLocked(cs *classState, level Level) *waiter {
	w := &waiter{priority: level.Priority, enqueuedAt: time.Now(), resultCh: make(chan acquireResult, 1)}
	cs.queue = append(cs.queue, w)
	return w
}

// shedLocked applies cfg.ShedStrategy to cs's full queue, returning the
// waiter to evict (or nil if the incoming request should be rejected
// instead) and the enqueued waiter for the incoming request (nil if
// rejected).
func (m *Manager) shedLocked(cs *classState, incoming Level) (evicted *waiter, admitted *waiter) {
	if len(cs.queue) == 0 {
		return nil, nil
	}
	switch m.cfg.ShedStrategy {
	case ShedLIFO:
		evicted = cs.queue[0]
		cs.queue = cs.queue[1:]
		admitted = m.enqueueLocked(cs, incoming)
		return evicted, admitted

	case ShedPriority:
		idx := 0
		for i, w := range cs.queue {
			if w.priority < cs.queue[idx].priority {
				idx = i
			}
		}
		if incoming.Priority <= cs.queue[idx].priority {
			return nil, nil // new request isn't higher priority than anything queued
		}
		evicted = cs.queue[idx]
		cs.queue = append(cs.queue[:idx], cs.queue[idx+1:]...)
		admitted = m.enqueueLocked(cs, incoming)
		return evicted, admitted

	case ShedRandom:
		idx := rand.Intn(len(cs.queue))
		evicted = cs.queue[idx]
		cs.queue = append(cs.queue[:idx], cs.queue[idx+1:]...)
		admitted = m.enqueueLocked(cs, incoming)
		return evicted, admitted

	case ShedCustom:
		if m.cfg.CustomShed == nil {
			return nil, nil
		}
		snap := make([]QueueSnapshot, len(cs.queue))
		for i, w := range cs.queue {
			snap[i] = QueueSnapshot{Priority: w.priority, EnqueuedAt: w.enqueuedAt}
		}
		idx := m.cfg.CustomShed(snap, incoming)
		if idx < 0 || idx >= len(cs.queue) {
			return nil, nil
		}
		evicted = cs.queue[idx]
		cs.queue = append(cs.queue[:idx], cs.queue[idx+1:]...)
		admitted = m.enqueueLocked(cs, incoming)
		return evicted, admitted

	default: // ShedFIFO: reject the new request, leave the queue untouched.
		return nil, nil
	}
}

func (m *Manager) waitFor(ctx context.Context, cs *classState, w *waiter, level Level) core.Decision {
	timeout := level.Timeout
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
		m.removeWaiter(cs, w)
		return core.Reject(shielderrors.ErrPriorityQueueFull, 1)
	case <-ctx.Done():
		m.removeWaiter(cs, w)
		return core.Reject(shielderrors.ErrPriorityQueueFull, 1)
	}
}

func (m *Manager) removeWaiter(cs *classState, target *waiter) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, w := range cs.queue {
		if w == target {
			cs.queue = append(cs.queue[:i], cs.queue[i+1:]...)
			return
		}
	}
}

// release frees a concurrency slot, handing it directly to the next
// queued waiter (selected per cfg.ShedStrategy's symmetric dequeue rule)
// if one is waiting.
func (m *Manager) release(cs *classState) {
	cs.mu.Lock()
	cs.processed++
	cs.lastProcessedTime = time.Now()

	if len(cs.queue) == 0 {
		cs.current--
		cs.mu.Unlock()
		return
	}

	idx := m.dequeueIndexLocked(cs)
	w := cs.queue[idx]
	cs.queue = append(cs.queue[:idx], cs.queue[idx+1:]...)
	cs.mu.Unlock()

	w.resultCh <- acquireResult{allowed: true}
}

func (m *Manager) dequeueIndexLocked(cs *classState) int {
	switch m.cfg.ShedStrategy {
	case ShedLIFO:
		return len(cs.queue) - 1
	case ShedPriority:
		idx := 0
		for i, w := range cs.queue {
			if w.priority > cs.queue[idx].priority {
				idx = i
			}
		}
		return idx
	case ShedRandom:
		return rand.Intn(len(cs.queue))
	default:
		return 0 // FIFO: head
	}
}

// meanProcessingGap reports the mean time since lastProcessedTime across
// all classes.
func (m *Manager) meanProcessingGap() time.Duration {
	now := time.Now()
	var total time.Duration
	for _, cs := range m.classes {
		cs.mu.Lock()
		total += now.Sub(cs.lastProcessedTime)
		cs.mu.Unlock()
	}
	if len(m.classes) == 0 {
		return 0
	}
	return total / time.Duration(len(m.classes))
}

// FairnessDue reports whether name's class has gone starved long enough
// (relative to fairnessThreshold × the mean gap across classes) to be
// boosted ahead of nominal order on the next cross-class scheduling
// decision, per §4.5. No component in this module calls it; the overload
// controller's combined queue orders waiters without consulting it.
func (m *Manager) FairnessDue(name string) bool {
	cs, ok := m.classes[name]
	if !ok || m.cfg.FairnessThreshold <= 0 {
		return false
	}
	mean := m.meanProcessingGap()
	cs.mu.Lock()
	gap := time.Since(cs.lastProcessedTime)
	cs.mu.Unlock()
	return float64(gap) > m.cfg.FairnessThreshold*float64(mean)
}

// Stats reports current occupancy for observability.
type Stats struct {
	Class     string
	Current   int
	Queued    int
	Processed int64
}

func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.levels))
	for _, lvl := range m.levels {
		cs := m.classes[lvl.Name]
		cs.mu.Lock()
		out = append(out, Stats{Class: lvl.Name, Current: cs.current, Queued: len(cs.queue), Processed: cs.processed})
		cs.mu.Unlock()
	}
	return out
}

// adaptiveLoop runs the closed-loop concurrency controller described in
// §4.5: classes over 90% utilization grow by 1.2x, classes under 30% with
// current > 20 shrink by 0.8x, clamped to [MinConcurrentBound,
// MaxConcurrentBound].
func (m *Manager) adaptiveLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.AdaptiveAdjustmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.adjustOnce()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) adjustOnce() {
	for name, cs := range m.classes {
		cs.mu.Lock()
		util := float64(cs.current) / float64(cs.level.MaxConcurrent)
		next := cs.level.MaxConcurrent
		switch {
		case util > 0.9:
			next = int(float64(next) * 1.2)
		case util < 0.3 && cs.current > 20:
			next = int(float64(next) * 0.8)
		}
		if m.cfg.MaxConcurrentBound > 0 && next > m.cfg.MaxConcurrentBound {
			next = m.cfg.MaxConcurrentBound
		}
		if m.cfg.MinConcurrentBound > 0 && next < m.cfg.MinConcurrentBound {
			next = m.cfg.MinConcurrentBound
		}
		changed := next != cs.level.MaxConcurrent
		cs.level.MaxConcurrent = next
		cs.mu.Unlock()

		if changed {
			m.logger.Info().Str("class", name).Int("max_concurrent", next).Msg("adaptive concurrency adjustment")
			m.metrics.Gauge("priority_class_max_concurrent", float64(next), metrics.Labels{"class": name})
		}
	}
}
