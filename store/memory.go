package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reqshield/reqshield/internal/shard"
)

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Memory is a single-process, sharded in-memory Store. It is the
// zero-dependency backend for tests and for single-instance deployments
// that don't need cross-process membership.
type Memory struct {
	locks  shard.Locks
	shards [shard.Count]map[string]*entry

	subMu sync.Mutex
	subs  map[string][]chan string

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewMemory creates a Memory store and starts its background janitor,
// which sweeps expired keys once per second so TTL'd entries don't linger
// past their deadline even absent a read.
func NewMemory() *Memory {
	m := &Memory{
		subs:        make(map[string][]chan string),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = make(map[string]*entry)
	}
	go m.janitor()
	return m
}

// Close stops the background janitor goroutine.
func (m *Memory) Close() {
	close(m.janitorStop)
	<-m.janitorDone
}

func (m *Memory) janitor() {
	defer close(m.janitorDone)
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-m.janitorStop:
			return
		case now := <-t.C:
			m.sweep(now)
		}
	}
}

func (m *Memory) sweep(now time.Time) {
	for i := range m.shards {
		mu := &m.locks[i]
		mu.Lock()
		for k, e := range m.shards[i] {
			if e.expired(now) {
				delete(m.shards[i], k)
			}
		}
		mu.Unlock()
	}
}

func (m *Memory) shardFor(key string) (map[string]*entry, *sync.Mutex) {
	idx := shard.Index(key)
	return m.shards[idx], &m.locks[idx]
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s, mu := m.shardFor(key)
	mu.Lock()
	defer mu.Unlock()
	e, ok := s[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s, mu := m.shardFor(key)
	v := make([]byte, len(value))
	copy(v, value)
	e := &entry{value: v}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	mu.Lock()
	s[key] = e
	mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	s, mu := m.shardFor(key)
	mu.Lock()
	delete(s, key)
	mu.Unlock()
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *Memory) Increment(_ context.Context, key string, by int64) (int64, error) {
	s, mu := m.shardFor(key)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	e, ok := s[key]
	var cur int64
	if ok && !e.expired(now) {
		cur, _ = strconv.ParseInt(string(e.value), 10, 64)
	}
	cur += by
	newVal := []byte(strconv.FormatInt(cur, 10))
	if ok && !e.expired(now) {
		e.value = newVal
	} else {
		s[key] = &entry{value: newVal}
	}
	return cur, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	s, mu := m.shardFor(key)
	mu.Lock()
	defer mu.Unlock()
	e, ok := s[key]
	if !ok {
		return nil
	}
	if ttl <= 0 {
		e.expires = time.Time{}
		return nil
	}
	e.expires = time.Now().Add(ttl)
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	s, mu := m.shardFor(key)
	mu.Lock()
	defer mu.Unlock()
	e, ok := s[key]
	if !ok || e.expired(time.Now()) {
		return MissingTTL, nil
	}
	if e.expires.IsZero() {
		return -1, nil // persists forever, no TTL set
	}
	remaining := time.Until(e.expires)
	if remaining < 0 {
		return MissingTTL, nil
	}
	return remaining, nil
}

func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()
	var out []string
	for i := range m.shards {
		mu := &m.locks[i]
		mu.Lock()
		for k, e := range m.shards[i] {
			if e.expired(now) {
				continue
			}
			if globMatch(pattern, k) {
				out = append(out, k)
			}
		}
		mu.Unlock()
	}
	return out, nil
}

func (m *Memory) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok, _ := m.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	for k, v := range values {
		if err := m.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Lock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockKey := "lock:" + key
	s, mu := m.shardFor(lockKey)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	if e, ok := s[lockKey]; ok && !e.expired(now) {
		return nil, false, nil
	}
	s[lockKey] = &entry{value: []byte("1"), expires: now.Add(ttl)}
	release := func() {
		mu2 := mu
		mu2.Lock()
		delete(s, lockKey)
		mu2.Unlock()
	}
	return release, true, nil
}

// Subscribe implements a process-local fan-out so DistributedSync and its
// tests work against Memory without a real broker. Multi-process pub/sub
// requires Redis (see redis.go).
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 32)
	m.subMu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// globMatch implements '*' glob matching per §6 ("Pattern-scan semantics
// mirror glob: '*' matches any").
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
