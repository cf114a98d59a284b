// Package shard provides a 16-way key-sharded locking scheme, so a single
// mutex never serializes every caller's traffic. store.Memory is its only
// user; the rate limiter's LRU cache and the throttle cache each sit
// behind one mutex of their own.
package shard

import (
	"hash/fnv"
	"sync"
)

const Count = 16

// Locks is a fixed set of mutexes indexed by key hash.
type Locks [Count]sync.Mutex

// For returns the mutex owning key. Callers must Lock/Unlock it themselves;
// For does not hold the lock so the caller can choose RLock-style patterns
// where the underlying map also needs partitioning.
func (l *Locks) For(key string) *sync.Mutex {
	return &l[Index(key)]
}

// Index hashes key into [0, Count).
func Index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % Count
}
