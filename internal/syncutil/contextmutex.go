// Package syncutil holds the lock primitives shared by the ledger service
// and the client sync engine. Both support bailing out on context
// cancellation while waiting.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ContextMutex is a single mutex whose Lock honors context cancellation.
// The zero value is ready to use.
type ContextMutex struct {
	once sync.Once
	ch   chan struct{}
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{}
	})
}

// LockContext acquires the mutex or returns the context error. On success
// the caller must call the returned unlock function exactly once.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	m.init()
	select {
	case <-m.ch:
		var once sync.Once
		return func() { once.Do(func() { m.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free right now.
func (m *ContextMutex) TryLock() (func(), bool) {
	m.init()
	select {
	case <-m.ch:
		var once sync.Once
		return func() { once.Do(func() { m.ch <- struct{}{} }) }, true
	default:
		return nil, false
	}
}

// ContextShardedMutex is a fixed pool of ContextMutex keyed by string.
// Memory stays bounded no matter how many keys are seen; two keys may
// share a shard.
type ContextShardedMutex struct {
	shards [shardCount]ContextMutex
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	return &ContextShardedMutex{}
}

// LockContext acquires the shard for key, respecting context cancellation.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	return m.shards[shardIdx(key)].LockContext(ctx)
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
