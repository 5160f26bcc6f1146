package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextMutex_ZeroValueUsable(t *testing.T) {
	var m ContextMutex
	unlock, err := m.LockContext(context.Background())
	require.NoError(t, err)
	unlock()

	unlock, err = m.LockContext(context.Background())
	require.NoError(t, err)
	unlock()
}

func TestContextMutex_UnlockIsIdempotent(t *testing.T) {
	var m ContextMutex
	unlock, err := m.LockContext(context.Background())
	require.NoError(t, err)
	unlock()
	unlock()

	// A double unlock must not leave two tokens in the channel.
	first, ok := m.TryLock()
	require.True(t, ok)
	_, ok = m.TryLock()
	assert.False(t, ok)
	first()
}

func TestContextMutex_CancelWhileWaiting(t *testing.T) {
	var m ContextMutex
	unlock, err := m.LockContext(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got, err := m.LockContext(ctx)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContextShardedMutex_MutualExclusion(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "mia")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestContextShardedMutex_IndependentKeys(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	a, b := "mia", "leo"
	require.NotEqual(t, shardIdx(a), shardIdx(b), "test keys must hash to different shards")

	unlockA, err := m.LockContext(ctx, a)
	require.NoError(t, err)
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := m.LockContext(ctx2, b)
	require.NoError(t, err)
	unlockB()
}

func TestContextShardedMutex_ContextCancelled(t *testing.T) {
	m := NewContextShardedMutex()
	unlock, err := m.LockContext(context.Background(), "blocked")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.LockContext(ctx, "blocked")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("LockContext did not return after cancel")
	}
	unlock()
}
