package keymutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyMutex_SerializesSameKey(t *testing.T) {
	km := New()

	var inCritical int32
	var maxInCritical int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("sub_1")
			defer km.Unlock("sub_1")

			n := atomic.AddInt32(&inCritical, 1)
			if n > atomic.LoadInt32(&maxInCritical) {
				atomic.StoreInt32(&maxInCritical, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inCritical, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInCritical)
}

func TestKeyMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := New()
	km.Lock("sub_a")
	defer km.Unlock("sub_a")

	done := make(chan struct{})
	go func() {
		km.Lock("sub_b")
		km.Unlock("sub_b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyMutex_EntriesAreReclaimed(t *testing.T) {
	km := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, km.WithLock("sub_x", func() error { return nil }))
		}()
	}
	wg.Wait()

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.entries)
}

func TestKeyMutex_UnlockUnheldPanics(t *testing.T) {
	km := New()
	assert.Panics(t, func() { km.Unlock("nope") })
}
