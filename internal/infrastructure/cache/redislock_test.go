package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLock(t *testing.T) (*RedisKeyMutex, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewRedisKeyMutex(c, time.Minute), srv
}

func TestWithLock_SerializesSameKey(t *testing.T) {
	lock, _ := testLock(t)

	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.WithLock("sub_1", func() error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	lock, srv := testLock(t)

	wantErr := fmt.Errorf("transition failed")
	err := lock.WithLock("sub_1", func() error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	// The key is free again, so the next holder acquires immediately.
	assert.False(t, srv.Exists("locks:subscription:sub_1"))
	require.NoError(t, lock.WithLock("sub_1", func() error { return nil }))
}

func TestWithLock_ExpiredLeaseIsNotReleasedBySuccessor(t *testing.T) {
	lock, srv := testLock(t)

	// A crashed holder's lease expires; the successor takes over.
	require.NoError(t, srv.Set("locks:subscription:sub_1", "stale-token"))
	srv.SetTTL("locks:subscription:sub_1", time.Minute)
	srv.FastForward(2 * time.Minute)

	var ran bool
	require.NoError(t, lock.WithLock("sub_1", func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.False(t, srv.Exists("locks:subscription:sub_1"))
}
