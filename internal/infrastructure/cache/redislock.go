package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appLogger "github.com/veil-labs/veil/internal/shared/logger"
)

const lockPrefix = "locks:subscription:"

// releaseScript deletes the lock only when the stored token matches, so
// a holder whose lease expired can never release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisKeyMutex serializes work per key across engine instances. Each
// acquisition takes a lease via SETNX with a TTL; the TTL bounds how
// long a crashed holder can block the key.
type RedisKeyMutex struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisKeyMutex creates a RedisKeyMutex with the given lease TTL.
func NewRedisKeyMutex(client *redis.Client, ttl time.Duration) *RedisKeyMutex {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisKeyMutex{
		client: client,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
	}
}

// WithLock runs fn while holding the lease for key, releasing it
// afterwards even when fn fails.
func (m *RedisKeyMutex) WithLock(key string, fn func() error) error {
	token, err := m.acquire(key)
	if err != nil {
		return err
	}
	defer m.release(key, token)
	return fn()
}

func (m *RedisKeyMutex) acquire(key string) (string, error) {
	token := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), m.ttl)
	defer cancel()

	for {
		ok, err := m.client.SetNX(ctx, lockPrefix+key, token, m.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out waiting for lock %q: %w", key, ctx.Err())
		case <-time.After(m.retry):
		}
	}
}

func (m *RedisKeyMutex) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, m.client, []string{lockPrefix + key}, token).Err(); err != nil {
		appLogger.Error("failed to release lock", "key", key, "error", err)
	}
}
