package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veil-labs/veil/internal/shared/config"
	appLogger "github.com/veil-labs/veil/internal/shared/logger"
)

var (
	client   *redis.Client
	clientMu sync.RWMutex
)

// Init establishes the Redis connection shared by the cache stores.
func Init(cfg *config.RedisConfig) error {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.GetAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	clientMu.Lock()
	client = c
	clientMu.Unlock()

	appLogger.Info("redis connection established", "addr", cfg.GetAddr())
	return nil
}

// Get returns the Redis client
func Get() *redis.Client {
	clientMu.RLock()
	defer clientMu.RUnlock()
	return client
}

// Close closes the Redis connection
func Close() error {
	clientMu.RLock()
	c := client
	clientMu.RUnlock()

	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}

	appLogger.Info("redis connection closed")
	return nil
}
