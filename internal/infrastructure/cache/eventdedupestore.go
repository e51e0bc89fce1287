package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const eventDedupePrefix = "events:processed:"

// EventDedupeStore provides Redis-based event deduplication for the
// gateway. SETNX makes the claim atomic across engine instances; the
// TTL bounds memory for the dedupe window.
type EventDedupeStore struct {
	client *redis.Client
}

// NewEventDedupeStore creates a new EventDedupeStore instance
func NewEventDedupeStore(client *redis.Client) *EventDedupeStore {
	return &EventDedupeStore{client: client}
}

// MarkProcessed claims an event ID. It returns true when this call was
// the first to claim it within the TTL window.
func (s *EventDedupeStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	key := eventDedupePrefix + eventID
	claimed, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event id: %w", err)
	}
	return claimed, nil
}

// Forget releases a claimed event ID so a redelivery can retry after a
// dispatch failure.
func (s *EventDedupeStore) Forget(ctx context.Context, eventID string) error {
	key := eventDedupePrefix + eventID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release event id: %w", err)
	}
	return nil
}
