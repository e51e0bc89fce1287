package usage

import (
	"context"
	"time"
)

// Repository is the append-only sample store.
type Repository interface {
	Append(ctx context.Context, sample *Sample) error
	ListBySubscription(ctx context.Context, subscriptionID uint, limit int) ([]*Sample, error)

	// SumBySubscription totals the recorded bytes for a subscription,
	// used to cross-check the aggregated counter.
	SumBySubscription(ctx context.Context, subscriptionID uint) (int64, error)

	// DeleteOlderThan trims raw samples past the retention window.
	// The aggregated counter on the subscription is unaffected.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
