package subscription

import (
	"context"
	"time"

	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
)

// Repository persists the subscription ledger. Archived subscriptions
// are soft-deleted: they stay readable but never come back from the
// status scans reconciliation depends on.
type Repository interface {
	Create(ctx context.Context, sub *Subscription) error
	Update(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id uint) (*Subscription, error)
	GetBySID(ctx context.Context, sid string) (*Subscription, error)

	// GetByIntentID returns the non-archived subscription bound to a
	// payment intent, or nil when none exists.
	GetByIntentID(ctx context.Context, intentID string) (*Subscription, error)

	// ListByStatus range-scans the ledger by status for the
	// reconciliation and maintenance sweeps.
	ListByStatus(ctx context.Context, statuses []vo.SubscriptionStatus, limit int) ([]*Subscription, error)

	// ListExpiryDue returns active subscriptions whose expiry has
	// passed as of now.
	ListExpiryDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)

	// ListGraceElapsed returns suspended/expired subscriptions whose
	// status last changed before cutoff.
	ListGraceElapsed(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)

	// ListPendingCreatedBefore returns pending subscriptions created
	// before cutoff (payment timeout and stuck-pending sweeps).
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)
}

// TransitionRecord is the append-only audit entry written for every
// committed state change.
type TransitionRecord struct {
	ID             uint
	SubscriptionID uint
	FromStatus     vo.SubscriptionStatus
	ToStatus       vo.SubscriptionStatus
	Event          string
	Reason         string
	CreatedAt      time.Time
}

// HistoryRepository persists transition records.
type HistoryRepository interface {
	Append(ctx context.Context, rec *TransitionRecord) error
	ListBySubscription(ctx context.Context, subscriptionID uint, limit int) ([]*TransitionRecord, error)
}
