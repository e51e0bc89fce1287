package credential

import (
	"context"
	"errors"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Repository persists credentials. The live lookup backs both the read
// API and the reconciliation sweep.
type Repository interface {
	Create(ctx context.Context, cred *Credential) error
	Update(ctx context.Context, cred *Credential) error
	GetByID(ctx context.Context, id uint) (*Credential, error)
	GetByCID(ctx context.Context, cid string) (*Credential, error)

	// GetLiveBySubscriptionID returns the live (non-revoked)
	// credential for a subscription, or nil when none exists.
	GetLiveBySubscriptionID(ctx context.Context, subscriptionID uint) (*Credential, error)

	// GetLatestBySubscriptionID returns the most recently issued
	// credential regardless of revocation, or nil when none exists.
	// Reconciliation uses it to chase revokes that failed remotely.
	GetLatestBySubscriptionID(ctx context.Context, subscriptionID uint) (*Credential, error)

	// CountLiveByServer returns the number of live credentials on a
	// server, used to cross-check the server load counter.
	CountLiveByServer(ctx context.Context, serverID uint) (int64, error)
}
