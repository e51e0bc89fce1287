// Package gateway is the single entry point for external events. It
// validates the envelope, deduplicates by event ID, and dispatches to
// the lifecycle service. Duplicate deliveries are acknowledged without
// reprocessing, so upstream at-least-once delivery stays safe.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// Event types accepted on the gateway.
const (
	TypePaymentSettled    = "payment.settled"
	TypePaymentFailed     = "payment.failed"
	TypeAdminSuspend      = "admin.suspend"
	TypeAdminReinstate    = "admin.reinstate"
	TypeProtocolMigration = "admin.migrate_protocol"
)

// Event is the inbound envelope. EventID scopes deduplication;
// deliveries sharing an ID are the same event.
type Event struct {
	EventID         string
	Type            string
	OccurredAt      time.Time
	Intent          *lifecycle.PaymentIntent
	FailureReason   string
	SubscriptionSID string
	TargetProtocol  vpn.Protocol
	SuspendReason   string
}

// ErrInvalidEvent marks an envelope the gateway refuses to dispatch.
// Callers should not redeliver these.
var ErrInvalidEvent = errors.New("invalid event")

// DedupeStore remembers processed event IDs for the dedupe window.
// MarkProcessed returns false when the ID was already recorded.
type DedupeStore interface {
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Gateway validates, deduplicates, and dispatches events.
type Gateway struct {
	lifecycle *lifecycle.Service
	dedupe    DedupeStore
	dedupeTTL time.Duration
	logger    logger.Interface
}

func New(lifecycleSvc *lifecycle.Service, dedupe DedupeStore, dedupeTTL time.Duration, log logger.Interface) *Gateway {
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &Gateway{
		lifecycle: lifecycleSvc,
		dedupe:    dedupe,
		dedupeTTL: dedupeTTL,
		logger:    log.Named("gateway"),
	}
}

// Handle processes one inbound event. A duplicate delivery returns nil
// without side effects. When dispatch fails, the event ID is forgotten
// so a redelivery can retry.
func (g *Gateway) Handle(ctx context.Context, evt Event) error {
	if err := validate(evt); err != nil {
		return err
	}

	fresh, err := g.dedupe.MarkProcessed(ctx, evt.EventID, g.dedupeTTL)
	if err != nil {
		return fmt.Errorf("failed to check event dedupe: %w", err)
	}
	if !fresh {
		g.logger.Debugw("duplicate event delivery ignored",
			"event_id", evt.EventID, "type", evt.Type)
		return nil
	}

	if err := g.dispatch(ctx, evt); err != nil {
		if forgetErr := g.dedupe.Forget(ctx, evt.EventID); forgetErr != nil {
			g.logger.Errorw("failed to clear dedupe entry after dispatch failure",
				"event_id", evt.EventID, "error", forgetErr)
		}
		return err
	}
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, evt Event) error {
	switch evt.Type {
	case TypePaymentSettled:
		_, err := g.lifecycle.HandlePaymentSettled(ctx, *evt.Intent)
		return err
	case TypePaymentFailed:
		return g.lifecycle.HandlePaymentFailed(ctx, evt.Intent.IntentID, evt.FailureReason)
	case TypeAdminSuspend:
		return g.lifecycle.AdminSuspend(ctx, evt.SubscriptionSID, evt.SuspendReason)
	case TypeAdminReinstate:
		return g.lifecycle.AdminReinstate(ctx, evt.SubscriptionSID)
	case TypeProtocolMigration:
		return g.lifecycle.MigrateProtocol(ctx, evt.SubscriptionSID, evt.TargetProtocol)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, evt.Type)
	}
}

func validate(evt Event) error {
	if evt.EventID == "" {
		return fmt.Errorf("%w: event ID is required", ErrInvalidEvent)
	}
	switch evt.Type {
	case TypePaymentSettled:
		if evt.Intent == nil || evt.Intent.IntentID == "" {
			return fmt.Errorf("%w: payment intent is required", ErrInvalidEvent)
		}
		if err := evt.Intent.Plan.Validate(); err != nil {
			return fmt.Errorf("%w: invalid plan snapshot: %v", ErrInvalidEvent, err)
		}
	case TypePaymentFailed:
		if evt.Intent == nil || evt.Intent.IntentID == "" {
			return fmt.Errorf("%w: payment intent is required", ErrInvalidEvent)
		}
	case TypeAdminSuspend, TypeAdminReinstate:
		if evt.SubscriptionSID == "" {
			return fmt.Errorf("%w: subscription sid is required", ErrInvalidEvent)
		}
	case TypeProtocolMigration:
		if evt.SubscriptionSID == "" {
			return fmt.Errorf("%w: subscription sid is required", ErrInvalidEvent)
		}
		if !evt.TargetProtocol.IsValid() {
			return fmt.Errorf("%w: invalid target protocol %q", ErrInvalidEvent, evt.TargetProtocol)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, evt.Type)
	}
	return nil
}
