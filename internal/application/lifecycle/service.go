// Package lifecycle owns the subscription state machine. Transitions
// are the single point where credentials are provisioned or revoked:
// a transition commits strictly after the adapter call succeeds for
// provisioning, and strictly before the adapter call is attempted for
// revocation. Per-subscription mutual exclusion serializes concurrent
// events for the same subscription while unrelated subscriptions
// proceed in parallel.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/domain/credential"
	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/biztime"
	"github.com/veil-labs/veil/internal/shared/config"
	"github.com/veil-labs/veil/internal/shared/id"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// KeyedLocker serializes work per key. A single process uses the
// in-memory keymutex; multi-instance deployments plug in the Redis
// lock so the API and the worker exclude each other too.
type KeyedLocker interface {
	WithLock(key string, fn func() error) error
}

// Service drives subscription state transitions and their provisioning
// side effects.
type Service struct {
	subRepo     subscription.Repository
	historyRepo subscription.HistoryRepository
	credRepo    credential.Repository
	serverRepo  server.Repository
	registry    *vpn.Registry
	selector    *Selector
	locks       KeyedLocker
	alerts      alert.Notifier
	lifecycle   config.LifecycleConfig
	adapterCfg  config.AdapterConfig
	reconcile   config.ReconcileConfig
	logger      logger.Interface
}

func NewService(
	subRepo subscription.Repository,
	historyRepo subscription.HistoryRepository,
	credRepo credential.Repository,
	serverRepo server.Repository,
	registry *vpn.Registry,
	selector *Selector,
	locks KeyedLocker,
	alerts alert.Notifier,
	lifecycleCfg config.LifecycleConfig,
	adapterCfg config.AdapterConfig,
	reconcileCfg config.ReconcileConfig,
	log logger.Interface,
) *Service {
	return &Service{
		subRepo:     subRepo,
		historyRepo: historyRepo,
		credRepo:    credRepo,
		serverRepo:  serverRepo,
		registry:    registry,
		selector:    selector,
		locks:       locks,
		alerts:      alerts,
		lifecycle:   lifecycleCfg,
		adapterCfg:  adapterCfg,
		reconcile:   reconcileCfg,
		logger:      log.Named("lifecycle"),
	}
}

// Locks exposes the per-subscription mutex set so reconciliation takes
// the same exclusion instead of racing event-driven transitions.
func (s *Service) Locks() KeyedLocker {
	return s.locks
}

// HandlePaymentSettled applies a settled payment: a first settle
// creates and activates the subscription; a settle for a suspended or
// expired subscription is a renewal. Duplicate settles for an already
// active subscription are no-ops.
func (s *Service) HandlePaymentSettled(ctx context.Context, intent PaymentIntent) (*subscription.Subscription, error) {
	if !intent.Protocol.IsValid() {
		return nil, fmt.Errorf("invalid protocol %q", intent.Protocol)
	}
	if !s.registry.Supports(intent.Protocol) {
		return nil, &vpn.ErrProtocolNotRegistered{Protocol: intent.Protocol}
	}

	// The intent key only makes creation race-free. The transition runs
	// nested under the subscription key, the same key every other
	// mutation path takes, so at most one transition is in flight per
	// subscription. Lock order is always intent then subscription;
	// non-payment paths take the subscription key alone.
	var result *subscription.Subscription
	err := s.locks.WithLock("intent:"+intent.IntentID, func() error {
		sub, err := s.subRepo.GetByIntentID(ctx, intent.IntentID)
		if err != nil {
			return fmt.Errorf("failed to load subscription by intent: %w", err)
		}

		if sub == nil {
			sub, err = s.createPending(ctx, intent)
			if err != nil {
				return err
			}
		}

		return s.locks.WithLock(sub.SID(), func() error {
			sub, err := s.subRepo.GetBySID(ctx, sub.SID())
			if err != nil {
				return fmt.Errorf("failed to reload subscription: %w", err)
			}
			if sub == nil {
				return subscription.ErrSubscriptionNotFound
			}
			result = sub

			switch sub.Status() {
			case vo.StatusPending:
				return s.provisionAndActivate(ctx, sub, intent.Protocol, activationInitial)
			case vo.StatusActive:
				s.logger.Debugw("duplicate payment-settled for active subscription",
					"subscription_sid", sub.SID(),
					"intent_id", intent.IntentID,
				)
				return nil
			case vo.StatusSuspended, vo.StatusExpired:
				return s.provisionAndActivate(ctx, sub, intent.Protocol, activationRenewal)
			default:
				return ErrNotRenewable
			}
		})
	})
	return result, err
}

func (s *Service) createPending(ctx context.Context, intent PaymentIntent) (*subscription.Subscription, error) {
	sid := id.MustGenerateWithPrefix(id.PrefixSubscription, id.DefaultLength)
	sub, err := subscription.NewSubscription(sid, intent.UserID, intent.IntentID, intent.Plan, intent.AutoRenew)
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription: %w", err)
	}
	if err := s.subRepo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	s.logger.Infow("subscription created",
		"subscription_sid", sub.SID(),
		"user_id", intent.UserID,
		"plan_sid", intent.Plan.PlanSID,
		"intent_id", intent.IntentID,
	)
	return sub, nil
}

// HandlePaymentFailed archives a pending subscription whose payment
// fell through. A failure arriving after the subscription already
// activated is not a valid transition and is ignored; the last valid
// event wins.
func (s *Service) HandlePaymentFailed(ctx context.Context, intentID, reason string) error {
	return s.locks.WithLock("intent:"+intentID, func() error {
		sub, err := s.subRepo.GetByIntentID(ctx, intentID)
		if err != nil {
			return fmt.Errorf("failed to load subscription by intent: %w", err)
		}
		if sub == nil {
			return nil
		}

		return s.locks.WithLock(sub.SID(), func() error {
			sub, err := s.subRepo.GetBySID(ctx, sub.SID())
			if err != nil {
				return fmt.Errorf("failed to reload subscription: %w", err)
			}
			if sub == nil {
				return nil
			}
			if sub.Status() != vo.StatusPending {
				s.logger.Debugw("payment-failed ignored for non-pending subscription",
					"subscription_sid", sub.SID(),
					"status", sub.Status().String(),
				)
				return nil
			}

			from := sub.Status()
			if err := sub.Archive(biztime.NowUTC()); err != nil {
				return err
			}
			sub.SetStatusReason(ReasonPaymentFailed)
			if err := s.subRepo.Update(ctx, sub); err != nil {
				return fmt.Errorf("failed to archive subscription: %w", err)
			}
			s.recordTransition(ctx, sub, from, EventPaymentFailed, reason)
			return nil
		})
	})
}

// HandleQuotaExceeded suspends an active subscription that crossed its
// traffic quota.
func (s *Service) HandleQuotaExceeded(ctx context.Context, subscriptionSID string) error {
	return s.withSubscription(ctx, subscriptionSID, func(sub *subscription.Subscription) error {
		if sub.Status() != vo.StatusActive {
			return nil
		}
		return s.suspendLocked(ctx, sub, EventQuotaExceeded, ReasonQuotaExceeded)
	})
}

// AdminSuspend suspends an active subscription on operator request.
func (s *Service) AdminSuspend(ctx context.Context, subscriptionSID, reason string) error {
	return s.withSubscription(ctx, subscriptionSID, func(sub *subscription.Subscription) error {
		if sub.Status() != vo.StatusActive {
			return subscription.ErrInvalidTransition(sub.Status().String(), vo.StatusSuspended.String())
		}
		if reason == "" {
			reason = "suspended by operator"
		}
		return s.suspendLocked(ctx, sub, EventAdminSuspend, reason)
	})
}

// AdminReinstate reactivates a suspended subscription without touching
// its billing period.
func (s *Service) AdminReinstate(ctx context.Context, subscriptionSID string) error {
	return s.withSubscription(ctx, subscriptionSID, func(sub *subscription.Subscription) error {
		if sub.Status() != vo.StatusSuspended {
			return subscription.ErrInvalidTransition(sub.Status().String(), vo.StatusActive.String())
		}
		proto := *sub.ActiveProtocol()
		return s.provisionAndActivate(ctx, sub, proto, activationReinstate)
	})
}

// MigrateProtocol switches a subscription to a new protocol: the old
// credential is revoked, then a new one is provisioned on a server
// supporting the new protocol. Only valid from active or suspended.
func (s *Service) MigrateProtocol(ctx context.Context, subscriptionSID string, newProtocol vpn.Protocol) error {
	if !newProtocol.IsValid() {
		return fmt.Errorf("invalid protocol %q", newProtocol)
	}
	if !s.registry.Supports(newProtocol) {
		return &vpn.ErrProtocolNotRegistered{Protocol: newProtocol}
	}

	return s.withSubscription(ctx, subscriptionSID, func(sub *subscription.Subscription) error {
		if !sub.Status().RequiresCredential() {
			return fmt.Errorf("%w: status %s", subscription.ErrMigrationNotAllowed, sub.Status())
		}
		if sub.ActiveProtocol() != nil && *sub.ActiveProtocol() == newProtocol {
			return nil
		}

		// Old access goes first; its removal must not depend on the
		// new protocol provisioning cleanly.
		if err := s.revokeCredential(ctx, sub, EventProtocolMigration); err != nil {
			return err
		}

		if sub.Status() == vo.StatusSuspended {
			// No live credential while suspended; just repoint the
			// assignment so reinstatement provisions the new protocol.
			if err := sub.MigrateProtocol(newProtocol, *sub.ServerID(), biztime.NowUTC()); err != nil {
				return err
			}
			if err := s.subRepo.Update(ctx, sub); err != nil {
				return fmt.Errorf("failed to update subscription: %w", err)
			}
			s.recordTransition(ctx, sub, sub.Status(), EventProtocolMigration, string(newProtocol))
			return nil
		}

		return s.provisionAndActivate(ctx, sub, newProtocol, activationMigration)
	})
}

// GetBySID loads a subscription for the read API.
func (s *Service) GetBySID(ctx context.Context, subscriptionSID string) (*subscription.Subscription, error) {
	sub, err := s.subRepo.GetBySID(ctx, subscriptionSID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return sub, nil
}

// GetConnectionConfig returns the live credential for a subscription,
// the protocol-specific payload plus ready-to-use connection string.
func (s *Service) GetConnectionConfig(ctx context.Context, subscriptionSID string) (*credential.Credential, error) {
	sub, err := s.GetBySID(ctx, subscriptionSID)
	if err != nil {
		return nil, err
	}
	cred, err := s.credRepo.GetLiveBySubscriptionID(ctx, sub.ID())
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, credential.ErrCredentialNotFound
	}
	return cred, nil
}

// ListTransitions returns the most recent transition records for a
// subscription, newest first.
func (s *Service) ListTransitions(ctx context.Context, subscriptionSID string, limit int) ([]*subscription.TransitionRecord, error) {
	sub, err := s.GetBySID(ctx, subscriptionSID)
	if err != nil {
		return nil, err
	}
	return s.historyRepo.ListBySubscription(ctx, sub.ID(), limit)
}

// withSubscription runs fn under the subscription's exclusive section,
// reloading the aggregate after the lock is held so fn always sees the
// latest committed state.
func (s *Service) withSubscription(ctx context.Context, subscriptionSID string, fn func(*subscription.Subscription) error) error {
	return s.locks.WithLock(subscriptionSID, func() error {
		sub, err := s.subRepo.GetBySID(ctx, subscriptionSID)
		if err != nil {
			return fmt.Errorf("failed to load subscription: %w", err)
		}
		if sub == nil {
			return subscription.ErrSubscriptionNotFound
		}
		return fn(sub)
	})
}

func (s *Service) recordTransition(ctx context.Context, sub *subscription.Subscription, from vo.SubscriptionStatus, event, reason string) {
	rec := &subscription.TransitionRecord{
		SubscriptionID: sub.ID(),
		FromStatus:     from,
		ToStatus:       sub.Status(),
		Event:          event,
		Reason:         reason,
		CreatedAt:      biztime.NowUTC(),
	}
	if err := s.historyRepo.Append(ctx, rec); err != nil {
		// The audit trail must never block a committed transition.
		s.logger.Errorw("failed to append transition record",
			"subscription_sid", sub.SID(),
			"event", event,
			"error", err,
		)
	}
}
