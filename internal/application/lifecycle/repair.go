package lifecycle

import (
	"context"
	"fmt"

	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/shared/biztime"
)

// Repair entry points used by reconciliation. They take the same
// per-subscription lock as event-driven transitions and re-check the
// drift under it, so a repair racing a legitimate transition converges
// on whichever committed first.

// RepairProvision re-issues the credential of an active subscription
// whose credential is missing from the local ledger or absent on the
// remote panel. Any lingering local ledger entry is retired before the
// fresh provision.
func (s *Service) RepairProvision(ctx context.Context, subscriptionSID string) error {
	return s.withSubscription(ctx, subscriptionSID, func(sub *subscription.Subscription) error {
		if sub.Status() != vo.StatusActive {
			return nil
		}
		protocol := sub.ActiveProtocol()
		if protocol == nil {
			return fmt.Errorf("active subscription %s has no protocol assignment", sub.SID())
		}

		cred, err := s.credRepo.GetLiveBySubscriptionID(ctx, sub.ID())
		if err != nil {
			return fmt.Errorf("failed to load live credential: %w", err)
		}
		if cred != nil {
			cred.MarkRevoked(biztime.NowUTC())
			if err := s.credRepo.Update(ctx, cred); err != nil {
				return fmt.Errorf("failed to retire stale credential: %w", err)
			}
			if err := s.serverRepo.ReleaseSlot(ctx, cred.ServerID()); err != nil {
				s.logger.Errorw("failed to release server slot during repair",
					"credential_cid", cred.CID(), "error", err)
			}
		}

		if err := s.provisionAndActivate(ctx, sub, *protocol, activationRepair); err != nil {
			return s.noteRepairFailure(ctx, sub, err)
		}
		s.logger.Infow("repaired missing credential", "subscription_sid", sub.SID())
		return nil
	})
}

// RepairRevoke chases a remote client that should no longer exist: the
// subscription is suspended, expired, or archived but the panel still
// serves its credential.
func (s *Service) RepairRevoke(ctx context.Context, subscriptionSID string) error {
	return s.withSubscription(ctx, subscriptionSID, func(sub *subscription.Subscription) error {
		if sub.Status() == vo.StatusActive || sub.Status() == vo.StatusPending {
			return nil
		}

		cred, err := s.credRepo.GetLatestBySubscriptionID(ctx, sub.ID())
		if err != nil {
			return fmt.Errorf("failed to load latest credential: %w", err)
		}
		if cred == nil {
			return nil
		}
		if cred.IsLive() {
			cred.MarkRevoked(biztime.NowUTC())
			if err := s.credRepo.Update(ctx, cred); err != nil {
				return fmt.Errorf("failed to mark credential revoked: %w", err)
			}
			if err := s.serverRepo.ReleaseSlot(ctx, cred.ServerID()); err != nil {
				s.logger.Errorw("failed to release server slot during repair",
					"credential_cid", cred.CID(), "error", err)
			}
		}

		if err := s.revokeRemote(ctx, cred); err != nil {
			return s.noteRepairFailure(ctx, sub, err)
		}

		if sub.RepairAttempts() > 0 {
			sub.ResetRepairAttempts()
			if err := s.subRepo.Update(ctx, sub); err != nil {
				s.logger.Errorw("failed to reset repair attempts",
					"subscription_sid", sub.SID(), "error", err)
			}
		}
		s.logger.Infow("repaired lingering remote credential",
			"subscription_sid", sub.SID(), "credential_cid", cred.CID())
		return nil
	})
}

// noteRepairFailure counts a failed repair attempt and escalates to a
// critical alert the moment the bound is reached. Past the bound the
// reconciler stops retrying until an operator intervenes.
func (s *Service) noteRepairFailure(ctx context.Context, sub *subscription.Subscription, cause error) error {
	attempts := sub.IncrementRepairAttempts()
	if err := s.subRepo.Update(ctx, sub); err != nil {
		s.logger.Errorw("failed to record repair attempt",
			"subscription_sid", sub.SID(), "error", err)
	}
	if attempts == s.reconcile.MaxRepairAttempts {
		s.alerts.Notify(ctx, alert.SeverityCritical, "reconciliation repair exhausted",
			fmt.Sprintf("subscription %s failed %d repair attempts, manual intervention required: %v",
				sub.SID(), attempts, cause))
	}
	return cause
}
