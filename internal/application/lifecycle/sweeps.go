package lifecycle

import (
	"context"
	"fmt"

	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/shared/biztime"
)

// The sweeps below are scheduled batch jobs. Each returns the number
// of subscriptions acted on; failures on one subscription never stop
// the batch.

// ExpireDue moves active subscriptions past their expiry to expired
// and revokes their credentials.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.subRepo.ListExpiryDue(ctx, biztime.NowUTC(), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expiry-due subscriptions: %w", err)
	}

	processed := 0
	for _, stale := range due {
		sid := stale.SID()
		err := s.withSubscription(ctx, sid, func(sub *subscription.Subscription) error {
			if !sub.IsExpiryDue(biztime.NowUTC()) {
				return nil
			}
			from := sub.Status()
			if err := sub.MarkExpired(biztime.NowUTC()); err != nil {
				return err
			}
			sub.SetStatusReason(ReasonExpired)
			if err := s.subRepo.Update(ctx, sub); err != nil {
				return fmt.Errorf("failed to commit expiry: %w", err)
			}
			s.recordTransition(ctx, sub, from, EventExpiry, "")
			processed++
			return s.revokeCredential(ctx, sub, EventExpiry)
		})
		if err != nil {
			s.logger.Errorw("failed to expire subscription", "subscription_sid", sid, "error", err)
		}
	}
	return processed, nil
}

// ArchiveGraceElapsed archives suspended and expired subscriptions
// whose grace period has run out. The credential is already revoked by
// the transition that got them here.
func (s *Service) ArchiveGraceElapsed(ctx context.Context) (int, error) {
	cutoff := biztime.NowUTC().Add(-s.lifecycle.GracePeriod)
	elapsed, err := s.subRepo.ListGraceElapsed(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list grace-elapsed subscriptions: %w", err)
	}

	processed := 0
	for _, stale := range elapsed {
		sid := stale.SID()
		err := s.withSubscription(ctx, sid, func(sub *subscription.Subscription) error {
			if !sub.IsGraceElapsed(s.lifecycle.GracePeriod, biztime.NowUTC()) {
				return nil
			}
			from := sub.Status()
			if err := sub.Archive(biztime.NowUTC()); err != nil {
				return err
			}
			if err := s.subRepo.Update(ctx, sub); err != nil {
				return fmt.Errorf("failed to commit archive: %w", err)
			}
			s.recordTransition(ctx, sub, from, EventGraceElapsed, "")
			processed++
			return nil
		})
		if err != nil {
			s.logger.Errorw("failed to archive subscription", "subscription_sid", sid, "error", err)
		}
	}
	return processed, nil
}

// ArchiveStalePending archives pending subscriptions whose payment
// never settled within the pending timeout.
func (s *Service) ArchiveStalePending(ctx context.Context) (int, error) {
	cutoff := biztime.NowUTC().Add(-s.lifecycle.PendingTimeout)
	stalePending, err := s.subRepo.ListPendingCreatedBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending subscriptions: %w", err)
	}

	processed := 0
	for _, stale := range stalePending {
		sid := stale.SID()
		err := s.withSubscription(ctx, sid, func(sub *subscription.Subscription) error {
			if sub.Status() != vo.StatusPending {
				return nil
			}
			from := sub.Status()
			if err := sub.Archive(biztime.NowUTC()); err != nil {
				return err
			}
			if err := s.subRepo.Update(ctx, sub); err != nil {
				return fmt.Errorf("failed to commit archive: %w", err)
			}
			s.recordTransition(ctx, sub, from, EventPendingTimeout, "")
			processed++
			return nil
		})
		if err != nil {
			s.logger.Errorw("failed to archive stale pending subscription", "subscription_sid", sid, "error", err)
		}
	}
	return processed, nil
}

// FlagStuckPending marks pending subscriptions that have waited past
// the stuck threshold so presentation layers can tell them apart from
// "still processing". Each newly flagged subscription raises an alert.
func (s *Service) FlagStuckPending(ctx context.Context) (int, error) {
	cutoff := biztime.NowUTC().Add(-s.lifecycle.PendingStuckAfter)
	stuck, err := s.subRepo.ListPendingCreatedBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending subscriptions: %w", err)
	}

	flagged := 0
	for _, stale := range stuck {
		sid := stale.SID()
		err := s.withSubscription(ctx, sid, func(sub *subscription.Subscription) error {
			if sub.Status() != vo.StatusPending {
				return nil
			}
			if r := sub.StatusReason(); r != nil && *r != "" {
				// Already carries a distinguishable reason.
				return nil
			}
			sub.SetStatusReason(ReasonProvisioningStuck)
			if err := s.subRepo.Update(ctx, sub); err != nil {
				return fmt.Errorf("failed to flag stuck subscription: %w", err)
			}
			s.alerts.Notify(ctx, alert.SeverityWarning, "subscription stuck pending",
				fmt.Sprintf("subscription %s has been pending since %s", sub.SID(), sub.CreatedAt().Format("2006-01-02 15:04:05")))
			flagged++
			return nil
		})
		if err != nil {
			s.logger.Errorw("failed to flag stuck pending subscription", "subscription_sid", sid, "error", err)
		}
	}
	return flagged, nil
}

const sweepBatchSize = 500
