// Package accounting ingests traffic measurements and drives quota
// enforcement. Every measurement lands once in the append-only sample
// ledger and once in the subscription's aggregated counter; crossing
// the quota emits exactly one quota-exceeded event.
package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/domain/credential"
	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/usage"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/biztime"
	"github.com/veil-labs/veil/internal/shared/config"
	"github.com/veil-labs/veil/internal/shared/id"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// Service records usage samples and polls panels for traffic counters.
type Service struct {
	subRepo    subscription.Repository
	credRepo   credential.Repository
	serverRepo server.Repository
	sampleRepo usage.Repository
	registry   *vpn.Registry
	lifecycle  *lifecycle.Service
	locks      lifecycle.KeyedLocker
	adapterCfg config.AdapterConfig
	usageCfg   config.UsageConfig
	logger     logger.Interface
}

func NewService(
	subRepo subscription.Repository,
	credRepo credential.Repository,
	serverRepo server.Repository,
	sampleRepo usage.Repository,
	registry *vpn.Registry,
	lifecycleSvc *lifecycle.Service,
	adapterCfg config.AdapterConfig,
	usageCfg config.UsageConfig,
	log logger.Interface,
) *Service {
	return &Service{
		subRepo:    subRepo,
		credRepo:   credRepo,
		serverRepo: serverRepo,
		sampleRepo: sampleRepo,
		registry:   registry,
		lifecycle:  lifecycleSvc,
		locks:      lifecycleSvc.Locks(),
		adapterCfg: adapterCfg,
		usageCfg:   usageCfg,
		logger:     log.Named("accounting"),
	}
}

// Ingest records one traffic measurement against a subscription. The
// sample lands in the ledger and the aggregated counter moves under
// the subscription's lock; when the counter crosses the quota, the
// quota-exceeded transition fires after the lock is released so the
// lifecycle service can take the same lock.
func (s *Service) Ingest(ctx context.Context, subscriptionSID string, bytes int64, windowStart, windowEnd time.Time) error {
	crossed := false
	err := s.locks.WithLock(subscriptionSID, func() error {
		sub, err := s.subRepo.GetBySID(ctx, subscriptionSID)
		if err != nil {
			return fmt.Errorf("failed to load subscription: %w", err)
		}
		if sub == nil {
			return subscription.ErrSubscriptionNotFound
		}
		if sub.Status() != vo.StatusActive && sub.Status() != vo.StatusSuspended {
			// Measurements can trail a transition; they still count.
			s.logger.Debugw("usage sample for inactive subscription",
				"subscription_sid", subscriptionSID, "status", sub.Status().String())
		}

		cred, err := s.credRepo.GetLatestBySubscriptionID(ctx, sub.ID())
		if err != nil {
			return fmt.Errorf("failed to load credential: %w", err)
		}
		if cred == nil {
			return credential.ErrCredentialNotFound
		}

		sample, err := usage.NewSample(
			id.MustGenerateWithPrefix(id.PrefixSample, id.DefaultLength),
			cred.ID(), sub.ID(), bytes, windowStart, windowEnd, biztime.NowUTC(),
		)
		if err != nil {
			return err
		}
		if err := s.sampleRepo.Append(ctx, sample); err != nil {
			return fmt.Errorf("failed to append usage sample: %w", err)
		}

		crossed, err = sub.AddUsage(bytes)
		if err != nil {
			return err
		}
		if err := s.subRepo.Update(ctx, sub); err != nil {
			return fmt.Errorf("failed to update usage counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if crossed {
		s.logger.Infow("traffic quota crossed", "subscription_sid", subscriptionSID)
		if err := s.lifecycle.HandleQuotaExceeded(ctx, subscriptionSID); err != nil {
			return fmt.Errorf("failed to apply quota suspension: %w", err)
		}
	}
	return nil
}

// PollUsage queries every panel for the traffic counters of active
// subscriptions and ingests what it finds. One failing subscription
// never stops the poll.
func (s *Service) PollUsage(ctx context.Context) (int, error) {
	active, err := s.subRepo.ListByStatus(ctx, []vo.SubscriptionStatus{vo.StatusActive}, pollBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list active subscriptions: %w", err)
	}

	now := biztime.NowUTC()
	windowStart := now.Add(-s.usageCfg.PollInterval)
	polled := 0
	for _, sub := range active {
		if err := ctx.Err(); err != nil {
			return polled, err
		}
		report, err := s.querySubscription(ctx, sub)
		if err != nil {
			s.logger.Warnw("usage query failed",
				"subscription_sid", sub.SID(), "error", err)
			continue
		}
		if !report.Present {
			// Reconciliation owns drift repair; the poll just skips.
			continue
		}
		if err := s.Ingest(ctx, sub.SID(), report.BytesSinceLast, windowStart, now); err != nil {
			s.logger.Errorw("failed to ingest polled usage",
				"subscription_sid", sub.SID(), "error", err)
			continue
		}
		polled++
	}
	return polled, nil
}

func (s *Service) querySubscription(ctx context.Context, sub *subscription.Subscription) (vpn.UsageReport, error) {
	cred, err := s.credRepo.GetLiveBySubscriptionID(ctx, sub.ID())
	if err != nil {
		return vpn.UsageReport{}, fmt.Errorf("failed to load live credential: %w", err)
	}
	if cred == nil {
		return vpn.UsageReport{}, credential.ErrCredentialNotFound
	}

	adapter, err := s.registry.Get(cred.Protocol())
	if err != nil {
		return vpn.UsageReport{}, err
	}
	srv, err := s.serverRepo.GetByID(ctx, cred.ServerID())
	if err != nil {
		return vpn.UsageReport{}, fmt.Errorf("failed to load server: %w", err)
	}
	target, err := srv.Target(cred.Protocol())
	if err != nil {
		return vpn.UsageReport{}, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if s.adapterCfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.adapterCfg.Timeout)
		defer cancel()
	}
	return adapter.UsageQuery(callCtx, target, cred.ClientID())
}

// TrimSamples deletes raw samples older than the retention window. The
// aggregated counters on subscriptions are untouched.
func (s *Service) TrimSamples(ctx context.Context, retention time.Duration) (int64, error) {
	return s.sampleRepo.DeleteOlderThan(ctx, biztime.NowUTC().Add(-retention))
}

const pollBatchSize = 1000
