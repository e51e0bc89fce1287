// Package reconcile periodically compares the local ledger against the
// remote panels and converges observed drift back to the ledger's
// intent. Detection runs concurrently under a bounded semaphore;
// repairs go through the lifecycle service so they take the same
// per-subscription locks as event-driven transitions.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/domain/credential"
	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/config"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// Stats summarizes one reconciliation sweep.
type Stats struct {
	Scanned           int
	MissingCredential int
	RemoteAbsent      int
	RemoteLingering   int
	QuotaUnenforced   int
	RepairsFailed     int
	Skipped           int
}

// Reconciler detects and repairs drift between the subscription ledger
// and the remote panels.
type Reconciler struct {
	subRepo    subscription.Repository
	credRepo   credential.Repository
	serverRepo server.Repository
	registry   *vpn.Registry
	lifecycle  *lifecycle.Service
	cfg        config.ReconcileConfig
	adapterCfg config.AdapterConfig
	logger     logger.Interface

	mu    sync.Mutex
	stats Stats
}

func NewReconciler(
	subRepo subscription.Repository,
	credRepo credential.Repository,
	serverRepo server.Repository,
	registry *vpn.Registry,
	lifecycleSvc *lifecycle.Service,
	cfg config.ReconcileConfig,
	adapterCfg config.AdapterConfig,
	log logger.Interface,
) *Reconciler {
	return &Reconciler{
		subRepo:    subRepo,
		credRepo:   credRepo,
		serverRepo: serverRepo,
		registry:   registry,
		lifecycle:  lifecycleSvc,
		cfg:        cfg,
		adapterCfg: adapterCfg,
		logger:     log.Named("reconcile"),
	}
}

// Run executes one full sweep over every subscription whose ledger
// state implies something about the remote panels.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	r.stats = Stats{}
	r.mu.Unlock()

	subs, err := r.subRepo.ListByStatus(ctx, []vo.SubscriptionStatus{
		vo.StatusActive, vo.StatusSuspended, vo.StatusExpired,
	}, sweepBatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	concurrency := int64(r.cfg.Concurrency)
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)
	var wg sync.WaitGroup

	for _, sub := range subs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(sub *subscription.Subscription) {
			defer wg.Done()
			defer sem.Release(1)
			r.checkSubscription(ctx, sub)
		}(sub)
	}
	wg.Wait()

	r.mu.Lock()
	stats := r.stats
	stats.Scanned = len(subs)
	r.mu.Unlock()

	r.logger.Infow("reconciliation sweep finished",
		"scanned", stats.Scanned,
		"missing_credential", stats.MissingCredential,
		"remote_absent", stats.RemoteAbsent,
		"remote_lingering", stats.RemoteLingering,
		"quota_unenforced", stats.QuotaUnenforced,
		"repairs_failed", stats.RepairsFailed,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

func (r *Reconciler) checkSubscription(ctx context.Context, sub *subscription.Subscription) {
	if sub.RepairAttempts() >= r.cfg.MaxRepairAttempts {
		// Already escalated; an operator has to clear the counter.
		r.count(func(s *Stats) { s.Skipped++ })
		return
	}

	switch sub.Status() {
	case vo.StatusActive:
		r.checkActive(ctx, sub)
	case vo.StatusSuspended, vo.StatusExpired:
		r.checkRetired(ctx, sub)
	}
}

// checkActive verifies an active subscription has a live local
// credential and that the remote panel still serves it.
func (r *Reconciler) checkActive(ctx context.Context, sub *subscription.Subscription) {
	if sub.QuotaSignaled() {
		// The quota handler marked the overage but the suspension did
		// not land. Finish it here instead of leaving the subscription
		// serving traffic over its limit.
		r.count(func(s *Stats) { s.QuotaUnenforced++ })
		r.logger.Warnw("drift: quota exceeded but subscription still active",
			"subscription_sid", sub.SID())
		r.repair(ctx, sub, r.lifecycle.HandleQuotaExceeded)
		return
	}

	cred, err := r.credRepo.GetLiveBySubscriptionID(ctx, sub.ID())
	if err != nil {
		r.logger.Errorw("failed to load live credential",
			"subscription_sid", sub.SID(), "error", err)
		return
	}

	if cred == nil {
		r.count(func(s *Stats) { s.MissingCredential++ })
		r.logger.Warnw("drift: active subscription without credential",
			"subscription_sid", sub.SID())
		r.repair(ctx, sub, r.lifecycle.RepairProvision)
		return
	}

	report, err := r.probe(ctx, cred)
	if err != nil {
		// Unreachable panel is not drift; the next sweep retries.
		r.logger.Warnw("presence probe failed",
			"subscription_sid", sub.SID(), "credential_cid", cred.CID(), "error", err)
		return
	}
	if !report.Present {
		r.count(func(s *Stats) { s.RemoteAbsent++ })
		r.logger.Warnw("drift: credential absent on remote panel",
			"subscription_sid", sub.SID(), "credential_cid", cred.CID())
		r.repair(ctx, sub, r.lifecycle.RepairProvision)
	}
}

// checkRetired verifies the latest credential of a suspended or
// expired subscription is really gone from the remote panel.
func (r *Reconciler) checkRetired(ctx context.Context, sub *subscription.Subscription) {
	cred, err := r.credRepo.GetLatestBySubscriptionID(ctx, sub.ID())
	if err != nil {
		r.logger.Errorw("failed to load latest credential",
			"subscription_sid", sub.SID(), "error", err)
		return
	}
	if cred == nil {
		return
	}

	report, err := r.probe(ctx, cred)
	if err != nil {
		r.logger.Warnw("presence probe failed",
			"subscription_sid", sub.SID(), "credential_cid", cred.CID(), "error", err)
		return
	}
	if report.Present {
		r.count(func(s *Stats) { s.RemoteLingering++ })
		r.logger.Warnw("drift: revoked credential still live on remote panel",
			"subscription_sid", sub.SID(), "credential_cid", cred.CID())
		r.repair(ctx, sub, r.lifecycle.RepairRevoke)
	}
}

func (r *Reconciler) repair(ctx context.Context, sub *subscription.Subscription, fn func(context.Context, string) error) {
	if err := fn(ctx, sub.SID()); err != nil {
		r.count(func(s *Stats) { s.RepairsFailed++ })
		r.logger.Errorw("repair failed",
			"subscription_sid", sub.SID(), "error", err)
	}
}

// probe asks the credential's panel whether the client entry still
// exists.
func (r *Reconciler) probe(ctx context.Context, cred *credential.Credential) (vpn.UsageReport, error) {
	adapter, err := r.registry.Get(cred.Protocol())
	if err != nil {
		return vpn.UsageReport{}, err
	}
	srv, err := r.serverRepo.GetByID(ctx, cred.ServerID())
	if err != nil {
		return vpn.UsageReport{}, fmt.Errorf("failed to load server: %w", err)
	}
	target, err := srv.Target(cred.Protocol())
	if err != nil {
		return vpn.UsageReport{}, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if r.adapterCfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.adapterCfg.Timeout)
		defer cancel()
	}
	return adapter.UsageQuery(callCtx, target, cred.ClientID())
}

func (r *Reconciler) count(apply func(*Stats)) {
	r.mu.Lock()
	apply(&r.stats)
	r.mu.Unlock()
}

const sweepBatchSize = 2000
