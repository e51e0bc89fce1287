package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/domain/credential"
	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/subscription"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/biztime"
	"github.com/veil-labs/veil/internal/shared/id"
)

type activationKind int

const (
	activationInitial activationKind = iota
	activationRenewal
	activationReinstate
	activationMigration
	activationRepair
)

func (k activationKind) event() string {
	switch k {
	case activationRenewal:
		return EventPaymentSettled
	case activationReinstate:
		return EventAdminReinstate
	case activationMigration:
		return EventProtocolMigration
	case activationRepair:
		return EventReconcileRepair
	default:
		return EventPaymentSettled
	}
}

// provisionAndActivate selects a server, provisions the credential on
// the remote panel, and only then commits the state transition. A
// panel rejection moves on to the next candidate server; exhausted
// retries or capacity leave the subscription in its current state with
// a visible reason and an operator alert.
func (s *Service) provisionAndActivate(ctx context.Context, sub *subscription.Subscription, protocol vpn.Protocol, kind activationKind) error {
	adapter, err := s.registry.Get(protocol)
	if err != nil {
		return err
	}

	exclude := make(map[uint]bool)
	maxAttempts := s.lifecycle.MaxServerAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		srv, err := s.selector.Select(ctx, protocol, exclude)
		if err != nil {
			return s.failProvisioning(ctx, sub, ReasonNoCapacity, ErrNoCapacity,
				alert.SeverityWarning, "no server capacity",
				fmt.Sprintf("subscription %s found no %s server with free capacity", sub.SID(), protocol))
		}

		// The slot is taken before the remote call so two provisions
		// racing for the last slot cannot both land on this server.
		if err := s.serverRepo.AcquireSlot(ctx, srv.ID()); err != nil {
			exclude[srv.ID()] = true
			continue
		}

		result, err := s.provisionOnServer(ctx, adapter, srv, sub, protocol)
		if err != nil {
			if releaseErr := s.serverRepo.ReleaseSlot(ctx, srv.ID()); releaseErr != nil {
				s.logger.Errorw("failed to release server slot after provisioning failure",
					"server_sid", srv.SID(), "error", releaseErr)
			}

			switch {
			case vpn.IsRejected(err):
				s.logger.Warnw("panel rejected provisioning, reselecting server",
					"subscription_sid", sub.SID(),
					"server_sid", srv.SID(),
					"attempt", attempt,
					"error", err,
				)
				exclude[srv.ID()] = true
				continue
			case vpn.IsAuthFailed(err):
				return s.failProvisioning(ctx, sub, ReasonPanelAuthFailed, err,
					alert.SeverityCritical, "panel authentication failed",
					fmt.Sprintf("panel on server %s rejected credentials while provisioning %s: %v", srv.SID(), sub.SID(), err))
			default:
				return s.failProvisioning(ctx, sub, ReasonProvisioningFailed, err,
					alert.SeverityCritical, "provisioning failed",
					fmt.Sprintf("provisioning %s on server %s failed after retries: %v", sub.SID(), srv.SID(), err))
			}
		}

		return s.commitActivation(ctx, sub, protocol, srv, result, kind)
	}

	return s.failProvisioning(ctx, sub, ReasonProvisioningFailed, subscription.ErrProvisioningFailed,
		alert.SeverityCritical, "provisioning failed",
		fmt.Sprintf("subscription %s exhausted %d server candidates for %s", sub.SID(), maxAttempts, protocol))
}

// provisionOnServer calls the adapter with bounded retries on
// transient panel failures. The idempotency key is stable across
// retries, so a timed-out call that actually landed yields the same
// remote entry on the next attempt instead of a duplicate.
func (s *Service) provisionOnServer(
	ctx context.Context,
	adapter vpn.Adapter,
	srv *server.Server,
	sub *subscription.Subscription,
	protocol vpn.Protocol,
) (*vpn.ProvisionResult, error) {
	target, err := srv.Target(protocol)
	if err != nil {
		return nil, vpn.NewRejected(protocol, "provision", err)
	}

	identity := vpn.SubscriberIdentity{
		SubscriptionSID: sub.SID(),
		ClientUUID:      uuid.NewString(),
		Label:           fmt.Sprintf("%s-%d", sub.SID(), sub.UserID()),
		IdempotencyKey:  fmt.Sprintf("%s:%s", sub.SID(), protocol),
	}

	maxRetries := s.adapterCfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	delay := s.adapterCfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if s.adapterCfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.adapterCfg.Timeout)
		}
		result, err := adapter.Provision(callCtx, target, identity)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !vpn.IsUnavailable(err) {
			return nil, err
		}
		s.logger.Warnw("panel unavailable, will retry",
			"subscription_sid", sub.SID(),
			"server_sid", srv.SID(),
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (s *Service) commitActivation(
	ctx context.Context,
	sub *subscription.Subscription,
	protocol vpn.Protocol,
	srv *server.Server,
	result *vpn.ProvisionResult,
	kind activationKind,
) error {
	clientUUID, _ := result.ConfigPayload["uuid"].(string)
	cred, err := credential.New(
		id.MustGenerateWithPrefix(id.PrefixCredential, id.DefaultLength),
		sub.ID(),
		protocol,
		srv.ID(),
		result.ClientID,
		clientUUID,
		result.ConfigPayload,
		result.ConnectionString,
	)
	if err != nil {
		return fmt.Errorf("failed to build credential: %w", err)
	}
	if err := s.credRepo.Create(ctx, cred); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}

	from := sub.Status()
	now := biztime.NowUTC()
	switch kind {
	case activationInitial:
		err = sub.Activate(protocol, srv.ID(), now)
	case activationRenewal:
		err = sub.RenewActivate(protocol, srv.ID(), now)
	case activationReinstate:
		err = sub.Reinstate(protocol, srv.ID(), now)
	case activationMigration, activationRepair:
		err = sub.MigrateProtocol(protocol, srv.ID(), now)
	}
	if err != nil {
		return err
	}
	sub.ResetRepairAttempts()

	if err := s.subRepo.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	s.recordTransition(ctx, sub, from, kind.event(), string(protocol))

	s.logger.Infow("credential provisioned",
		"subscription_sid", sub.SID(),
		"credential_cid", cred.CID(),
		"protocol", protocol,
		"server_sid", srv.SID(),
	)
	return nil
}

// failProvisioning records a presentation-visible reason on the
// subscription and raises an operator alert. The subscription keeps
// its current status; a stuck pending state is distinguishable from
// "still processing" through the reason.
func (s *Service) failProvisioning(
	ctx context.Context,
	sub *subscription.Subscription,
	reason string,
	cause error,
	severity alert.Severity,
	subject, message string,
) error {
	sub.SetStatusReason(reason)
	if err := s.subRepo.Update(ctx, sub); err != nil {
		s.logger.Errorw("failed to record provisioning failure reason",
			"subscription_sid", sub.SID(), "error", err)
	}
	s.alerts.Notify(ctx, severity, subject, message)
	return cause
}

// suspendLocked commits the suspension first, then attempts remote
// revocation. The user-visible intent, access should be gone, is
// recorded immediately even when remote cleanup lags; reconciliation
// chases revokes that failed.
func (s *Service) suspendLocked(ctx context.Context, sub *subscription.Subscription, event, reason string) error {
	from := sub.Status()
	if err := sub.Suspend(reason, biztime.NowUTC()); err != nil {
		return err
	}
	if err := s.subRepo.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to commit suspension: %w", err)
	}
	s.recordTransition(ctx, sub, from, event, reason)

	return s.revokeCredential(ctx, sub, event)
}

// revokeCredential marks the live credential revoked on the ledger,
// releases its server slot, and then attempts the remote revocation.
// A remote failure is logged, not propagated: the ledger has already
// recorded that access is gone, and reconciliation retries cleanup.
func (s *Service) revokeCredential(ctx context.Context, sub *subscription.Subscription, event string) error {
	cred, err := s.credRepo.GetLiveBySubscriptionID(ctx, sub.ID())
	if err != nil {
		return fmt.Errorf("failed to load live credential: %w", err)
	}
	if cred == nil {
		return nil
	}

	cred.MarkRevoked(biztime.NowUTC())
	if err := s.credRepo.Update(ctx, cred); err != nil {
		return fmt.Errorf("failed to mark credential revoked: %w", err)
	}
	if err := s.serverRepo.ReleaseSlot(ctx, cred.ServerID()); err != nil {
		s.logger.Errorw("failed to release server slot on revocation",
			"credential_cid", cred.CID(), "error", err)
	}

	if err := s.revokeRemote(ctx, cred); err != nil {
		s.logger.Warnw("remote revocation failed, reconciliation will retry",
			"subscription_sid", sub.SID(),
			"credential_cid", cred.CID(),
			"event", event,
			"error", err,
		)
	}
	return nil
}

// revokeRemote issues the revoke call against the panel holding the
// credential.
func (s *Service) revokeRemote(ctx context.Context, cred *credential.Credential) error {
	adapter, err := s.registry.Get(cred.Protocol())
	if err != nil {
		return err
	}
	srv, err := s.serverRepo.GetByID(ctx, cred.ServerID())
	if err != nil {
		return fmt.Errorf("failed to load server: %w", err)
	}
	target, err := srv.Target(cred.Protocol())
	if err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if s.adapterCfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.adapterCfg.Timeout)
		defer cancel()
	}
	return adapter.Revoke(callCtx, target, cred.ClientID())
}
