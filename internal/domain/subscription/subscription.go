// Package subscription holds the subscription aggregate: one paid
// grant of VPN access for one user. All mutations go through the
// lifecycle service; the aggregate enforces the transition table and
// the credential-assignment invariants.
package subscription

import (
	"fmt"
	"time"

	"github.com/veil-labs/veil/internal/domain/vpn"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
)

// Subscription represents the subscription aggregate root.
type Subscription struct {
	id              uint
	sid             string
	userID          uint
	intentID        string
	plan            vo.PlanSnapshot
	status          vo.SubscriptionStatus
	activeProtocol  *vpn.Protocol
	serverID        *uint
	startedAt       *time.Time
	expiresAt       *time.Time
	trafficUsed     int64
	trafficLimit    *int64
	quotaSignaled   bool
	autoRenew       bool
	statusReason    *string
	repairAttempts  int
	statusChangedAt time.Time
	archivedAt      *time.Time
	version         int
	createdAt       time.Time
	updatedAt       time.Time
}

// NewSubscription creates a pending subscription for a settled payment
// intent. intentID identifies the plan purchase; exactly one
// non-archived subscription may exist per intent.
func NewSubscription(sid string, userID uint, intentID string, plan vo.PlanSnapshot, autoRenew bool) (*Subscription, error) {
	if sid == "" {
		return nil, fmt.Errorf("subscription sid is required")
	}
	if userID == 0 {
		return nil, fmt.Errorf("user ID is required")
	}
	if intentID == "" {
		return nil, fmt.Errorf("payment intent ID is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan snapshot: %w", err)
	}

	now := time.Now().UTC()
	return &Subscription{
		sid:             sid,
		userID:          userID,
		intentID:        intentID,
		plan:            plan,
		status:          vo.StatusPending,
		trafficLimit:    plan.TrafficLimitBytes,
		autoRenew:       autoRenew,
		statusChangedAt: now,
		version:         1,
		createdAt:       now,
		updatedAt:       now,
	}, nil
}

// ReconstructParams carries persisted state back into the aggregate.
type ReconstructParams struct {
	ID              uint
	SID             string
	UserID          uint
	IntentID        string
	Plan            vo.PlanSnapshot
	Status          vo.SubscriptionStatus
	ActiveProtocol  *vpn.Protocol
	ServerID        *uint
	StartedAt       *time.Time
	ExpiresAt       *time.Time
	TrafficUsed     int64
	TrafficLimit    *int64
	QuotaSignaled   bool
	AutoRenew       bool
	StatusReason    *string
	RepairAttempts  int
	StatusChangedAt time.Time
	ArchivedAt      *time.Time
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Reconstruct rebuilds a subscription from persistence.
func Reconstruct(p ReconstructParams) (*Subscription, error) {
	if p.ID == 0 {
		return nil, fmt.Errorf("subscription ID cannot be zero")
	}
	if !vo.ValidStatuses[p.Status] {
		return nil, fmt.Errorf("invalid subscription status: %s", p.Status)
	}
	if p.Status.RequiresCredential() && (p.ActiveProtocol == nil || p.ServerID == nil) {
		return nil, fmt.Errorf("status %s requires protocol and server assignment", p.Status)
	}
	if !p.Status.RequiresCredential() && (p.ActiveProtocol != nil || p.ServerID != nil) {
		return nil, fmt.Errorf("status %s must not carry a protocol or server assignment", p.Status)
	}

	return &Subscription{
		id:              p.ID,
		sid:             p.SID,
		userID:          p.UserID,
		intentID:        p.IntentID,
		plan:            p.Plan,
		status:          p.Status,
		activeProtocol:  p.ActiveProtocol,
		serverID:        p.ServerID,
		startedAt:       p.StartedAt,
		expiresAt:       p.ExpiresAt,
		trafficUsed:     p.TrafficUsed,
		trafficLimit:    p.TrafficLimit,
		quotaSignaled:   p.QuotaSignaled,
		autoRenew:       p.AutoRenew,
		statusReason:    p.StatusReason,
		repairAttempts:  p.RepairAttempts,
		statusChangedAt: p.StatusChangedAt,
		archivedAt:      p.ArchivedAt,
		version:         p.Version,
		createdAt:       p.CreatedAt,
		updatedAt:       p.UpdatedAt,
	}, nil
}

func (s *Subscription) ID() uint                         { return s.id }
func (s *Subscription) SID() string                      { return s.sid }
func (s *Subscription) UserID() uint                     { return s.userID }
func (s *Subscription) IntentID() string                 { return s.intentID }
func (s *Subscription) Plan() vo.PlanSnapshot            { return s.plan }
func (s *Subscription) Status() vo.SubscriptionStatus    { return s.status }
func (s *Subscription) ActiveProtocol() *vpn.Protocol    { return s.activeProtocol }
func (s *Subscription) ServerID() *uint                  { return s.serverID }
func (s *Subscription) StartedAt() *time.Time            { return s.startedAt }
func (s *Subscription) ExpiresAt() *time.Time            { return s.expiresAt }
func (s *Subscription) TrafficUsed() int64               { return s.trafficUsed }
func (s *Subscription) TrafficLimit() *int64             { return s.trafficLimit }
func (s *Subscription) QuotaSignaled() bool              { return s.quotaSignaled }
func (s *Subscription) AutoRenew() bool                  { return s.autoRenew }
func (s *Subscription) StatusReason() *string            { return s.statusReason }
func (s *Subscription) RepairAttempts() int              { return s.repairAttempts }
func (s *Subscription) StatusChangedAt() time.Time       { return s.statusChangedAt }
func (s *Subscription) ArchivedAt() *time.Time           { return s.archivedAt }
func (s *Subscription) Version() int                     { return s.version }
func (s *Subscription) CreatedAt() time.Time             { return s.createdAt }
func (s *Subscription) UpdatedAt() time.Time             { return s.updatedAt }

// SetID sets the subscription ID (persistence layer only).
func (s *Subscription) SetID(id uint) error {
	if s.id != 0 {
		return fmt.Errorf("subscription ID is already set")
	}
	if id == 0 {
		return fmt.Errorf("subscription ID cannot be zero")
	}
	s.id = id
	return nil
}

func (s *Subscription) transition(target vo.SubscriptionStatus, now time.Time) error {
	if !s.status.CanTransitionTo(target) {
		return ErrInvalidTransition(s.status.String(), target.String())
	}
	s.status = target
	s.statusChangedAt = now
	s.updatedAt = now
	s.version++
	return nil
}

// Activate moves a pending subscription to active with a provisioned
// assignment. The lifecycle service calls this strictly after the
// adapter call succeeded.
func (s *Subscription) Activate(protocol vpn.Protocol, serverID uint, now time.Time) error {
	if s.status != vo.StatusPending {
		return ErrInvalidTransition(s.status.String(), vo.StatusActive.String())
	}
	if !protocol.IsValid() {
		return fmt.Errorf("invalid protocol %q", protocol)
	}
	if serverID == 0 {
		return fmt.Errorf("server ID is required")
	}

	now = now.UTC()
	if err := s.transition(vo.StatusActive, now); err != nil {
		return err
	}
	expires := now.AddDate(0, 0, s.plan.DurationDays)
	s.activeProtocol = &protocol
	s.serverID = &serverID
	s.startedAt = &now
	s.expiresAt = &expires
	s.statusReason = nil
	s.repairAttempts = 0
	return nil
}

// Reinstate reactivates a suspended subscription without touching the
// billing period (admin override path).
func (s *Subscription) Reinstate(protocol vpn.Protocol, serverID uint, now time.Time) error {
	if s.status != vo.StatusSuspended {
		return ErrInvalidTransition(s.status.String(), vo.StatusActive.String())
	}
	now = now.UTC()
	if err := s.transition(vo.StatusActive, now); err != nil {
		return err
	}
	s.activeProtocol = &protocol
	s.serverID = &serverID
	s.statusReason = nil
	s.quotaSignaled = false
	s.repairAttempts = 0
	return nil
}

// RenewActivate reactivates a suspended or expired subscription for a
// settled renewal payment: a fresh billing period with reset traffic
// counters and a new expiry.
func (s *Subscription) RenewActivate(protocol vpn.Protocol, serverID uint, now time.Time) error {
	if s.status != vo.StatusSuspended && s.status != vo.StatusExpired {
		return ErrInvalidTransition(s.status.String(), vo.StatusActive.String())
	}
	now = now.UTC()
	if err := s.transition(vo.StatusActive, now); err != nil {
		return err
	}
	expires := now.AddDate(0, 0, s.plan.DurationDays)
	s.activeProtocol = &protocol
	s.serverID = &serverID
	s.expiresAt = &expires
	s.trafficUsed = 0
	s.quotaSignaled = false
	s.statusReason = nil
	s.repairAttempts = 0
	return nil
}

// Suspend moves an active subscription to suspended. The assignment is
// kept: suspended subscriptions still reference their last protocol
// and server so revocation and reinstatement know where to act.
func (s *Subscription) Suspend(reason string, now time.Time) error {
	if err := s.transition(vo.StatusSuspended, now.UTC()); err != nil {
		return err
	}
	if reason != "" {
		s.statusReason = &reason
	}
	return nil
}

// MarkExpired moves an active subscription to expired and drops the
// assignment.
func (s *Subscription) MarkExpired(now time.Time) error {
	if err := s.transition(vo.StatusExpired, now.UTC()); err != nil {
		return err
	}
	s.activeProtocol = nil
	s.serverID = nil
	return nil
}

// Archive terminally retires the subscription. Archived subscriptions
// are immutable.
func (s *Subscription) Archive(now time.Time) error {
	now = now.UTC()
	if err := s.transition(vo.StatusArchived, now); err != nil {
		return err
	}
	s.activeProtocol = nil
	s.serverID = nil
	s.archivedAt = &now
	return nil
}

// MigrateProtocol switches the assignment to a new protocol and server
// without changing status. Only valid while active or suspended.
func (s *Subscription) MigrateProtocol(protocol vpn.Protocol, serverID uint, now time.Time) error {
	if !s.status.RequiresCredential() {
		return fmt.Errorf("%w: cannot migrate protocol in status %s", ErrMigrationNotAllowed, s.status)
	}
	if !protocol.IsValid() {
		return fmt.Errorf("invalid protocol %q", protocol)
	}
	s.activeProtocol = &protocol
	s.serverID = &serverID
	s.updatedAt = now.UTC()
	s.version++
	return nil
}

// AddUsage aggregates observed traffic. Usage is monotonic: negative
// deltas are rejected. It returns true exactly once per quota
// crossing; the quota-signaled flag keeps the trigger edge-based.
func (s *Subscription) AddUsage(bytes int64) (crossed bool, err error) {
	if bytes < 0 {
		return false, fmt.Errorf("usage delta cannot be negative")
	}
	if bytes == 0 {
		return false, nil
	}
	s.trafficUsed += bytes
	s.updatedAt = time.Now().UTC()
	s.version++

	if s.trafficLimit != nil && !s.quotaSignaled && s.trafficUsed >= *s.trafficLimit {
		s.quotaSignaled = true
		return true, nil
	}
	return false, nil
}

// SetStatusReason records a presentation-visible reason on the current
// status, e.g. why provisioning is stuck.
func (s *Subscription) SetStatusReason(reason string) {
	s.statusReason = &reason
	s.updatedAt = time.Now().UTC()
	s.version++
}

// IncrementRepairAttempts counts a failed reconciliation repair and
// returns the new total.
func (s *Subscription) IncrementRepairAttempts() int {
	s.repairAttempts++
	s.updatedAt = time.Now().UTC()
	s.version++
	return s.repairAttempts
}

// ResetRepairAttempts clears the repair counter after a successful
// repair.
func (s *Subscription) ResetRepairAttempts() {
	if s.repairAttempts == 0 {
		return
	}
	s.repairAttempts = 0
	s.updatedAt = time.Now().UTC()
	s.version++
}

// IsExpiryDue reports whether an active subscription has passed its
// expiry time.
func (s *Subscription) IsExpiryDue(now time.Time) bool {
	return s.status == vo.StatusActive && s.expiresAt != nil && now.After(*s.expiresAt)
}

// IsGraceElapsed reports whether a suspended or expired subscription
// has outlived the grace period and should be archived.
func (s *Subscription) IsGraceElapsed(grace time.Duration, now time.Time) bool {
	if s.status != vo.StatusSuspended && s.status != vo.StatusExpired {
		return false
	}
	return now.After(s.statusChangedAt.Add(grace))
}

// IsPendingStuck reports whether a pending subscription has been
// waiting longer than threshold and should be flagged for operators.
func (s *Subscription) IsPendingStuck(threshold time.Duration, now time.Time) bool {
	return s.status == vo.StatusPending && now.After(s.createdAt.Add(threshold))
}
