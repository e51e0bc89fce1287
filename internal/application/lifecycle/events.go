package lifecycle

import (
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
)

// Transition event names recorded on the audit trail.
const (
	EventPaymentSettled    = "payment-settled"
	EventPaymentFailed     = "payment-failed"
	EventQuotaExceeded     = "quota-exceeded"
	EventExpiry            = "expiry"
	EventAdminSuspend      = "admin-suspend"
	EventAdminReinstate    = "admin-reinstate"
	EventProtocolMigration = "protocol-migration"
	EventGraceElapsed      = "grace-elapsed"
	EventPendingTimeout    = "pending-timeout"
	EventReconcileRepair   = "reconcile-repair"
)

// PaymentIntent is the settled purchase the billing collaborator hands
// to the engine. IntentID identifies the plan purchase and doubles as
// the idempotency scope for creation.
type PaymentIntent struct {
	IntentID  string
	UserID    uint
	Plan      vo.PlanSnapshot
	Protocol  vpn.Protocol
	AutoRenew bool
	Amount    int64
	Currency  string
}
