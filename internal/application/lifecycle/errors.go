package lifecycle

import "errors"

var (
	// ErrNoCapacity means no candidate server qualifies for the
	// requested protocol. Surfaced to the caller; the subscription
	// stays pending with a distinguishable reason.
	ErrNoCapacity = errors.New("no server with free capacity")

	// ErrNotRenewable is returned when a renewal settles against an
	// archived subscription.
	ErrNotRenewable = errors.New("subscription can no longer be renewed")
)

// Status reasons visible to presentation layers.
const (
	ReasonNoCapacity         = "no_capacity"
	ReasonProvisioningFailed = "provisioning_failed"
	ReasonPanelAuthFailed    = "panel_auth_failed"
	ReasonProvisioningStuck  = "provisioning_stalled"
	ReasonQuotaExceeded      = "quota_exceeded"
	ReasonPaymentFailed      = "payment_failed"
	ReasonExpired            = "expired"
)
