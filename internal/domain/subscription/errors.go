package subscription

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionNotFound    = errors.New("subscription not found")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrMigrationNotAllowed     = errors.New("protocol migration not allowed")
	ErrIntentAlreadyBound      = errors.New("payment intent already bound to a subscription")
	ErrProvisioningFailed      = errors.New("provisioning failed")
)

func ErrInvalidTransition(from, to string) error {
	return fmt.Errorf("%w: from %s to %s", ErrInvalidStatusTransition, from, to)
}
