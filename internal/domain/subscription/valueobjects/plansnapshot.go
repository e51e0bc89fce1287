package valueobjects

import "fmt"

// PlanSnapshot is the immutable copy of the purchased plan carried on
// the subscription. Billing owns the plan catalog; the engine only
// needs what the grant entitles the user to.
type PlanSnapshot struct {
	PlanSID           string
	Name              string
	DurationDays      int
	PriceAmount       int64
	Currency          string
	TrafficLimitBytes *int64
	DeviceLimit       int
	Trial             bool
}

// Validate checks the snapshot is usable as an entitlement.
func (p PlanSnapshot) Validate() error {
	if p.PlanSID == "" {
		return fmt.Errorf("plan sid is required")
	}
	if p.DurationDays <= 0 {
		return fmt.Errorf("plan duration must be positive")
	}
	if p.TrafficLimitBytes != nil && *p.TrafficLimitBytes <= 0 {
		return fmt.Errorf("traffic limit must be positive or unlimited")
	}
	if p.DeviceLimit < 0 {
		return fmt.Errorf("device limit cannot be negative")
	}
	return nil
}

// Unlimited reports whether the plan carries no traffic ceiling.
func (p PlanSnapshot) Unlimited() bool {
	return p.TrafficLimitBytes == nil
}
