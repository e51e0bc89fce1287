package valueobjects

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "pending"
	StatusActive    SubscriptionStatus = "active"
	StatusSuspended SubscriptionStatus = "suspended"
	StatusExpired   SubscriptionStatus = "expired"
	StatusArchived  SubscriptionStatus = "archived"
)

func (s SubscriptionStatus) String() string {
	return string(s)
}

// RequiresCredential reports whether this status implies a provisioned
// protocol and server assignment on the subscription.
func (s SubscriptionStatus) RequiresCredential() bool {
	return s == StatusActive || s == StatusSuspended
}

// IsTerminal reports whether no further transitions are possible.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusArchived
}

// CanTransitionTo encodes the lifecycle transition table.
func (s SubscriptionStatus) CanTransitionTo(target SubscriptionStatus) bool {
	transitions := map[SubscriptionStatus][]SubscriptionStatus{
		StatusPending:   {StatusActive, StatusArchived},
		StatusActive:    {StatusSuspended, StatusExpired},
		StatusSuspended: {StatusActive, StatusArchived},
		StatusExpired:   {StatusActive, StatusArchived},
		StatusArchived:  {},
	}

	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

var ValidStatuses = map[SubscriptionStatus]bool{
	StatusPending:   true,
	StatusActive:    true,
	StatusSuspended: true,
	StatusExpired:   true,
	StatusArchived:  true,
}
