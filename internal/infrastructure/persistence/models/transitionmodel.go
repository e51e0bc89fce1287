package models

import "time"

// TransitionModel represents the database persistence model for the
// append-only state transition audit trail
type TransitionModel struct {
	ID             uint      `gorm:"primarykey"`
	SubscriptionID uint      `gorm:"not null;index:idx_subscription_transition"`
	FromStatus     string    `gorm:"not null;size:20"`
	ToStatus       string    `gorm:"not null;size:20"`
	Event          string    `gorm:"not null;size:50"`
	Reason         string    `gorm:"size:255"`
	CreatedAt      time.Time `gorm:"not null;index:idx_transition_created"`
}

// TableName specifies the table name for GORM
func (TransitionModel) TableName() string {
	return "subscription_transitions"
}
