package models

import "time"

// UsageSampleModel represents the database persistence model for raw
// traffic samples. Rows are append-only and trimmed by retention.
type UsageSampleModel struct {
	ID             uint      `gorm:"primarykey"`
	SmpID          string    `gorm:"uniqueIndex;not null;size:50;comment:Stripe-style ID: smp_xxx"`
	CredentialID   uint      `gorm:"not null;index:idx_credential_sample"`
	SubscriptionID uint      `gorm:"not null;index:idx_subscription_sample"`
	Bytes          int64     `gorm:"not null"`
	WindowStart    time.Time `gorm:"not null"`
	WindowEnd      time.Time `gorm:"not null"`
	ReceivedAt     time.Time `gorm:"not null;index:idx_received_at"`
}

// TableName specifies the table name for GORM
func (UsageSampleModel) TableName() string {
	return "usage_samples"
}
