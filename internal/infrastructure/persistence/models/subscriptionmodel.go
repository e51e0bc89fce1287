package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SubscriptionModel represents the database persistence model for subscriptions
// This is the anti-corruption layer between domain and database
type SubscriptionModel struct {
	ID              uint           `gorm:"primarykey"`
	SID             string         `gorm:"uniqueIndex;not null;size:50;comment:Stripe-style ID: sub_xxx"`
	UserID          uint           `gorm:"not null;index:idx_user_subscription"`
	IntentID        string         `gorm:"not null;size:100;index:idx_intent"`
	Plan            datatypes.JSON `gorm:"not null;comment:immutable plan snapshot at purchase time"`
	Status          string         `gorm:"not null;size:20;index:idx_status"`
	ActiveProtocol  *string        `gorm:"size:20"`
	ServerID        *uint          `gorm:"index:idx_server_subscription"`
	StartedAt       *time.Time
	ExpiresAt       *time.Time `gorm:"index:idx_expires_at"`
	TrafficUsed     int64      `gorm:"not null;default:0"`
	TrafficLimit    *int64
	QuotaSignaled   bool `gorm:"not null;default:false"`
	AutoRenew       bool `gorm:"default:false"`
	StatusReason    *string `gorm:"size:100"`
	RepairAttempts  int     `gorm:"not null;default:0"`
	StatusChangedAt time.Time `gorm:"not null;index:idx_status_changed"`
	ArchivedAt      *time.Time
	Version         int `gorm:"not null;default:1"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}

// TableName specifies the table name for GORM
func (SubscriptionModel) TableName() string {
	return "subscriptions"
}

// BeforeCreate hook for GORM
func (s *SubscriptionModel) BeforeCreate(tx *gorm.DB) error {
	if s.Version == 0 {
		s.Version = 1
	}
	return nil
}
