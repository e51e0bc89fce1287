package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CredentialModel represents the database persistence model for
// provisioned VPN credentials
type CredentialModel struct {
	ID               uint           `gorm:"primarykey"`
	CID              string         `gorm:"uniqueIndex;not null;size:50;comment:Stripe-style ID: crd_xxx"`
	SubscriptionID   uint           `gorm:"not null;index:idx_subscription_credential"`
	Protocol         string         `gorm:"not null;size:20"`
	ServerID         uint           `gorm:"not null;index:idx_server_credential"`
	ClientID         string         `gorm:"not null;size:100;comment:remote panel client handle"`
	ClientUUID       string         `gorm:"not null;size:36"`
	ConfigPayload    datatypes.JSON `gorm:"comment:protocol-opaque connection payload"`
	ConnectionString string         `gorm:"not null;type:text"`
	IssuedAt         time.Time      `gorm:"not null"`
	RevokedAt        *time.Time     `gorm:"index:idx_revoked_at"`
	Version          int            `gorm:"not null;default:1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName specifies the table name for GORM
func (CredentialModel) TableName() string {
	return "credentials"
}

// BeforeCreate hook for GORM
func (c *CredentialModel) BeforeCreate(tx *gorm.DB) error {
	if c.Version == 0 {
		c.Version = 1
	}
	return nil
}
