package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ServerModel represents the database persistence model for VPN
// egress nodes
type ServerModel struct {
	ID                 uint           `gorm:"primarykey"`
	SID                string         `gorm:"uniqueIndex;not null;size:50;comment:Stripe-style ID: srv_xxx"`
	Name               string         `gorm:"not null;size:100"`
	Country            string         `gorm:"size:100"`
	City               string         `gorm:"size:100"`
	Address            string         `gorm:"not null;size:255"`
	SupportedProtocols datatypes.JSON `gorm:"not null"`
	Panels             datatypes.JSON `gorm:"not null;comment:per-protocol panel endpoint and settings"`
	MaxUsers           uint           `gorm:"not null"`
	CurrentUsers       uint           `gorm:"not null;default:0"`
	Health             string         `gorm:"not null;size:20;default:healthy"`
	Maintenance        bool           `gorm:"not null;default:false"`
	LastCheckedAt      *time.Time
	Version            int `gorm:"not null;default:1"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          gorm.DeletedAt `gorm:"index"`
}

// TableName specifies the table name for GORM
func (ServerModel) TableName() string {
	return "servers"
}

// BeforeCreate hook for GORM
func (s *ServerModel) BeforeCreate(tx *gorm.DB) error {
	if s.Version == 0 {
		s.Version = 1
	}
	return nil
}
