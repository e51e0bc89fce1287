// Package migrations keeps the database schema in step with the
// persistence models.
package migrations

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// Run applies the schema for every persistence model.
func Run(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.SubscriptionModel{},
		&models.CredentialModel{},
		&models.ServerModel{},
		&models.UsageSampleModel{},
		&models.TransitionModel{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("database schema migrated")
	return nil
}
