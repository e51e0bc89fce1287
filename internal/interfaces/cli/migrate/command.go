// Package migrate implements the `veil migrate` command.
package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veil-labs/veil/internal/infrastructure/config"
	"github.com/veil-labs/veil/internal/infrastructure/database"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/migrations"
	"github.com/veil-labs/veil/internal/shared/logger"
)

var env string

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Bring the database schema up to date with the current models.`,
		RunE:  run,
	}

	cmd.PersistentFlags().StringVarP(&env, "env", "e", "development", "Environment (development, test, production)")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(&cfg.Logger); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := database.Init(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if err := migrations.Run(database.Get()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("migrations completed")
	return nil
}
