package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/veil-labs/veil/internal/interfaces/cli/migrate"
	"github.com/veil-labs/veil/internal/interfaces/cli/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "veil",
		Short: "Veil - VPN subscription provisioning engine",
		Long:  `Veil turns paid subscriptions into live VPN credentials across protocol panels, and keeps both sides reconciled.`,
	}

	rootCmd.AddCommand(
		server.NewCommand(),
		migrate.NewCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
