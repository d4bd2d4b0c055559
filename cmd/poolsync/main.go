// Package main is the entrypoint for the poolsync service and CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "poolsync",
		Short: "Subscription pool reconciliation service",
		Long: `poolsync keeps each owner's pools, entitlements and certificates in line
with the subscriptions reported by the upstream system.

Run 'poolsync serve' to start the HTTP API and scheduler.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newRefreshCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
