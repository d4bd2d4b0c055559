package main

import (
	"github.com/smallbiznis/poolsync/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

// newWorkerCmd runs refresh workers and scheduled maintenance without the
// HTTP API, for deployments that split the two.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run refresh workers and the scheduler without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				coreModules(),
				scheduler.Module,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
