package main

import (
	"github.com/smallbiznis/poolsync/internal/ratelimit"
	"github.com/smallbiznis/poolsync/internal/scheduler"
	"github.com/smallbiznis/poolsync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, refresh workers and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				coreModules(),
				ratelimit.Module,
				server.Module,
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
