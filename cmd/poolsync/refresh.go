package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/poolsync/internal/config"
	obsmetrics "github.com/smallbiznis/poolsync/internal/observability/metrics"
	refreshdomain "github.com/smallbiznis/poolsync/internal/refresh/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newRefreshCmd() *cobra.Command {
	var (
		autoCreate bool
		eager      bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "refresh <owner-key>",
		Short: "Refresh one owner's pools synchronously and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				svc refreshdomain.Service
				cfg config.Config
				log *zap.Logger
			)
			app := fx.New(
				coreModules(),
				fx.Populate(&svc, &cfg, &log),
			)
			if err := app.Err(); err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = app.Stop(stopCtx)
			}()

			ctx, cancelRun := context.WithTimeout(cmd.Context(), timeout)
			defer cancelRun()

			lazy := !eager
			summary, err := svc.RunOwner(ctx, refreshdomain.RefreshRequest{
				OwnerKey:        args[0],
				AutoCreateOwner: autoCreate,
				LazyRegen:       &lazy,
			})
			pushMetrics(ctx, cfg, log)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().BoolVar(&autoCreate, "auto-create-owner", false, "create the owner when it does not exist")
	cmd.Flags().BoolVar(&eager, "eager", false, "regenerate affected certificates immediately")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "maximum time for the refresh")

	return cmd
}

// pushMetrics ships the process metrics when a pusher is configured. Failures
// are logged and never fail the command.
func pushMetrics(ctx context.Context, cfg config.Config, log *zap.Logger) {
	pusher := obsmetrics.NewPusher(cfg, log)
	if pusher == nil {
		return
	}
	if err := pusher.Push(ctx, prometheus.DefaultGatherer); err != nil {
		log.Warn("metrics push failed", zap.Error(err))
	}
}
