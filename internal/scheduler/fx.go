package scheduler

import (
	"context"

	"github.com/smallbiznis/poolsync/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.SchedulerEnabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: sched.Start,
		OnStop: func(ctx context.Context) error {
			return sched.Stop(ctx)
		},
	})
}
