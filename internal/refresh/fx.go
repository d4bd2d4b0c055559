package refresh

import (
	"github.com/smallbiznis/poolsync/internal/refresh/domain"
	"github.com/smallbiznis/poolsync/internal/refresh/lock"
	"github.com/smallbiznis/poolsync/internal/refresh/service"
	"go.uber.org/fx"
)

var Module = fx.Module("refresh.service",
	lock.Module,
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Invoke(registerWorkers),
)

func registerWorkers(lc fx.Lifecycle, s *service.Service) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
