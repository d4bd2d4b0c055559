package consumer

import (
	"github.com/smallbiznis/poolsync/internal/consumer/repository"
	"github.com/smallbiznis/poolsync/internal/consumer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("consumer.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
