package organization

import (
	"github.com/smallbiznis/poolsync/internal/organization/repository"
	"github.com/smallbiznis/poolsync/internal/organization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("organization.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
