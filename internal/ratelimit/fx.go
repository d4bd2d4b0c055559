package ratelimit

import "go.uber.org/fx"

var Module = fx.Module("refresh.ratelimit",
	fx.Provide(NewFromConfig),
)
