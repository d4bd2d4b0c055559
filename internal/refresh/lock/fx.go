package lock

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/poolsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("refresh.lock",
	fx.Provide(NewLocker),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	Config    config.Config
	Refresh   *config.RefreshConfigHolder
	Log       *zap.Logger
}

// NewLocker uses redis when an address is configured and falls back to
// an in-process lock otherwise.
func NewLocker(p Params) Locker {
	if p.Config.RedisAddr == "" {
		return NewKeyedLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     p.Config.RedisAddr,
		Password: p.Config.RedisPassword,
		DB:       p.Config.RedisDB,
	})
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error { return client.Close() },
		})
	}
	log := p.Log.Named("refresh.lock")
	log.Info("using redis lock", zap.String("addr", p.Config.RedisAddr))
	ttl := 15 * time.Minute
	if p.Refresh != nil {
		ttl = p.Refresh.Get().LockTTL
	}
	return NewRedisLocker(client, "poolsync:lock:", ttl, log)
}
