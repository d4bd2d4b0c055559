package ratelimit

import (
	"context"
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/poolsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyRefreshOwner = "poolsync:refresh:owner:"

// ErrLimited is returned when an owner has used up its refresh budget.
var ErrLimited = errors.New("refresh_rate_limited")

// LimitedError carries the wait before the owner may trigger again.
type LimitedError struct {
	Result *Result
}

func (e *LimitedError) Error() string { return ErrLimited.Error() }

func (e *LimitedError) Unwrap() error { return ErrLimited }

// RefreshLimiter throttles refresh triggers per owner key. A nil limiter
// allows everything.
type RefreshLimiter struct {
	bucket Bucket
	rate   float64
	burst  int
	log    *zap.Logger
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	Config    config.Config
	Log       *zap.Logger
}

// NewFromConfig returns nil unless the refresh rate limit is enabled.
func NewFromConfig(p Params) (*RefreshLimiter, error) {
	limitCfg := p.Config.RefreshRateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(p.Config.RedisAddr)
	if addr == "" {
		return nil, errors.New("refresh rate limit requires REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: p.Config.RedisPassword,
		DB:       p.Config.RedisDB,
	})
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error { return client.Close() },
		})
	}
	return NewRefreshLimiter(NewTokenBucket(client), limitCfg.Rate, limitCfg.Burst, p.Log)
}

func NewRefreshLimiter(bucket Bucket, rate float64, burst int, log *zap.Logger) (*RefreshLimiter, error) {
	if bucket == nil {
		return nil, ErrNotConfigured
	}
	if rate <= 0 || burst <= 0 {
		return nil, ErrInvalidLimits
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RefreshLimiter{
		bucket: bucket,
		rate:   rate,
		burst:  burst,
		log:    log.Named("ratelimit.refresh"),
	}, nil
}

// AllowOwner takes one token for ownerKey. Bucket failures are logged and
// let the trigger through.
func (l *RefreshLimiter) AllowOwner(ctx context.Context, ownerKey string) error {
	if l == nil {
		return nil
	}
	key := strings.TrimSpace(ownerKey)
	if key == "" {
		return ErrEmptyKey
	}
	res, err := l.bucket.Allow(ctx, keyRefreshOwner+key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("refresh rate limit check failed", zap.String("owner_key", key), zap.Error(err))
		return nil
	}
	if !res.Allowed {
		return &LimitedError{Result: res}
	}
	return nil
}
