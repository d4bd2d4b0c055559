package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RefreshConfig tunes the refresh orchestrator and its periodic sweep.
// Values are hot-reloaded from refresh.yml.
type RefreshConfig struct {
	Schedule         string        `mapstructure:"schedule"`
	SweepConcurrency int           `mapstructure:"sweepConcurrency"`
	Workers          int           `mapstructure:"workers"`
	JobRetention     time.Duration `mapstructure:"jobRetention"`
	LockTTL          time.Duration `mapstructure:"lockTTL"`
	LazyRegen        bool          `mapstructure:"lazyRegen"`
	Synchronous      bool          `mapstructure:"synchronous"`
	DevPoolLifetime  time.Duration `mapstructure:"devPoolLifetime"`
}

func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Schedule:         "@every 1h",
		SweepConcurrency: 4,
		Workers:          4,
		JobRetention:     7 * 24 * time.Hour,
		LockTTL:          10 * time.Minute,
		LazyRegen:        true,
		Synchronous:      false,
		DevPoolLifetime:  90 * 24 * time.Hour,
	}
}

type RefreshConfigHolder struct {
	current atomic.Value // holds RefreshConfig
}

// NewStaticRefreshConfigHolder wraps a fixed config without file watching.
func NewStaticRefreshConfigHolder(cfg RefreshConfig) *RefreshConfigHolder {
	holder := &RefreshConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewRefreshConfigHolder(log *zap.Logger) (*RefreshConfigHolder, error) {
	log = log.Named("config.refresh")
	v := viper.New()

	v.SetConfigName("refresh")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/poolsync/config")
	v.AddConfigPath("/etc/poolsync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("POOLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRefreshConfig()
	v.SetDefault("refresh.schedule", defaults.Schedule)
	v.SetDefault("refresh.sweepConcurrency", defaults.SweepConcurrency)
	v.SetDefault("refresh.workers", defaults.Workers)
	v.SetDefault("refresh.jobRetention", defaults.JobRetention)
	v.SetDefault("refresh.lockTTL", defaults.LockTTL)
	v.SetDefault("refresh.lazyRegen", defaults.LazyRegen)
	v.SetDefault("refresh.synchronous", defaults.Synchronous)
	v.SetDefault("refresh.devPoolLifetime", defaults.DevPoolLifetime)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	var cfg RefreshConfig
	if err := v.UnmarshalKey("refresh", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateRefreshConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticRefreshConfigHolder(cfg)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated RefreshConfig
			if err := v.UnmarshalKey("refresh", &updated); err != nil {
				log.Warn("reload failed", zap.Error(err))
				return
			}
			if err := ValidateRefreshConfig(updated); err != nil {
				log.Warn("invalid config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *RefreshConfigHolder) Get() RefreshConfig {
	return h.current.Load().(RefreshConfig)
}

func ValidateRefreshConfig(cfg RefreshConfig) error {
	if strings.TrimSpace(cfg.Schedule) == "" {
		return errors.New("refresh.schedule cannot be empty")
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return errors.New("refresh.schedule is not a valid cron spec")
	}
	if cfg.SweepConcurrency <= 0 {
		return errors.New("refresh.sweepConcurrency must be positive")
	}
	if cfg.Workers <= 0 {
		return errors.New("refresh.workers must be positive")
	}
	if cfg.JobRetention <= 0 {
		return errors.New("refresh.jobRetention must be positive")
	}
	if cfg.LockTTL <= 0 {
		return errors.New("refresh.lockTTL must be positive")
	}
	if cfg.DevPoolLifetime <= 0 {
		return errors.New("refresh.devPoolLifetime must be positive")
	}
	return nil
}
