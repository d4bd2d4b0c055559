package scheduler

import (
	"time"

	"github.com/smallbiznis/poolsync/internal/config"
)

// Config controls scheduler cadences and per-job limits. The owner sweep
// cadence and concurrency come from the live refresh config instead.
type Config struct {
	JobTimeout        time.Duration
	SweepTimeout      time.Duration
	PurgeSchedule     string
	RecoverySchedule  string
	OrphanSchedule    string
	RecoveryThreshold time.Duration
	OrphanGrace       time.Duration
	// MinRefreshAge skips owners refreshed more recently than this.
	MinRefreshAge time.Duration
	LockWait      time.Duration
	EnabledJobs   []string
}

func DefaultConfig() Config {
	return Config{
		JobTimeout:        30 * time.Second,
		SweepTimeout:      30 * time.Minute,
		PurgeSchedule:     "@every 1h",
		RecoverySchedule:  "@every 5m",
		OrphanSchedule:    "@every 6h",
		RecoveryThreshold: 30 * time.Minute,
		OrphanGrace:       time.Hour,
		MinRefreshAge:     5 * time.Minute,
		LockWait:          time.Second,
	}
}

// ProvideConfig derives scheduler settings from the refresh config; the
// lock TTL doubles as the stale job threshold.
func ProvideConfig(app config.Config, holder *config.RefreshConfigHolder) Config {
	cfg := DefaultConfig()
	cfg.EnabledJobs = app.SchedulerJobs
	if holder != nil {
		if ttl := holder.Get().LockTTL; ttl > 0 {
			cfg.RecoveryThreshold = 2 * ttl
		}
	}
	return cfg
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaults.SweepTimeout
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = defaults.PurgeSchedule
	}
	if c.RecoverySchedule == "" {
		c.RecoverySchedule = defaults.RecoverySchedule
	}
	if c.OrphanSchedule == "" {
		c.OrphanSchedule = defaults.OrphanSchedule
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = defaults.OrphanGrace
	}
	if c.MinRefreshAge < 0 {
		c.MinRefreshAge = 0
	}
	if c.LockWait <= 0 {
		c.LockWait = defaults.LockWait
	}
	return c
}
