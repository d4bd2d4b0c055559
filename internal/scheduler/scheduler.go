package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/poolsync/internal/authorization"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/config"
	obsmetrics "github.com/smallbiznis/poolsync/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	refreshdomain "github.com/smallbiznis/poolsync/internal/refresh/domain"
	"github.com/smallbiznis/poolsync/internal/refresh/lock"
	"github.com/smallbiznis/poolsync/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	jobRefreshOwners = "refresh_owners"
	jobPurgeJobs     = "purge_jobs"
	jobRecoverStale  = "recover_stale_jobs"
	jobOrphanCleanup = "orphan_cleanup"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	RefreshConfig *config.RefreshConfigHolder
	Owners        orgdomain.Service
	Refresh       refreshdomain.Service
	Pools         pooldomain.Service
	Products      productdomain.Service
	Locker        lock.Locker                  `optional:"true"`
	AuthzSvc      authorization.Service        `optional:"true"`
	Metrics       *obsmetrics.SchedulerMetrics `optional:"true"`
	Config        Config                       `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	refreshCfg *config.RefreshConfigHolder
	owners     orgdomain.Service
	refresh    refreshdomain.Service
	pools      pooldomain.Service
	products   productdomain.Service
	locker     lock.Locker
	authzSvc   authorization.Service
	metrics    *obsmetrics.SchedulerMetrics

	mu          sync.Mutex
	cron        *cron.Cron
	sweepEntry  cron.EntryID
	sweepSpec   string
	sweepCancel context.CancelFunc
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.RefreshConfig == nil || p.Owners == nil || p.Refresh == nil || p.Pools == nil || p.Products == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		refreshCfg: p.RefreshConfig,
		owners:     p.Owners,
		refresh:    p.Refresh,
		pools:      p.Pools,
		products:   p.Products,
		locker:     p.Locker,
		authzSvc:   p.AuthzSvc,
		metrics:    p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := s.withJobLock(ctx, name, fn)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if _, _, errs := run.counts(); err != nil && errs == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) jobs() []struct {
	Name    string
	Timeout time.Duration
	Run     func(context.Context) error
} {
	return []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{jobRecoverStale, s.cfg.JobTimeout, s.RecoverStaleJobsJob},
		{jobRefreshOwners, s.cfg.SweepTimeout, s.RefreshOwnersJob},
		{jobPurgeJobs, s.cfg.JobTimeout, s.PurgeJobsJob},
		{jobOrphanCleanup, s.cfg.JobTimeout, s.OrphanCleanupJob},
	}
}

// RunOnce runs every enabled job in order, joining their errors.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, job := range s.jobs() {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Timeout, job.Run))
	}
	return err
}

// Start registers the cron entries and starts the cron runner. The owner
// sweep follows the live refresh schedule, re-registered when it changes.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	runCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel

	schedule := func(spec, name string, timeout time.Duration, fn func(context.Context) error) error {
		if !s.isJobEnabled(name) {
			return nil
		}
		_, err := c.AddFunc(spec, func() {
			if err := s.runJob(runCtx, name, timeout, fn); err != nil {
				s.log.Warn("scheduler run failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		return nil
	}

	if err := schedule(s.cfg.PurgeSchedule, jobPurgeJobs, s.cfg.JobTimeout, s.PurgeJobsJob); err != nil {
		cancel()
		return err
	}
	if err := schedule(s.cfg.RecoverySchedule, jobRecoverStale, s.cfg.JobTimeout, s.RecoverStaleJobsJob); err != nil {
		cancel()
		return err
	}
	if err := schedule(s.cfg.OrphanSchedule, jobOrphanCleanup, s.cfg.JobTimeout, s.OrphanCleanupJob); err != nil {
		cancel()
		return err
	}

	s.cron = c
	if s.isJobEnabled(jobRefreshOwners) {
		if err := s.syncSweepLocked(runCtx); err != nil {
			cancel()
			s.cron = nil
			return err
		}
		if _, err := c.AddFunc("@every 1m", func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.cron == nil {
				return
			}
			if err := s.syncSweepLocked(runCtx); err != nil {
				s.log.Warn("refresh schedule not applied", zap.Error(err))
			}
		}); err != nil {
			cancel()
			s.cron = nil
			return err
		}
	}

	c.Start()
	s.log.Info("scheduler started", zap.String("refresh_schedule", s.sweepSpec))
	return nil
}

// syncSweepLocked (re)registers the owner sweep when the configured spec
// differs from the registered one. Callers hold s.mu.
func (s *Scheduler) syncSweepLocked(runCtx context.Context) error {
	spec := strings.TrimSpace(s.refreshCfg.Get().Schedule)
	if spec == s.sweepSpec && s.sweepEntry != 0 {
		return nil
	}
	id, err := s.cron.AddFunc(spec, func() {
		if err := s.runJob(runCtx, jobRefreshOwners, s.cfg.SweepTimeout, s.RefreshOwnersJob); err != nil {
			s.log.Warn("scheduler run failed", zap.String("job", jobRefreshOwners), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobRefreshOwners, err)
	}
	if s.sweepEntry != 0 {
		s.cron.Remove(s.sweepEntry)
		s.log.Info("refresh schedule changed", zap.String("from", s.sweepSpec), zap.String("to", spec))
	}
	s.sweepEntry = id
	s.sweepSpec = spec
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	cancel := s.sweepCancel
	s.cron = nil
	s.sweepEntry = 0
	s.sweepSpec = ""
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	if cancel != nil {
		cancel()
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RefreshOwnersJob refreshes every owner that is due. Distinct owners run in
// parallel up to the configured sweep concurrency; the owner lock inside the
// refresh keeps same-owner runs serialized.
func (s *Scheduler) RefreshOwnersJob(ctx context.Context) error {
	owners, err := s.owners.List(ctx)
	if err != nil {
		return err
	}
	run := jobRunFromContext(ctx)
	now := s.clock.Now()

	limit := s.refreshCfg.Get().SweepConcurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	var mu sync.Mutex
	var jobErr error
	for i := range owners {
		owner := owners[i]
		if err := guard.EnsureOwnerDueForRefresh(owner.Key, owner.LastRefreshedAt, now, s.cfg.MinRefreshAge); err != nil {
			run.IncSkipped()
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ownerCtx := s.withLogContext(ctx, owner.Key)
			err := s.refreshOwner(ownerCtx, owner.Key)
			if err != nil {
				s.logSchedulerError(ownerCtx, run, "owner refresh failed", jobRefreshOwners, owner.Key, err)
				mu.Lock()
				jobErr = errors.Join(jobErr, fmt.Errorf("owner %s: %w", owner.Key, err))
				mu.Unlock()
				return nil
			}
			run.AddProcessed(1)
			s.metrics.AddBatchProcessed(jobRefreshOwners, "owners", 1)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return errors.Join(jobErr, err)
	}
	return jobErr
}

func (s *Scheduler) refreshOwner(ctx context.Context, key string) error {
	if err := s.authorizeSystem(ctx, key, authorization.ObjectOwner, authorization.ActionOwnerRefresh); err != nil {
		return err
	}
	_, err := s.refresh.RunOwner(ctx, refreshdomain.RefreshRequest{OwnerKey: key})
	return err
}

func (s *Scheduler) PurgeJobsJob(ctx context.Context) error {
	before := s.clock.Now().Add(-s.refreshCfg.Get().JobRetention)
	n, err := s.refresh.PurgeFinished(ctx, before)
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(int(n))
	s.metrics.AddBatchProcessed(jobPurgeJobs, "refresh_jobs", int(n))
	return nil
}

// OrphanCleanupJob removes canonical products and contents no owner, pool
// or other product references. Rows used within OrphanGrace are kept; a
// refresh that reuses an older row pins it while mapping and retries if the
// row was removed first.
func (s *Scheduler) OrphanCleanupJob(ctx context.Context) error {
	pinned, err := s.pools.ReferencedProductUUIDs(ctx)
	if err != nil {
		return err
	}
	res, err := s.products.PruneOrphans(ctx, pinned, s.clock.Now().Add(-s.cfg.OrphanGrace))
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(res.Products + res.Contents)
	s.metrics.AddBatchProcessed(jobOrphanCleanup, "products", res.Products)
	s.metrics.AddBatchProcessed(jobOrphanCleanup, "contents", res.Contents)
	return nil
}

func (s *Scheduler) authorizeSystem(ctx context.Context, ownerKey string, object string, action string) error {
	if s.authzSvc == nil {
		return nil
	}
	return s.authzSvc.Authorize(ctx, "system", ownerKey, object, action)
}
