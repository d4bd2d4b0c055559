package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/config"
	entdomain "github.com/smallbiznis/poolsync/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/poolsync/internal/observability/context"
	"github.com/smallbiznis/poolsync/internal/observability/logger"
	"github.com/smallbiznis/poolsync/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	"github.com/smallbiznis/poolsync/internal/refresh/domain"
	"github.com/smallbiznis/poolsync/internal/refresh/lock"
	"github.com/smallbiznis/poolsync/internal/upstream"
	dbutil "github.com/smallbiznis/poolsync/pkg/db"
	"github.com/smallbiznis/poolsync/pkg/db/option"
	"github.com/smallbiznis/poolsync/pkg/db/pagination"
	"github.com/smallbiznis/poolsync/pkg/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	queueCapacity        = 256
	maxReconcileAttempts = 2
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	Config           config.Config
	RefreshConfig    *config.RefreshConfigHolder
	Connector        upstream.Connector
	Owners           orgdomain.Service
	Products         productdomain.Service
	Pools            pooldomain.Service
	Entitlements     entdomain.Service
	Locker           lock.Locker
	Metrics          *metrics.Metrics          `optional:"true"`
	SchedulerMetrics *metrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	refreshCfg   *config.RefreshConfigHolder
	fetchTimeout time.Duration
	jobs         repository.Repository[domain.Job]
	connector    upstream.Connector
	owners       orgdomain.Service
	products     productdomain.Service
	pools        pooldomain.Service
	entitlements entdomain.Service
	locker       lock.Locker
	metrics      *metrics.Metrics
	schedMetrics *metrics.SchedulerMetrics
	tracer       trace.Tracer

	mu      sync.Mutex
	queue   chan string
	running bool
	wg      sync.WaitGroup
}

func New(p Params) *Service {
	timeout := p.Config.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("refresh.service"),
		clock:        p.Clock,
		refreshCfg:   p.RefreshConfig,
		fetchTimeout: timeout,
		jobs:         repository.ProvideStore[domain.Job](p.DB),
		connector:    p.Connector,
		owners:       p.Owners,
		products:     p.Products,
		pools:        p.Pools,
		entitlements: p.Entitlements,
		locker:       p.Locker,
		metrics:      p.Metrics,
		schedMetrics: p.SchedulerMetrics,
		tracer:       otel.Tracer("poolsync/refresh"),
	}
}

// Start launches the worker pool and resumes jobs left behind by a previous process.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.queue = make(chan string, queueCapacity)
	s.running = true
	workers := s.refreshCfg.Get().Workers
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.mu.Unlock()

	s.log.Info("refresh workers started", zap.Int("workers", workers))
	return s.resume(ctx)
}

// Stop drains queued jobs. In-flight refreshes run to completion.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("refresh workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for id := range s.queue {
		s.schedMetrics.SetRefreshQueueDepth(len(s.queue))
		s.runJob(context.Background(), id)
	}
}

func (s *Service) resume(ctx context.Context) error {
	interrupted, err := s.jobs.Find(ctx, &domain.Job{State: domain.StateRunning})
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, job := range interrupted {
		err := s.jobs.Update(ctx, job.ID, map[string]any{
			"state":       domain.StateFailed,
			"error":       "interrupted by restart",
			"finished_at": now,
			"updated_at":  now,
		})
		if err != nil {
			return err
		}
	}

	pending, err := s.jobs.Find(ctx, &domain.Job{State: domain.StateCreated}, option.WithSortBy("created_at", option.ASC))
	if err != nil {
		return err
	}
	for _, job := range pending {
		if err := s.enqueue(job.ID); err != nil {
			return err
		}
	}
	if len(interrupted) > 0 || len(pending) > 0 {
		s.log.Info("refresh jobs resumed",
			zap.Int("failed_interrupted", len(interrupted)),
			zap.Int("requeued", len(pending)),
		)
	}
	return nil
}

func (s *Service) enqueue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return domain.ErrWorkersNotRunning
	}
	select {
	case s.queue <- id:
		s.schedMetrics.SetRefreshQueueDepth(len(s.queue))
		return nil
	default:
		return domain.ErrQueueFull
	}
}

func (s *Service) Refresh(ctx context.Context, req domain.RefreshRequest) (*domain.RefreshResult, error) {
	key := strings.TrimSpace(req.OwnerKey)
	if key == "" {
		return nil, domain.ErrInvalidOwnerKey
	}
	req.OwnerKey = key
	cfg := s.refreshCfg.Get()
	if req.LazyRegen == nil {
		lazy := cfg.LazyRegen
		req.LazyRegen = &lazy
	}

	if !req.CreateJob || cfg.Synchronous {
		if _, err := s.RunOwner(ctx, req); err != nil {
			return nil, err
		}
		return &domain.RefreshResult{Message: domain.RefreshedMessage(key)}, nil
	}

	if !req.AutoCreateOwner {
		if _, err := s.owners.GetByKey(ctx, key); err != nil {
			return nil, err
		}
	}

	active, err := s.activeJob(ctx, key)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &domain.RefreshResult{Job: active}, nil
	}

	now := s.clock.Now()
	job := &domain.Job{
		ID:              ulid.Make().String(),
		OwnerKey:        key,
		State:           domain.StateCreated,
		LazyRegen:       *req.LazyRegen,
		AutoCreateOwner: req.AutoCreateOwner,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		// The active-job index admits one queued or running job per owner;
		// a concurrent request that got there first is reused.
		if dbutil.IsDuplicateKeyErr(err) {
			if active, findErr := s.activeJob(ctx, key); findErr == nil && active != nil {
				return &domain.RefreshResult{Job: active}, nil
			}
		}
		return nil, err
	}
	s.metrics.RecordRefreshJob(ctx, domain.StateCreated)

	if err := s.enqueue(job.ID); err != nil {
		s.finish(ctx, job, nil, err)
		return nil, err
	}
	return &domain.RefreshResult{Job: job}, nil
}

func (s *Service) activeJob(ctx context.Context, key string) (*domain.Job, error) {
	return s.jobs.FindOne(ctx, &domain.Job{OwnerKey: key}, option.WithWhere("state IN ?", []string{domain.StateCreated, domain.StateRunning}))
}

func (s *Service) runJob(ctx context.Context, id string) {
	job, err := s.jobs.FindOne(ctx, &domain.Job{ID: id})
	if err != nil {
		s.log.Error("load refresh job", zap.String("job_id", id), zap.Error(err))
		return
	}
	if job == nil || job.State != domain.StateCreated {
		return
	}

	now := s.clock.Now()
	err = s.jobs.Update(ctx, job.ID, map[string]any{
		"state":      domain.StateRunning,
		"started_at": now,
		"updated_at": now,
	})
	if err != nil {
		s.log.Error("mark refresh job running", zap.String("job_id", id), zap.Error(err))
		return
	}
	s.metrics.RecordRefreshJob(ctx, domain.StateRunning)

	lazy := job.LazyRegen
	ctx = obscontext.WithJobID(ctx, job.ID)
	summary, runErr := s.RunOwner(ctx, domain.RefreshRequest{
		OwnerKey:        job.OwnerKey,
		AutoCreateOwner: job.AutoCreateOwner,
		LazyRegen:       &lazy,
	})
	s.finish(ctx, job, summary, runErr)
}

func (s *Service) finish(ctx context.Context, job *domain.Job, summary *domain.Summary, runErr error) {
	now := s.clock.Now()
	fields := map[string]any{
		"finished_at": now,
		"updated_at":  now,
	}
	if runErr != nil {
		fields["state"] = domain.StateFailed
		fields["error"] = runErr.Error()
	} else {
		fields["state"] = domain.StateFinished
		fields["result_message"] = domain.RefreshedMessage(job.OwnerKey)
		fields["summary"] = summary.Map()
	}
	if err := s.jobs.Update(ctx, job.ID, fields); err != nil {
		s.log.Error("record refresh job outcome", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.metrics.RecordRefreshJob(ctx, fields["state"].(string))
}

func (s *Service) RunOwner(ctx context.Context, req domain.RefreshRequest) (*domain.Summary, error) {
	key := strings.TrimSpace(req.OwnerKey)
	if key == "" {
		return nil, domain.ErrInvalidOwnerKey
	}
	lazy := s.refreshCfg.Get().LazyRegen
	if req.LazyRegen != nil {
		lazy = *req.LazyRegen
	}

	ctx = obscontext.WithOwnerKey(ctx, key)
	log := logger.WithOwner(logger.WithContext(ctx, s.log), key)
	ctx, span := s.tracer.Start(ctx, "refresh.owner", trace.WithAttributes(
		attribute.String("owner_key", key),
		attribute.Bool("lazy_regen", lazy),
	))
	defer span.End()

	started := time.Now()
	log.Info("refresh.job.start", zap.String("job_id", obscontext.JobIDFromContext(ctx)), zap.Bool("lazy_regen", lazy))

	summary, err := s.run(ctx, key, req.AutoCreateOwner, lazy)

	fields := []zap.Field{
		zap.String("job_id", obscontext.JobIDFromContext(ctx)),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		s.schedMetrics.ObserveRefresh(metrics.RefreshOutcomeFailed, time.Since(started))
		fields = append(fields, zap.String("error_type", metrics.ClassifySchedulerErrorType(err)), zap.Error(err))
		log.Warn("refresh.job.finish", fields...)
		return nil, err
	}

	s.schedMetrics.ObserveRefresh(metrics.RefreshOutcomeFinished, time.Since(started))
	s.schedMetrics.AddPoolChanges(metrics.PoolActionCreated, summary.PoolsCreated)
	s.schedMetrics.AddPoolChanges(metrics.PoolActionUpdated, summary.PoolsUpdated)
	s.schedMetrics.AddPoolChanges(metrics.PoolActionDeleted, summary.PoolsDeleted)
	fields = append(fields,
		zap.Int("subscriptions", summary.Subscriptions),
		zap.Int("pools_created", summary.PoolsCreated),
		zap.Int("pools_updated", summary.PoolsUpdated),
		zap.Int("pools_deleted", summary.PoolsDeleted),
		zap.Int("entitlements_revoked", summary.Revoked),
		zap.Int("certificates_regenerated", summary.Regenerated),
	)
	log.Info("refresh.job.finish", fields...)
	return summary, nil
}

// run executes one refresh while holding the owner lock. Nothing is written
// for the owner until the upstream set is fully fetched and interned.
func (s *Service) run(ctx context.Context, key string, autoCreate, lazy bool) (*domain.Summary, error) {
	owner, created, err := s.owners.EnsureByKey(ctx, key, autoCreate)
	if err != nil {
		return nil, err
	}
	summary := &domain.Summary{OwnerKey: key, OwnerCreated: created}

	waitStart := time.Now()
	release, err := s.locker.Lock(ctx, lock.OwnerKey(key))
	if err != nil {
		return nil, err
	}
	defer release()
	s.schedMetrics.ObserveOwnerLockWait(time.Since(waitStart))

	subs, err := s.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	summary.Subscriptions = len(subs)

	for attempt := 1; ; attempt++ {
		err = s.reconcile(ctx, owner, subs, lazy, summary)
		if err == nil {
			return summary, nil
		}
		if !errors.Is(err, productdomain.ErrCatalogPruned) || attempt >= maxReconcileAttempts {
			return nil, err
		}
		logger.WithOwner(logger.WithContext(ctx, s.log), key).Info("catalog row pruned during refresh, re-interning",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// reconcile interns subs and applies them to the owner in one transaction.
func (s *Service) reconcile(ctx context.Context, owner *orgdomain.Owner, subs []*upstream.Subscription, lazy bool, summary *domain.Summary) error {
	internCtx, internSpan := s.tracer.Start(ctx, "refresh.intern")
	catalog, err := s.products.Intern(internCtx, subs)
	internSpan.End()
	if err != nil {
		return err
	}
	summary.ProductsCreated = catalog.Created
	summary.ProductsReused = catalog.Reused

	reconcileCtx, span := s.tracer.Start(ctx, "refresh.reconcile")
	defer span.End()
	err = s.db.WithContext(reconcileCtx).Transaction(func(tx *gorm.DB) error {
		if err := s.products.MapOwner(reconcileCtx, tx, owner.ID, catalog); err != nil {
			return err
		}
		res, err := s.pools.Reconcile(reconcileCtx, tx, pooldomain.ReconcileRequest{
			OwnerID:       owner.ID,
			OwnerKey:      owner.Key,
			Subscriptions: subs,
			Catalog:       catalog,
			Consumption:   s.entitlements,
		})
		if err != nil {
			return err
		}
		summary.PoolsCreated = len(res.Created)
		summary.PoolsUpdated = len(res.Updated)
		summary.PoolsDeleted = len(res.Deleted)
		summary.PoolsChanged = len(res.Changed)
		summary.Revoked = res.Revoked

		// Entitlement certificates are fingerprint-gated, so walking every
		// touched pool only reissues those whose snapshot moved.
		summary.Regenerated, err = s.entitlements.Reconcile(reconcileCtx, tx, entdomain.ReconcileRequest{
			OwnerKey: owner.Key,
			Pools:    res.Touched,
			Force:    !lazy,
		})
		if err != nil {
			return err
		}
		summary.ContentAccess, err = s.entitlements.ReconcileContentAccess(reconcileCtx, tx, entdomain.ContentAccessRequest{
			Owner: owner,
			Pools: res.Touched,
			Force: !lazy,
		})
		if err != nil {
			return err
		}
		return s.owners.MarkRefreshed(reconcileCtx, tx, owner.ID, s.clock.Now())
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *Service) fetch(ctx context.Context, key string) ([]*upstream.Subscription, error) {
	ctx, span := s.tracer.Start(ctx, "refresh.fetch")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	subs, err := s.connector.ListSubscriptions(ctx, key)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, upstream.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", upstream.ErrUnavailable, err)
	}
	return subs, nil
}

func (s *Service) Status(ctx context.Context, id string) (*domain.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrJobNotFound
	}
	job, err := s.jobs.FindOne(ctx, &domain.Job{ID: id})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *Service) Cleanup(ctx context.Context, id string) error {
	job, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	if !job.Terminal() {
		return domain.ErrRefreshInProgress
	}
	return s.jobs.Delete(ctx, job.ID)
}

func (s *Service) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	return s.jobs.DeleteWhere(ctx,
		option.WithWhere("state IN ?", []string{domain.StateFinished, domain.StateFailed}),
		option.WithWhere("updated_at < ?", before),
	)
}

func (s *Service) FailStale(ctx context.Context, before time.Time) (int64, error) {
	stale, err := s.jobs.Find(ctx, &domain.Job{State: domain.StateRunning},
		option.WithWhere("started_at < ?", before),
	)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	for _, job := range stale {
		err := s.jobs.Update(ctx, job.ID, map[string]any{
			"state":       domain.StateFailed,
			"error":       "stale: no progress since " + job.StartedAt.UTC().Format(time.RFC3339),
			"finished_at": now,
			"updated_at":  now,
		})
		if err != nil {
			return 0, err
		}
		s.metrics.RecordRefreshJob(ctx, domain.StateFailed)
	}
	return int64(len(stale)), nil
}

func (s *Service) ListJobs(ctx context.Context, ownerKey string, page pagination.Pagination) ([]*domain.Job, *pagination.PageInfo, error) {
	size := page.Size()
	opts := []option.QueryOption{
		option.WithSortBy("created_at", option.DESC),
		option.WithSortBy("id", option.DESC),
		option.WithLimit(size + 1),
	}
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil || cursor.ID == "" {
			return nil, nil, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, domain.ErrInvalidPageToken
		}
		opts = append(opts, option.WithCursor(createdAt, cursor.ID, option.DESC))
	}

	jobs, err := s.jobs.Find(ctx, &domain.Job{OwnerKey: strings.TrimSpace(ownerKey)}, opts...)
	if err != nil {
		return nil, nil, err
	}
	return pagination.Page(jobs, size, func(job *domain.Job) pagination.Cursor {
		return pagination.Cursor{ID: job.ID, CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})
}
