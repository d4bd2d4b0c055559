package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/config"
	"github.com/smallbiznis/poolsync/internal/events"
	obsmetrics "github.com/smallbiznis/poolsync/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	orgrepo "github.com/smallbiznis/poolsync/internal/organization/repository"
	orgsvc "github.com/smallbiznis/poolsync/internal/organization/service"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	poolrepo "github.com/smallbiznis/poolsync/internal/pool/repository"
	poolsvc "github.com/smallbiznis/poolsync/internal/pool/service"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	productrepo "github.com/smallbiznis/poolsync/internal/product/repository"
	productsvc "github.com/smallbiznis/poolsync/internal/product/service"
	refreshdomain "github.com/smallbiznis/poolsync/internal/refresh/domain"
	"github.com/smallbiznis/poolsync/internal/refresh/lock"
	schedtesting "github.com/smallbiznis/poolsync/internal/scheduler/testing"
	"github.com/smallbiznis/poolsync/internal/upstream"
	"github.com/smallbiznis/poolsync/pkg/db/dbtest"
	"github.com/smallbiznis/poolsync/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeRefresh records RunOwner calls and fails for owners listed in failFor.
type fakeRefresh struct {
	mu       sync.Mutex
	calls    []string
	failFor  map[string]error
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration

	purgedBefore time.Time
	staleBefore  time.Time
}

func (f *fakeRefresh) Refresh(context.Context, refreshdomain.RefreshRequest) (*refreshdomain.RefreshResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeRefresh) RunOwner(_ context.Context, req refreshdomain.RefreshRequest) (*refreshdomain.Summary, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, req.OwnerKey)
	f.mu.Unlock()
	if err := f.failFor[req.OwnerKey]; err != nil {
		return nil, err
	}
	return &refreshdomain.Summary{OwnerKey: req.OwnerKey}, nil
}

func (f *fakeRefresh) Status(context.Context, string) (*refreshdomain.Job, error) {
	return nil, refreshdomain.ErrJobNotFound
}

func (f *fakeRefresh) Cleanup(context.Context, string) error { return nil }

func (f *fakeRefresh) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	f.purgedBefore = before
	return 3, nil
}

func (f *fakeRefresh) FailStale(_ context.Context, before time.Time) (int64, error) {
	f.staleBefore = before
	return 1, nil
}

func (f *fakeRefresh) ListJobs(context.Context, string, pagination.Pagination) ([]*refreshdomain.Job, *pagination.PageInfo, error) {
	return nil, &pagination.PageInfo{}, nil
}

func (f *fakeRefresh) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	owners   orgdomain.Service
	products productdomain.Service
	refresh  *fakeRefresh
	registry *prometheus.Registry
	sched    *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	models := append(productdomain.Models(),
		&orgdomain.Owner{},
		&pooldomain.Pool{},
		&events.ReconcileEvent{},
	)
	db := dbtest.Open(t, models...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	publisher := events.NewOutboxPublisher(node)

	f := &fixture{db: db, clock: clk, refresh: &fakeRefresh{failFor: map[string]error{}}}
	f.owners = orgsvc.NewService(orgsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo:      orgrepo.NewRepository(db),
		Publisher: publisher,
	})
	f.products = productsvc.New(productsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo: productrepo.Provide(),
	})
	pools := poolsvc.New(poolsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo:      poolrepo.Provide(),
		Publisher: publisher,
	})

	refreshCfg := config.DefaultRefreshConfig()
	refreshCfg.SweepConcurrency = 2
	refreshCfg.JobRetention = 24 * time.Hour

	f.registry = prometheus.NewRegistry()
	f.sched, err = New(Params{
		Log:           log,
		GenID:         node,
		Clock:         clk,
		RefreshConfig: config.NewStaticRefreshConfigHolder(refreshCfg),
		Owners:        f.owners,
		Refresh:       f.refresh,
		Pools:         pools,
		Products:      f.products,
		Locker:        lock.NewKeyedLocker(),
		Metrics: obsmetrics.NewSchedulerMetricsForRegistry(f.registry, obsmetrics.Config{
			ServiceName: "poolsync",
			Environment: "test",
		}),
		Config: cfg,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) owner(t *testing.T, key string) {
	t.Helper()
	_, err := f.owners.Create(context.Background(), orgdomain.CreateOwnerRequest{Key: key})
	require.NoError(t, err)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.sched.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{"service": "poolsync", "env": "test", "job": "timeout_job"}
	assert.Equal(t, float64(1), getCounterValue(t, f.registry, "poolsync_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "poolsync",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, f.registry, "poolsync_scheduler_job_errors_total", errorLabels))
}

func TestRefreshOwnersSweepsDueOwners(t *testing.T) {
	f := newFixture(t, Config{MinRefreshAge: 10 * time.Minute})
	ctx := context.Background()
	for _, key := range []string{"acme", "globex", "initech", "umbrella"} {
		f.owner(t, key)
	}
	accel := schedtesting.NewTimeAccelerator(f.db)
	require.NoError(t, accel.MarkOwnerRefreshed(ctx, "initech", f.clock.Now().Add(-time.Minute)))
	require.NoError(t, accel.MarkOwnerRefreshed(ctx, "umbrella", f.clock.Now().Add(-time.Hour)))

	f.refresh.delay = 20 * time.Millisecond
	f.refresh.failFor["globex"] = upstream.ErrUnavailable

	err := f.sched.runJob(ctx, jobRefreshOwners, time.Minute, f.sched.RefreshOwnersJob)
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrUnavailable)
	assert.Contains(t, err.Error(), "owner globex")

	assert.ElementsMatch(t, []string{"acme", "globex", "umbrella"}, f.refresh.called())
	assert.LessOrEqual(t, f.refresh.peak.Load(), int32(2))

	processed := map[string]string{"service": "poolsync", "env": "test", "job": jobRefreshOwners, "resource": "owners"}
	assert.Equal(t, float64(2), getCounterValue(t, f.registry, "poolsync_scheduler_batch_processed_total", processed))
}

func TestPurgeAndRecoveryUseConfiguredWindows(t *testing.T) {
	f := newFixture(t, Config{RecoveryThreshold: 20 * time.Minute})
	ctx := context.Background()

	require.NoError(t, f.sched.PurgeJobsJob(ctx))
	assert.Equal(t, f.clock.Now().Add(-24*time.Hour), f.refresh.purgedBefore)

	require.NoError(t, f.sched.RecoverStaleJobsJob(ctx))
	assert.Equal(t, f.clock.Now().Add(-20*time.Minute), f.refresh.staleBefore)
}

func TestOrphanCleanupPrunesUnmappedCatalog(t *testing.T) {
	f := newFixture(t, Config{OrphanGrace: time.Hour})
	ctx := context.Background()

	_, err := f.products.Intern(ctx, []*upstream.Subscription{{
		ID:       "sub-1",
		OwnerKey: "acme",
		Quantity: 1,
		Product: &upstream.Product{
			ID: "SKU1", Name: "SKU",
			ProvidedProducts: []*upstream.Product{{
				ID: "ENG1", Name: "Engineering",
				Content: []upstream.ProductContent{{Content: &upstream.Content{ID: "c1", Label: "repo"}, Enabled: true}},
			}},
		},
	}})
	require.NoError(t, err)

	// too young to prune
	require.NoError(t, f.sched.OrphanCleanupJob(ctx))
	var products int64
	require.NoError(t, f.db.Model(&productdomain.Product{}).Count(&products).Error)
	assert.Equal(t, int64(2), products)

	require.NoError(t, schedtesting.NewTimeAccelerator(f.db).AgeCatalog(ctx, f.clock.Now().Add(-2*time.Hour)))
	require.NoError(t, f.sched.OrphanCleanupJob(ctx))

	require.NoError(t, f.db.Model(&productdomain.Product{}).Count(&products).Error)
	assert.Zero(t, products)
	var contents int64
	require.NoError(t, f.db.Model(&productdomain.Content{}).Count(&contents).Error)
	assert.Zero(t, contents)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"PURGE_JOBS"}})
	f.owner(t, "acme")

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Empty(t, f.refresh.called())
	assert.False(t, f.refresh.purgedBefore.IsZero())
	assert.True(t, f.refresh.staleBefore.IsZero())
}

func TestJobLockSkipsWhenHeldElsewhere(t *testing.T) {
	f := newFixture(t, Config{LockWait: 10 * time.Millisecond})
	ctx := context.Background()

	release, err := f.sched.locker.Lock(ctx, jobLockPrefix+jobPurgeJobs)
	require.NoError(t, err)
	defer release()

	ran := false
	err = f.sched.runJob(ctx, jobPurgeJobs, time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestOwnerLockDoesNotBlockJobLock(t *testing.T) {
	f := newFixture(t, Config{LockWait: 10 * time.Millisecond})
	ctx := context.Background()

	// an owner whose key spells a scheduler lock name
	release, err := f.sched.locker.Lock(ctx, lock.OwnerKey(jobLockPrefix+jobPurgeJobs))
	require.NoError(t, err)
	defer release()

	ran := false
	err = f.sched.runJob(ctx, jobPurgeJobs, time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.sched.Start(ctx))
	assert.Equal(t, "@every 1h", f.sched.sweepSpec)
	// idempotent
	require.NoError(t, f.sched.Start(ctx))
	require.NoError(t, f.sched.Stop(ctx))
	require.NoError(t, f.sched.Stop(ctx))
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
