package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	certdomain "github.com/smallbiznis/poolsync/internal/certificate/domain"
	certrepo "github.com/smallbiznis/poolsync/internal/certificate/repository"
	certsvc "github.com/smallbiznis/poolsync/internal/certificate/service"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/config"
	consumerdomain "github.com/smallbiznis/poolsync/internal/consumer/domain"
	consumerrepo "github.com/smallbiznis/poolsync/internal/consumer/repository"
	consumersvc "github.com/smallbiznis/poolsync/internal/consumer/service"
	entdomain "github.com/smallbiznis/poolsync/internal/entitlement/domain"
	entrepo "github.com/smallbiznis/poolsync/internal/entitlement/repository"
	entsvc "github.com/smallbiznis/poolsync/internal/entitlement/service"
	"github.com/smallbiznis/poolsync/internal/events"
	orgdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	orgrepo "github.com/smallbiznis/poolsync/internal/organization/repository"
	orgsvc "github.com/smallbiznis/poolsync/internal/organization/service"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	poolrepo "github.com/smallbiznis/poolsync/internal/pool/repository"
	poolsvc "github.com/smallbiznis/poolsync/internal/pool/service"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	productrepo "github.com/smallbiznis/poolsync/internal/product/repository"
	productsvc "github.com/smallbiznis/poolsync/internal/product/service"
	"github.com/smallbiznis/poolsync/internal/refresh/domain"
	"github.com/smallbiznis/poolsync/internal/refresh/lock"
	"github.com/smallbiznis/poolsync/internal/upstream"
	"github.com/smallbiznis/poolsync/internal/upstream/memory"
	"github.com/smallbiznis/poolsync/internal/upstream/mock"
	dbutil "github.com/smallbiznis/poolsync/pkg/db"
	"github.com/smallbiznis/poolsync/pkg/db/dbtest"
	"github.com/smallbiznis/poolsync/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db           *gorm.DB
	clock        *clock.FakeClock
	upstream     *memory.Connector
	svc          *Service
	owners       orgdomain.Service
	consumers    consumerdomain.Service
	pools        pooldomain.Service
	entitlements entdomain.Service
	certs        certdomain.Service
}

func newFixture(t *testing.T, connector upstream.Connector) *fixture {
	t.Helper()
	models := append(productdomain.Models(),
		&pooldomain.Pool{},
		&consumerdomain.Consumer{},
		&orgdomain.Owner{},
		&certdomain.Serial{},
		&certdomain.Certificate{},
		&entdomain.Entitlement{},
		&events.ReconcileEvent{},
		&domain.Job{},
	)
	db := dbtest.Open(t, models...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	publisher := events.NewOutboxPublisher(node)
	locker := lock.NewKeyedLocker()

	f := &fixture{db: db, clock: clk}
	if connector == nil {
		mem, err := memory.New()
		require.NoError(t, err)
		f.upstream = mem
		connector = mem
	}

	f.owners = orgsvc.NewService(orgsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo:      orgrepo.NewRepository(db),
		Publisher: publisher,
	})
	f.consumers = consumersvc.NewService(consumersvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo: consumerrepo.NewRepository(db),
	})
	products := productsvc.New(productsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo: productrepo.Provide(),
	})
	f.pools = poolsvc.New(poolsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo:      poolrepo.Provide(),
		Publisher: publisher,
	})
	f.certs = certsvc.New(certsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Config: config.Config{CertSigningSecret: "test-secret"},
		Repo:   certrepo.Provide(),
	})
	f.entitlements = entsvc.New(entsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo:         entrepo.Provide(),
		Pools:        f.pools,
		Products:     products,
		Consumers:    f.consumers,
		Owners:       f.owners,
		Certificates: f.certs,
		Publisher:    publisher,
		Locker:       locker,
	})
	f.svc = New(Params{
		DB:            db,
		Log:           log,
		Clock:         clk,
		Config:        config.Config{UpstreamTimeout: time.Second},
		RefreshConfig: config.NewStaticRefreshConfigHolder(config.DefaultRefreshConfig()),
		Connector:     connector,
		Owners:        f.owners,
		Products:      products,
		Pools:         f.pools,
		Entitlements:  f.entitlements,
		Locker:        locker,
	})
	return f
}

func subscription(id string, qty int64, product *upstream.Product) *upstream.Subscription {
	return &upstream.Subscription{
		ID:        id,
		OwnerKey:  "acme",
		Product:   product,
		Quantity:  qty,
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func sku(id, engID string, attrs map[string]string) *upstream.Product {
	content := &upstream.Content{ID: "c-" + engID, Type: "yum", Label: engID, Name: engID, Vendor: "acme", ContentURL: "/content/" + engID}
	eng := &upstream.Product{ID: engID, Name: engID, Content: []upstream.ProductContent{{Content: content, Enabled: true}}}
	return &upstream.Product{ID: id, Name: id, Attributes: attrs, ProvidedProducts: []*upstream.Product{eng}}
}

func boolPtr(v bool) *bool { return &v }

func (f *fixture) ownerPools(t *testing.T) []pooldomain.Pool {
	t.Helper()
	owner, err := f.owners.GetByKey(context.Background(), "acme")
	require.NoError(t, err)
	items, err := f.pools.List(context.Background(), owner.ID, pooldomain.ListFilter{})
	require.NoError(t, err)
	return items
}

func TestSynchronousRefreshIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.upstream.Put(
		subscription("sub-1", 5, sku("SKU1", "ENG1", nil)),
		subscription("sub-2", 5, sku("SKU2", "ENG2", nil)),
	))

	res, err := f.svc.Refresh(ctx, domain.RefreshRequest{OwnerKey: "acme", AutoCreateOwner: true})
	require.NoError(t, err)
	assert.Nil(t, res.Job)
	assert.Equal(t, "Pools refreshed for owner: acme", res.Message)
	assert.Len(t, f.ownerPools(t), 2)

	var products int64
	require.NoError(t, f.db.Model(&productdomain.Product{}).Count(&products).Error)
	assert.Equal(t, int64(4), products)

	summary, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme"})
	require.NoError(t, err)
	assert.False(t, summary.OwnerCreated)
	assert.Zero(t, summary.PoolsCreated)
	assert.Zero(t, summary.PoolsUpdated)
	assert.Zero(t, summary.PoolsDeleted)
	assert.Zero(t, summary.Regenerated)
	assert.Equal(t, 4, summary.ProductsReused)

	owner, err := f.owners.GetByKey(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, owner.LastRefreshedAt)
}

func TestRefreshUnknownOwner(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Refresh(context.Background(), domain.RefreshRequest{OwnerKey: "ghost"})
	assert.ErrorIs(t, err, orgdomain.ErrNotFound)

	_, err = f.svc.Refresh(context.Background(), domain.RefreshRequest{OwnerKey: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidOwnerKey)
}

func TestUpstreamFailureLeavesPriorState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.upstream.Put(subscription("sub-1", 5, sku("SKU1", "ENG1", nil))))
	_, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme", AutoCreateOwner: true})
	require.NoError(t, err)
	before := f.ownerPools(t)

	require.NoError(t, f.upstream.Delete("sub-1"))
	f.upstream.Fail(errors.New("connection reset"))
	_, err = f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme"})
	assert.ErrorIs(t, err, upstream.ErrUnavailable)

	after := f.ownerPools(t)
	require.Len(t, after, len(before))
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.Equal(t, before[0].Quantity, after[0].Quantity)
}

func TestConnectorErrorsAreClassifiedUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mock.NewMockConnector(ctrl)
	connector.EXPECT().
		ListSubscriptions(gomock.Any(), "acme").
		Return(nil, errors.New("dial tcp: refused"))

	f := newFixture(t, connector)
	_, err := f.svc.RunOwner(context.Background(), domain.RefreshRequest{OwnerKey: "acme", AutoCreateOwner: true})
	assert.ErrorIs(t, err, upstream.ErrUnavailable)
}

func TestInvalidAttributeRejectsRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.upstream.Put(subscription("sub-1", 5, sku("SKU1", "ENG1", map[string]string{"virt_limit": "2"}))))
	_, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme", AutoCreateOwner: true})
	require.NoError(t, err)
	require.Len(t, f.ownerPools(t), 2)

	require.NoError(t, f.upstream.Put(subscription("sub-1", 5, sku("SKU1", "ENG1", map[string]string{"virt_limit": "many"}))))
	_, err = f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme"})
	assert.ErrorIs(t, err, productdomain.ErrInvalidAttribute)
	assert.Len(t, f.ownerPools(t), 2)
}

func TestEagerRegenerationRotatesSerials(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.upstream.Put(subscription("sub-1", 5, sku("SKU1", "ENG1", nil))))
	_, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme", AutoCreateOwner: true})
	require.NoError(t, err)

	owner, err := f.owners.GetByKey(ctx, "acme")
	require.NoError(t, err)
	c, err := f.consumers.Register(ctx, consumerdomain.RegisterRequest{OwnerID: owner.ID, Name: "host"})
	require.NoError(t, err)
	ent, err := f.entitlements.Consume(ctx, entdomain.ConsumeRequest{ConsumerUUID: c.UUID, PoolID: f.ownerPools(t)[0].ID})
	require.NoError(t, err)

	serial := func() snowflake.ID {
		certs, err := f.certs.ListByEntitlement(ctx, nil, ent.ID)
		require.NoError(t, err)
		require.Len(t, certs, 1)
		return certs[0].SerialID
	}
	first := serial()

	summary, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme", LazyRegen: boolPtr(true)})
	require.NoError(t, err)
	assert.Zero(t, summary.Regenerated)
	assert.Equal(t, first, serial())

	summary, err = f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme", LazyRegen: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Regenerated)
	assert.NotEqual(t, first, serial())
}

func TestExpiredSubscriptionCascades(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.upstream.Put(subscription("sub-1", 5, sku("SKU1", "ENG1", map[string]string{"virt_limit": "1"}))))
	_, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme", AutoCreateOwner: true})
	require.NoError(t, err)
	require.Len(t, f.ownerPools(t), 2)

	f.clock.Set(time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC))
	summary, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PoolsDeleted)
	assert.Empty(t, f.ownerPools(t))
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.upstream.Put(subscription("sub-1", 5, sku("SKU1", "ENG1", nil))))
	require.NoError(t, f.svc.Start(ctx))
	defer func() { _ = f.svc.Stop(ctx) }()

	res, err := f.svc.Refresh(ctx, domain.RefreshRequest{OwnerKey: "acme", CreateJob: true, AutoCreateOwner: true})
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	assert.Equal(t, domain.StateCreated, res.Job.State)

	var job *domain.Job
	require.Eventually(t, func() bool {
		job, err = f.svc.Status(ctx, res.Job.ID)
		return err == nil && job.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StateFinished, job.State)
	assert.Equal(t, "Pools refreshed for owner: acme", job.ResultMessage)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)
	assert.EqualValues(t, 1, job.Summary["pools_created"])

	jobs, _, err := f.svc.ListJobs(ctx, "acme", pagination.Pagination{PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, f.svc.Cleanup(ctx, job.ID))
	_, err = f.svc.Status(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestFailedJobReportsCause(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.upstream.Fail(errors.New("maintenance"))
	require.NoError(t, f.svc.Start(ctx))
	defer func() { _ = f.svc.Stop(ctx) }()

	res, err := f.svc.Refresh(ctx, domain.RefreshRequest{OwnerKey: "acme", CreateJob: true, AutoCreateOwner: true})
	require.NoError(t, err)

	var job *domain.Job
	require.Eventually(t, func() bool {
		job, err = f.svc.Status(ctx, res.Job.ID)
		return err == nil && job.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StateFailed, job.State)
	assert.Contains(t, job.Error, "upstream_unavailable")
}

func TestActiveJobIsReusedAndNotCleaned(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.owners.Create(ctx, orgdomain.CreateOwnerRequest{Key: "acme"})
	require.NoError(t, err)

	active := &domain.Job{ID: "01JOBACTIVE", OwnerKey: "acme", State: domain.StateRunning, CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now()}
	require.NoError(t, f.db.Create(active).Error)

	res, err := f.svc.Refresh(ctx, domain.RefreshRequest{OwnerKey: "acme", CreateJob: true})
	require.NoError(t, err)
	assert.Equal(t, active.ID, res.Job.ID)

	assert.ErrorIs(t, f.svc.Cleanup(ctx, active.ID), domain.ErrRefreshInProgress)
	assert.ErrorIs(t, f.svc.Cleanup(ctx, "missing"), domain.ErrJobNotFound)
}

func TestCreateJobRequiresWorkers(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Refresh(context.Background(), domain.RefreshRequest{OwnerKey: "acme", CreateJob: true, AutoCreateOwner: true})
	assert.ErrorIs(t, err, domain.ErrWorkersNotRunning)

	jobs, _, err := f.svc.ListJobs(context.Background(), "acme", pagination.Pagination{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StateFailed, jobs[0].State)
}

func TestPurgeFinished(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	old := f.clock.Now().Add(-10 * 24 * time.Hour)
	recent := f.clock.Now()
	rows := []*domain.Job{
		{ID: "old-finished", OwnerKey: "acme", State: domain.StateFinished, CreatedAt: old, UpdatedAt: old},
		{ID: "old-failed", OwnerKey: "acme", State: domain.StateFailed, CreatedAt: old, UpdatedAt: old},
		{ID: "old-running", OwnerKey: "acme", State: domain.StateRunning, CreatedAt: old, UpdatedAt: old},
		{ID: "recent", OwnerKey: "acme", State: domain.StateFinished, CreatedAt: recent, UpdatedAt: recent},
	}
	for _, r := range rows {
		require.NoError(t, f.db.Create(r).Error)
	}

	n, err := f.svc.PurgeFinished(ctx, f.clock.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	jobs, _, err := f.svc.ListJobs(ctx, "acme", pagination.Pagination{PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestResumeFailsInterruptedJobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := f.clock.Now()
	require.NoError(t, f.db.Create(&domain.Job{ID: "stuck", OwnerKey: "acme", State: domain.StateRunning, CreatedAt: now, UpdatedAt: now}).Error)

	require.NoError(t, f.svc.Start(ctx))
	defer func() { _ = f.svc.Stop(ctx) }()

	job, err := f.svc.Status(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, job.State)
	assert.Equal(t, "interrupted by restart", job.Error)
}

// countingConnector records how many fetches run at once per owner.
type countingConnector struct {
	mu      sync.Mutex
	current map[string]int
	peak    map[string]int
	calls   atomic.Int32
}

func (c *countingConnector) ListSubscriptions(_ context.Context, ownerKey string) ([]*upstream.Subscription, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.current[ownerKey]++
	if c.current[ownerKey] > c.peak[ownerKey] {
		c.peak[ownerKey] = c.current[ownerKey]
	}
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	c.current[ownerKey]--
	c.mu.Unlock()
	return nil, nil
}

func TestSameOwnerRefreshesAreSerialized(t *testing.T) {
	connector := &countingConnector{current: map[string]int{}, peak: map[string]int{}}
	f := newFixture(t, connector)
	ctx := context.Background()
	_, err := f.owners.Create(ctx, orgdomain.CreateOwnerRequest{Key: "acme"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 4, connector.calls.Load())
	assert.Equal(t, 1, connector.peak["acme"])
}

func TestFailStale(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := f.clock.Now()
	longAgo := now.Add(-2 * time.Hour)
	recently := now.Add(-time.Minute)
	rows := []*domain.Job{
		{ID: "stale", OwnerKey: "acme", State: domain.StateRunning, StartedAt: &longAgo, CreatedAt: longAgo, UpdatedAt: longAgo},
		{ID: "busy", OwnerKey: "globex", State: domain.StateRunning, StartedAt: &recently, CreatedAt: recently, UpdatedAt: recently},
	}
	for _, r := range rows {
		require.NoError(t, f.db.Create(r).Error)
	}

	n, err := f.svc.FailStale(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stale, err := f.svc.Status(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, stale.State)
	assert.Contains(t, stale.Error, "stale")

	busy, err := f.svc.Status(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, busy.State)
}

func TestListJobsPages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	base := f.clock.Now()
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.db.Create(&domain.Job{ID: id, OwnerKey: "acme", State: domain.StateFinished, CreatedAt: at, UpdatedAt: at}).Error)
	}

	first, info, err := f.svc.ListJobs(ctx, "acme", pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "job-c", first[0].ID)
	assert.Equal(t, "job-b", first[1].ID)
	require.True(t, info.HasMore)
	require.NotEmpty(t, info.NextPageToken)

	rest, info, err := f.svc.ListJobs(ctx, "acme", pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "job-a", rest[0].ID)
	assert.False(t, info.HasMore)

	_, _, err = f.svc.ListJobs(ctx, "acme", pagination.Pagination{PageToken: "not-a-cursor"})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func (f *fixture) poolsOf(t *testing.T, key string) []pooldomain.Pool {
	t.Helper()
	owner, err := f.owners.GetByKey(context.Background(), key)
	require.NoError(t, err)
	items, err := f.pools.List(context.Background(), owner.ID, pooldomain.ListFilter{})
	require.NoError(t, err)
	return items
}

func TestMigratedSubscriptionLeavesPreviousOwner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	moved := subscription("sub-1", 5, sku("SKU1", "ENG1", nil))
	kept := subscription("sub-2", 5, sku("SKU2", "ENG2", nil))
	kept.OwnerKey = "globex"
	require.NoError(t, f.upstream.Put(moved, kept))

	_, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme", AutoCreateOwner: true})
	require.NoError(t, err)
	_, err = f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "globex", AutoCreateOwner: true})
	require.NoError(t, err)
	require.Len(t, f.poolsOf(t, "acme"), 1)

	owner, err := f.owners.GetByKey(ctx, "acme")
	require.NoError(t, err)
	c, err := f.consumers.Register(ctx, consumerdomain.RegisterRequest{OwnerID: owner.ID, Name: "host"})
	require.NoError(t, err)
	ent, err := f.entitlements.Consume(ctx, entdomain.ConsumeRequest{ConsumerUUID: c.UUID, PoolID: f.poolsOf(t, "acme")[0].ID})
	require.NoError(t, err)

	moved.OwnerKey = "globex"
	require.NoError(t, f.upstream.Put(moved))

	// only the new owner refreshes
	summary, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "globex"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PoolsCreated)
	assert.Equal(t, 1, summary.PoolsDeleted)
	assert.Equal(t, 1, summary.Revoked)

	assert.Empty(t, f.poolsOf(t, "acme"))
	subs := []string{}
	for _, p := range f.poolsOf(t, "globex") {
		subs = append(subs, *p.SubscriptionID)
	}
	assert.ElementsMatch(t, []string{"sub-1", "sub-2"}, subs)

	_, err = f.entitlements.Get(ctx, ent.ID)
	assert.ErrorIs(t, err, entdomain.ErrNotFound)
}

func TestDroppedProductLeavesOwnerCatalog(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.upstream.Put(
		subscription("sub-1", 5, sku("SKU1", "ENG1", nil)),
		subscription("sub-2", 5, sku("SKU2", "ENG2", nil)),
	))
	_, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme", AutoCreateOwner: true})
	require.NoError(t, err)
	owner, err := f.owners.GetByKey(ctx, "acme")
	require.NoError(t, err)
	_, err = f.svc.products.GetOwnerProduct(ctx, owner.ID, "SKU2")
	require.NoError(t, err)

	require.NoError(t, f.upstream.Delete("sub-2"))
	_, err = f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme"})
	require.NoError(t, err)

	for _, id := range []string{"SKU2", "ENG2"} {
		_, err = f.svc.products.GetOwnerProduct(ctx, owner.ID, id)
		assert.ErrorIs(t, err, productdomain.ErrNotFound, id)
	}
	_, err = f.svc.products.GetOwnerContent(ctx, owner.ID, "c-ENG2")
	assert.ErrorIs(t, err, productdomain.ErrContentNotFound)

	items, err := f.svc.products.ListOwnerProducts(ctx, owner.ID)
	require.NoError(t, err)
	ids := []string{}
	for _, p := range items {
		ids = append(ids, p.ProductID)
	}
	assert.ElementsMatch(t, []string{"SKU1", "ENG1"}, ids)
}

// pruneAfterIntern runs orphan cleanup once, right after the first intern,
// the way the scheduler can between a refresh's intern and its mapping.
type pruneAfterIntern struct {
	productdomain.Service
	usedBefore time.Time
	once       sync.Once
	pruned     productdomain.PruneResult
	pruneErr   error
}

func (p *pruneAfterIntern) Intern(ctx context.Context, subs []*upstream.Subscription) (*productdomain.Catalog, error) {
	cat, err := p.Service.Intern(ctx, subs)
	if err != nil {
		return nil, err
	}
	p.once.Do(func() {
		p.pruned, p.pruneErr = p.Service.PruneOrphans(ctx, nil, p.usedBefore)
	})
	return cat, nil
}

func TestRefreshReinternsPrunedCatalogRows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	original := sku("SKU1", "ENG1", nil)
	require.NoError(t, f.upstream.Put(subscription("sub-1", 5, original)))
	_, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme", AutoCreateOwner: true})
	require.NoError(t, err)

	renamed := sku("SKU1", "ENG1", nil)
	renamed.Name = "SKU1 v2"
	require.NoError(t, f.upstream.Put(subscription("sub-1", 5, renamed)))
	_, err = f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme"})
	require.NoError(t, err)

	// The original row is unmapped and idle; reverting upstream reuses it.
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.upstream.Put(subscription("sub-1", 5, original)))
	wrapped := &pruneAfterIntern{Service: f.svc.products, usedBefore: f.clock.Now().Add(-time.Hour)}
	f.svc.products = wrapped

	summary, err := f.svc.RunOwner(ctx, domain.RefreshRequest{OwnerKey: "acme"})
	require.NoError(t, err)
	require.NoError(t, wrapped.pruneErr)
	assert.Equal(t, 1, wrapped.pruned.Products)
	assert.Equal(t, 1, summary.ProductsCreated)

	owner, err := f.owners.GetByKey(ctx, "acme")
	require.NoError(t, err)
	detail, err := f.svc.products.GetOwnerProduct(ctx, owner.ID, "SKU1")
	require.NoError(t, err)
	assert.Equal(t, "SKU1", detail.Product.Name)

	pools := f.ownerPools(t)
	require.Len(t, pools, 1)
	assert.Equal(t, detail.Product.ID, pools[0].ProductUUID)
	var count int64
	require.NoError(t, f.db.Model(&productdomain.Product{}).Where("id = ?", pools[0].ProductUUID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// gatedConnector holds every fetch until the gate opens.
type gatedConnector struct {
	gate chan struct{}
}

func (g *gatedConnector) ListSubscriptions(ctx context.Context, _ string) ([]*upstream.Subscription, error) {
	select {
	case <-g.gate:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestConcurrentJobRequestsShareOneJob(t *testing.T) {
	connector := &gatedConnector{gate: make(chan struct{})}
	f := newFixture(t, connector)
	ctx := context.Background()
	_, err := f.owners.Create(ctx, orgdomain.CreateOwnerRequest{Key: "acme"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(ctx))
	defer func() { _ = f.svc.Stop(ctx) }()

	const callers = 8
	var wg sync.WaitGroup
	ids := make(chan string, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Refresh(ctx, domain.RefreshRequest{OwnerKey: "acme", CreateJob: true})
			if err != nil {
				errs <- err
				return
			}
			ids <- res.Job.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	var total int64
	require.NoError(t, f.db.Model(&domain.Job{}).Where("owner_key = ?", "acme").Count(&total).Error)
	assert.Equal(t, int64(1), total)

	close(connector.gate)
	for id := range seen {
		require.Eventually(t, func() bool {
			job, err := f.svc.Status(ctx, id)
			return err == nil && job.State == domain.StateFinished
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestSecondActiveJobIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	now := f.clock.Now()
	require.NoError(t, f.db.Create(&domain.Job{ID: "queued", OwnerKey: "acme", State: domain.StateCreated, CreatedAt: now, UpdatedAt: now}).Error)

	err := f.db.Create(&domain.Job{ID: "running", OwnerKey: "acme", State: domain.StateRunning, CreatedAt: now, UpdatedAt: now}).Error
	assert.True(t, dbutil.IsDuplicateKeyErr(err), "got %v", err)

	// terminal jobs and other owners are unaffected
	require.NoError(t, f.db.Create(&domain.Job{ID: "done", OwnerKey: "acme", State: domain.StateFinished, CreatedAt: now, UpdatedAt: now}).Error)
	require.NoError(t, f.db.Create(&domain.Job{ID: "other", OwnerKey: "globex", State: domain.StateRunning, CreatedAt: now, UpdatedAt: now}).Error)
}
