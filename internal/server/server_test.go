package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/poolsync/internal/authorization"
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
	"github.com/smallbiznis/poolsync/internal/observability"
	orgdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	orgrepo "github.com/smallbiznis/poolsync/internal/organization/repository"
	orgsvc "github.com/smallbiznis/poolsync/internal/organization/service"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	poolrepo "github.com/smallbiznis/poolsync/internal/pool/repository"
	poolsvc "github.com/smallbiznis/poolsync/internal/pool/service"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	productrepo "github.com/smallbiznis/poolsync/internal/product/repository"
	productsvc "github.com/smallbiznis/poolsync/internal/product/service"
	"github.com/smallbiznis/poolsync/internal/ratelimit"
	refreshdomain "github.com/smallbiznis/poolsync/internal/refresh/domain"
	"github.com/smallbiznis/poolsync/internal/refresh/lock"
	refreshsvc "github.com/smallbiznis/poolsync/internal/refresh/service"
	"github.com/smallbiznis/poolsync/internal/upstream"
	"github.com/smallbiznis/poolsync/internal/upstream/memory"
	"github.com/smallbiznis/poolsync/pkg/db/dbtest"
	"github.com/smallbiznis/poolsync/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type authzCall struct {
	actor, owner, object, action string
}

type fakeAuthz struct {
	mu    sync.Mutex
	deny  map[string]bool
	calls []authzCall
}

func (f *fakeAuthz) Authorize(ctx context.Context, actor, ownerKey, object, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, authzCall{actor: actor, owner: ownerKey, object: object, action: action})
	if f.deny[actor] {
		return authorization.ErrForbidden
	}
	return nil
}

type testServer struct {
	srv      *Server
	db       *gorm.DB
	engine   *gin.Engine
	upstream *memory.Connector
	authz    *fakeAuthz
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	models := append(productdomain.Models(),
		&pooldomain.Pool{},
		&consumerdomain.Consumer{},
		&orgdomain.Owner{},
		&certdomain.Serial{},
		&certdomain.Certificate{},
		&entdomain.Entitlement{},
		&events.ReconcileEvent{},
		&refreshdomain.Job{},
	)
	db := dbtest.Open(t, models...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	publisher := events.NewOutboxPublisher(node)
	locker := lock.NewKeyedLocker()
	mem, err := memory.New()
	require.NoError(t, err)

	owners := orgsvc.NewService(orgsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo:      orgrepo.NewRepository(db),
		Publisher: publisher,
	})
	consumers := consumersvc.NewService(consumersvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo: consumerrepo.NewRepository(db),
	})
	products := productsvc.New(productsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo: productrepo.Provide(),
	})
	pools := poolsvc.New(poolsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo:      poolrepo.Provide(),
		Publisher: publisher,
	})
	certs := certsvc.New(certsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Config: config.Config{CertSigningSecret: "test-secret"},
		Repo:   certrepo.Provide(),
	})
	entitlements := entsvc.New(entsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo:         entrepo.Provide(),
		Pools:        pools,
		Products:     products,
		Consumers:    consumers,
		Owners:       owners,
		Certificates: certs,
		Publisher:    publisher,
		Locker:       locker,
	})
	refresh := refreshsvc.New(refreshsvc.Params{
		DB:            db,
		Log:           log,
		Clock:         clk,
		Config:        config.Config{UpstreamTimeout: time.Second},
		RefreshConfig: config.NewStaticRefreshConfigHolder(config.DefaultRefreshConfig()),
		Connector:     mem,
		Owners:        owners,
		Products:      products,
		Pools:         pools,
		Entitlements:  entitlements,
		Locker:        locker,
	})

	authz := &fakeAuthz{deny: map[string]bool{}}
	srv := NewServer(ServerParams{
		Gin:            NewEngine(observability.Config{}, nil),
		Cfg:            cfg,
		DB:             db,
		Log:            log,
		AuthzSvc:       authz,
		OwnerSvc:       owners,
		RefreshSvc:     refresh,
		PoolSvc:        pools,
		ProductSvc:     products,
		ConsumerSvc:    consumers,
		EntitlementSvc: entitlements,
		CertificateSvc: certs,
	})

	return &testServer{srv: srv, db: db, engine: srv.Engine(), upstream: mem, authz: authz}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out.Error
}

func seedSubscription(t *testing.T, ts *testServer, qty int64) {
	t.Helper()
	content := &upstream.Content{ID: "c-ENG1", Type: "yum", Label: "eng1", Name: "eng1", Vendor: "acme", ContentURL: "/content/eng1"}
	eng := &upstream.Product{ID: "ENG1", Name: "Engineering 1", Content: []upstream.ProductContent{{Content: content, Enabled: true}}}
	require.NoError(t, ts.upstream.Put(&upstream.Subscription{
		ID:        "sub-1",
		OwnerKey:  "acme",
		Product:   &upstream.Product{ID: "SKU1", Name: "Premium", ProvidedProducts: []*upstream.Product{eng}},
		Quantity:  qty,
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func refreshNow(t *testing.T, ts *testServer) {
	t.Helper()
	rec := ts.do(t, http.MethodPut, "/owners/acme/subscriptions?create_job=false&auto_create_owner=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func onlyPool(t *testing.T, ts *testServer) pooldomain.PoolResponse {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/owners/acme/pools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	items := decode[[]pooldomain.PoolResponse](t, rec)
	require.Len(t, items, 1)
	return items[0]
}

func registerConsumer(t *testing.T, ts *testServer, facts map[string]string) consumerdomain.Consumer {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/owners/acme/consumers", map[string]any{"name": "host-1", "facts": facts}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[consumerdomain.Consumer](t, rec)
}

func TestSynchronousRefreshReturnsMessage(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	seedSubscription(t, ts, 5)

	rec := ts.do(t, http.MethodPut, "/owners/acme/subscriptions?create_job=false&auto_create_owner=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "Pools refreshed for owner: acme", body["message"])

	pool := onlyPool(t, ts)
	assert.Equal(t, "SKU1", pool.ProductID)
	assert.Equal(t, int64(5), pool.Quantity)

	rec = ts.do(t, http.MethodGet, "/owners/acme/pools?product=ENG1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]pooldomain.PoolResponse](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/owners/acme/pools?product=OTHER", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]pooldomain.PoolResponse](t, rec))

	rec = ts.do(t, http.MethodGet, "/pools/"+pool.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pool.ID, decode[pooldomain.PoolResponse](t, rec).ID)
}

func TestProductAndContentLookups(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	seedSubscription(t, ts, 5)
	refreshNow(t, ts)

	rec := ts.do(t, http.MethodGet, "/owners/acme/products/SKU1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decode[productdomain.ProductDetail](t, rec)
	assert.Equal(t, "SKU1", detail.Product.ProductID)
	require.Len(t, detail.Provided, 1)
	assert.Equal(t, "ENG1", detail.Provided[0].ProductID)

	rec = ts.do(t, http.MethodGet, "/owners/acme/content/c-ENG1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/owners/acme/products/ENG1/pools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]pooldomain.PoolResponse](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/owners/acme/products/MISSING", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/owners/acme/content/MISSING", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshErrors(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(t, http.MethodPut, "/owners/ghost/subscriptions?create_job=false", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodPut, "/owners/acme/subscriptions?lazy_regen=maybe", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "lazy_regen", payload.Errors[0].Field)

	// No workers are running in tests, so asynchronous refreshes are refused.
	rec = ts.do(t, http.MethodPut, "/owners/acme/subscriptions?auto_create_owner=true", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.upstream.Fail(upstream.ErrUnavailable)
	rec = ts.do(t, http.MethodPut, "/owners/acme/subscriptions?create_job=false&auto_create_owner=true", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type stingyBucket struct {
	calls int
}

func (b *stingyBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*ratelimit.Result, error) {
	b.calls++
	if b.calls > burst {
		return &ratelimit.Result{Limit: burst, RetryAfter: 1500 * time.Millisecond}, nil
	}
	return &ratelimit.Result{Allowed: true, Limit: burst, Remaining: burst - b.calls}, nil
}

func TestRefreshRateLimited(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	seedSubscription(t, ts, 5)
	limiter, err := ratelimit.NewRefreshLimiter(&stingyBucket{}, 1, 1, zap.NewNop())
	require.NoError(t, err)
	ts.srv.refreshLimiter = limiter

	refreshNow(t, ts)

	rec := ts.do(t, http.MethodPut, "/owners/acme/subscriptions?create_job=false", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestConsumeListAndRevoke(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	seedSubscription(t, ts, 5)
	refreshNow(t, ts)
	pool := onlyPool(t, ts)
	consumer := registerConsumer(t, ts, nil)

	rec := ts.do(t, http.MethodPost, "/consumers/"+consumer.UUID+"/entitlements?pool="+pool.ID+"&quantity=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ent := decode[entdomain.EntitlementResponse](t, rec)
	assert.Equal(t, int64(2), ent.Quantity)
	assert.Equal(t, pool.ID, ent.PoolID)

	rec = ts.do(t, http.MethodGet, "/consumers/"+consumer.UUID+"/entitlements", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]entdomain.EntitlementResponse](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/pools/"+pool.ID+"/entitlements", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]entdomain.EntitlementResponse](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/consumers/"+consumer.UUID+"/certificates", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	certs := decode[[]certdomain.CertificateResponse](t, rec)
	require.Len(t, certs, 1)
	require.NotNil(t, certs[0].Payload)
	require.NotEmpty(t, certs[0].Payload.Products)
	assert.Equal(t, "acme", certs[0].Payload.Owner.Key)

	rec = ts.do(t, http.MethodPost, "/consumers/"+consumer.UUID+"/entitlements?pool="+pool.ID+"&quantity=10", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/entitlements/"+ent.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/entitlements/"+ent.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/entitlements/"+ent.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConsumeWithoutPoolOrDevSKU(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	seedSubscription(t, ts, 5)
	refreshNow(t, ts)
	consumer := registerConsumer(t, ts, nil)

	rec := ts.do(t, http.MethodPost, "/consumers/"+consumer.UUID+"/entitlements", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/consumers/"+consumer.UUID+"/entitlements?pool=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/consumers/missing/entitlements?pool=1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterConsumerValidation(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	seedSubscription(t, ts, 5)
	refreshNow(t, ts)

	rec := ts.do(t, http.MethodPost, "/owners/acme/consumers", map[string]any{"name": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/owners/ghost/consumers", map[string]any{"name": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobEndpoints(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ts.db.Create(&refreshdomain.Job{
		ID: "job-done", OwnerKey: "acme", State: refreshdomain.StateFinished,
		CreatedAt: now, UpdatedAt: now,
	}).Error)
	require.NoError(t, ts.db.Create(&refreshdomain.Job{
		ID: "job-running", OwnerKey: "acme", State: refreshdomain.StateRunning,
		CreatedAt: now, UpdatedAt: now, StartedAt: &now,
	}).Error)

	rec := ts.do(t, http.MethodGet, "/jobs/job-done", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, refreshdomain.StateFinished, decode[refreshdomain.Job](t, rec).State)

	rec = ts.do(t, http.MethodGet, "/owners/acme/jobs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]refreshdomain.Job](t, rec), 2)

	rec = ts.do(t, http.MethodGet, "/owners/acme/jobs?page_size=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var paged struct {
		Data     []refreshdomain.Job `json:"data"`
		PageInfo pagination.PageInfo `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paged))
	assert.Len(t, paged.Data, 1)
	assert.True(t, paged.PageInfo.HasMore)

	rec = ts.do(t, http.MethodGet, "/owners/acme/jobs?page_token=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/jobs/job-running", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/jobs/job-done", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/jobs/job-done", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthorizationEnforcedWhenEnabled(t *testing.T) {
	ts := newTestServer(t, config.Config{AuthzEnabled: true})
	seedSubscription(t, ts, 5)

	rec := ts.do(t, http.MethodPut, "/owners/acme/subscriptions?create_job=false&auto_create_owner=true", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	system := map[string]string{HeaderActor: "system"}
	rec = ts.do(t, http.MethodPut, "/owners/acme/subscriptions?create_job=false&auto_create_owner=true", nil, system)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	admin := map[string]string{HeaderActor: "admin:bob"}
	rec = ts.do(t, http.MethodGet, "/owners/acme/pools", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, ts.authz.calls, authzCall{
		actor: "admin:bob", owner: "acme",
		object: authorization.ObjectPool, action: authorization.ActionPoolView,
	})

	ts.authz.deny["admin:eve"] = true
	rec = ts.do(t, http.MethodGet, "/owners/acme/pools", nil, map[string]string{HeaderActor: "admin:eve"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/owners/acme/consumers", map[string]any{"name": "host-1"}, admin)
	require.Equal(t, http.StatusCreated, rec.Code)
	consumer := decode[consumerdomain.Consumer](t, rec)

	rec = ts.do(t, http.MethodGet, "/consumers/"+consumer.UUID+"/entitlements", nil, map[string]string{HeaderActor: "consumer:someone-else"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/consumers/"+consumer.UUID+"/entitlements", nil, map[string]string{HeaderActor: "consumer:" + consumer.UUID})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/owners/acme/pools", nil, map[string]string{HeaderActor: "robot"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthorizationSkippedWhenDisabled(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	seedSubscription(t, ts, 5)
	refreshNow(t, ts)

	rec := ts.do(t, http.MethodGet, "/owners/acme/pools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.authz.calls)
}

func TestCleanupRemovesOwnerData(t *testing.T) {
	ts := newTestServer(t, config.Config{Environment: "development"})
	seedSubscription(t, ts, 5)
	refreshNow(t, ts)
	registerConsumer(t, ts, nil)

	rec := ts.do(t, http.MethodPost, "/test/cleanup", map[string]any{"prefix": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/test/cleanup", map[string]any{"prefix": "ac"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/owners/acme/pools", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var pools int64
	require.NoError(t, ts.db.Model(&pooldomain.Pool{}).Count(&pools).Error)
	assert.Zero(t, pools)
}

func TestCleanupHiddenInProduction(t *testing.T) {
	ts := newTestServer(t, config.Config{Environment: "production"})
	rec := ts.do(t, http.MethodPost, "/test/cleanup", map[string]any{"prefix": "ac"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoutesAndIDs(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodGet, "/pools/not-a-number", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/entitlements/12345", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
