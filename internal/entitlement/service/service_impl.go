package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	certdomain "github.com/smallbiznis/poolsync/internal/certificate/domain"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/config"
	consumerdomain "github.com/smallbiznis/poolsync/internal/consumer/domain"
	"github.com/smallbiznis/poolsync/internal/entitlement/domain"
	"github.com/smallbiznis/poolsync/internal/events"
	"github.com/smallbiznis/poolsync/internal/fingerprint"
	"github.com/smallbiznis/poolsync/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	"github.com/smallbiznis/poolsync/internal/refresh/lock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultDevExpiryDays = 90

	reasonPoolDeleted     = "pool_deleted"
	reasonOverConsumption = "over_consumption"
	reasonConsumer        = "consumer_request"
	reasonDevPoolReplaced = "dev_pool_replaced"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	Pools        pooldomain.Service
	Products     productdomain.Service
	Consumers    consumerdomain.Service
	Owners       orgdomain.Service
	Certificates certdomain.Service
	Publisher    events.Publisher
	Locker       lock.Locker                 `optional:"true"`
	Metrics      *metrics.Metrics            `optional:"true"`
	Refresh      *config.RefreshConfigHolder `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         domain.Repository
	pools        pooldomain.Service
	products     productdomain.Service
	consumers    consumerdomain.Service
	owners       orgdomain.Service
	certificates certdomain.Service
	publisher    events.Publisher
	locker       lock.Locker
	metrics      *metrics.Metrics
	refreshCfg   *config.RefreshConfigHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("entitlement.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		pools:        p.Pools,
		products:     p.Products,
		consumers:    p.Consumers,
		owners:       p.Owners,
		certificates: p.Certificates,
		publisher:    p.Publisher,
		locker:       p.Locker,
		metrics:      p.Metrics,
		refreshCfg:   p.Refresh,
	}
}

func (s *Service) ExportedQuantity(ctx context.Context, tx *gorm.DB, poolID snowflake.ID) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.SumByPoolForConsumerType(ctx, tx, poolID, consumerdomain.TypeDistributor)
}

func (s *Service) HasMappedGuest(ctx context.Context, tx *gorm.DB, poolID snowflake.ID) (bool, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.ExistsWithHostedConsumer(ctx, tx, poolID)
}

func (s *Service) RevokePool(ctx context.Context, tx *gorm.DB, pool *pooldomain.Pool) (int, error) {
	if tx == nil {
		tx = s.db
	}
	items, err := s.repo.ListByPool(ctx, tx, pool.ID)
	if err != nil {
		return 0, err
	}
	for i := range items {
		if err := s.revoke(ctx, tx, &items[i], reasonPoolDeleted); err != nil {
			return 0, err
		}
	}
	s.metrics.RecordEntitlementsRevoked(ctx, reasonPoolDeleted, len(items))
	return len(items), nil
}

// RevokeOverConsumption revokes the oldest entitlements of pool until what
// remains fits in quantity.
func (s *Service) RevokeOverConsumption(ctx context.Context, tx *gorm.DB, pool *pooldomain.Pool, quantity int64) (int, error) {
	if tx == nil {
		tx = s.db
	}
	if quantity == pooldomain.Unlimited {
		return 0, nil
	}
	items, err := s.repo.ListByPool(ctx, tx, pool.ID)
	if err != nil {
		return 0, err
	}
	var consumed int64
	for _, e := range items {
		consumed += e.Quantity
	}

	revoked := 0
	for i := 0; i < len(items) && consumed > quantity; i++ {
		if err := s.revoke(ctx, tx, &items[i], reasonOverConsumption); err != nil {
			return 0, err
		}
		consumed -= items[i].Quantity
		revoked++
	}
	if revoked > 0 {
		s.log.Info("revoked over-consumed entitlements",
			zap.String("pool_id", pool.ID.String()),
			zap.Int64("quantity", quantity),
			zap.Int("revoked", revoked),
		)
	}
	s.metrics.RecordEntitlementsRevoked(ctx, reasonOverConsumption, revoked)
	return revoked, nil
}

func (s *Service) revoke(ctx context.Context, tx *gorm.DB, ent *domain.Entitlement, reason string) error {
	if _, err := s.certificates.RevokeEntitlement(ctx, tx, ent.ID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, tx, ent.ID); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, tx, events.Event{
		OwnerID:     ent.OwnerID,
		Topic:       events.TopicEntitlementRevoked,
		AggregateID: ent.ID.String(),
		Payload: map[string]any{
			"pool_id":     ent.PoolID.String(),
			"consumer_id": ent.ConsumerID.String(),
			"quantity":    ent.Quantity,
			"reason":      reason,
		},
	})
}

func (s *Service) Reconcile(ctx context.Context, tx *gorm.DB, req domain.ReconcileRequest) (int, error) {
	if tx == nil {
		tx = s.db
	}
	regenerated := 0
	for _, pool := range req.Pools {
		if pool == nil {
			continue
		}
		items, err := s.repo.ListByPool(ctx, tx, pool.ID)
		if err != nil {
			return 0, err
		}
		stale := make([]*domain.Entitlement, 0, len(items))
		for i := range items {
			if req.Force || items[i].CertFingerprint != pool.SourceFingerprint {
				stale = append(stale, &items[i])
			}
		}
		if len(stale) == 0 {
			continue
		}

		graph, err := s.products.LoadGraph(ctx, tx, pool.ProductUUIDs()...)
		if err != nil {
			return 0, err
		}
		ids := make([]snowflake.ID, 0, len(stale))
		for _, e := range stale {
			ids = append(ids, e.ConsumerID)
		}
		consumers, err := s.consumers.GetByIDs(ctx, tx, ids)
		if err != nil {
			return 0, err
		}

		for _, e := range stale {
			c := consumers[e.ConsumerID]
			if c == nil {
				return 0, consumerdomain.ErrNotFound
			}
			if err := s.issue(ctx, tx, req.OwnerKey, c, pool, graph, e); err != nil {
				return 0, err
			}
			regenerated++
		}
	}
	s.metrics.RecordCertificatesRegenerated(ctx, certdomain.KindEntitlement, regenerated)
	return regenerated, nil
}

// issue replaces the certificate of ent with one built from pool's current snapshot.
func (s *Service) issue(ctx context.Context, tx *gorm.DB, ownerKey string, c *consumerdomain.Consumer, pool *pooldomain.Pool, graph *productdomain.Graph, ent *domain.Entitlement) error {
	if _, err := s.certificates.RevokeEntitlement(ctx, tx, ent.ID); err != nil {
		return err
	}
	entID := ent.ID
	cert, err := s.certificates.Issue(ctx, tx, certdomain.IssueRequest{
		OwnerID:       ent.OwnerID,
		ConsumerID:    ent.ConsumerID,
		EntitlementID: &entID,
		Kind:          certdomain.KindEntitlement,
		Fingerprint:   pool.SourceFingerprint,
		Payload:       certdomain.EntitlementPayload(ownerKey, c.UUID, pool, ent.Quantity, graph),
		ExpiresAt:     pool.EndDate,
	})
	if err != nil {
		return err
	}

	now := s.clock.Now()
	if err := s.repo.UpdateFingerprint(ctx, tx, ent.ID, pool.SourceFingerprint, now); err != nil {
		return err
	}
	ent.CertFingerprint = pool.SourceFingerprint
	ent.UpdatedAt = now

	return s.publisher.Publish(ctx, tx, events.Event{
		OwnerID:     ent.OwnerID,
		Topic:       events.TopicCertificateRegenerated,
		AggregateID: ent.ID.String(),
		Payload: map[string]any{
			"kind":        certdomain.KindEntitlement,
			"serial":      cert.SerialID.String(),
			"pool_id":     pool.ID.String(),
			"consumer_id": c.ID.String(),
		},
	})
}

func (s *Service) ReconcileContentAccess(ctx context.Context, tx *gorm.DB, req domain.ContentAccessRequest) (int, error) {
	if tx == nil {
		tx = s.db
	}
	if req.Owner == nil {
		return 0, orgdomain.ErrNotFound
	}
	consumers, err := s.consumers.ListByOwner(ctx, tx, req.Owner.ID)
	if err != nil {
		return 0, err
	}

	if !req.Owner.OrgEnvironment() {
		revoked := 0
		for _, c := range consumers {
			n, err := s.certificates.RevokeContentAccess(ctx, tx, c.ID)
			if err != nil {
				return 0, err
			}
			revoked += n
		}
		return revoked, nil
	}

	var ids []snowflake.ID
	for _, p := range req.Pools {
		if p != nil {
			ids = append(ids, p.ProductUUIDs()...)
		}
	}
	graph, err := s.products.LoadGraph(ctx, tx, ids...)
	if err != nil {
		return 0, err
	}
	contents := make([]productdomain.Content, 0, len(graph.Contents))
	fps := make([]string, 0, len(graph.Contents))
	for _, c := range graph.Contents {
		contents = append(contents, *c)
		fps = append(fps, c.Fingerprint)
	}
	fp := fingerprint.Set("content_access", fps...)

	issued := 0
	for i := range consumers {
		c := &consumers[i]
		if c.Type == consumerdomain.TypeDistributor {
			continue
		}
		current, err := s.certificates.ContentAccess(ctx, tx, c.ID)
		if err != nil && !errors.Is(err, certdomain.ErrNotFound) {
			return 0, err
		}
		if current != nil && current.Fingerprint == fp && !req.Force {
			continue
		}
		if _, err := s.certificates.RevokeContentAccess(ctx, tx, c.ID); err != nil {
			return 0, err
		}
		cert, err := s.certificates.Issue(ctx, tx, certdomain.IssueRequest{
			OwnerID:     req.Owner.ID,
			ConsumerID:  c.ID,
			Kind:        certdomain.KindContentAccess,
			Fingerprint: fp,
			Payload:     certdomain.ContentAccessPayload(req.Owner.Key, c.UUID, contents),
		})
		if err != nil {
			return 0, err
		}
		err = s.publisher.Publish(ctx, tx, events.Event{
			OwnerID:     req.Owner.ID,
			Topic:       events.TopicCertificateRegenerated,
			AggregateID: c.ID.String(),
			Payload: map[string]any{
				"kind":   certdomain.KindContentAccess,
				"serial": cert.SerialID.String(),
			},
		})
		if err != nil {
			return 0, err
		}
		issued++
	}
	s.metrics.RecordCertificatesRegenerated(ctx, certdomain.KindContentAccess, issued)
	return issued, nil
}

func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) (*domain.Entitlement, error) {
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 0 {
		return nil, domain.ErrInvalidQuantity
	}
	consumer, err := s.consumers.GetByUUID(ctx, req.ConsumerUUID)
	if err != nil {
		return nil, err
	}
	owner, err := s.owners.GetByID(ctx, consumer.OwnerID)
	if err != nil {
		return nil, err
	}

	release, err := s.lock(ctx, owner.Key)
	if err != nil {
		return nil, err
	}
	defer release()

	var ent *domain.Entitlement
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pool, err := s.pools.Get(ctx, tx, req.PoolID)
		if err != nil {
			return err
		}
		if pool.OwnerID != consumer.OwnerID {
			return pooldomain.ErrNotFound
		}
		ent, err = s.attach(ctx, tx, owner, consumer, pool, req.Quantity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// attach checks pool availability for consumer and grants quantity with a fresh certificate.
func (s *Service) attach(ctx context.Context, tx *gorm.DB, owner *orgdomain.Owner, consumer *consumerdomain.Consumer, pool *pooldomain.Pool, quantity int64) (*domain.Entitlement, error) {
	now := s.clock.Now()
	if pool.RequiresConsumer != nil && *pool.RequiresConsumer != consumer.UUID {
		return nil, domain.ErrForbidden
	}
	if now.Before(pool.StartDate) || (!pool.EndDate.IsZero() && !now.Before(pool.EndDate)) {
		return nil, domain.ErrPoolInactive
	}
	if !pool.Unlimited() {
		consumed, err := s.repo.SumByPool(ctx, tx, pool.ID)
		if err != nil {
			return nil, err
		}
		if consumed+quantity > pool.Quantity {
			return nil, domain.ErrInsufficientQuantity
		}
	}

	ent := &domain.Entitlement{
		ID:         s.genID.Generate(),
		OwnerID:    owner.ID,
		PoolID:     pool.ID,
		ConsumerID: consumer.ID,
		Quantity:   quantity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, tx, ent); err != nil {
		return nil, err
	}
	graph, err := s.products.LoadGraph(ctx, tx, pool.ProductUUIDs()...)
	if err != nil {
		return nil, err
	}
	if err := s.issue(ctx, tx, owner.Key, consumer, pool, graph, ent); err != nil {
		return nil, err
	}
	s.metrics.RecordCertificatesRegenerated(ctx, certdomain.KindEntitlement, 1)

	s.log.Info("entitlement granted",
		zap.String("entitlement_id", ent.ID.String()),
		zap.String("pool_id", pool.ID.String()),
		zap.String("consumer_uuid", consumer.UUID),
		zap.Int64("quantity", quantity),
	)
	return ent, nil
}

func (s *Service) ConsumeDevSKU(ctx context.Context, consumerUUID string) (*domain.Entitlement, error) {
	consumer, err := s.consumers.GetByUUID(ctx, consumerUUID)
	if err != nil {
		return nil, err
	}
	sku := strings.TrimSpace(consumer.Fact(consumerdomain.FactDevSKU))
	if sku == "" {
		return nil, domain.ErrNoDevSKU
	}
	owner, err := s.owners.GetByID(ctx, consumer.OwnerID)
	if err != nil {
		return nil, err
	}
	detail, err := s.products.GetOwnerProduct(ctx, owner.ID, sku)
	if err != nil {
		return nil, err
	}

	expiry := consumer.CreatedAt.AddDate(0, 0, s.devExpiryDays(&detail.Product))
	if !s.clock.Now().Before(expiry) {
		return nil, &domain.ExpiredError{ProductID: sku, ExpiredOn: expiry}
	}

	release, err := s.lock(ctx, owner.Key)
	if err != nil {
		return nil, err
	}
	defer release()

	var ent *domain.Entitlement
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.pools.FindDevelopmentPools(ctx, tx, consumer.UUID)
		if err != nil {
			return err
		}
		for i := range existing {
			old := &existing[i]
			items, err := s.repo.ListByPool(ctx, tx, old.ID)
			if err != nil {
				return err
			}
			for j := range items {
				if err := s.revoke(ctx, tx, &items[j], reasonDevPoolReplaced); err != nil {
					return err
				}
			}
			s.metrics.RecordEntitlementsRevoked(ctx, reasonDevPoolReplaced, len(items))
			if err := s.pools.Delete(ctx, tx, old); err != nil {
				return err
			}
		}

		graph, err := s.products.LoadGraph(ctx, tx, detail.Product.ID)
		if err != nil {
			return err
		}
		pool, err := s.pools.CreateDevelopmentPool(ctx, tx, pooldomain.DevelopmentPoolRequest{
			OwnerID:      owner.ID,
			ConsumerUUID: consumer.UUID,
			Graph:        graph,
			Product:      &detail.Product,
			StartDate:    consumer.CreatedAt,
			EndDate:      expiry,
		})
		if err != nil {
			return err
		}
		ent, err = s.attach(ctx, tx, owner, consumer, pool, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// devExpiryDays reads expires_after from the SKU, falling back to the
// configured dev pool lifetime.
func (s *Service) devExpiryDays(p *productdomain.Product) int {
	fallback := defaultDevExpiryDays
	if s.refreshCfg != nil {
		if days := int(s.refreshCfg.Get().DevPoolLifetime / (24 * time.Hour)); days > 0 {
			fallback = days
		}
	}
	v, ok := p.Attribute(productdomain.AttrExpiresAfter)
	if !ok {
		return fallback
	}
	days, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || days <= 0 {
		return fallback
	}
	return days
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Entitlement, error) {
	ent, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, domain.ErrNotFound
	}
	return ent, nil
}

func (s *Service) ListByConsumer(ctx context.Context, consumerUUID string) ([]domain.Entitlement, error) {
	consumer, err := s.consumers.GetByUUID(ctx, consumerUUID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByConsumer(ctx, s.db, consumer.ID)
}

func (s *Service) ListByPool(ctx context.Context, poolID snowflake.ID) ([]domain.Entitlement, error) {
	return s.repo.ListByPool(ctx, s.db, poolID)
}

func (s *Service) Revoke(ctx context.Context, id snowflake.ID) error {
	ent, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	owner, err := s.owners.GetByID(ctx, ent.OwnerID)
	if err != nil {
		return err
	}
	release, err := s.lock(ctx, owner.Key)
	if err != nil {
		return err
	}
	defer release()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.revoke(ctx, tx, ent, reasonConsumer)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordEntitlementsRevoked(ctx, reasonConsumer, 1)
	return nil
}

func (s *Service) lock(ctx context.Context, ownerKey string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	lockCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return s.locker.Lock(lockCtx, lock.OwnerKey(ownerKey))
}
