package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/events"
	"github.com/smallbiznis/poolsync/internal/fingerprint"
	"github.com/smallbiznis/poolsync/internal/observability/metrics"
	"github.com/smallbiznis/poolsync/internal/pool/domain"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	"github.com/smallbiznis/poolsync/internal/upstream"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Publisher events.Publisher
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	publisher events.Publisher
	metrics   *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("pool.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		publisher: p.Publisher,
		metrics:   p.Metrics,
	}
}

type poolKey struct {
	subscriptionID string
	poolType       string
}

func keyOf(p *domain.Pool) poolKey {
	k := poolKey{poolType: p.Type}
	if p.SubscriptionID != nil {
		k.subscriptionID = *p.SubscriptionID
	}
	return k
}

type virtSpec struct {
	limit     int64
	unlimited bool
}

type target struct {
	pool *domain.Pool
	virt *virtSpec
}

func (s *Service) Reconcile(ctx context.Context, tx *gorm.DB, req domain.ReconcileRequest) (*domain.ReconcileResult, error) {
	if tx == nil {
		tx = s.db
	}
	if req.Consumption == nil || req.OwnerID == 0 {
		return nil, domain.ErrInvalidRequest
	}
	now := s.clock.Now()

	targets, err := s.buildTargets(req, now)
	if err != nil {
		return nil, err
	}
	wanted := make(map[poolKey]bool, len(targets))
	for _, t := range targets {
		wanted[keyOf(t.pool)] = true
	}

	existing, err := s.repo.ListSubscriptionPools(ctx, tx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	current := make(map[poolKey]*domain.Pool, len(existing))
	var stale []*domain.Pool
	for i := range existing {
		p := &existing[i]
		k := keyOf(p)
		if _, dup := current[k]; dup || !wanted[k] {
			stale = append(stale, p)
			continue
		}
		current[k] = p
	}

	// A subscription backs pools in one owner only. Pools left behind in a
	// previous owner go with this owner's stale pools.
	migrated, err := s.repo.ListMigratedPools(ctx, tx, req.OwnerID, subscriptionIDs(targets))
	if err != nil {
		return nil, err
	}
	for i := range migrated {
		p := &migrated[i]
		s.log.Info("removing pool of migrated subscription",
			zap.String("owner_key", req.OwnerKey),
			zap.String("subscription_id", *p.SubscriptionID),
			zap.String("previous_owner_id", p.OwnerID.String()),
			zap.String("pool_id", p.ID.String()),
		)
		stale = append(stale, p)
	}

	res := &domain.ReconcileResult{}

	// Deletions finish before any update so no later step reads a pool that is going away.
	for _, p := range stale {
		n, err := s.deletePool(ctx, tx, req.Consumption, p)
		if err != nil {
			return nil, err
		}
		res.Revoked += n
		res.Deleted = append(res.Deleted, p)
	}

	masters := map[string]*domain.Pool{}
	for _, t := range targets {
		want := t.pool
		have := current[keyOf(want)]

		if t.virt != nil {
			master := masters[*want.SubscriptionID]
			qty, err := s.derivedQuantity(ctx, tx, req.Consumption, t, master, have)
			if err != nil {
				return nil, err
			}
			want.Quantity = qty
		}

		saved, err := s.apply(ctx, tx, req.Consumption, res, want, have, now)
		if err != nil {
			return nil, err
		}
		if want.Type == domain.TypeNormal {
			masters[*want.SubscriptionID] = saved
		}
		res.Touched = append(res.Touched, saved)
	}

	s.log.Info("pools reconciled",
		zap.String("owner_key", req.OwnerKey),
		zap.Int("subscriptions", len(req.Subscriptions)),
		zap.Int("created", len(res.Created)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("deleted", len(res.Deleted)),
		zap.Int("changed", len(res.Changed)),
		zap.Int("revoked", res.Revoked),
	)
	return res, nil
}

func subscriptionIDs(targets []target) []string {
	seen := make(map[string]bool, len(targets))
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		id := *t.pool.SubscriptionID
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) buildTargets(req domain.ReconcileRequest, now time.Time) ([]target, error) {
	subs := make([]*upstream.Subscription, 0, len(req.Subscriptions))
	seen := map[string]bool{}
	for _, sub := range req.Subscriptions {
		if sub == nil || sub.Product == nil || seen[sub.ID] {
			continue
		}
		if req.OwnerKey != "" && sub.OwnerKey != "" && sub.OwnerKey != req.OwnerKey {
			s.log.Debug("skipping subscription owned elsewhere",
				zap.String("subscription_id", sub.ID),
				zap.String("subscription_owner", sub.OwnerKey),
				zap.String("owner_key", req.OwnerKey),
			)
			continue
		}
		if sub.Expired(now) {
			continue
		}
		seen[sub.ID] = true
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })

	targets := make([]target, 0, len(subs)*2)
	for _, sub := range subs {
		product := req.Catalog.Product(sub.Product)
		if product == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrMissingProduct, sub.Product.ID)
		}

		subID := sub.ID
		masterKey := domain.SubKeyMaster
		master := &domain.Pool{
			OwnerID:            req.OwnerID,
			SubscriptionID:     &subID,
			SubscriptionSubKey: &masterKey,
			Type:               domain.TypeNormal,
			ProductID:          sub.Product.ID,
			ProductUUID:        product.ID,
			ProductName:        sub.Product.Name,
			ProvidedProducts:   refs(req.Catalog, sub.Product.ProvidedProducts),
			Quantity:           masterQuantity(sub, product),
			StartDate:          sub.StartDate.UTC(),
			EndDate:            sub.EndDate.UTC(),
			ContractNumber:     sub.ContractNumber,
			AccountNumber:      sub.AccountNumber,
			OrderNumber:        sub.OrderNumber,
			Attributes:         masterAttributes(sub.Product.Attributes),
			Branding:           datatypes.NewJSONSlice(append([]productdomain.Branding{}, product.Branding...)),
		}

		derivedFP := ""
		if d := sub.Product.DerivedProduct; d != nil {
			row := req.Catalog.Product(d)
			if row == nil {
				return nil, fmt.Errorf("%w: %s", domain.ErrMissingProduct, d.ID)
			}
			derivedID, derivedUUID := d.ID, row.ID
			master.DerivedProductID = &derivedID
			master.DerivedProductUUID = &derivedUUID
			master.DerivedProvidedProducts = refs(req.Catalog, d.ProvidedProducts)
			derivedFP = row.Fingerprint
		} else {
			master.DerivedProvidedProducts = datatypes.NewJSONSlice([]domain.ProductRef{})
		}
		master.SourceFingerprint = sourceFingerprint(master, product.Fingerprint, derivedFP)
		targets = append(targets, target{pool: master})

		virt := parseVirt(sub.Product.Attributes)
		if virt == nil {
			continue
		}

		// The guest pool grants the derived product when one is declared.
		sku := sub.Product
		if sub.Product.DerivedProduct != nil {
			sku = sub.Product.DerivedProduct
		}
		skuRow := req.Catalog.Product(sku)

		attrs := datatypes.JSONMap{
			domain.AttrVirtOnly:     "true",
			domain.AttrDerivedPool:  "true",
			domain.AttrPhysicalOnly: "false",
			domain.AttrVirtLimit:    "0",
		}
		poolType := domain.TypeBonus
		if productdomain.BoolAttribute(sub.Product.Attributes, productdomain.AttrHostLimited) {
			poolType = domain.TypeUnmappedGuest
			attrs[domain.AttrUnmappedGuestsOnly] = "true"
		}

		derivedKey := domain.SubKeyDerived
		derived := &domain.Pool{
			OwnerID:                 req.OwnerID,
			SubscriptionID:          &subID,
			SubscriptionSubKey:      &derivedKey,
			Type:                    poolType,
			ProductID:               sku.ID,
			ProductUUID:             skuRow.ID,
			ProductName:             sku.Name,
			ProvidedProducts:        refs(req.Catalog, sku.ProvidedProducts),
			DerivedProvidedProducts: datatypes.NewJSONSlice([]domain.ProductRef{}),
			StartDate:               sub.StartDate.UTC(),
			EndDate:                 sub.EndDate.UTC(),
			ContractNumber:          sub.ContractNumber,
			AccountNumber:           sub.AccountNumber,
			OrderNumber:             sub.OrderNumber,
			Attributes:              attrs,
			Branding:                datatypes.NewJSONSlice(append([]productdomain.Branding{}, skuRow.Branding...)),
		}
		derived.SourceFingerprint = sourceFingerprint(derived, skuRow.Fingerprint, "")
		targets = append(targets, target{pool: derived, virt: virt})
	}
	return targets, nil
}

// derivedQuantity applies the virt_limit formula against the saved master pool.
// An unmapped guest pool stops tracking capacity once a mapped guest draws from it.
func (s *Service) derivedQuantity(ctx context.Context, tx *gorm.DB, cons domain.Consumption, t target, master, have *domain.Pool) (int64, error) {
	if t.virt.unlimited || master == nil || master.Unlimited() {
		return domain.Unlimited, nil
	}
	if t.pool.Type == domain.TypeUnmappedGuest && have != nil {
		mapped, err := cons.HasMappedGuest(ctx, tx, have.ID)
		if err != nil {
			return 0, err
		}
		if mapped {
			return domain.Unlimited, nil
		}
	}
	exported, err := cons.ExportedQuantity(ctx, tx, master.ID)
	if err != nil {
		return 0, err
	}
	qty := (master.Quantity - exported) * t.virt.limit
	if qty < 0 {
		qty = 0
	}
	return qty, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, cons domain.Consumption, res *domain.ReconcileResult, want, have *domain.Pool, now time.Time) (*domain.Pool, error) {
	if have == nil {
		want.ID = s.genID.Generate()
		want.CreatedAt = now
		want.UpdatedAt = now
		if err := s.repo.Insert(ctx, tx, want); err != nil {
			return nil, err
		}
		if err := s.publish(ctx, tx, events.TopicPoolCreated, want, nil); err != nil {
			return nil, err
		}
		s.metrics.RecordPoolChange(ctx, "created", want.Type, 1)
		res.Created = append(res.Created, want)
		return want, nil
	}

	snapshotChanged := have.SourceFingerprint != want.SourceFingerprint
	quantityChanged := have.Quantity != want.Quantity
	if !snapshotChanged && !quantityChanged {
		return have, nil
	}

	previous := have.Quantity
	if quantityChanged && shrinks(previous, want.Quantity) {
		n, err := cons.RevokeOverConsumption(ctx, tx, have, want.Quantity)
		if err != nil {
			return nil, err
		}
		res.Revoked += n
	}

	have.ProductID = want.ProductID
	have.ProductUUID = want.ProductUUID
	have.ProductName = want.ProductName
	have.ProvidedProducts = want.ProvidedProducts
	have.DerivedProductID = want.DerivedProductID
	have.DerivedProductUUID = want.DerivedProductUUID
	have.DerivedProvidedProducts = want.DerivedProvidedProducts
	have.SubscriptionSubKey = want.SubscriptionSubKey
	have.Quantity = want.Quantity
	have.StartDate = want.StartDate
	have.EndDate = want.EndDate
	have.ContractNumber = want.ContractNumber
	have.AccountNumber = want.AccountNumber
	have.OrderNumber = want.OrderNumber
	have.Attributes = want.Attributes
	have.Branding = want.Branding
	have.SourceFingerprint = want.SourceFingerprint
	have.UpdatedAt = now
	if err := s.repo.Save(ctx, tx, have); err != nil {
		return nil, err
	}

	err := s.publish(ctx, tx, events.TopicPoolUpdated, have, map[string]any{
		"previous_quantity": domain.FormatQuantity(previous),
		"snapshot_changed":  snapshotChanged,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPoolChange(ctx, "updated", have.Type, 1)
	res.Updated = append(res.Updated, have)
	if snapshotChanged {
		res.Changed = append(res.Changed, have)
	}
	return have, nil
}

func (s *Service) deletePool(ctx context.Context, tx *gorm.DB, cons domain.Consumption, p *domain.Pool) (int, error) {
	n, err := cons.RevokePool(ctx, tx, p)
	if err != nil {
		return 0, err
	}
	if err := s.Delete(ctx, tx, p); err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes the pool row. Callers revoke its entitlements first.
func (s *Service) Delete(ctx context.Context, tx *gorm.DB, p *domain.Pool) error {
	if tx == nil {
		tx = s.db
	}
	if err := s.repo.Delete(ctx, tx, p.ID); err != nil {
		return err
	}
	if err := s.publish(ctx, tx, events.TopicPoolDeleted, p, nil); err != nil {
		return err
	}
	s.metrics.RecordPoolChange(ctx, "deleted", p.Type, 1)
	return nil
}

func (s *Service) List(ctx context.Context, ownerID snowflake.ID, filter domain.ListFilter) ([]domain.Pool, error) {
	items, err := s.repo.ListByOwner(ctx, s.db, ownerID)
	if err != nil {
		return nil, err
	}
	productID := strings.TrimSpace(filter.ProductID)
	poolType := strings.TrimSpace(filter.Type)
	if productID == "" && poolType == "" {
		return items, nil
	}
	out := make([]domain.Pool, 0, len(items))
	for i := range items {
		p := &items[i]
		if productID != "" && !p.Provides(productID) {
			continue
		}
		if poolType != "" && !strings.EqualFold(p.Type, poolType) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Pool, error) {
	if tx == nil {
		tx = s.db
	}
	p, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (s *Service) PoolsReferencing(ctx context.Context, ownerID snowflake.ID, productID string) ([]domain.Pool, error) {
	items, err := s.repo.ListByOwner(ctx, s.db, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Pool, 0)
	for i := range items {
		if items[i].References(productID) {
			out = append(out, items[i])
		}
	}
	return out, nil
}

func (s *Service) CreateDevelopmentPool(ctx context.Context, tx *gorm.DB, req domain.DevelopmentPoolRequest) (*domain.Pool, error) {
	if tx == nil {
		tx = s.db
	}
	if req.Product == nil || req.Graph == nil || strings.TrimSpace(req.ConsumerUUID) == "" {
		return nil, domain.ErrInvalidRequest
	}
	now := s.clock.Now()
	consumerUUID := req.ConsumerUUID

	pool := &domain.Pool{
		ID:               s.genID.Generate(),
		OwnerID:          req.OwnerID,
		Type:             domain.TypeDevelopment,
		ProductID:        req.Product.ProductID,
		ProductUUID:      req.Product.ID,
		ProductName:      req.Product.Name,
		ProvidedProducts: graphRefs(req.Graph.ProvidedOf(req.Product.ID)),
		Quantity:         1,
		StartDate:        req.StartDate.UTC(),
		EndDate:          req.EndDate.UTC(),
		Attributes: datatypes.JSONMap{
			domain.AttrDevPool:          "true",
			domain.AttrRequiresConsumer: consumerUUID,
		},
		Branding:         datatypes.NewJSONSlice(append([]productdomain.Branding{}, req.Product.Branding...)),
		RequiresConsumer: &consumerUUID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	derivedFP := ""
	pool.DerivedProvidedProducts = datatypes.NewJSONSlice([]domain.ProductRef{})
	if req.Product.DerivedProductID != nil {
		if d := req.Graph.Product(*req.Product.DerivedProductID); d != nil {
			derivedID, derivedUUID := d.ProductID, d.ID
			pool.DerivedProductID = &derivedID
			pool.DerivedProductUUID = &derivedUUID
			pool.DerivedProvidedProducts = graphRefs(req.Graph.ProvidedOf(d.ID))
			derivedFP = d.Fingerprint
		}
	}
	pool.SourceFingerprint = sourceFingerprint(pool, req.Product.Fingerprint, derivedFP)

	if err := s.repo.Insert(ctx, tx, pool); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, tx, events.TopicPoolCreated, pool, nil); err != nil {
		return nil, err
	}
	s.metrics.RecordPoolChange(ctx, "created", pool.Type, 1)
	s.log.Info("development pool created",
		zap.String("pool_id", pool.ID.String()),
		zap.String("product_id", pool.ProductID),
		zap.String("consumer_uuid", consumerUUID),
	)
	return pool, nil
}

func (s *Service) FindDevelopmentPools(ctx context.Context, tx *gorm.DB, consumerUUID string) ([]domain.Pool, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.FindByRequiredConsumer(ctx, tx, consumerUUID)
}

func (s *Service) ReferencedProductUUIDs(ctx context.Context) ([]snowflake.ID, error) {
	return s.repo.ListProductUUIDs(ctx, s.db)
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, topic string, p *domain.Pool, extra map[string]any) error {
	payload := map[string]any{
		"pool_id":    p.ID.String(),
		"type":       p.Type,
		"product_id": p.ProductID,
		"quantity":   domain.FormatQuantity(p.Quantity),
	}
	if p.SubscriptionID != nil {
		payload["subscription_id"] = *p.SubscriptionID
	}
	for k, v := range extra {
		payload[k] = v
	}
	return s.publisher.Publish(ctx, tx, events.Event{
		OwnerID:     p.OwnerID,
		Topic:       topic,
		AggregateID: p.ID.String(),
		Payload:     payload,
	})
}

func masterQuantity(sub *upstream.Subscription, product *productdomain.Product) int64 {
	if sub.Quantity < 0 {
		return domain.Unlimited
	}
	q := sub.Quantity
	if product.Multiplier != nil {
		q *= *product.Multiplier
	}
	if v, ok := product.Attribute(productdomain.AttrInstanceMultiplier); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			q *= n
		}
	}
	return q
}

func masterAttributes(attrs map[string]string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if v, ok := attrs[productdomain.AttrVirtOnly]; ok {
		out[domain.AttrVirtOnly] = v
	}
	return out
}

// parseVirt returns nil when the product does not qualify for a guest pool.
func parseVirt(attrs map[string]string) *virtSpec {
	v, ok := attrs[productdomain.AttrVirtLimit]
	if !ok {
		return nil
	}
	limit, unlimited, err := productdomain.ParseVirtLimit(v)
	if err != nil || (!unlimited && limit == 0) {
		return nil
	}
	return &virtSpec{limit: limit, unlimited: unlimited}
}

func shrinks(from, to int64) bool {
	if to == domain.Unlimited {
		return false
	}
	return from == domain.Unlimited || to < from
}

func refs(cat *productdomain.Catalog, products []*upstream.Product) datatypes.JSONSlice[domain.ProductRef] {
	seen := map[string]bool{}
	out := make([]domain.ProductRef, 0, len(products))
	for _, p := range products {
		if p == nil || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		ref := domain.ProductRef{ProductID: p.ID, Name: p.Name}
		if row := cat.Product(p); row != nil {
			ref.ProductUUID = row.ID
		}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return datatypes.NewJSONSlice(out)
}

func graphRefs(products []*productdomain.Product) datatypes.JSONSlice[domain.ProductRef] {
	out := make([]domain.ProductRef, 0, len(products))
	for _, p := range products {
		out = append(out, domain.ProductRef{ProductID: p.ProductID, ProductUUID: p.ID, Name: p.Name})
	}
	return datatypes.NewJSONSlice(out)
}

// sourceFingerprint covers everything a pool contributes to certificates.
// Quantity is excluded; capacity changes revoke but never regenerate.
func sourceFingerprint(p *domain.Pool, productFP, derivedFP string) string {
	attrs := make([]string, 0, len(p.Attributes))
	for k, v := range p.Attributes {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
	}
	return fingerprint.Combine("pool",
		p.Type,
		productFP,
		derivedFP,
		p.StartDate.UTC().Format(time.RFC3339Nano),
		p.EndDate.UTC().Format(time.RFC3339Nano),
		p.ContractNumber,
		p.AccountNumber,
		p.OrderNumber,
		fingerprint.Set("attributes", attrs...),
	)
}
