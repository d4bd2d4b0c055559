package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/fingerprint"
	"github.com/smallbiznis/poolsync/internal/observability/metrics"
	"github.com/smallbiznis/poolsync/internal/product/domain"
	"github.com/smallbiznis/poolsync/internal/upstream"
	dbutil "github.com/smallbiznis/poolsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxInternAttempts = 3

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("product.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *Service) Intern(ctx context.Context, subs []*upstream.Subscription) (*domain.Catalog, error) {
	eng := fingerprint.New()
	cat := domain.NewCatalog()
	for _, sub := range subs {
		if sub == nil || sub.Product == nil {
			continue
		}
		if _, err := s.internProduct(ctx, eng, cat, sub.Product); err != nil {
			return nil, err
		}
	}

	s.metrics.RecordProductsInterned(ctx, "created", cat.Created)
	s.metrics.RecordProductsInterned(ctx, "reused", cat.Reused)
	s.log.Debug("products interned",
		zap.Int("created", cat.Created),
		zap.Int("reused", cat.Reused),
	)
	return cat, nil
}

func (s *Service) internProduct(ctx context.Context, eng *fingerprint.Engine, cat *domain.Catalog, p *upstream.Product) (*domain.Product, error) {
	if row := cat.Product(p); row != nil {
		return row, nil
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: missing product id", domain.ErrInvalidProduct)
	}
	if err := domain.ValidateAttributes(p.ID, p.Attributes); err != nil {
		return nil, err
	}
	fp, err := eng.Product(p)
	if err != nil {
		return nil, err
	}

	provided := make([]snowflake.ID, 0, len(p.ProvidedProducts))
	for _, pp := range p.ProvidedProducts {
		if pp == nil {
			continue
		}
		row, err := s.internProduct(ctx, eng, cat, pp)
		if err != nil {
			return nil, err
		}
		provided = append(provided, row.ID)
	}

	var derivedID *snowflake.ID
	if p.DerivedProduct != nil {
		row, err := s.internProduct(ctx, eng, cat, p.DerivedProduct)
		if err != nil {
			return nil, err
		}
		id := row.ID
		derivedID = &id
	}

	links := make([]domain.ProductContent, 0, len(p.Content))
	for _, pc := range p.Content {
		if pc.Content == nil {
			continue
		}
		row, err := s.internContent(ctx, eng, cat, pc.Content)
		if err != nil {
			return nil, err
		}
		links = append(links, domain.ProductContent{ContentID: row.ID, Enabled: pc.Enabled})
	}

	now := s.clock.Now()
	row := &domain.Product{
		ID:               s.genID.Generate(),
		Fingerprint:      fp,
		ProductID:        p.ID,
		Name:             p.Name,
		Multiplier:       p.Multiplier,
		Attributes:       toJSONMap(p.Attributes),
		DerivedProductID: derivedID,
		Branding:         toBranding(p.Branding),
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	canonical, created, err := s.publishProduct(ctx, row, provided, links)
	if err != nil {
		return nil, err
	}
	if created {
		cat.Created++
	} else {
		cat.Reused++
	}
	cat.PutProduct(p, canonical)
	return canonical, nil
}

// publishProduct finds or creates the canonical row for row.Fingerprint.
// Losing an insert race to another owner's refresh re-reads the winner.
func (s *Service) publishProduct(ctx context.Context, row *domain.Product, provided []snowflake.ID, links []domain.ProductContent) (*domain.Product, bool, error) {
	for attempt := 1; attempt <= maxInternAttempts; attempt++ {
		existing, err := s.repo.FindProductByFingerprint(ctx, s.db, row.Fingerprint)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}

		var inserted bool
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := s.repo.InsertProduct(ctx, tx, row)
			if err != nil || !ok {
				return err
			}
			inserted = true

			pp := make([]domain.ProvidedProduct, 0, len(provided))
			for _, id := range provided {
				pp = append(pp, domain.ProvidedProduct{ProductID: row.ID, ProvidedID: id})
			}
			if err := s.repo.InsertProvidedLinks(ctx, tx, pp); err != nil {
				return err
			}
			for i := range links {
				links[i].ProductID = row.ID
			}
			return s.repo.InsertContentLinks(ctx, tx, links)
		})
		if err == nil && inserted {
			return row, true, nil
		}
		if err != nil && !dbutil.IsRetryableErr(err) {
			return nil, false, err
		}
		s.log.Debug("product intern raced, retrying",
			zap.String("product_id", row.ProductID),
			zap.Int("attempt", attempt),
		)
	}
	return nil, false, fmt.Errorf("%w: product %s", domain.ErrInternConflict, row.ProductID)
}

func (s *Service) internContent(ctx context.Context, eng *fingerprint.Engine, cat *domain.Catalog, c *upstream.Content) (*domain.Content, error) {
	if row := cat.Content(c); row != nil {
		return row, nil
	}
	if strings.TrimSpace(c.ID) == "" {
		return nil, fmt.Errorf("%w: missing content id", domain.ErrInvalidProduct)
	}

	now := s.clock.Now()
	row := &domain.Content{
		ID:                 s.genID.Generate(),
		Fingerprint:        eng.Content(c),
		ContentID:          c.ID,
		Type:               c.Type,
		Label:              c.Label,
		Name:               c.Name,
		Vendor:             c.Vendor,
		ContentURL:         c.ContentURL,
		GPGURL:             c.GPGURL,
		RequiredTags:       c.RequiredTags,
		ReleaseVersion:     c.ReleaseVersion,
		Arches:             c.Arches,
		MetadataExpire:     c.MetadataExpire,
		ModifiedProductIDs: datatypes.NewJSONSlice(append([]string{}, c.ModifiedProductIDs...)),
		CreatedAt:          now,
		LastUsedAt:         now,
	}

	for attempt := 1; attempt <= maxInternAttempts; attempt++ {
		existing, err := s.repo.FindContentByFingerprint(ctx, s.db, row.Fingerprint)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			cat.PutContent(c, existing)
			return existing, nil
		}
		inserted, err := s.repo.InsertContent(ctx, s.db, row)
		if err == nil && inserted {
			cat.PutContent(c, row)
			return row, nil
		}
		if err != nil && !dbutil.IsRetryableErr(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: content %s", domain.ErrInternConflict, c.ID)
}

func (s *Service) MapOwner(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID, catalog *domain.Catalog) error {
	if tx == nil {
		tx = s.db
	}
	now := s.clock.Now()

	// Pin every row the refresh resolved before pointing the owner at it.
	productRows := catalog.Products()
	productIDs := make([]snowflake.ID, 0, len(productRows))
	for _, row := range productRows {
		productIDs = append(productIDs, row.ID)
	}
	contentRows := catalog.Contents()
	contentIDs := make([]snowflake.ID, 0, len(contentRows))
	for _, row := range contentRows {
		contentIDs = append(contentIDs, row.ID)
	}
	n, err := s.repo.TouchProducts(ctx, tx, productIDs, now)
	if err != nil {
		return err
	}
	if n != int64(len(productIDs)) {
		return fmt.Errorf("%w: %d of %d products", domain.ErrCatalogPruned, int64(len(productIDs))-n, len(productIDs))
	}
	n, err = s.repo.TouchContents(ctx, tx, contentIDs, now)
	if err != nil {
		return err
	}
	if n != int64(len(contentIDs)) {
		return fmt.Errorf("%w: %d of %d contents", domain.ErrCatalogPruned, int64(len(contentIDs))-n, len(contentIDs))
	}

	products := pickProducts(s.log, productRows)
	mappedProducts := make([]domain.OwnerProduct, 0, len(products))
	keepProducts := make([]string, 0, len(products))
	for _, row := range products {
		mappedProducts = append(mappedProducts, domain.OwnerProduct{
			OwnerID:     ownerID,
			ProductID:   row.ProductID,
			CanonicalID: row.ID,
			UpdatedAt:   now,
		})
		keepProducts = append(keepProducts, row.ProductID)
	}

	contents := pickContents(s.log, contentRows)
	mappedContents := make([]domain.OwnerContent, 0, len(contents))
	keepContents := make([]string, 0, len(contents))
	for _, row := range contents {
		mappedContents = append(mappedContents, domain.OwnerContent{
			OwnerID:     ownerID,
			ContentID:   row.ContentID,
			CanonicalID: row.ID,
			UpdatedAt:   now,
		})
		keepContents = append(keepContents, row.ContentID)
	}

	if err := s.repo.UpsertOwnerProducts(ctx, tx, mappedProducts); err != nil {
		return err
	}
	if err := s.repo.UpsertOwnerContents(ctx, tx, mappedContents); err != nil {
		return err
	}
	retiredProducts, err := s.repo.RetireOwnerProducts(ctx, tx, ownerID, keepProducts)
	if err != nil {
		return err
	}
	retiredContents, err := s.repo.RetireOwnerContents(ctx, tx, ownerID, keepContents)
	if err != nil {
		return err
	}
	if retiredProducts > 0 || retiredContents > 0 {
		s.log.Info("owner catalog mappings retired",
			zap.String("owner_id", ownerID.String()),
			zap.Int64("products", retiredProducts),
			zap.Int64("contents", retiredContents),
		)
	}
	return nil
}

// pickProducts keeps one row per upstream id. rows arrive sorted by upstream
// id; when one refresh carries two definitions of an id the lowest
// fingerprint wins so the choice does not depend on subscription order.
func pickProducts(log *zap.Logger, rows []*domain.Product) []*domain.Product {
	out := make([]*domain.Product, 0, len(rows))
	for _, row := range rows {
		if last := len(out) - 1; last >= 0 && out[last].ProductID == row.ProductID {
			log.Warn("conflicting upstream definitions for product",
				zap.String("product_id", row.ProductID),
				zap.String("fingerprint", row.Fingerprint),
				zap.String("other_fingerprint", out[last].Fingerprint),
			)
			if row.Fingerprint < out[last].Fingerprint {
				out[last] = row
			}
			continue
		}
		out = append(out, row)
	}
	return out
}

func pickContents(log *zap.Logger, rows []*domain.Content) []*domain.Content {
	out := make([]*domain.Content, 0, len(rows))
	for _, row := range rows {
		if last := len(out) - 1; last >= 0 && out[last].ContentID == row.ContentID {
			log.Warn("conflicting upstream definitions for content",
				zap.String("content_id", row.ContentID),
				zap.String("fingerprint", row.Fingerprint),
				zap.String("other_fingerprint", out[last].Fingerprint),
			)
			if row.Fingerprint < out[last].Fingerprint {
				out[last] = row
			}
			continue
		}
		out = append(out, row)
	}
	return out
}

func (s *Service) GetOwnerProduct(ctx context.Context, ownerID snowflake.ID, productID string) (*domain.ProductDetail, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, domain.ErrNotFound
	}
	p, err := s.repo.FindOwnerProduct(ctx, s.db, ownerID, productID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrNotFound
	}

	g, err := s.LoadGraph(ctx, nil, p.ID)
	if err != nil {
		return nil, err
	}
	detail := &domain.ProductDetail{
		Product:  *p,
		Provided: []domain.Product{},
		Content:  g.ContentOf(p.ID),
	}
	for _, pp := range g.ProvidedOf(p.ID) {
		detail.Provided = append(detail.Provided, *pp)
	}
	if p.DerivedProductID != nil {
		detail.Derived = g.Product(*p.DerivedProductID)
	}
	return detail, nil
}

func (s *Service) GetOwnerContent(ctx context.Context, ownerID snowflake.ID, contentID string) (*domain.Content, error) {
	c, err := s.repo.FindOwnerContent(ctx, s.db, ownerID, strings.TrimSpace(contentID))
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrContentNotFound
	}
	return c, nil
}

func (s *Service) ListOwnerProducts(ctx context.Context, ownerID snowflake.ID) ([]domain.Product, error) {
	return s.repo.ListOwnerProducts(ctx, s.db, ownerID)
}

// LoadGraph loads ids and everything they provide or derive, with content.
func (s *Service) LoadGraph(ctx context.Context, tx *gorm.DB, ids ...snowflake.ID) (*domain.Graph, error) {
	if tx == nil {
		tx = s.db
	}
	g := domain.NewGraph()
	seen := map[snowflake.ID]bool{}
	var frontier []snowflake.ID
	enqueue := func(id snowflake.ID) {
		if id == 0 || seen[id] {
			return
		}
		seen[id] = true
		frontier = append(frontier, id)
	}
	for _, id := range ids {
		enqueue(id)
	}

	contentIDs := map[snowflake.ID]bool{}
	for len(frontier) > 0 {
		batch := frontier
		frontier = nil

		rows, err := s.repo.FindProductsByIDs(ctx, tx, batch)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			row := rows[i]
			g.Products[row.ID] = &row
			if row.DerivedProductID != nil {
				enqueue(*row.DerivedProductID)
			}
		}

		provided, err := s.repo.FindProvidedLinks(ctx, tx, batch)
		if err != nil {
			return nil, err
		}
		for _, link := range provided {
			g.Provided[link.ProductID] = append(g.Provided[link.ProductID], link.ProvidedID)
			enqueue(link.ProvidedID)
		}

		links, err := s.repo.FindContentLinks(ctx, tx, batch)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			g.Links[link.ProductID] = append(g.Links[link.ProductID], link)
			contentIDs[link.ContentID] = true
		}
	}

	if len(contentIDs) > 0 {
		ids := make([]snowflake.ID, 0, len(contentIDs))
		for id := range contentIDs {
			ids = append(ids, id)
		}
		contents, err := s.repo.FindContentsByIDs(ctx, tx, ids)
		if err != nil {
			return nil, err
		}
		for i := range contents {
			c := contents[i]
			g.Contents[c.ID] = &c
		}
	}
	return g, nil
}

func (s *Service) ProductsReferencing(ctx context.Context, ownerID snowflake.ID, productID string) ([]domain.Product, error) {
	p, err := s.repo.FindOwnerProduct(ctx, s.db, ownerID, strings.TrimSpace(productID))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrNotFound
	}
	return s.repo.FindProductsReferencing(ctx, s.db, ownerID, p.ID)
}

func (s *Service) RefCount(ctx context.Context, canonicalID snowflake.ID) (int64, error) {
	return s.repo.CountReferences(ctx, s.db, canonicalID)
}

// PruneOrphans deletes canonical rows not used since usedBefore that no
// owner mapping, other product or pinned id references. Removing a parent can
// orphan its children, so products are swept until a pass removes nothing.
func (s *Service) PruneOrphans(ctx context.Context, pinned []snowflake.ID, usedBefore time.Time) (domain.PruneResult, error) {
	var res domain.PruneResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for {
			ids, err := s.repo.FindOrphanProductIDs(ctx, tx, usedBefore, pinned)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				break
			}
			n, err := s.repo.DeleteProducts(ctx, tx, ids, usedBefore)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			res.Products += int(n)
		}

		ids, err := s.repo.FindOrphanContentIDs(ctx, tx, usedBefore)
		if err != nil {
			return err
		}
		n, err := s.repo.DeleteContents(ctx, tx, ids, usedBefore)
		if err != nil {
			return err
		}
		res.Contents = int(n)
		return nil
	})
	if err != nil {
		return domain.PruneResult{}, err
	}
	if res.Products > 0 || res.Contents > 0 {
		s.log.Info("orphaned canonical rows pruned",
			zap.Int("products", res.Products),
			zap.Int("contents", res.Contents),
		)
	}
	return res, nil
}

func toJSONMap(attrs map[string]string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func toBranding(in []upstream.Branding) datatypes.JSONSlice[domain.Branding] {
	out := make([]domain.Branding, 0, len(in))
	for _, b := range in {
		out = append(out, domain.Branding{ProductID: b.ProductID, Type: b.Type, Name: b.Name})
	}
	return datatypes.NewJSONSlice(out)
}
