package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/product/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindProductByFingerprint(ctx context.Context, db *gorm.DB, fingerprint string) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertProduct writes product unless its fingerprint is already published.
func (r *repo) InsertProduct(ctx context.Context, db *gorm.DB, product *domain.Product) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "fingerprint"}}, DoNothing: true}).
		Create(product)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertProvidedLinks(ctx context.Context, db *gorm.DB, links []domain.ProvidedProduct) error {
	if len(links) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&links).Error
}

func (r *repo) InsertContentLinks(ctx context.Context, db *gorm.DB, links []domain.ProductContent) error {
	if len(links) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&links).Error
}

func (r *repo) FindContentByFingerprint(ctx context.Context, db *gorm.DB, fingerprint string) (*domain.Content, error) {
	var c domain.Content
	err := db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repo) InsertContent(ctx context.Context, db *gorm.DB, content *domain.Content) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "fingerprint"}}, DoNothing: true}).
		Create(content)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpsertOwnerProducts(ctx context.Context, db *gorm.DB, rows []domain.OwnerProduct) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"canonical_id", "updated_at"}),
		}).
		Create(&rows).Error
}

func (r *repo) UpsertOwnerContents(ctx context.Context, db *gorm.DB, rows []domain.OwnerContent) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "content_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"canonical_id", "updated_at"}),
		}).
		Create(&rows).Error
}

func (r *repo) RetireOwnerProducts(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, keep []string) (int64, error) {
	stmt := db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if len(keep) > 0 {
		stmt = stmt.Where("product_id NOT IN ?", keep)
	}
	res := stmt.Delete(&domain.OwnerProduct{})
	return res.RowsAffected, res.Error
}

func (r *repo) RetireOwnerContents(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, keep []string) (int64, error) {
	stmt := db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if len(keep) > 0 {
		stmt = stmt.Where("content_id NOT IN ?", keep)
	}
	res := stmt.Delete(&domain.OwnerContent{})
	return res.RowsAffected, res.Error
}

func (r *repo) TouchProducts(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error) {
	return touch(ctx, db, &domain.Product{}, ids, at)
}

func (r *repo) TouchContents(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error) {
	return touch(ctx, db, &domain.Content{}, ids, at)
}

// touch counts after updating since some drivers report only changed rows.
func touch(ctx context.Context, db *gorm.DB, model any, ids []snowflake.ID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	values := toInts(ids)
	err := db.WithContext(ctx).
		Model(model).
		Where("id IN ?", values).
		Update("last_used_at", at).Error
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.WithContext(ctx).Model(model).Where("id IN ?", values).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *repo) FindOwnerProduct(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, productID string) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT p.* FROM products p
		 JOIN owner_products op ON op.canonical_id = p.id
		 WHERE op.owner_id = ? AND op.product_id = ?`,
		ownerID, productID,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindOwnerContent(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, contentID string) (*domain.Content, error) {
	var c domain.Content
	err := db.WithContext(ctx).Raw(
		`SELECT c.* FROM contents c
		 JOIN owner_contents oc ON oc.canonical_id = c.id
		 WHERE oc.owner_id = ? AND oc.content_id = ?`,
		ownerID, contentID,
	).Scan(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == 0 {
		return nil, nil
	}
	return &c, nil
}

func (r *repo) ListOwnerProducts(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]domain.Product, error) {
	var items []domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT p.* FROM products p
		 JOIN owner_products op ON op.canonical_id = p.id
		 WHERE op.owner_id = ?
		 ORDER BY op.product_id ASC`,
		ownerID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindProductsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Product
	if err := db.WithContext(ctx).Where("id IN ?", toInts(ids)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindContentsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Content, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Content
	if err := db.WithContext(ctx).Where("id IN ?", toInts(ids)).Order("content_id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindProvidedLinks(ctx context.Context, db *gorm.DB, productIDs []snowflake.ID) ([]domain.ProvidedProduct, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	var links []domain.ProvidedProduct
	if err := db.WithContext(ctx).Where("product_id IN ?", toInts(productIDs)).Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}

func (r *repo) FindContentLinks(ctx context.Context, db *gorm.DB, productIDs []snowflake.ID) ([]domain.ProductContent, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	var links []domain.ProductContent
	if err := db.WithContext(ctx).Where("product_id IN ?", toInts(productIDs)).Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}

// FindProductsReferencing returns the owner's products that provide or derive canonicalID.
func (r *repo) FindProductsReferencing(ctx context.Context, db *gorm.DB, ownerID, canonicalID snowflake.ID) ([]domain.Product, error) {
	var items []domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT p.* FROM products p
		 JOIN owner_products op ON op.canonical_id = p.id
		 WHERE op.owner_id = ?
		   AND (p.derived_product_id = ?
		        OR EXISTS (SELECT 1 FROM product_provided_products pp
		                   WHERE pp.product_id = p.id AND pp.provided_id = ?))
		 ORDER BY op.product_id ASC`,
		ownerID, canonicalID, canonicalID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountReferences(ctx context.Context, db *gorm.DB, canonicalID snowflake.ID) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Raw(
		`SELECT (SELECT COUNT(*) FROM owner_products WHERE canonical_id = ?)
		      + (SELECT COUNT(*) FROM product_provided_products WHERE provided_id = ?)
		      + (SELECT COUNT(*) FROM products WHERE derived_product_id = ?)`,
		canonicalID, canonicalID, canonicalID,
	).Scan(&n).Error
	return n, err
}

func (r *repo) FindOrphanProductIDs(ctx context.Context, db *gorm.DB, usedBefore time.Time, pinned []snowflake.ID) ([]snowflake.ID, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Product{}).
		Where("last_used_at < ?", usedBefore).
		Where("NOT EXISTS (SELECT 1 FROM owner_products op WHERE op.canonical_id = products.id)").
		Where("NOT EXISTS (SELECT 1 FROM product_provided_products pp WHERE pp.provided_id = products.id)").
		Where("NOT EXISTS (SELECT 1 FROM products d WHERE d.derived_product_id = products.id)")
	if len(pinned) > 0 {
		stmt = stmt.Where("id NOT IN ?", toInts(pinned))
	}
	var ids []int64
	if err := stmt.Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return toIDs(ids), nil
}

func (r *repo) FindOrphanContentIDs(ctx context.Context, db *gorm.DB, usedBefore time.Time) ([]snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).
		Model(&domain.Content{}).
		Where("last_used_at < ?", usedBefore).
		Where("NOT EXISTS (SELECT 1 FROM owner_contents oc WHERE oc.canonical_id = contents.id)").
		Where("NOT EXISTS (SELECT 1 FROM product_contents pc WHERE pc.content_id = contents.id)").
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return toIDs(ids), nil
}

// DeleteProducts re-checks last_used_at in the DELETE itself so a row a
// refresh touched after the orphan scan survives. Links go only with the
// products that were actually removed.
func (r *repo) DeleteProducts(ctx context.Context, db *gorm.DB, ids []snowflake.ID, usedBefore time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	values := toInts(ids)
	res := db.WithContext(ctx).Exec(`DELETE FROM products WHERE id IN ? AND last_used_at < ?`, values, usedBefore)
	if res.Error != nil {
		return 0, res.Error
	}
	for _, table := range []string{"product_provided_products", "product_contents"} {
		err := db.WithContext(ctx).Exec(
			`DELETE FROM `+table+` WHERE `+table+`.product_id IN ?
			 AND NOT EXISTS (SELECT 1 FROM products p WHERE p.id = `+table+`.product_id)`,
			values,
		).Error
		if err != nil {
			return 0, err
		}
	}
	return res.RowsAffected, nil
}

func (r *repo) DeleteContents(ctx context.Context, db *gorm.DB, ids []snowflake.ID, usedBefore time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(`DELETE FROM contents WHERE id IN ? AND last_used_at < ?`, toInts(ids), usedBefore)
	return res.RowsAffected, res.Error
}

func toInts(ids []snowflake.ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = id.Int64()
	}
	return out
}

func toIDs(values []int64) []snowflake.ID {
	out := make([]snowflake.ID, len(values))
	for i, v := range values {
		out[i] = snowflake.ID(v)
	}
	return out
}
