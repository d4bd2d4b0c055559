package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindProductByFingerprint(ctx context.Context, db *gorm.DB, fingerprint string) (*Product, error)
	InsertProduct(ctx context.Context, db *gorm.DB, product *Product) (bool, error)
	InsertProvidedLinks(ctx context.Context, db *gorm.DB, links []ProvidedProduct) error
	InsertContentLinks(ctx context.Context, db *gorm.DB, links []ProductContent) error
	FindContentByFingerprint(ctx context.Context, db *gorm.DB, fingerprint string) (*Content, error)
	InsertContent(ctx context.Context, db *gorm.DB, content *Content) (bool, error)

	UpsertOwnerProducts(ctx context.Context, db *gorm.DB, rows []OwnerProduct) error
	UpsertOwnerContents(ctx context.Context, db *gorm.DB, rows []OwnerContent) error
	// RetireOwnerProducts drops the owner's mappings whose product id is not in keep.
	RetireOwnerProducts(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, keep []string) (int64, error)
	RetireOwnerContents(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, keep []string) (int64, error)
	// TouchProducts bumps last_used_at on ids and reports how many of them still exist.
	TouchProducts(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error)
	TouchContents(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error)
	FindOwnerProduct(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, productID string) (*Product, error)
	FindOwnerContent(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, contentID string) (*Content, error)
	ListOwnerProducts(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]Product, error)

	FindProductsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Product, error)
	FindContentsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Content, error)
	FindProvidedLinks(ctx context.Context, db *gorm.DB, productIDs []snowflake.ID) ([]ProvidedProduct, error)
	FindContentLinks(ctx context.Context, db *gorm.DB, productIDs []snowflake.ID) ([]ProductContent, error)
	FindProductsReferencing(ctx context.Context, db *gorm.DB, ownerID, canonicalID snowflake.ID) ([]Product, error)
	CountReferences(ctx context.Context, db *gorm.DB, canonicalID snowflake.ID) (int64, error)

	FindOrphanProductIDs(ctx context.Context, db *gorm.DB, usedBefore time.Time, pinned []snowflake.ID) ([]snowflake.ID, error)
	FindOrphanContentIDs(ctx context.Context, db *gorm.DB, usedBefore time.Time) ([]snowflake.ID, error)
	// DeleteProducts removes ids not used since usedBefore and returns how many went.
	DeleteProducts(ctx context.Context, db *gorm.DB, ids []snowflake.ID, usedBefore time.Time) (int64, error)
	DeleteContents(ctx context.Context, db *gorm.DB, ids []snowflake.ID, usedBefore time.Time) (int64, error)
}
