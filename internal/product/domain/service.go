package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/upstream"
	"gorm.io/gorm"
)

type Service interface {
	// Intern resolves every product and content reachable from subs to a
	// canonical row, creating rows for definitions not seen before. Each
	// canonical row is published in its own short transaction.
	Intern(ctx context.Context, subs []*upstream.Subscription) (*Catalog, error)
	// MapOwner points the owner's upstream ids at the catalog's canonical rows
	// and drops mappings for ids the catalog no longer carries. It fails with
	// ErrCatalogPruned when a catalog row has been cleaned up meanwhile.
	MapOwner(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID, catalog *Catalog) error

	GetOwnerProduct(ctx context.Context, ownerID snowflake.ID, productID string) (*ProductDetail, error)
	GetOwnerContent(ctx context.Context, ownerID snowflake.ID, contentID string) (*Content, error)
	ListOwnerProducts(ctx context.Context, ownerID snowflake.ID) ([]Product, error)
	LoadGraph(ctx context.Context, tx *gorm.DB, ids ...snowflake.ID) (*Graph, error)

	ProductsReferencing(ctx context.Context, ownerID snowflake.ID, productID string) ([]Product, error)
	RefCount(ctx context.Context, canonicalID snowflake.ID) (int64, error)
	PruneOrphans(ctx context.Context, pinned []snowflake.ID, usedBefore time.Time) (PruneResult, error)
}

// ProductDetail is a canonical product with its first level of relations.
type ProductDetail struct {
	Product  Product           `json:"product"`
	Provided []Product         `json:"provided_products"`
	Derived  *Product          `json:"derived_product,omitempty"`
	Content  []AttachedContent `json:"product_content"`
}

type PruneResult struct {
	Products int `json:"products"`
	Contents int `json:"contents"`
}

var (
	ErrNotFound         = errors.New("product_not_found")
	ErrContentNotFound  = errors.New("content_not_found")
	ErrInvalidAttribute = errors.New("invalid_product_attribute")
	ErrInternConflict   = errors.New("intern_conflict")
	ErrInvalidProduct   = errors.New("invalid_product")
	// ErrCatalogPruned means a canonical row resolved during interning was
	// removed by orphan cleanup before the owner mapping committed.
	ErrCatalogPruned = errors.New("catalog_row_pruned")
)
