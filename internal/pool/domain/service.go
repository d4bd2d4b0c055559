package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	"github.com/smallbiznis/poolsync/internal/upstream"
	"gorm.io/gorm"
)

type Service interface {
	// Reconcile brings the owner's subscription pools in line with subs inside tx.
	Reconcile(ctx context.Context, tx *gorm.DB, req ReconcileRequest) (*ReconcileResult, error)
	List(ctx context.Context, ownerID snowflake.ID, filter ListFilter) ([]Pool, error)
	Get(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Pool, error)
	PoolsReferencing(ctx context.Context, ownerID snowflake.ID, productID string) ([]Pool, error)
	// CreateDevelopmentPool creates a single-use pool only the given consumer may draw from.
	CreateDevelopmentPool(ctx context.Context, tx *gorm.DB, req DevelopmentPoolRequest) (*Pool, error)
	FindDevelopmentPools(ctx context.Context, tx *gorm.DB, consumerUUID string) ([]Pool, error)
	Delete(ctx context.Context, tx *gorm.DB, pool *Pool) error
	ReferencedProductUUIDs(ctx context.Context) ([]snowflake.ID, error)
}

// Consumption is the view of entitlements the synchronizer needs. Revocations
// happen inside the reconcile transaction.
type Consumption interface {
	// ExportedQuantity is the quantity consumed from pool by distributor consumers.
	ExportedQuantity(ctx context.Context, tx *gorm.DB, poolID snowflake.ID) (int64, error)
	// HasMappedGuest reports whether a guest with a known host holds an entitlement from pool.
	HasMappedGuest(ctx context.Context, tx *gorm.DB, poolID snowflake.ID) (bool, error)
	RevokePool(ctx context.Context, tx *gorm.DB, pool *Pool) (int, error)
	RevokeOverConsumption(ctx context.Context, tx *gorm.DB, pool *Pool, quantity int64) (int, error)
}

type ReconcileRequest struct {
	OwnerID       snowflake.ID
	OwnerKey      string
	Subscriptions []*upstream.Subscription
	Catalog       *productdomain.Catalog
	Consumption   Consumption
}

type ReconcileResult struct {
	Created []*Pool
	Updated []*Pool
	Deleted []*Pool
	// Changed holds updated pools whose certificate-relevant snapshot moved.
	Changed []*Pool
	// Touched holds every subscription pool that survived the pass.
	Touched []*Pool
	Revoked int
}

type ListFilter struct {
	ProductID string
	Type      string
}

type DevelopmentPoolRequest struct {
	OwnerID      snowflake.ID
	ConsumerUUID string
	Graph        *productdomain.Graph
	Product      *productdomain.Product
	StartDate    time.Time
	EndDate      time.Time
}

var (
	ErrNotFound       = errors.New("pool_not_found")
	ErrInvalidRequest = errors.New("invalid_pool_request")
	ErrMissingProduct = errors.New("pool_product_not_interned")
)
