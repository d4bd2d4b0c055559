package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, pool *Pool) error
	Save(ctx context.Context, db *gorm.DB, pool *Pool) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Pool, error)
	ListByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]Pool, error)
	// ListSubscriptionPools returns the owner's subscription-backed pools, oldest first.
	ListSubscriptionPools(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]Pool, error)
	// ListMigratedPools returns pools of other owners still backed by one of subscriptionIDs.
	ListMigratedPools(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, subscriptionIDs []string) ([]Pool, error)
	FindByRequiredConsumer(ctx context.Context, db *gorm.DB, consumerUUID string) ([]Pool, error)
	ListProductUUIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)
}
