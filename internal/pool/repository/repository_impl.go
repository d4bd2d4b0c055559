package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/pool/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, pool *domain.Pool) error {
	return db.WithContext(ctx).Create(pool).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, pool *domain.Pool) error {
	return db.WithContext(ctx).Save(pool).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM pools WHERE id = ?`, id).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Pool, error) {
	var p domain.Pool
	err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]domain.Pool, error) {
	var items []domain.Pool
	err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListSubscriptionPools(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]domain.Pool, error) {
	var items []domain.Pool
	err := db.WithContext(ctx).
		Where("owner_id = ? AND subscription_id IS NOT NULL AND type <> ?", ownerID, domain.TypeDevelopment).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListMigratedPools(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, subscriptionIDs []string) ([]domain.Pool, error) {
	if len(subscriptionIDs) == 0 {
		return nil, nil
	}
	var items []domain.Pool
	err := db.WithContext(ctx).
		Where("subscription_id IN ? AND owner_id <> ? AND type <> ?", subscriptionIDs, ownerID, domain.TypeDevelopment).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByRequiredConsumer(ctx context.Context, db *gorm.DB, consumerUUID string) ([]domain.Pool, error) {
	var items []domain.Pool
	err := db.WithContext(ctx).
		Where("requires_consumer = ? AND type = ?", consumerUUID, domain.TypeDevelopment).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListProductUUIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error) {
	var rows []struct {
		ProductUUID        int64
		DerivedProductUUID *int64
	}
	err := db.WithContext(ctx).Raw(`SELECT product_uuid, derived_product_uuid FROM pools`).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	out := make([]snowflake.ID, 0, len(rows))
	add := func(v int64) {
		if v == 0 || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, snowflake.ID(v))
	}
	for _, row := range rows {
		add(row.ProductUUID)
		if row.DerivedProductUUID != nil {
			add(*row.DerivedProductUUID)
		}
	}
	return out, nil
}
