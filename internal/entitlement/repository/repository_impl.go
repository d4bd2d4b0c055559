package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, ent *domain.Entitlement) error {
	return db.WithContext(ctx).Create(ent).Error
}

func (r *repo) UpdateFingerprint(ctx context.Context, db *gorm.DB, id snowflake.ID, fingerprint string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements SET cert_fingerprint = ?, updated_at = ? WHERE id = ?`,
		fingerprint, at, id,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM entitlements WHERE id = ?`, id).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Entitlement, error) {
	var ent domain.Entitlement
	err := db.WithContext(ctx).Where("id = ?", id).First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func (r *repo) ListByPool(ctx context.Context, db *gorm.DB, poolID snowflake.ID) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).
		Where("pool_id = ?", poolID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).
		Where("consumer_id = ?", consumerID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SumByPool(ctx context.Context, db *gorm.DB, poolID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0) FROM entitlements WHERE pool_id = ?`,
		poolID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) SumByPoolForConsumerType(ctx context.Context, db *gorm.DB, poolID snowflake.ID, consumerType string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(e.quantity), 0)
		 FROM entitlements e
		 JOIN consumers c ON c.id = e.consumer_id
		 WHERE e.pool_id = ? AND c.type = ?`,
		poolID, consumerType,
	).Scan(&total).Error
	return total, err
}

func (r *repo) ExistsWithHostedConsumer(ctx context.Context, db *gorm.DB, poolID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM entitlements e
		 JOIN consumers c ON c.id = e.consumer_id
		 WHERE e.pool_id = ? AND c.host_id IS NOT NULL`,
		poolID,
	).Scan(&count).Error
	return count > 0, err
}
