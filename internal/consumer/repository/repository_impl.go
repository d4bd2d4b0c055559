package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/consumer/domain"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) Insert(ctx context.Context, consumer *domain.Consumer) error {
	return r.db.WithContext(ctx).Create(consumer).Error
}

func (r *repository) FindByUUID(ctx context.Context, uuid string) (*domain.Consumer, error) {
	var c domain.Consumer
	err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Consumer, error) {
	var c domain.Consumer
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repository) FindByIDs(ctx context.Context, ids []snowflake.ID) ([]domain.Consumer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	values := make([]int64, len(ids))
	for i, id := range ids {
		values[i] = id.Int64()
	}
	var items []domain.Consumer
	if err := r.db.WithContext(ctx).Where("id IN ?", values).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) ListByOwner(ctx context.Context, ownerID snowflake.ID) ([]domain.Consumer, error) {
	var items []domain.Consumer
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) SetHost(ctx context.Context, id snowflake.ID, hostID *snowflake.ID, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE consumers SET host_id = ?, updated_at = ? WHERE id = ?`,
		hostID, at, id,
	).Error
}
