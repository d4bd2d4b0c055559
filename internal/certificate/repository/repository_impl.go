package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/certificate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertSerial(ctx context.Context, db *gorm.DB, serial *domain.Serial) error {
	return db.WithContext(ctx).Create(serial).Error
}

func (r *repo) RevokeSerials(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE certificate_serials SET revoked = true, revoked_at = ? WHERE id IN ? AND revoked = false`,
		at, toInts(ids),
	).Error
}

func (r *repo) FindSerial(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Serial, error) {
	var s domain.Serial
	err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cert *domain.Certificate) error {
	return db.WithContext(ctx).Create(cert).Error
}

func (r *repo) DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(`DELETE FROM certificates WHERE id IN ?`, toInts(ids)).Error
}

func (r *repo) ListByEntitlement(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) ([]domain.Certificate, error) {
	var items []domain.Certificate
	err := db.WithContext(ctx).
		Where("entitlement_id = ?", entitlementID).
		Order("serial_id ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) ListByConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]domain.Certificate, error) {
	var items []domain.Certificate
	err := db.WithContext(ctx).
		Where("consumer_id = ?", consumerID).
		Order("serial_id ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) ListContentAccess(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]domain.Certificate, error) {
	var items []domain.Certificate
	err := db.WithContext(ctx).
		Where("consumer_id = ? AND kind = ?", consumerID, domain.KindContentAccess).
		Order("serial_id ASC").
		Find(&items).Error
	return items, err
}

func toInts(ids []snowflake.ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = id.Int64()
	}
	return out
}
