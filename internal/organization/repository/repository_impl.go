package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/organization/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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

// Insert creates owner unless its key is taken and reports whether a row was written.
func (r *repository) Insert(ctx context.Context, owner *domain.Owner) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(owner)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) FindByKey(ctx context.Context, key string) (*domain.Owner, error) {
	var owner domain.Owner
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Owner, error) {
	if id == 0 {
		return nil, nil
	}
	var owner domain.Owner
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

func (r *repository) List(ctx context.Context) ([]domain.Owner, error) {
	var owners []domain.Owner
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, key, display_name, slug, content_access_mode, content_access_mode_list,
		        last_refreshed_at, created_at, updated_at
		 FROM owners
		 ORDER BY key ASC`,
	).Scan(&owners).Error
	if err != nil {
		return nil, err
	}
	return owners, nil
}

func (r *repository) UpdateContentAccessMode(ctx context.Context, id snowflake.ID, mode string, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE owners SET content_access_mode = ?, updated_at = ? WHERE id = ?`,
		mode, at, id,
	).Error
}

func (r *repository) MarkRefreshed(ctx context.Context, id snowflake.ID, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE owners SET last_refreshed_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id,
	).Error
}
