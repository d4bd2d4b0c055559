package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, owner *Owner) (bool, error)
	FindByKey(ctx context.Context, key string) (*Owner, error)
	FindByID(ctx context.Context, id snowflake.ID) (*Owner, error)
	List(ctx context.Context) ([]Owner, error)
	UpdateContentAccessMode(ctx context.Context, id snowflake.ID, mode string, at time.Time) error
	MarkRefreshed(ctx context.Context, id snowflake.ID, at time.Time) error
}
