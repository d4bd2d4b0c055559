// Package repository provides a generic gorm-backed store for simple tables.
package repository

import (
	"context"

	"github.com/smallbiznis/poolsync/pkg/db/option"
	"gorm.io/gorm"
)

type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, fields map[string]any) error
	Delete(ctx context.Context, resourceID string) error
	DeleteWhere(ctx context.Context, opts ...option.QueryOption) (int64, error)
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}
