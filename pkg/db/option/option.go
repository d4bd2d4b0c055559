// Package option holds composable query modifiers for the generic store.
package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

type SortDirection string

const (
	ASC  SortDirection = "asc"
	DESC SortDirection = "desc"
)

// WithSortBy orders by column; unknown directions fall back to ascending.
func WithSortBy(column string, direction SortDirection) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		column = strings.TrimSpace(column)
		if column == "" {
			return db
		}
		dir := ASC
		if strings.EqualFold(string(direction), string(DESC)) {
			dir = DESC
		}
		return db.Order(fmt.Sprintf("%s %s", column, dir))
	})
}

func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

func WithOffset(offset int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if offset <= 0 {
			return db
		}
		return db.Offset(offset)
	})
}

// WithCursor keeps rows strictly past the cursor position in the given
// created_at direction, breaking ties on id.
func WithCursor(createdAt any, id string, direction SortDirection) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if id == "" {
			return db
		}
		if strings.EqualFold(string(direction), string(DESC)) {
			return db.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
		}
		return db.Where("(created_at > ?) OR (created_at = ? AND id > ?)", createdAt, createdAt, id)
	})
}

func WithWhere(query string, args ...any) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	})
}
