// Package testing ages persisted rows so scheduler jobs treat them as due.
package testing

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// TimeAccelerator rewrites timestamps instead of waiting for real time to pass.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// MarkOwnerRefreshed sets the owner's last refresh time.
func (ta *TimeAccelerator) MarkOwnerRefreshed(ctx context.Context, ownerKey string, at time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE owners
		 SET last_refreshed_at = ?, updated_at = ?
		 WHERE key = ?`,
		at,
		at,
		ownerKey,
	).Error
}

// AgeRefreshJobs moves the timestamps of jobs in the given states back to at.
func (ta *TimeAccelerator) AgeRefreshJobs(ctx context.Context, at time.Time, states ...string) (int64, error) {
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE refresh_jobs
		 SET updated_at = ?, started_at = COALESCE(started_at, ?)
		 WHERE state IN ?`,
		at,
		at,
		states,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// AgeCatalog backdates creation and last use of every canonical product and
// content to at, past any orphan grace period.
func (ta *TimeAccelerator) AgeCatalog(ctx context.Context, at time.Time) error {
	return ta.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`UPDATE products SET created_at = ?, last_used_at = ?`, at, at).Error; err != nil {
			return err
		}
		return tx.Exec(`UPDATE contents SET created_at = ?, last_used_at = ?`, at, at).Error
	})
}
