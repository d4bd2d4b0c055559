package guard

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrOwnerKeyMissing        = errors.New("owner_key_missing")
	ErrOwnerRecentlyRefreshed = errors.New("owner_recently_refreshed")
)

// EnsureOwnerDueForRefresh rejects owners the sweep should skip this round.
func EnsureOwnerDueForRefresh(key string, lastRefreshedAt *time.Time, now time.Time, minAge time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrOwnerKeyMissing
	}
	if lastRefreshedAt == nil || minAge <= 0 {
		return nil
	}
	if now.Sub(*lastRefreshedAt) < minAge {
		return ErrOwnerRecentlyRefreshed
	}
	return nil
}
