package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type testCleanupRequest struct {
	Prefix string `json:"prefix"`
}

// ownerScopedTables are cleared child-first for owners matching the prefix.
var ownerScopedTables = []string{
	"certificates",
	"entitlements",
	"reconcile_events",
	"pools",
	"consumers",
	"owner_contents",
	"owner_products",
}

// TestCleanup removes owners whose key starts with prefix together with
// everything they own. Canonical products are left to orphan cleanup.
func (s *Server) TestCleanup(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req testCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		AbortWithError(c, newValidationError("prefix", "required", "prefix is required"))
		return
	}

	ctx := c.Request.Context()
	like := prefix + "%"

	var ownerIDs []int64
	if err := s.db.WithContext(ctx).
		Table("owners").
		Select("id").
		Where("key LIKE ?", like).
		Scan(&ownerIDs).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(ownerIDs) > 0 {
			for _, table := range ownerScopedTables {
				if err := tx.Exec(`DELETE FROM `+table+` WHERE owner_id IN ?`, ownerIDs).Error; err != nil {
					return err
				}
			}
			if err := tx.Exec(`DELETE FROM owners WHERE id IN ?`, ownerIDs).Error; err != nil {
				return err
			}
		}
		return tx.Exec(`DELETE FROM refresh_jobs WHERE owner_key LIKE ?`, like).Error
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "owners": len(ownerIDs)})
}
