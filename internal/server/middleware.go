package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/poolsync/internal/orgcontext"
)

// OwnerContext resolves the :key path parameter to an owner and stores it on
// the request context.
func (s *Server) OwnerContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.Param("key"))
		if key == "" {
			AbortWithError(c, newValidationError("key", "required", "owner key is required"))
			return
		}
		owner, err := s.ownerSvc.GetByKey(c.Request.Context(), key)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		ctx := orgcontext.WithOwner(c.Request.Context(), owner.ID, owner.Key)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func ownerFromRequest(c *gin.Context) (ownerRef, error) {
	ctx := c.Request.Context()
	id, ok := orgcontext.OwnerIDFromContext(ctx)
	if !ok {
		return ownerRef{}, ErrNotFound
	}
	key, _ := orgcontext.OwnerKeyFromContext(ctx)
	return ownerRef{ID: id, Key: key}, nil
}
