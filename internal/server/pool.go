package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/poolsync/internal/authorization"
	entitlementdomain "github.com/smallbiznis/poolsync/internal/entitlement/domain"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
)

func (s *Server) ListOwnerPools(c *gin.Context) {
	var query struct {
		Product string `form:"product"`
		Type    string `form:"type"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	owner, err := ownerFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.poolSvc.List(c.Request.Context(), owner.ID, pooldomain.ListFilter{
		ProductID: strings.TrimSpace(query.Product),
		Type:      strings.TrimSpace(query.Type),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": poolResponses(items)})
}

func (s *Server) ListPoolsReferencingProduct(c *gin.Context) {
	owner, err := ownerFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	items, err := s.poolSvc.PoolsReferencing(c.Request.Context(), owner.ID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": poolResponses(items)})
}

func (s *Server) GetPool(c *gin.Context) {
	pool, ok := s.loadPool(c, authorization.ActionPoolView, authorization.ObjectPool)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pooldomain.ToResponse(pool)})
}

func (s *Server) ListPoolEntitlements(c *gin.Context) {
	pool, ok := s.loadPool(c, authorization.ActionEntitlementView, authorization.ObjectEntitlement)
	if !ok {
		return
	}
	items, err := s.entitlementSvc.ListByPool(c.Request.Context(), pool.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entitlementResponses(items)})
}

func (s *Server) loadPool(c *gin.Context, action, object string) (*pooldomain.Pool, bool) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return nil, false
	}
	pool, err := s.poolSvc.Get(c.Request.Context(), nil, id)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if err := s.authorizeOwnerID(c, pool.OwnerID, object, action); err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return pool, true
}

func poolResponses(items []pooldomain.Pool) []pooldomain.PoolResponse {
	out := make([]pooldomain.PoolResponse, 0, len(items))
	for i := range items {
		out = append(out, pooldomain.ToResponse(&items[i]))
	}
	return out
}

func entitlementResponses(items []entitlementdomain.Entitlement) []entitlementdomain.EntitlementResponse {
	out := make([]entitlementdomain.EntitlementResponse, 0, len(items))
	for i := range items {
		out = append(out, entitlementdomain.ToResponse(&items[i]))
	}
	return out
}
