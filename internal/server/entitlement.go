package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/poolsync/internal/authorization"
	entitlementdomain "github.com/smallbiznis/poolsync/internal/entitlement/domain"
)

func (s *Server) GetEntitlement(c *gin.Context) {
	ent, ok := s.loadEntitlement(c, authorization.ActionEntitlementView)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entitlementdomain.ToResponse(ent)})
}

func (s *Server) RevokeEntitlement(c *gin.Context) {
	ent, ok := s.loadEntitlement(c, authorization.ActionEntitlementRevoke)
	if !ok {
		return
	}
	if err := s.entitlementSvc.Revoke(c.Request.Context(), ent.ID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) loadEntitlement(c *gin.Context, action string) (*entitlementdomain.Entitlement, bool) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return nil, false
	}
	ctx := c.Request.Context()
	ent, err := s.entitlementSvc.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if s.cfg.AuthzEnabled {
		consumer, err := s.consumerSvc.GetByID(ctx, nil, ent.ConsumerID)
		if err != nil {
			AbortWithError(c, err)
			return nil, false
		}
		if err := s.authorizeConsumer(c, consumer, authorization.ObjectEntitlement, action); err != nil {
			AbortWithError(c, err)
			return nil, false
		}
	}
	return ent, true
}
