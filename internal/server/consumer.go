package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/poolsync/internal/authorization"
	certificatedomain "github.com/smallbiznis/poolsync/internal/certificate/domain"
	certificateservice "github.com/smallbiznis/poolsync/internal/certificate/service"
	consumerdomain "github.com/smallbiznis/poolsync/internal/consumer/domain"
	entitlementdomain "github.com/smallbiznis/poolsync/internal/entitlement/domain"
)

type registerConsumerRequest struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Facts    map[string]string `json:"facts"`
	HostUUID string            `json:"host_uuid"`
}

func (s *Server) RegisterConsumer(c *gin.Context) {
	var req registerConsumerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	owner, err := ownerFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	consumerType := strings.TrimSpace(req.Type)
	if consumerType == "" {
		consumerType = consumerdomain.TypeSystem
	}
	consumer, err := s.consumerSvc.Register(ctx, consumerdomain.RegisterRequest{
		OwnerID: owner.ID,
		Name:    strings.TrimSpace(req.Name),
		Type:    consumerType,
		Facts:   req.Facts,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if host := strings.TrimSpace(req.HostUUID); host != "" {
		consumer, err = s.consumerSvc.MapGuest(ctx, consumer.UUID, host)
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"data": consumer})
}

func (s *Server) ListConsumerEntitlements(c *gin.Context) {
	consumer, ok := s.loadConsumer(c, authorization.ObjectEntitlement, authorization.ActionEntitlementView)
	if !ok {
		return
	}
	items, err := s.entitlementSvc.ListByConsumer(c.Request.Context(), consumer.UUID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entitlementResponses(items)})
}

// ConsumeEntitlement attaches the consumer to ?pool=. Without a pool the
// consumer's dev_sku fact selects a development pool.
func (s *Server) ConsumeEntitlement(c *gin.Context) {
	var query struct {
		Pool     string `form:"pool"`
		Quantity string `form:"quantity"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	poolID, err := parseOptionalSnowflakeID(query.Pool)
	if err != nil {
		AbortWithError(c, newValidationError("pool", "invalid_pool", "invalid pool"))
		return
	}
	quantity, err := parseOptionalInt64(query.Quantity)
	if err != nil || (quantity != nil && *quantity <= 0) {
		AbortWithError(c, newValidationError("quantity", "invalid_quantity", "invalid quantity"))
		return
	}

	consumer, ok := s.loadConsumer(c, authorization.ObjectEntitlement, authorization.ActionEntitlementConsume)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var ent *entitlementdomain.Entitlement
	if poolID == nil {
		ent, err = s.entitlementSvc.ConsumeDevSKU(ctx, consumer.UUID)
	} else {
		req := entitlementdomain.ConsumeRequest{
			ConsumerUUID: consumer.UUID,
			PoolID:       *poolID,
		}
		if quantity != nil {
			req.Quantity = *quantity
		}
		ent, err = s.entitlementSvc.Consume(ctx, req)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entitlementdomain.ToResponse(ent)})
}

func (s *Server) ListConsumerCertificates(c *gin.Context) {
	consumer, ok := s.loadConsumer(c, authorization.ObjectCertificate, authorization.ActionCertificateView)
	if !ok {
		return
	}
	certs, err := s.certificateSvc.ListByConsumer(c.Request.Context(), nil, consumer.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	out := make([]*certificatedomain.CertificateResponse, 0, len(certs))
	for i := range certs {
		resp, err := certificateservice.ToResponse(s.certificateSvc, &certs[i])
		if err != nil {
			AbortWithError(c, err)
			return
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) loadConsumer(c *gin.Context, object, action string) (*consumerdomain.Consumer, bool) {
	consumer, err := s.consumerSvc.GetByUUID(c.Request.Context(), strings.TrimSpace(c.Param("uuid")))
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if err := s.authorizeConsumer(c, consumer, object, action); err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return consumer, true
}

// authorizeConsumer additionally pins consumer actors to their own records.
func (s *Server) authorizeConsumer(c *gin.Context, consumer *consumerdomain.Consumer, object, action string) error {
	if !s.cfg.AuthzEnabled {
		return nil
	}
	if actor, ok := actorFromRequest(c); ok && actor.Type == ActorConsumer && actor.ID != consumer.UUID {
		return ErrForbidden
	}
	return s.authorizeOwnerID(c, consumer.OwnerID, object, action)
}
