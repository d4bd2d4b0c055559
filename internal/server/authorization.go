package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/poolsync/internal/observability/context"
)

const HeaderActor = "X-Actor"

type ActorType string

const (
	ActorAdmin    ActorType = "admin"
	ActorConsumer ActorType = "consumer"
	ActorSystem   ActorType = "system"
)

type Actor struct {
	Type ActorType
	ID   string
}

// actorFromRequest parses the X-Actor header: "system", "admin:<name>" or "consumer:<uuid>".
func actorFromRequest(c *gin.Context) (Actor, bool) {
	if c == nil || c.Request == nil {
		return Actor{}, false
	}
	raw := strings.TrimSpace(c.GetHeader(HeaderActor))
	if raw == "" {
		return Actor{}, false
	}
	if raw == string(ActorSystem) {
		return Actor{Type: ActorSystem, ID: "system"}, true
	}
	kind, id, ok := strings.Cut(raw, ":")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return Actor{}, false
	}
	switch ActorType(strings.ToLower(strings.TrimSpace(kind))) {
	case ActorAdmin:
		return Actor{Type: ActorAdmin, ID: id}, true
	case ActorConsumer:
		return Actor{Type: ActorConsumer, ID: id}, true
	default:
		return Actor{}, false
	}
}

func (a Actor) subject() string {
	switch a.Type {
	case ActorSystem:
		return "system"
	case ActorAdmin, ActorConsumer:
		return string(a.Type) + ":" + a.ID
	default:
		return ""
	}
}

// authorizeOwnerAction guards routes carrying the owner key in the path.
func (s *Server) authorizeOwnerAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorize(c, c.Param("key"), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// authorize checks the request actor against ownerKey. Handlers call it once
// the owning resource has been resolved.
func (s *Server) authorize(c *gin.Context, ownerKey string, object string, action string) error {
	if !s.cfg.AuthzEnabled {
		return nil
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	actor, ok := actorFromRequest(c)
	if !ok {
		return ErrUnauthorized
	}
	ctx := obscontext.WithActor(c.Request.Context(), string(actor.Type), actor.ID)
	c.Request = c.Request.WithContext(ctx)
	return s.authzSvc.Authorize(ctx, actor.subject(), strings.TrimSpace(ownerKey), object, action)
}
