package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/poolsync/internal/authorization"
	organizationdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	refreshdomain "github.com/smallbiznis/poolsync/internal/refresh/domain"
	"github.com/smallbiznis/poolsync/pkg/db/pagination"
)

type ownerRef struct {
	ID  snowflake.ID
	Key string
}

func (s *Server) GetOwner(c *gin.Context) {
	ref, err := ownerFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	owner, err := s.ownerSvc.GetByID(c.Request.Context(), ref.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": organizationdomain.ToResponse(owner)})
}

// RefreshOwner reconciles the owner's pools against the upstream
// subscriptions. A job handle is returned unless create_job=false.
func (s *Server) RefreshOwner(c *gin.Context) {
	var query struct {
		LazyRegen       string `form:"lazy_regen"`
		AutoCreateOwner string `form:"auto_create_owner"`
		CreateJob       string `form:"create_job"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	lazyRegen, err := parseOptionalBool(query.LazyRegen)
	if err != nil {
		AbortWithError(c, newValidationError("lazy_regen", "invalid_lazy_regen", "invalid lazy_regen"))
		return
	}
	autoCreate, err := parseOptionalBool(query.AutoCreateOwner)
	if err != nil {
		AbortWithError(c, newValidationError("auto_create_owner", "invalid_auto_create_owner", "invalid auto_create_owner"))
		return
	}
	createJob, err := parseOptionalBool(query.CreateJob)
	if err != nil {
		AbortWithError(c, newValidationError("create_job", "invalid_create_job", "invalid create_job"))
		return
	}

	req := refreshdomain.RefreshRequest{
		OwnerKey:  strings.TrimSpace(c.Param("key")),
		CreateJob: createJob == nil || *createJob,
		LazyRegen: lazyRegen,
	}
	if autoCreate != nil {
		req.AutoCreateOwner = *autoCreate
	}

	if err := s.refreshLimiter.AllowOwner(c.Request.Context(), req.OwnerKey); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.refreshSvc.Refresh(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result.Job != nil {
		c.JSON(http.StatusAccepted, gin.H{"data": result.Job})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"message": result.Message}})
}

func (s *Server) ListOwnerJobs(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	jobs, info, err := s.refreshSvc.ListJobs(c.Request.Context(), strings.TrimSpace(c.Param("key")), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*refreshdomain.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs, "page_info": info})
}

func (s *Server) GetJob(c *gin.Context) {
	job, err := s.refreshSvc.Status(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, job.OwnerKey, authorization.ObjectJob, authorization.ActionJobView); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (s *Server) CleanupJob(c *gin.Context) {
	ctx := c.Request.Context()
	id := strings.TrimSpace(c.Param("id"))
	job, err := s.refreshSvc.Status(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, job.OwnerKey, authorization.ObjectJob, authorization.ActionJobCleanup); err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.refreshSvc.Cleanup(ctx, job.ID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// authorizeOwnerID authorizes against the owner of a resource addressed by id.
func (s *Server) authorizeOwnerID(c *gin.Context, ownerID snowflake.ID, object, action string) error {
	if !s.cfg.AuthzEnabled {
		return nil
	}
	owner, err := s.ownerSvc.GetByID(c.Request.Context(), ownerID)
	if err != nil {
		return err
	}
	return s.authorize(c, owner.Key, object, action)
}
