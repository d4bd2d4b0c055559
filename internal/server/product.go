package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
)

func (s *Server) ListOwnerProducts(c *gin.Context) {
	owner, err := ownerFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	items, err := s.productSvc.ListOwnerProducts(c.Request.Context(), owner.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []productdomain.Product{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetOwnerProduct(c *gin.Context) {
	owner, err := ownerFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.productSvc.GetOwnerProduct(c.Request.Context(), owner.ID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ListProductsReferencingProduct lists owner products that provide or derive the given product.
func (s *Server) ListProductsReferencingProduct(c *gin.Context) {
	owner, err := ownerFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	items, err := s.productSvc.ProductsReferencing(c.Request.Context(), owner.ID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []productdomain.Product{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetOwnerContent(c *gin.Context) {
	owner, err := ownerFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.productSvc.GetOwnerContent(c.Request.Context(), owner.ID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
