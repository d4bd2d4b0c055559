package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/poolsync/internal/authorization"
	certificatedomain "github.com/smallbiznis/poolsync/internal/certificate/domain"
	"github.com/smallbiznis/poolsync/internal/config"
	consumerdomain "github.com/smallbiznis/poolsync/internal/consumer/domain"
	entitlementdomain "github.com/smallbiznis/poolsync/internal/entitlement/domain"
	"github.com/smallbiznis/poolsync/internal/observability"
	obsmiddleware "github.com/smallbiznis/poolsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/poolsync/internal/observability/metrics"
	obstracing "github.com/smallbiznis/poolsync/internal/observability/tracing"
	organizationdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	"github.com/smallbiznis/poolsync/internal/ratelimit"
	refreshdomain "github.com/smallbiznis/poolsync/internal/refresh/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http.server.start", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	log    *zap.Logger

	authzSvc       authorization.Service
	ownerSvc       organizationdomain.Service
	refreshSvc     refreshdomain.Service
	poolSvc        pooldomain.Service
	productSvc     productdomain.Service
	consumerSvc    consumerdomain.Service
	entitlementSvc entitlementdomain.Service
	certificateSvc certificatedomain.Service

	refreshLimiter *ratelimit.RefreshLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	Log            *zap.Logger
	AuthzSvc       authorization.Service `optional:"true"`
	OwnerSvc       organizationdomain.Service
	RefreshSvc     refreshdomain.Service
	PoolSvc        pooldomain.Service
	ProductSvc     productdomain.Service
	ConsumerSvc    consumerdomain.Service
	EntitlementSvc entitlementdomain.Service
	CertificateSvc certificatedomain.Service
	RefreshLimiter *ratelimit.RefreshLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		log:            p.Log.Named("http.server"),
		authzSvc:       p.AuthzSvc,
		ownerSvc:       p.OwnerSvc,
		refreshSvc:     p.RefreshSvc,
		poolSvc:        p.PoolSvc,
		productSvc:     p.ProductSvc,
		consumerSvc:    p.ConsumerSvc,
		entitlementSvc: p.EntitlementSvc,
		certificateSvc: p.CertificateSvc,
		refreshLimiter: p.RefreshLimiter,
	}

	svc.registerOwnerRoutes()
	svc.registerResourceRoutes()
	svc.registerTestRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerOwnerRoutes() {
	owners := s.engine.Group("/owners/:key")

	// The owner may not exist yet when auto_create_owner is set.
	owners.PUT("/subscriptions", s.authorizeOwnerAction(authorization.ObjectOwner, authorization.ActionOwnerRefresh), s.RefreshOwner)
	owners.GET("/jobs", s.authorizeOwnerAction(authorization.ObjectJob, authorization.ActionJobView), s.ListOwnerJobs)

	resolved := owners.Group("", s.OwnerContext())
	{
		resolved.GET("", s.authorizeOwnerAction(authorization.ObjectOwner, authorization.ActionOwnerView), s.GetOwner)
		resolved.GET("/pools", s.authorizeOwnerAction(authorization.ObjectPool, authorization.ActionPoolView), s.ListOwnerPools)
		resolved.GET("/products", s.authorizeOwnerAction(authorization.ObjectProduct, authorization.ActionProductView), s.ListOwnerProducts)
		resolved.GET("/products/:id", s.authorizeOwnerAction(authorization.ObjectProduct, authorization.ActionProductView), s.GetOwnerProduct)
		resolved.GET("/products/:id/pools", s.authorizeOwnerAction(authorization.ObjectPool, authorization.ActionPoolView), s.ListPoolsReferencingProduct)
		resolved.GET("/products/:id/products", s.authorizeOwnerAction(authorization.ObjectProduct, authorization.ActionProductView), s.ListProductsReferencingProduct)
		resolved.GET("/content/:id", s.authorizeOwnerAction(authorization.ObjectProduct, authorization.ActionProductView), s.GetOwnerContent)
		resolved.POST("/consumers", s.authorizeOwnerAction(authorization.ObjectConsumer, authorization.ActionConsumerRegister), s.RegisterConsumer)
	}
}

func (s *Server) registerResourceRoutes() {
	s.engine.GET("/jobs/:id", s.GetJob)
	s.engine.DELETE("/jobs/:id", s.CleanupJob)

	s.engine.GET("/pools/:id", s.GetPool)
	s.engine.GET("/pools/:id/entitlements", s.ListPoolEntitlements)

	s.engine.GET("/consumers/:uuid/entitlements", s.ListConsumerEntitlements)
	s.engine.POST("/consumers/:uuid/entitlements", s.ConsumeEntitlement)
	s.engine.GET("/consumers/:uuid/certificates", s.ListConsumerCertificates)

	s.engine.GET("/entitlements/:id", s.GetEntitlement)
	s.engine.DELETE("/entitlements/:id", s.RevokeEntitlement)
}

func (s *Server) registerTestRoutes() {
	if s.cfg.IsProduction() {
		return
	}
	s.engine.POST("/test/cleanup", s.TestCleanup)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
