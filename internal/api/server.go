package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/api/handlers"
	"github.com/platformbuilds/querygate-core/internal/api/middleware"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/core"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type Server struct {
	config     *config.Config
	logger     logger.Logger
	core       *core.Core
	router     *gin.Engine
	httpServer *http.Server
}

func NewServer(cfg *config.Config, log logger.Logger, c *core.Core) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config: cfg,
		logger: log,
		core:   c,
		router: gin.New(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.CORSMiddleware(s.config.CORS))
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.MetricsMiddleware())

	// Routing before rate limiting so authenticated requests are
	// limited per user, not only per IP.
	s.router.Use(middleware.TenantRouting(s.core.Sessions, s.core.Registry,
		s.core.Evaluator, s.core.Store, s.core.Audit, s.logger))
	s.router.Use(middleware.RateLimiter(s.core.Limiter, s.core.Registry))

	if s.config.Monitoring.Enabled {
		monitoring.SetupPrometheusMetrics(s.router)
	}
}

func (s *Server) setupRoutes() {
	authHandler := handlers.NewAuthHandler(s.core.Sessions, s.core.Store, s.core.Registry, s.core.Audit, s.logger)
	accessHandler := handlers.NewAccessHandler(s.core.Store, s.core.Sessions, s.core.Audit, s.logger)
	queryHandler := handlers.NewQueryHandler(s.core.Dispatcher, s.core.Registry, s.logger)
	schemaHandler := handlers.NewSchemaHandler(s.core.Dispatcher, s.core.Audit, s.logger)
	healthHandler := handlers.NewHealthHandler(s.core.Store, s.core.Valkey, s.core.Registry, s.core.Pools, s.logger)
	auditHandler := handlers.NewAuditHandler(s.core.Store, s.logger)

	s.router.POST("/auth/login", authHandler.Login)
	s.router.POST("/auth/switch-tenant", authHandler.SwitchTenant)
	s.router.POST("/auth/logout", authHandler.Logout)

	s.router.POST("/users",
		middleware.RequirePermission(models.ResUsers, models.LevelCreate),
		accessHandler.CreateUser)
	s.router.POST("/access/grant",
		middleware.RequirePermission(models.ResUsers, models.LevelAdmin),
		accessHandler.Grant)
	s.router.POST("/access/revoke",
		middleware.RequirePermission(models.ResUsers, models.LevelAdmin),
		accessHandler.Revoke)
	// Requests are user-initiated; decisions are admin-gated.
	s.router.POST("/access/request", accessHandler.Request)
	s.router.GET("/access/requests",
		middleware.RequirePermission(models.ResUsers, models.LevelAdmin),
		accessHandler.ListRequests)
	s.router.POST("/access/requests/:id/approve",
		middleware.RequirePermission(models.ResUsers, models.LevelAdmin),
		accessHandler.Approve)
	s.router.POST("/access/requests/:id/reject",
		middleware.RequirePermission(models.ResUsers, models.LevelAdmin),
		accessHandler.Reject)

	s.router.POST("/query", queryHandler.Execute)
	s.router.GET("/query/:id", queryHandler.GetResult)
	s.router.POST("/query/export", queryHandler.Export)

	s.router.GET("/schema", schemaHandler.Get)
	s.router.POST("/schema/refresh",
		middleware.RequirePermission(models.ResSchemas, models.LevelWrite),
		schemaHandler.Refresh)

	s.router.GET("/health/tenant", healthHandler.Tenant)
	s.router.GET("/health/system", healthHandler.System)

	s.router.GET("/audit",
		middleware.RequirePermission(models.ResAudit, models.LevelRead),
		auditHandler.List)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("querygate-core API server starting", "port", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler returns the underlying Gin engine so tests can mount it.
func (s *Server) Handler() http.Handler {
	return s.router
}
