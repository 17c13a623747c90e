// Package router assembles the gin engine: middleware chain first, then
// the operational routes.
package router

import (
	"github.com/crm/backend/internal/infrastructure/auth"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/handler"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouteRegistrar registers a set of routes on a group. Domain surfaces
// built on top of this core plug in through it.
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Config holds everything the router needs.
type Config struct {
	Logger     *zap.Logger
	JWTService *auth.JWTService
	Health     *handler.HealthHandler
	SyncOps    *handler.SyncOpsHandler
	// Registrars add domain routes under /api/v1.
	Registrars []RouteRegistrar
}

// Setup builds the engine with the standard middleware chain and the
// operational routes. Probes stay outside authentication.
func Setup(cfg Config) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(logger.GinMiddleware(cfg.Logger))
	engine.Use(logger.Recovery(cfg.Logger))

	engine.GET("/health", cfg.Health.Live)
	engine.GET("/healthz", cfg.Health.Live)
	engine.GET("/ready", cfg.Health.Ready)

	engine.Use(middleware.JWTAuthMiddlewareWithConfig(middleware.JWTMiddlewareConfig{
		JWTService: cfg.JWTService,
		SkipPaths:  []string{"/health", "/healthz", "/ready"},
		Logger:     cfg.Logger,
	}))

	api := engine.Group("/api/v1")

	ops := api.Group("/ops")
	ops.Use(middleware.RequireAnyPermissionWithConfig(
		middleware.PermissionConfig{Logger: cfg.Logger},
		"ops.sync.read", "ops.*",
	))
	{
		ops.GET("/sync/metrics", cfg.SyncOps.PublisherMetrics)
		ops.GET("/sync/pending/:messageId", cfg.SyncOps.PendingMessage)
		ops.POST("/sync/purge",
			middleware.RequireAnyPermission("ops.sync.purge", "ops.*"),
			cfg.SyncOps.PurgeExpired)
		ops.GET("/credits/balance", cfg.SyncOps.Balance)
	}

	for _, registrar := range cfg.Registrars {
		registrar.RegisterRoutes(api)
	}

	return engine
}
