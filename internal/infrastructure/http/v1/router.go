// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/http/v1/handlers"
	"tombstone/internal/infrastructure/http/v1/middleware"
	"tombstone/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Service is the cascade engine behind every /api/v1/cascade route
	Service *cascade.Service

	// Bulk holds defaults for bulk calls that do not set their own concurrency
	Bulk cascade.BulkOptions

	// Database is pinged by /health/ready
	Database handlers.Pinger

	// Backend names the store ("postgres", "sqlite") in /health/info
	Backend string
	Version string

	// Logger for request logging
	Logger *logger.Logger
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	router := gin.New()

	// Global middleware (order matters!). Recovery sits inside ErrorHandler
	// so a recovered panic is still rendered as JSON.
	router.Use(middleware.Trace())
	router.Use(middleware.Actor())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.Recovery())

	healthHandler := handlers.NewHealthHandler(cfg.Database, cfg.Backend, cfg.Version)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	v1 := router.Group("/api/v1")
	{
		baseHandler := handlers.NewBaseHandler()
		cascadeHandler := handlers.NewCascadeHandler(baseHandler, cfg.Service, cfg.Bulk)
		cascadeHandler.RegisterRoutes(v1.Group("/cascade"))
	}

	return router
}
