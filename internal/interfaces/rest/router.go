// Package rest exposes the read-only catalog HTTP API: health probes,
// Prometheus metrics, and paginated views of running sources, their
// association history, and per-image transient candidates.
package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/prometheus"
	"github.com/transientlab/skymatch/internal/interfaces/rest/handlers"
	"github.com/transientlab/skymatch/internal/interfaces/rest/middleware"
)

// RouterConfig aggregates all handler and middleware dependencies required
// to construct the complete HTTP route tree.
type RouterConfig struct {
	// Handlers
	CatalogHandler *handlers.CatalogHandler
	HealthHandler  *handlers.HealthHandler

	// Infrastructure
	Logger           logging.Logger
	Metrics          *prometheus.AppMetrics
	MetricsCollector prometheus.MetricsCollector

	// Mode selects the gin mode ("debug", "release", "test"); empty means
	// release.
	Mode string
}

// NewRouter constructs the complete route tree from the given configuration.
// It wires global middleware, public health endpoints, the metrics scrape
// endpoint, and the /api/v1 catalog group into a single engine suitable for
// use with http.Server.
func NewRouter(cfg RouterConfig) *gin.Engine {
	mode := cfg.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()

	// Global middleware, applied to every request.
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(cfg.Logger))
	if cfg.Logger != nil {
		r.Use(middleware.RequestLogging(cfg.Logger, middleware.DefaultLoggingConfig()))
	}
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	// Public health endpoints.
	if cfg.HealthHandler != nil {
		cfg.HealthHandler.RegisterRoutes(r)
	}

	// Metrics scrape endpoint, expected to sit behind an internal firewall
	// rule rather than application auth.
	if cfg.MetricsCollector != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsCollector.Handler()))
	}

	// API v1: read-only catalog views.
	api := r.Group("/api/v1")
	if cfg.CatalogHandler != nil {
		cfg.CatalogHandler.RegisterRoutes(api)
	}

	return r
}
