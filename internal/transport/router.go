package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/bpfstage/internal/config"
	"github.com/pitabwire/bpfstage/internal/controller"
	"github.com/pitabwire/bpfstage/internal/observability"
	"github.com/pitabwire/bpfstage/model"
)

// Resolver is the part of the data-acquisition client the handlers call
// directly.
type Resolver interface {
	ResolveSingle(ctx context.Context, recordID, entityName string, cfg model.Configuration) (*model.Instance, error)
	ClearCache()
	ClearCacheForEntity(entityName string)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Views        *controller.Views
	Resolver     Resolver
	Readiness    observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler

	// MetricsHandler serves the metrics path. Defaults to the global
	// Prometheus registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{
		views:    deps.Views,
		resolver: deps.Resolver,
		defaults: model.Configuration{Definitions: deps.Config.Definitions},
		logger:   logger,
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes, no authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		mh := deps.MetricsHandler
		if mh == nil {
			mh = observability.Handler()
		}
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, mh)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/api/v1", func(r chi.Router) {
			r.Put("/views/{viewId}", h.putView)
			r.Get("/views/{viewId}", h.getView)
			r.Post("/views/{viewId}/refresh", h.refreshView)
			r.Delete("/views/{viewId}", h.deleteView)
			r.Get("/records/{recordId}", h.getRecord)
			r.Post("/cache/clear", h.clearCache)
		})
	})

	return r
}
