package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/workflow"
)

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Config       *config.Config
	Engine       *workflow.Engine
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
	// MetricsHandler serves the metrics path; defaults to the Prometheus
	// default registry.
	MetricsHandler http.Handler
}

// NewRouter creates the chi router with the middleware pipeline and all
// routes. Health, readiness and metrics bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		h := deps.MetricsHandler
		if h == nil {
			h = observability.Handler()
		}
		r.Method(http.MethodGet, metricsPath(deps.Config), h)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		if deps.Config.Observability.Tracing.Enabled {
			r.Use(observability.TracingMiddleware)
		}
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(auth)
		r.Use(RequestLogging(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/{definitionId}/instances", handleWorkflowStart(deps.Engine))
			r.Get("/instances", handleWorkflowList(deps.Engine))

			r.Route("/instances/{instanceId}", func(r chi.Router) {
				r.Get("/", handleWorkflowGet(deps.Engine))
				r.Post("/execute", handleWorkflowExecute(deps.Engine))
				r.Post("/transitions/{transitionId}", handleWorkflowTransition(deps.Engine))
				r.Patch("/state", handleWorkflowState(deps.Engine))
				r.Post("/comment", handleWorkflowComment(deps.Engine))
				r.Post("/cancel", handleWorkflowCancel(deps.Engine))
				r.Get("/access", handleWorkflowAccess(deps.Engine))
			})
		})
	})

	return r
}

func metricsPath(cfg *config.Config) string {
	if cfg.Observability.Metrics.Path != "" {
		return cfg.Observability.Metrics.Path
	}
	return "/metrics"
}
