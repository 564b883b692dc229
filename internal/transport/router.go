package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openattest/certflow/internal/config"
	"github.com/openattest/certflow/internal/idempotency"
	"github.com/openattest/certflow/internal/lock"
	"github.com/openattest/certflow/internal/metadata"
	"github.com/openattest/certflow/internal/observability"
	"github.com/openattest/certflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config         *config.Config
	Logger         *zap.Logger
	Authenticator  Authenticator
	Engine         *workflow.Engine
	InstanceStore  workflow.InstanceStore
	Locker         lock.Locker
	Idempotency    idempotency.Store
	StatusProvider *metadata.StatusProvider
	Metrics        *observability.Metrics
	Readiness      observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes, no authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	// Authenticated routes with the full middleware chain.
	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(ActorContext(deps.Authenticator))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout.Std()))
		r.Use(RequestLogging(logger))

		r.Route("/applications", func(r chi.Router) {
			r.Post("/", handleApplicationCreate(deps.Engine))
			r.Get("/", handleApplicationList(deps.InstanceStore))

			r.Route("/{instanceId}", func(r chi.Router) {
				r.Get("/", handleApplicationGet(deps.InstanceStore))
				r.Get("/status", handleStatusInfo(deps.InstanceStore, deps.StatusProvider))
				r.Get("/history", handleTransitionHistory(deps.Engine))
				r.Get("/transitions", handleAvailableTransitions(deps.Engine, deps.InstanceStore))
				r.Post("/transitions", withIdempotency(deps.Idempotency, logger,
					handleWorkflowTransition(deps.Engine, deps.InstanceStore, deps.Locker)))

				r.Route("/steps/{stepId}", func(r chi.Router) {
					r.Get("/status", handleStepStatus(deps.InstanceStore))
					r.Get("/events", handleStepEvents(deps.Engine, deps.InstanceStore))
					r.Post("/transitions", withIdempotency(deps.Idempotency, logger,
						handleStepTransition(deps.Engine, deps.InstanceStore, deps.Locker)))
				})
			})
		})
	})

	return r
}
