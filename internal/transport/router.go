package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/agent"
	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/internal/signreq"
	"github.com/pitabwire/signet/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Engine       *workflow.Engine
	Issuer       *signreq.Issuer
	Coordinator  *agent.Coordinator
	Blobs        blob.Store
	Idempotency  *Idempotency
	Limiter      *limiter.Limiter
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication; signing endpoints are public and rate limited; workflow
// and step endpoints require an operator JWT.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(RequestLogging(logger))

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(MaxBodyBytes(deps.Config.Server.MaxBodyBytes))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Group(func(r chi.Router) {
			r.Use(RateLimit(deps.Limiter, logger))

			r.Get("/sign/{token}", handleSignInspect(deps.Issuer))
			r.Post("/sign/{token}", handleSignRedeem(deps.Issuer))
			r.Post("/sign/{token}/decline", handleSignDecline(deps.Issuer))
		})

		auth := deps.Authenticate
		if auth == nil {
			auth = func(next http.Handler) http.Handler { return next }
		}

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(BuildRequestContext(deps.Config.Identity.RolesClaim))
			r.Use(RequireRole(deps.Config.Identity.OperatorRole))

			r.Post("/workflows", handleWorkflowCreate(deps.Engine, deps.Blobs, deps.Idempotency))
			r.Get("/workflows/{instanceId}", WorkflowScope(handleWorkflowGet(deps.Engine)))
			r.Get("/workflows/{instanceId}/audit", WorkflowScope(handleWorkflowAudit(deps.Engine)))
			r.Post("/workflows/{instanceId}/cancel", WorkflowScope(handleWorkflowCancel(deps.Engine)))

			r.Post("/steps/{stepId}/reissue", WorkflowScope(handleStepReissue(deps.Engine)))
			r.Post("/steps/{stepId}/certificate", WorkflowScope(handleStepCertificate(deps.Engine, deps.Coordinator)))
			r.Get("/steps/{stepId}/attempts", WorkflowScope(handleStepAttempts(deps.Engine, deps.Coordinator)))
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, nil)
	})

	return r
}
