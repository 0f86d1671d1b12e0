package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/foodhub/foodhub/internal/auth"
	"github.com/foodhub/foodhub/internal/observability"
	"github.com/foodhub/foodhub/internal/platform/httpx"
	"github.com/foodhub/foodhub/internal/rbac"
	"github.com/foodhub/foodhub/internal/shared"
	"github.com/foodhub/foodhub/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Tokens         *auth.TokenIssuer
	AuthHandler    *auth.Handler
	RBACHandler    *rbac.Handler
	RouteGuard     *rbac.RouteGuard
	Guard          *rbac.Guard
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with FoodHub defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Tokens:         params.Tokens,
		Metrics:        params.Metrics,
		RouteGuard:     params.RouteGuard,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Route guard target for browsers lacking a required permission.
	r.Get("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "you do not have access to this page")
	})

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	if params.RBACHandler != nil {
		r.Route("/admin/rbac", params.RBACHandler.MountRoutes)
		r.Route("/me", params.RBACHandler.MountSelfRoutes)
	}
	// Queue internals are operator-only.
	if params.JobHandler != nil && params.Guard != nil {
		requireOps := rbac.Middleware{Guard: params.Guard}.RequireAny(shared.PermReportsView, shared.PermPermissionsManage)
		r.With(requireOps).Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
