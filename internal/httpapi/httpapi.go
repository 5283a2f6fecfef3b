// Package httpapi is the service's HTTP boundary: routing, caller identity,
// request validation, and the error-to-status mapping. Handlers stay thin and
// delegate to lifecycle and envreg; nothing in here touches a provider
// directly.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/envreg"
	"github.com/steveyegge/bullpen/internal/lifecycle"
	"github.com/steveyegge/bullpen/internal/metrics"
	"github.com/steveyegge/bullpen/internal/store"
)

// HealthCheck is one named dependency probe for /healthz. Probe errors are
// logged, never echoed to the caller.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Deps wires the HTTP layer. Checks is optional; the store ping is always
// probed.
type Deps struct {
	Addr         string
	Lifecycle    *lifecycle.Controller
	Environments *envreg.Service
	Auth         *auth.Authorizer
	Store        store.Store
	Metrics      *metrics.Metrics
	Checks       []HealthCheck
	Logger       *zap.Logger
}

// Server is the HTTP front door.
type Server struct {
	lifecycle    *lifecycle.Controller
	environments *envreg.Service
	auth         *auth.Authorizer
	store        store.Store
	metrics      *metrics.Metrics
	checks       []HealthCheck
	validate     *validator.Validate
	httpServer   *http.Server
	logger       *zap.Logger
}

// New builds the server with its routes wired. Start requests legitimately
// block for the whole provisioning pipeline, so the write timeout must
// outlast the configured start budget.
func New(d Deps) *Server {
	s := &Server{
		lifecycle:    d.Lifecycle,
		environments: d.Environments,
		auth:         d.Auth,
		store:        d.Store,
		metrics:      d.Metrics,
		checks:       d.Checks,
		validate:     validator.New(),
		logger:       d.Logger.Named("httpapi"),
	}
	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Minute,
	}
	return s
}

// Handler returns the routed handler. Exposed so tests can drive the full
// middleware stack through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", headerTokenPair},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withIdentity)

		r.Route("/sandboxes", func(r chi.Router) {
			r.Get("/", s.handleListSandboxes)
			r.Post("/start", s.handleStart)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/env", s.handleApplyEnv)
				r.Post("/run-scripts", s.handleRunScripts)
				r.Post("/stop", s.handleStop)
				r.Get("/status", s.handleStatus)
				r.Post("/publish-devcontainer", s.handlePublishDevcontainer)
				r.Post("/resume", s.handleResume)
				r.Post("/refresh-github-auth", s.handleRefreshGitHubAuth)
				r.Post("/discover-repos", s.handleDiscoverRepos)
				r.Get("/ssh", s.handleSSH)
			})
		})

		r.Route("/environments", func(r chi.Router) {
			r.Post("/", s.handleCreateEnvironment)
			r.Get("/", s.handleListEnvironments)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetEnvironment)
				r.Patch("/", s.handleUpdateEnvironment)
				r.Delete("/", s.handleDeleteEnvironment)
				r.Get("/vars", s.handleGetEnvVars)
				r.Patch("/vars", s.handleSetEnvVars)
				r.Patch("/ports", s.handleUpdatePorts)
				r.Get("/snapshots", s.handleListSnapshotVersions)
				r.Post("/snapshots", s.handleCreateSnapshotVersion)
				r.Post("/snapshots/{versionId}/activate", s.handleActivateSnapshotVersion)
			})
		})

		r.Post("/morph/task-runs/{id}/force-wake", s.handleForceWake)
	})

	return r
}

// ListenAndServe serves until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealthz probes the store plus any injected checks. Failures report
// as "failing" with the cause logged server-side only.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	probes := append([]HealthCheck{{Name: "store", Probe: s.store.Ping}}, s.checks...)
	for _, c := range probes {
		if err := c.Probe(ctx); err != nil {
			s.logger.Warn("health probe failed", zap.String("check", c.Name), zap.Error(err))
			resp.Checks[c.Name] = "failing"
			resp.Status = "degraded"
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	jsonResponse(w, status, resp)
}
