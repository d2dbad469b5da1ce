// Package httpapi is the JSON control surface: workflow and trigger CRUD,
// run launching, schedule management, the service registry views, event
// ingestion, and the operator admin endpoints. Handlers translate between
// HTTP and the domain services; no business rules live here.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/events"
	"github.com/apphub/apphub/modules"
	"github.com/apphub/apphub/orchestration"
	"github.com/apphub/apphub/queue"
	"github.com/apphub/apphub/registry"
	"github.com/apphub/apphub/scheduling"
	"github.com/apphub/apphub/schedules"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/telemetry"
	"github.com/apphub/apphub/triggers"
)

// defaultListLimit bounds listing responses that carry no explicit limit.
const defaultListLimit = 50

// Server hosts the control surface. Collaborators are optional: routes
// whose backing service is not wired respond 502 so a partially assembled
// process degrades loudly instead of panicking.
type Server struct {
	store     store.Store
	http      core.HTTPConfig
	auth      core.AuthConfig
	launcher  *orchestration.Launcher
	orch      *orchestration.Orchestrator
	bus       *events.Bus
	processor *triggers.Processor
	scheds    *schedules.Materializer
	registry  *registry.Registry
	modules   *modules.Service
	gate      *scheduling.State
	manager   *queue.Manager
	metrics   *telemetry.Metrics
	logger    core.Logger

	tokens map[string]core.TokenGrant
}

// Option adjusts a Server at construction.
type Option func(*Server)

// WithLogger injects the structured logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLauncher wires the run launcher used by definition and run routes.
func WithLauncher(launcher *orchestration.Launcher) Option {
	return func(s *Server) { s.launcher = launcher }
}

// WithOrchestrator wires the orchestrator used for run cancellation.
func WithOrchestrator(orch *orchestration.Orchestrator) Option {
	return func(s *Server) { s.orch = orch }
}

// WithBus wires the event bus behind the /events routes.
func WithBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithProcessor wires the trigger processor behind the trigger routes.
func WithProcessor(processor *triggers.Processor) Option {
	return func(s *Server) { s.processor = processor }
}

// WithSchedules wires the schedule materializer behind the schedule routes.
func WithSchedules(m *schedules.Materializer) Option {
	return func(s *Server) { s.scheds = m }
}

// WithRegistry wires the service registry behind the service routes.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithModules wires module-scoped listing support.
func WithModules(m *modules.Service) Option {
	return func(s *Server) { s.modules = m }
}

// WithSchedulerState wires the pause snapshot behind /admin/event-health.
func WithSchedulerState(gate *scheduling.State) Option {
	return func(s *Server) { s.gate = gate }
}

// WithQueueManager wires queue readiness into /health.
func WithQueueManager(m *queue.Manager) Option {
	return func(s *Server) { s.manager = m }
}

// WithMetrics wires the Prometheus registry behind /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the control surface server.
func New(st store.Store, cfg core.Config, opts ...Option) *Server {
	s := &Server{
		store:  st,
		http:   cfg.HTTP,
		auth:   cfg.Auth,
		logger: &core.NoOpLogger{},
		tokens: make(map[string]core.TokenGrant, len(cfg.Auth.Tokens)),
	}
	for _, grant := range cfg.Auth.Tokens {
		s.tokens[grant.Token] = grant
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the route tree. Split out from Run so tests can drive
// the handler directly with httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.http.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.http.CORS.AllowedOrigins,
			AllowedMethods: s.http.CORS.AllowedMethods,
			AllowedHeaders: s.http.CORS.AllowedHeaders,
			MaxAge:         s.http.CORS.MaxAge,
		}))
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeWorkflowsRead))
			r.Get("/workflows", s.handleListDefinitions)
			r.Get("/workflows/{slug}", s.handleGetDefinition)
			r.Get("/workflows/{slug}/runs", s.handleListDefinitionRuns)
			r.Get("/workflows/{slug}/triggers", s.handleListTriggers)
			r.Get("/workflows/{slug}/triggers/{id}", s.handleGetTrigger)
			r.Get("/workflows/{slug}/triggers/{id}/deliveries", s.handleListDeliveries)
			r.Get("/workflows/{slug}/schedules", s.handleListDefinitionSchedules)
			r.Get("/workflow-schedules", s.handleListSchedules)
			r.Get("/workflow-runs", s.handleListRuns)
			r.Get("/workflow-runs/{id}", s.handleGetRun)
			r.Get("/workflow-runs/{id}/steps", s.handleGetRunSteps)
			r.Get("/services", s.handleListServices)
			r.Get("/services/{slug}", s.handleGetService)
			r.Get("/events", s.handleListEvents)
			r.Handle("/services/{slug}/preview/*", http.HandlerFunc(s.handlePreview))
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeWorkflowsWrite))
			r.Post("/workflows", s.handleCreateDefinition)
			r.Patch("/workflows/{slug}", s.handlePatchDefinition)
			r.Post("/workflows/{slug}/triggers", s.handleCreateTrigger)
			r.Patch("/workflows/{slug}/triggers/{id}", s.handlePatchTrigger)
			r.Delete("/workflows/{slug}/triggers/{id}", s.handleDeleteTrigger)
			r.Post("/workflows/{slug}/schedules", s.handleCreateSchedule)
			r.Patch("/workflows/{slug}/schedules/{id}", s.handlePatchSchedule)
			r.Post("/service-networks/import", s.handleImportServiceNetwork)
			r.Post("/events", s.handleIngestEvent)
			r.Get("/admin/event-health", s.handleEventHealth)
			r.Post("/admin/retries/deliveries/{id}", s.handleRetryDelivery)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeWorkflowsRun))
			r.Post("/workflows/{slug}/run", s.handleLaunchRun)
			r.Post("/workflow-runs/{id}/cancel", s.handleCancelRun)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeJobsRead))
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{slug}", s.handleGetJob)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeJobsWrite))
			r.Put("/jobs/{slug}", s.handleUpsertJob)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeJobBundlesRead))
			r.Get("/backend-mounts", s.handleListMounts)
			r.Get("/backend-mounts/{key}", s.handleGetMount)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeJobBundlesWrite))
			r.Put("/backend-mounts/{key}", s.handleUpsertMount)
		})
	})

	return r
}

// Run serves until ctx is canceled, then drains within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.http.Address, s.http.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.http.ReadTimeout,
		WriteTimeout: s.http.WriteTimeout,
		IdleTimeout:  s.http.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", map[string]interface{}{"addr": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return core.NewExternal("httpapi.Run", "server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.http.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", map[string]interface{}{"error": err.Error()})
		return srv.Close()
	}
	return nil
}

// handleHealth reports liveness plus queue readiness. Degraded components
// flip the status and the response code to 503 so load balancers drain us.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type healthReport struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	report := healthReport{Status: "ok", Components: map[string]string{}}

	if s.manager != nil {
		if err := s.manager.VerifyConnectivity(r.Context(), 2*time.Second); err != nil {
			report.Status = "degraded"
			report.Components["queue"] = err.Error()
		} else {
			report.Components["queue"] = "ok"
		}
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Data: report})
}
