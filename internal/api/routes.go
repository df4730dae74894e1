// Package api wires the HTTP/Admin surface: run submission, run/worker
// inspection, health, metrics, and the worker websocket endpoint, using
// go-chi/chi routing and middleware composition, writing run state directly
// into the Store and Queue Client, and handing each worker websocket
// connection to its own transport.Supervisor-managed connection rather than
// a broadcast dashboard hub.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maumercado/taskrun-dispatcher/internal/api/handlers"
	apiMiddleware "github.com/maumercado/taskrun-dispatcher/internal/api/middleware"
	"github.com/maumercado/taskrun-dispatcher/internal/config"
	"github.com/maumercado/taskrun-dispatcher/internal/dispatch"
	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
	"github.com/maumercado/taskrun-dispatcher/internal/trace"
	"github.com/maumercado/taskrun-dispatcher/internal/transport"
)

// Server is the HTTP server fronting run submission, run/worker inspection,
// and the worker websocket endpoint.
type Server struct {
	router       *chi.Mux
	config       *config.Config
	runHandler   *handlers.RunHandler
	adminHandler *handlers.AdminHandler
	supervisor   *transport.Supervisor
}

// NewServer builds the full route tree. dispatchCfg tunes every connection's
// Dispatcher; st, q, and tr are shared across every connection and request.
func NewServer(cfg *config.Config, st store.Store, q queue.Client, tr trace.Recorder, dispatchCfg dispatch.Config) *Server {
	sup := transport.NewSupervisor(st, q, tr, dispatchCfg)

	s := &Server{
		router:       chi.NewRouter(),
		config:       cfg,
		runHandler:   handlers.NewRunHandler(st, q),
		adminHandler: handlers.NewAdminHandler(st, sup),
		supervisor:   sup,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apiMiddleware.RequestLogger())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	authCfg := authConfigFromConfig(s.config.Auth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(apiMiddleware.Auth(authCfg))

		if s.config.Queue.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Queue.RateLimitRPS))
		}

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.runHandler.Create)
			r.Get("/{runID}", s.runHandler.Get)
		})
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/health", s.adminHandler.HealthCheck)
		r.Get("/runs/{runID}", s.adminHandler.GetRun)
		r.Get("/workers", s.adminHandler.ListWorkers)
	})

	// The worker connection authenticates the same way API callers do, but
	// needs its AuthenticatedEnvironment handed to ServeWS directly rather
	// than read back out of the request context by a downstream handler.
	s.router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsAuth := apiMiddleware.Auth(authCfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			env, ok := apiMiddleware.Environment(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			s.supervisor.ServeWS(w, r, env)
		}))
		wsAuth.ServeHTTP(w, r)
	})

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// authConfigFromConfig converts config's leaf-level AuthConfig (which can't
// depend on internal/runs) into the middleware's AuthConfig, keyed the same
// way but carrying full AuthenticatedEnvironment values.
func authConfigFromConfig(cfg config.AuthConfig) *apiMiddleware.AuthConfig {
	keys := make(map[string]runs.AuthenticatedEnvironment, len(cfg.APIKeys))
	for key, cred := range cfg.APIKeys {
		keys[key] = runs.AuthenticatedEnvironment{
			ID: cred.EnvironmentID, Slug: cred.EnvironmentSlug, Type: cred.EnvironmentType,
			OrganizationID: cred.OrganizationID, OrganizationSlug: cred.OrganizationSlug, OrganizationName: cred.OrganizationName,
			ProjectID: cred.ProjectID, ProjectRef: cred.ProjectRef, ProjectSlug: cred.ProjectSlug, ProjectName: cred.ProjectName,
		}
	}
	return &apiMiddleware.AuthConfig{Enabled: cfg.Enabled, JWTSecret: cfg.JWTSecret, APIKeys: keys}
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown closes every active worker connection, letting each one roll back
// whatever attempts never got a response.
func (s *Server) Shutdown(ctx context.Context) {
	s.supervisor.Shutdown(ctx)
}
