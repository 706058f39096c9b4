// Package api provides the HTTP API of the bot runner.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/botrunner/internal/api/handlers"
	"github.com/narvanalabs/botrunner/internal/api/health"
	"github.com/narvanalabs/botrunner/internal/api/middleware"
	"github.com/narvanalabs/botrunner/internal/metrics"
	"github.com/narvanalabs/botrunner/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// requestTimeout bounds ordinary requests. Uploads and the websocket stream
// are exempt.
const requestTimeout = 60 * time.Second

// Service is everything the API needs from the deployment service.
type Service interface {
	handlers.DeploymentService
	handlers.LogService
	handlers.FileService
}

// Deps are the collaborators of a Server.
type Deps struct {
	Service Service
	Broker  handlers.Broker
	// Store is pinged by /health.
	Store   health.Pinger
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	config        *config.Config
	deps          Deps
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		config:        cfg,
		deps:          deps,
		logger:        deps.Logger.With("component", "api"),
		healthChecker: health.NewChecker(deps.Store, Version),
	}
	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Instrument(s.deps.Metrics))
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.Get("/health", s.healthChecker.Handler())
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	deployments := handlers.NewDeploymentHandler(s.deps.Service, s.config.Limits.MaxArchiveSize, s.logger)
	logs := handlers.NewLogHandler(s.deps.Service, s.deps.Broker, handlers.StreamConfig{
		AllowedOrigins: s.config.Server.AllowedOrigins,
		Backlog:        s.config.Logs.SnapshotLines,
	}, s.logger)
	files := handlers.NewFileHandler(s.deps.Service, s.config.Limits.MaxFileSize, s.logger)

	r.Route("/v1/servers/{serverID}/deployments", func(r chi.Router) {
		r.Post("/", deployments.Create)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(requestTimeout))
			r.Get("/", deployments.List)
		})

		r.Route("/{deploymentID}", func(r chi.Router) {
			// Long-lived websocket; no request timeout.
			r.Get("/logs/ws", logs.Stream)

			r.Group(func(r chi.Router) {
				r.Use(chimiddleware.Timeout(requestTimeout))

				r.Get("/", deployments.Get)
				r.Post("/stop", deployments.Stop)
				r.Post("/restart", deployments.Restart)
				r.Post("/complete-stop", deployments.CompleteStop)
				r.Post("/reset", deployments.Reset)
				r.Post("/input", deployments.Input)

				r.Get("/logs", logs.Get)
				r.Delete("/logs", logs.Clear)

				r.Get("/files", files.List)
				r.Post("/files", files.Create)
				r.Delete("/files", files.Delete)
				r.Get("/files/content", files.Read)
				r.Put("/files/content", files.Write)
			})
		})
	})

	s.router = r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer returns the underlying server for shutdown registration.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting API server", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return nil
	}
}
