// Package server implements the HTTP API exposing a file storage.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/s3filestore/internal/config"
	"github.com/bleepstore/s3filestore/internal/filestore"
	"github.com/bleepstore/s3filestore/internal/logging"
)

// Store is the file storage served by the API.
type Store interface {
	filestore.Storage
	// Ping checks that the backing bucket is reachable.
	Ping(ctx context.Context) error
}

// Server is the file storage HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      Store
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a Server serving store and wires up all routes on a Chi
// router with a Huma API.
func New(cfg *config.Config, store Store, logger *slog.Logger) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("S3 File Store API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		store:  store,
		logger: logging.Component(logger, "server"),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("Listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes. Streaming endpoints (upload,
// download, append) are plain Chi handlers so bodies are never buffered;
// everything else goes through Huma for OpenAPI documentation.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the server and, with health checks enabled, of its bucket.",
		Tags:        []string{"System"},
	}, s.health)

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.HealthCheck {
		// Liveness: the process is serving.
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		// Readiness: the bucket is reachable.
		s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := s.store.Ping(r.Context()); err != nil {
				s.logger.Warn("Readiness check failed", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.registerFileRoutes()

	s.router.Post("/files", s.saveFile)
	s.router.Get("/files/{name}", s.getFile)
	s.router.Patch("/files/{name}", s.appendFile)
}
