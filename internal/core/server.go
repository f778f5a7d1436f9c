// Package core provides the API chassis for the PixelMint billing service.
// It creates a chi router, enforces cross-cutting concerns (panic recovery,
// request correlation, structured request logging) before requests reach
// domain handlers, and hosts the health endpoint.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pixelmint/internal/config"
)

// RouteRegistrar mounts a group of domain handler routes onto the router.
// The indirection keeps core free of handler package imports.
type RouteRegistrar func(r chi.Router)

// Server bundles the chassis dependencies. Domain handlers are mounted via
// RouteRegistrars by the application entry point.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// HealthProbes are checked concurrently by the health endpoint.
	HealthProbes []HealthProbe

	// RouteRegistrars are applied by MountRoutes, in order.
	RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer prepares the server for route mounting. Fail-fast on missing
// dependencies.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the health endpoint, and
// every configured route registrar.
//
// Middleware order matters: Recoverer is outermost so it catches panics from
// everything below; RequestID runs before the logger so log lines carry the
// correlation id.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Get("/health", s.HandleHealth)

	for _, registrar := range s.RouteRegistrars {
		registrar(s.router)
	}
}

// Shutdown performs graceful termination of server-owned resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown complete")
	return nil
}
