package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/nuntius/internal/app"
)

// Server wraps the HTTP server and its routes
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
}

// New creates a server for the given application
func New(application *app.App) *Server {
	s := &Server{
		app: application,
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. It blocks until the server
// is shut down or fails.
func (s *Server) Start() error {
	s.app.Logger.Info().
		Str("address", s.server.Addr).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.server.Addr
}
