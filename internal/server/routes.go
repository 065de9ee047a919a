package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes. Method+path patterns let the mux
// answer 405 on method mismatch without per-handler checks.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Task lifecycle
	mux.HandleFunc("POST /api/tasks/{type}", s.app.TaskHandler.CreateTaskHandler)
	mux.HandleFunc("GET /api/tasks", s.app.TaskHandler.ListTasksHandler)
	mux.HandleFunc("GET /api/tasks/{id}", s.app.TaskHandler.GetTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.app.TaskHandler.PauseTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.app.TaskHandler.ResumeTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/stop", s.app.TaskHandler.StopTaskHandler)
	mux.HandleFunc("GET /api/tasks/{id}/telemetry", s.app.TaskHandler.TaskTelemetryHandler)

	// Crawls
	mux.HandleFunc("POST /api/crawls", s.app.CrawlHandler.StartCrawlHandler)
	mux.HandleFunc("GET /api/crawl-types", s.app.CrawlHandler.ListCrawlTypesHandler)

	// Place hubs
	mux.HandleFunc("POST /api/placehubs/guess", s.app.PlaceHubHandler.GuessHandler)

	// Event streams
	mux.HandleFunc("GET /api/events", s.app.EventsHandler.StreamHandler)
	mux.HandleFunc("GET /ws", s.app.WSHandler.HandleWebSocket)

	// Health
	mux.HandleFunc("GET /api/status", s.app.StatusHandler.GetStatusHandler)

	return mux
}
