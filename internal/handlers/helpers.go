package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/nuntius/internal/crawltypes"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/services/orchestration"
)

// Facade is the slice of the orchestration service the HTTP layer consumes.
// Handlers never reach past it into the orchestrator or the stores.
type Facade interface {
	StartCrawl(ctx context.Context, opts models.CrawlOptions) (*orchestration.StartCrawlResult, error)
	StartBackgroundTask(ctx context.Context, taskType string, config map[string]interface{}) (*models.Task, error)
	PauseTask(ctx context.Context, id string) error
	ResumeTask(ctx context.Context, id string) error
	CancelTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error)
	TaskTelemetry(ctx context.Context, id string) (*models.TaskTelemetry, error)
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error)
	PingStore(ctx context.Context) error
	GuessPlaceHubs(ctx context.Context, opts models.PlaceHubOptions) (*models.PlaceHubReport, error)
	CrawlTypes() []*crawltypes.Definition
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// writeServiceError maps a facade error onto its HTTP status and writes it.
func writeServiceError(w http.ResponseWriter, err error) {
	WriteError(w, statusForError(err), err.Error())
}

// statusForError translates the facade's typed errors into status codes.
// Anything unrecognized is a 500; the facade wraps store failures in
// ErrStoreUnavailable before they get here.
func statusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidTransition),
		errors.Is(err, orchestration.ErrCrawlAlreadyRunning),
		errors.Is(err, orchestration.ErrDomainNotReady):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrUnknownTaskType),
		errors.Is(err, orchestration.ErrInvalidCrawlOptions),
		errors.Is(err, orchestration.ErrInvalidHubOptions):
		return http.StatusBadRequest
	case errors.Is(err, orchestration.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away or the request ran out of time
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryInt parses an integer query parameter, falling back on the default
// for missing or malformed values.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// queryList splits a comma-separated query parameter into trimmed values.
func queryList(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
