package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// TaskHandler serves the task lifecycle API
type TaskHandler struct {
	service Facade
	logger  arbor.ILogger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(service Facade, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger,
	}
}

// CreateTaskHandler starts a background task of a registered type.
// POST /api/tasks/{type} with an optional JSON body carrying the task config.
func (h *TaskHandler) CreateTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskType := r.PathValue("type")

	var config map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid task config: %v", err))
		return
	}

	task, err := h.service.StartBackgroundTask(r.Context(), taskType, config)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, task)
}

// ListTasksHandler returns tasks matching the query filters, newest first.
// GET /api/tasks?status=running,paused&type=crawl&limit=50&offset=0
func (h *TaskHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(queryList(r, "status"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := interfaces.TaskFilter{
		Statuses: statuses,
		Types:    queryList(r, "type"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}

	tasks, err := h.service.ListTasks(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(tasks),
		"tasks": tasks,
	})
}

// GetTaskHandler returns one task by ID.
// GET /api/tasks/{id}
func (h *TaskHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// PauseTaskHandler suspends a task at its next safe point.
// POST /api/tasks/{id}/pause
func (h *TaskHandler) PauseTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.PauseTask)
}

// ResumeTaskHandler continues a paused task.
// POST /api/tasks/{id}/resume
func (h *TaskHandler) ResumeTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.ResumeTask)
}

// StopTaskHandler cancels a task. Stopping an already-cancelled task is a
// no-op and still answers 202.
// POST /api/tasks/{id}/stop
func (h *TaskHandler) StopTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.CancelTask)
}

// lifecycle applies one state operation and answers 202 with the task as it
// stands afterwards. The operation is asynchronous: a pause, for example, is
// accepted here and lands at the runner's next checkpoint.
func (h *TaskHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := r.PathValue("id")

	if err := op(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	task, err := h.service.GetTask(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, task)
}

// TaskTelemetryHandler returns the full telemetry bundle for one task.
// GET /api/tasks/{id}/telemetry
func (h *TaskHandler) TaskTelemetryHandler(w http.ResponseWriter, r *http.Request) {
	telemetry, err := h.service.TaskTelemetry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, telemetry)
}

// parseStatuses validates status filter values against the task lifecycle
func parseStatuses(values []string) ([]models.TaskStatus, error) {
	if len(values) == 0 {
		return nil, nil
	}
	statuses := make([]models.TaskStatus, 0, len(values))
	for _, value := range values {
		status := models.TaskStatus(value)
		switch status {
		case models.TaskStatusPending, models.TaskStatusResuming, models.TaskStatusRunning,
			models.TaskStatusPaused, models.TaskStatusCompleted, models.TaskStatusFailed,
			models.TaskStatusCancelled:
			statuses = append(statuses, status)
		default:
			return nil, fmt.Errorf("unknown task status %q", value)
		}
	}
	return statuses, nil
}
