package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/models"
)

// StatusHandler serves the health endpoint
type StatusHandler struct {
	service Facade
	logger  arbor.ILogger
	started time.Time
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(service Facade, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		service: service,
		logger:  logger,
		started: time.Now(),
	}
}

// statusResponse is the health report: process identity plus whether the
// durable store answers and what the task population looks like.
type statusResponse struct {
	Status  string                    `json:"status"`
	Version string                    `json:"version"`
	Build   string                    `json:"build"`
	Uptime  string                    `json:"uptime"`
	Store   storeStatus               `json:"store"`
	Tasks   map[models.TaskStatus]int `json:"tasks,omitempty"`
}

type storeStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// GetStatusHandler reports service health. A store that does not answer
// degrades the whole response to 503 since every operation needs it.
// GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:  "ok",
		Version: common.GetVersion(),
		Build:   common.GetBuild(),
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Store:   storeStatus{Healthy: true},
	}

	code := http.StatusOK
	if err := h.service.PingStore(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = storeStatus{Healthy: false, Error: err.Error()}
		code = http.StatusServiceUnavailable
	} else if counts, err := h.service.CountTasksByStatus(r.Context()); err == nil {
		resp.Tasks = counts
	}

	WriteJSON(w, code, resp)
}
