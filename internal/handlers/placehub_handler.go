package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/models"
)

// PlaceHubHandler serves synchronous place-hub guessing
type PlaceHubHandler struct {
	service Facade
	logger  arbor.ILogger
}

// NewPlaceHubHandler creates a new PlaceHubHandler
func NewPlaceHubHandler(service Facade, logger arbor.ILogger) *PlaceHubHandler {
	return &PlaceHubHandler{
		service: service,
		logger:  logger,
	}
}

// GuessHandler runs a hub-guessing pass over the requested domains and
// returns the full report. Unlike crawls this runs inside the request, so
// the report is complete when the response lands.
// POST /api/placehubs/guess
func (h *PlaceHubHandler) GuessHandler(w http.ResponseWriter, r *http.Request) {
	var opts models.PlaceHubOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid place hub request: %v", err))
		return
	}

	report, err := h.service.GuessPlaceHubs(r.Context(), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, report)
}
