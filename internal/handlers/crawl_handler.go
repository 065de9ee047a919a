package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/models"
)

// CrawlHandler serves crawl starts and crawl-type discovery
type CrawlHandler struct {
	service Facade
	logger  arbor.ILogger
}

// NewCrawlHandler creates a new CrawlHandler
func NewCrawlHandler(service Facade, logger arbor.ILogger) *CrawlHandler {
	return &CrawlHandler{
		service: service,
		logger:  logger,
	}
}

// StartCrawlHandler validates and starts a crawl. The crawl runs as a task;
// 202 acknowledges creation with the task ID, the worker argv preview, and
// the stage the task sits in right now.
// POST /api/crawls
func (h *CrawlHandler) StartCrawlHandler(w http.ResponseWriter, r *http.Request) {
	var opts models.CrawlOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid crawl request: %v", err))
		return
	}

	result, err := h.service.StartCrawl(r.Context(), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, result)
}

// ListCrawlTypesHandler returns the crawl-type definitions loaded at boot.
// GET /api/crawl-types
func (h *CrawlHandler) ListCrawlTypesHandler(w http.ResponseWriter, r *http.Request) {
	types := h.service.CrawlTypes()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(types),
		"crawl_types": types,
	})
}
