package crawler

import (
	"fmt"
	"io"
	"sync"

	"github.com/phuslu/log"

	"github.com/ternarybob/nuntius/internal/models"
)

// Emitter serializes protocol lines onto the worker's stdout. It is the only
// writer allowed on that stream; human-readable logging goes to stderr.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

func (e *Emitter) Progress(p models.ProgressPayload) {
	e.emit(models.WorkerPrefixProgress, p)
}

// Queue mirrors one frontier mutation. Attribution fields (task, timestamp)
// are dropped; the supervisor re-stamps them on ingest.
func (e *Emitter) Queue(event models.QueueEvent) {
	e.emit(models.WorkerPrefixQueue, models.QueuePayload{
		Action:    event.Action,
		URL:       event.URL,
		Host:      event.Host,
		Depth:     event.Depth,
		Reason:    event.Reason,
		QueueSize: event.QueueSize,
	})
}

func (e *Emitter) Problem(p models.ProblemPayload) {
	e.emit(models.WorkerPrefixProblem, p)
}

func (e *Emitter) Milestone(p models.MilestonePayload) {
	e.emit(models.WorkerPrefixMilestone, p)
}

func (e *Emitter) PlannerStage(p models.PlannerStagePayload) {
	e.emit(models.WorkerPrefixPlannerStage, p)
}

func (e *Emitter) Error(p models.ErrorPayload) {
	e.emit(models.WorkerPrefixError, p)
}

func (e *Emitter) Cache(p models.CachePayload) {
	e.emit(models.WorkerPrefixCache, p)
}

func (e *Emitter) emit(prefix string, payload interface{}) {
	line, err := models.FormatWorkerLine(prefix, payload)
	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("Failed to encode protocol line")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintln(e.w, line); err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("Failed to write protocol line")
	}
}
