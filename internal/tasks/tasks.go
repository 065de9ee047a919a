// Package tasks provides the in-process background task runners registered
// alongside the crawl type: document compression, structural analysis,
// gazetteer ingest, and bulk place-hub guessing. All of them run inside the
// server process, checkpoint between work items so pause and cancel take
// effect promptly, and survive a restart by continuing from the persisted
// progress counter.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// Registered background task type names
const (
	TypeCompress  = "compress"
	TypeAnalyze   = "analyze"
	TypeGazetteer = "gazetteer-ingest"
	TypeHubGuess  = "placehub-guess"
)

// Config keys read from task config maps
const (
	ConfigKeyLimit   = "limit"
	ConfigKeySource  = "source"
	ConfigKeyDomains = "domains"
	ConfigKeyKinds   = "kinds"
	ConfigKeyApply   = "apply"
)

// defaultSweepLimit bounds one compress or analyze pass when the task config
// carries no limit of its own
const defaultSweepLimit = 1000

// HubGuesser is the slice of the orchestration facade the placehub-guess
// task depends on.
type HubGuesser interface {
	GuessPlaceHubs(ctx context.Context, opts models.PlaceHubOptions) (*models.PlaceHubReport, error)
}

// Register wires every background task type into the orchestrator. Must run
// before orchestrator Start, next to the crawl type registration.
func Register(orch interfaces.Orchestrator, guesser HubGuesser, logger arbor.ILogger) {
	opts := interfaces.TaskTypeOptions{
		Class:     models.TaskClassBackground,
		Pausable:  true,
		Resumable: true,
	}
	orch.RegisterTaskType(TypeCompress, NewCompressFactory(logger), opts)
	orch.RegisterTaskType(TypeAnalyze, NewAnalyzeFactory(logger), opts)
	orch.RegisterTaskType(TypeGazetteer, NewGazetteerFactory(logger), opts)
	orch.RegisterTaskType(TypeHubGuess, NewHubGuessFactory(guesser, logger), opts)
}

// gate blocks a runner loop while its task is paused. Pause takes effect at
// the next checkpoint so the in-flight work item always finishes; resume
// wakes a parked loop immediately.
type gate struct {
	mu     sync.Mutex
	paused bool
	wake   chan struct{}
}

func newGate() *gate {
	return &gate{wake: make(chan struct{}, 1)}
}

func (g *gate) pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

func (g *gate) resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// checkpoint returns immediately while running, blocks while paused, and
// surfaces cancellation in either state.
func (g *gate) checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.mu.Lock()
		paused := g.paused
		g.mu.Unlock()
		if !paused {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.wake:
		}
	}
}

// recordMilestone appends a milestone to telemetry and publishes it. Storage
// failures are logged, never fatal: telemetry loss must not fail a sweep
// that already did its work.
func recordMilestone(storage interfaces.StorageManager, bus interfaces.EventBus, logger arbor.ILogger, taskID, kind, message string, details map[string]interface{}) {
	milestone := &models.Milestone{
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Message:   message,
		Details:   details,
	}
	if err := storage.Telemetry().AppendMilestone(context.Background(), milestone); err != nil {
		logger.Debug().Err(err).Str("task_id", taskID).Str("kind", kind).Msg("Failed to persist milestone")
	}
	bus.Publish(interfaces.TopicMilestone, taskID, milestone)
}

// recordProblem appends a problem to telemetry and publishes it
func recordProblem(storage interfaces.StorageManager, bus interfaces.EventBus, logger arbor.ILogger, taskID string, kind models.ProblemKind, target, message string, details map[string]interface{}) {
	problem := &models.Problem{
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Kind:      string(kind),
		Target:    target,
		Message:   message,
		Details:   details,
	}
	if err := storage.Telemetry().AppendProblem(context.Background(), problem); err != nil {
		logger.Debug().Err(err).Str("task_id", taskID).Str("kind", string(kind)).Msg("Failed to persist problem")
	}
	bus.Publish(interfaces.TopicTaskProblem, taskID, problem)
	logger.Warn().Str("task_id", taskID).Str("kind", string(kind)).Msg(message)
}

// sweepLimit resolves the per-sweep document limit from the task config
func sweepLimit(task *models.Task) int {
	limit := task.GetConfigInt(ConfigKeyLimit, defaultSweepLimit)
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return limit
}
