package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/services/orchestration"
)

// NewHubGuessFactory builds the runner for placehub-guess tasks: the
// background form of facade hub guessing for domain lists too large for one
// synchronous request. Domains are processed one at a time so pause, cancel,
// and progress all land on domain boundaries.
func NewHubGuessFactory(guesser HubGuesser, logger arbor.ILogger) interfaces.TaskFactory {
	return func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		if deps.Task == nil {
			return nil, fmt.Errorf("placehub-guess runner requires a task")
		}
		if guesser == nil {
			return nil, fmt.Errorf("placehub-guess runner requires the orchestration facade")
		}
		domains := deps.Task.GetConfigStringSlice(ConfigKeyDomains)
		if len(domains) == 0 {
			return nil, fmt.Errorf("placehub-guess task requires a %q config entry", ConfigKeyDomains)
		}
		return &hubGuessRunner{
			task:     deps.Task,
			progress: deps.Progress,
			bus:      deps.Bus,
			storage:  deps.Storage,
			guesser:  guesser,
			logger:   logger,
			domains:  domains,
			gate:     newGate(),
		}, nil
	}
}

type hubGuessRunner struct {
	task     *models.Task
	progress interfaces.ProgressSink
	bus      interfaces.EventBus
	storage  interfaces.StorageManager
	guesser  HubGuesser
	logger   arbor.ILogger
	domains  []string
	gate     *gate
}

// Run guesses hubs domain by domain. A not-ready domain is a problem, not a
// failure: the sweep keeps going and reports the skip in telemetry. Store
// failures abort, since every remaining domain would hit the same wall.
func (r *hubGuessRunner) Run(ctx context.Context) error {
	kinds := make([]models.PlaceKind, 0)
	for _, k := range r.task.GetConfigStringSlice(ConfigKeyKinds) {
		kinds = append(kinds, models.PlaceKind(k))
	}
	limit := r.task.GetConfigInt(ConfigKeyLimit, 0)
	apply := r.task.GetConfigBool(ConfigKeyApply, false)

	total := int64(len(r.domains))
	candidates := 0
	applied := 0
	ready := 0
	notReady := 0

	for i, domain := range r.domains {
		if err := r.gate.checkpoint(ctx); err != nil {
			return err
		}

		report, err := r.guesser.GuessPlaceHubs(ctx, models.PlaceHubOptions{
			Domains: []string{domain},
			Kinds:   kinds,
			Limit:   limit,
			Apply:   apply,
		})
		if err != nil {
			// The facade folds cancellation into its own error text, so ask
			// the context directly to keep cancelled tasks reporting as
			// cancelled rather than failed.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, orchestration.ErrDomainNotReady) {
				notReady++
				recordProblem(r.storage, r.bus, r.logger, r.task.ID, models.ProblemKindDomainNotReady,
					domain, fmt.Sprintf("domain %s is not ready for hub guessing", domain), nil)
				r.progress.Update(int64(i+1), total, fmt.Sprintf("skipped %s: not ready", domain))
				continue
			}
			return fmt.Errorf("hub guessing failed for %s: %w", domain, err)
		}

		ready++
		candidates += report.TotalCandidates
		applied += report.TotalApplied
		r.progress.Update(int64(i+1), total,
			fmt.Sprintf("guessed %d hub candidates for %s", report.TotalCandidates, domain))
	}

	r.logger.Info().
		Str("task_id", r.task.ID).
		Int("domains", len(r.domains)).
		Int("candidates", candidates).
		Int("applied", applied).
		Msg("Hub guessing sweep complete")
	recordMilestone(r.storage, r.bus, r.logger, r.task.ID, "placehub-sweep",
		fmt.Sprintf("guessed hubs for %d of %d domains", ready, len(r.domains)),
		map[string]interface{}{
			"domains":    len(r.domains),
			"ready":      ready,
			"not_ready":  notReady,
			"candidates": candidates,
			"applied":    applied,
		})
	return nil
}

func (r *hubGuessRunner) Pause(ctx context.Context) error {
	r.gate.pause()
	return nil
}

func (r *hubGuessRunner) Resume(ctx context.Context) error {
	r.gate.resume()
	return nil
}
