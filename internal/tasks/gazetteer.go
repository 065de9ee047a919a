package tasks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

const (
	gazetteerBatchSize = 500
	// Malformed lines beyond this raise no further problems, just a count;
	// a half-broken dump would otherwise flood telemetry.
	gazetteerMaxLineProblems = 5
)

// NewGazetteerFactory builds the runner for gazetteer-ingest tasks: stream a
// JSON-lines file into the place store. Place IDs derive from kind, country,
// and slug, so re-running the same file is an idempotent upsert.
func NewGazetteerFactory(logger arbor.ILogger) interfaces.TaskFactory {
	return func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		if deps.Task == nil {
			return nil, fmt.Errorf("gazetteer runner requires a task")
		}
		source := deps.Task.GetConfigString(ConfigKeySource, "")
		if source == "" {
			return nil, fmt.Errorf("gazetteer-ingest task requires a %q config entry", ConfigKeySource)
		}
		if deps.Storage == nil || deps.Storage.Places() == nil {
			return nil, fmt.Errorf("gazetteer runner requires place storage")
		}
		return &gazetteerRunner{
			task:     deps.Task,
			progress: deps.Progress,
			bus:      deps.Bus,
			storage:  deps.Storage,
			logger:   logger,
			source:   source,
			gate:     newGate(),
		}, nil
	}
}

type gazetteerRunner struct {
	task     *models.Task
	progress interfaces.ProgressSink
	bus      interfaces.EventBus
	storage  interfaces.StorageManager
	logger   arbor.ILogger
	source   string
	gate     *gate
}

// gazetteerRecord is one JSON line of the ingest file
type gazetteerRecord struct {
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	CountryCode string   `json:"country_code,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	Population  int64    `json:"population,omitempty"`
	Latitude    float64  `json:"latitude,omitempty"`
	Longitude   float64  `json:"longitude,omitempty"`
}

// toPlace validates a record and gives it its deterministic store identity
func (rec gazetteerRecord) toPlace(source string, now time.Time) (*models.Place, error) {
	if !models.ValidPlaceKind(rec.Kind) {
		return nil, fmt.Errorf("unknown place kind %q", rec.Kind)
	}
	if strings.TrimSpace(rec.Name) == "" {
		return nil, fmt.Errorf("place name is required")
	}
	slug := models.Slugify(rec.Name)
	if slug == "" {
		return nil, fmt.Errorf("place name %q produces an empty slug", rec.Name)
	}
	return &models.Place{
		ID:          fmt.Sprintf("%s:%s:%s", rec.Kind, strings.ToLower(rec.CountryCode), slug),
		Kind:        models.PlaceKind(rec.Kind),
		Name:        strings.TrimSpace(rec.Name),
		CountryCode: strings.ToUpper(rec.CountryCode),
		Aliases:     rec.Aliases,
		Population:  rec.Population,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
		Source:      source,
		IngestedAt:  now,
	}, nil
}

// Run streams the source file in batches. A restart re-reads from the top:
// deterministic IDs make the replayed prefix a no-op, so the counter is the
// only thing that briefly lags.
func (r *gazetteerRunner) Run(ctx context.Context) error {
	file, err := os.Open(r.source)
	if err != nil {
		return fmt.Errorf("failed to open gazetteer source: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	batch := make([]*models.Place, 0, gazetteerBatchSize)
	var ingested int64
	malformed := 0
	lineNo := 0
	now := time.Now().UTC()

	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var rec gazetteerRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			r.noteMalformed(&malformed, lineNo, err)
			continue
		}
		place, err := rec.toPlace(r.source, now)
		if err != nil {
			r.noteMalformed(&malformed, lineNo, err)
			continue
		}

		batch = append(batch, place)
		if len(batch) >= gazetteerBatchSize {
			if err := r.flush(ctx, batch); err != nil {
				return err
			}
			ingested += int64(len(batch))
			batch = batch[:0]
			r.progress.Update(ingested, 0, fmt.Sprintf("ingested %d places", ingested))
			if err := r.gate.checkpoint(ctx); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed reading gazetteer source %s: %w", r.source, err)
	}

	if len(batch) > 0 {
		if err := r.flush(ctx, batch); err != nil {
			return err
		}
		ingested += int64(len(batch))
	}

	// Bulk upserts leave stale value-log entries behind; reclaim them now
	// rather than waiting for the store to notice. Failure is not fatal.
	if err := r.storage.Places().Compact(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Place store compaction failed after ingest")
	}

	r.progress.Update(ingested, ingested, fmt.Sprintf("ingested %d places", ingested))
	r.logger.Info().
		Str("task_id", r.task.ID).
		Str("source", r.source).
		Int64("places", ingested).
		Int("malformed", malformed).
		Msg("Gazetteer ingest complete")
	recordMilestone(r.storage, r.bus, r.logger, r.task.ID, "gazetteer-ingested",
		fmt.Sprintf("ingested %d places from %s", ingested, r.source),
		map[string]interface{}{"places": ingested, "malformed": malformed, "source": r.source})
	return nil
}

func (r *gazetteerRunner) flush(ctx context.Context, batch []*models.Place) error {
	if err := r.storage.Places().SavePlaces(ctx, batch); err != nil {
		return fmt.Errorf("failed to save place batch: %w", err)
	}
	return nil
}

func (r *gazetteerRunner) noteMalformed(malformed *int, lineNo int, cause error) {
	*malformed++
	if *malformed > gazetteerMaxLineProblems {
		return
	}
	recordProblem(r.storage, r.bus, r.logger, r.task.ID, models.ProblemKindParseError,
		fmt.Sprintf("%s:%d", r.source, lineNo),
		fmt.Sprintf("skipped malformed gazetteer line %d: %v", lineNo, cause), nil)
}

func (r *gazetteerRunner) Pause(ctx context.Context) error {
	r.gate.pause()
	return nil
}

func (r *gazetteerRunner) Resume(ctx context.Context) error {
	r.gate.resume()
	return nil
}
