package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// NewCompressFactory builds the runner for compress tasks. One run is a
// single sweep: list up to `limit` identity-encoded documents, rewrite each
// HTML body as zstd, stamp compressed_at. Documents fetched after the sweep
// started wait for the next one.
func NewCompressFactory(logger arbor.ILogger) interfaces.TaskFactory {
	return func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		if deps.Task == nil {
			return nil, fmt.Errorf("compress runner requires a task")
		}
		if deps.Storage == nil || deps.Storage.Documents() == nil {
			return nil, fmt.Errorf("compress runner requires document storage")
		}
		return &compressRunner{
			task:     deps.Task,
			progress: deps.Progress,
			bus:      deps.Bus,
			storage:  deps.Storage,
			logger:   logger,
			limit:    sweepLimit(deps.Task),
			gate:     newGate(),
		}, nil
	}
}

type compressRunner struct {
	task     *models.Task
	progress interfaces.ProgressSink
	bus      interfaces.EventBus
	storage  interfaces.StorageManager
	logger   arbor.ILogger
	limit    int
	gate     *gate
}

// Run processes one compression sweep. Progress continues from the persisted
// counter so a resumed task keeps climbing instead of snapping back to zero.
func (r *compressRunner) Run(ctx context.Context) error {
	docs, err := r.storage.Documents().ListUncompressed(ctx, r.limit)
	if err != nil {
		return fmt.Errorf("failed to list uncompressed documents: %w", err)
	}

	base := r.task.Progress.Current
	if len(docs) == 0 {
		r.progress.Update(base, base, "no documents awaiting compression")
		recordMilestone(r.storage, r.bus, r.logger, r.task.ID, "compression-sweep",
			"compression sweep found nothing to do",
			map[string]interface{}{"documents": 0})
		return nil
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize zstd encoder: %w", err)
	}
	defer encoder.Close()

	total := base + int64(len(docs))
	var bytesSaved int64
	compressed := 0
	for i, doc := range docs {
		if err := r.gate.checkpoint(ctx); err != nil {
			return err
		}

		originalSize := len(doc.ContentHTML)
		now := time.Now().UTC()
		doc.ContentHTML = encoder.EncodeAll(doc.ContentHTML, nil)
		doc.ContentEncoding = models.ContentEncodingZstd
		doc.CompressedAt = &now

		if err := r.storage.Documents().UpdateDocumentContent(ctx, doc); err != nil {
			return fmt.Errorf("failed to store compressed document %s: %w", doc.ID, err)
		}
		compressed++
		bytesSaved += int64(originalSize - len(doc.ContentHTML))
		r.progress.Update(base+int64(i+1), total,
			fmt.Sprintf("compressed %d of %d documents", i+1, len(docs)))
	}

	r.logger.Info().
		Str("task_id", r.task.ID).
		Int("documents", compressed).
		Int64("bytes_saved", bytesSaved).
		Msg("Compression sweep complete")
	recordMilestone(r.storage, r.bus, r.logger, r.task.ID, "compression-sweep",
		fmt.Sprintf("compressed %d documents", compressed),
		map[string]interface{}{"documents": compressed, "bytes_saved": bytesSaved})
	return nil
}

func (r *compressRunner) Pause(ctx context.Context) error {
	r.gate.pause()
	return nil
}

func (r *compressRunner) Resume(ctx context.Context) error {
	r.gate.resume()
	return nil
}
