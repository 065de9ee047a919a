package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// md is shared across sweeps; a goldmark instance is safe to reuse
var md = goldmark.New(
	goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
)

// NewAnalyzeFactory builds the runner for analyze tasks: one sweep over
// documents with no analyzed_at, filling word, heading, and link counts from
// the stored Markdown.
func NewAnalyzeFactory(logger arbor.ILogger) interfaces.TaskFactory {
	return func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		if deps.Task == nil {
			return nil, fmt.Errorf("analyze runner requires a task")
		}
		if deps.Storage == nil || deps.Storage.Documents() == nil {
			return nil, fmt.Errorf("analyze runner requires document storage")
		}
		return &analyzeRunner{
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

type analyzeRunner struct {
	task     *models.Task
	progress interfaces.ProgressSink
	bus      interfaces.EventBus
	storage  interfaces.StorageManager
	logger   arbor.ILogger
	limit    int
	gate     *gate
}

// Run analyzes one batch of pending documents. A document that fails to
// parse still gets analyzed_at stamped so it leaves the queue instead of
// jamming every future sweep; the failure is recorded as a problem.
func (r *analyzeRunner) Run(ctx context.Context) error {
	docs, err := r.storage.Documents().ListUnanalyzed(ctx, r.limit)
	if err != nil {
		return fmt.Errorf("failed to list unanalyzed documents: %w", err)
	}

	base := r.task.Progress.Current
	if len(docs) == 0 {
		r.progress.Update(base, base, "no documents awaiting analysis")
		recordMilestone(r.storage, r.bus, r.logger, r.task.ID, "analysis-sweep",
			"analysis sweep found nothing to do",
			map[string]interface{}{"documents": 0})
		return nil
	}

	total := base + int64(len(docs))
	analyzed := 0
	failures := 0
	for i, doc := range docs {
		if err := r.gate.checkpoint(ctx); err != nil {
			return err
		}

		stats, parseErr := analyzeMarkdown(doc.ContentMarkdown)
		now := time.Now().UTC()
		doc.AnalyzedAt = &now
		if parseErr != nil {
			failures++
			recordProblem(r.storage, r.bus, r.logger, r.task.ID, models.ProblemKindParseError,
				doc.URL, fmt.Sprintf("analysis failed for %s: %v", doc.ID, parseErr),
				map[string]interface{}{"document_id": doc.ID})
		} else {
			doc.WordCount = stats.words
			doc.HeadingCount = stats.headings
			doc.LinkCount = stats.links
		}

		if err := r.storage.Documents().UpdateDocumentContent(ctx, doc); err != nil {
			return fmt.Errorf("failed to store analysis for document %s: %w", doc.ID, err)
		}
		analyzed++
		r.progress.Update(base+int64(i+1), total,
			fmt.Sprintf("analyzed %d of %d documents", i+1, len(docs)))
	}

	r.logger.Info().
		Str("task_id", r.task.ID).
		Int("documents", analyzed).
		Int("failures", failures).
		Msg("Analysis sweep complete")
	recordMilestone(r.storage, r.bus, r.logger, r.task.ID, "analysis-sweep",
		fmt.Sprintf("analyzed %d documents", analyzed),
		map[string]interface{}{"documents": analyzed, "failures": failures})
	return nil
}

func (r *analyzeRunner) Pause(ctx context.Context) error {
	r.gate.pause()
	return nil
}

func (r *analyzeRunner) Resume(ctx context.Context) error {
	r.gate.resume()
	return nil
}

type markdownStats struct {
	words    int
	headings int
	links    int
}

// analyzeMarkdown walks the parsed AST counting structure. The recover guard
// keeps one pathological document from failing the whole sweep.
func analyzeMarkdown(content string) (stats markdownStats, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("markdown parser panicked: %v", rec)
		}
	}()

	if strings.TrimSpace(content) == "" {
		return stats, fmt.Errorf("document has no markdown content")
	}

	source := []byte(content)
	doc := md.Parser().Parse(text.NewReader(source))
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			stats.headings++
		case *ast.Link:
			stats.links++
		case *ast.AutoLink:
			stats.links++
		case *ast.Text:
			stats.words += len(strings.Fields(string(node.Segment.Value(source))))
		}
		return ast.WalkContinue, nil
	})
	return stats, err
}
