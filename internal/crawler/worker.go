package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/frontier"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/planner"
)

// errStopped marks a STOP-drained run internally; Run maps it to a clean
// return so the process exits 0.
var errStopped = errors.New("stopped on request")

// Signal cadence for the planner's runtime feedback. Pressure is sampled
// every pressureEvery dequeues; a host's problem rate is reported per
// windowful of outcomes.
const (
	pressureEvery        = 8
	hostOutcomeWindow    = 10
	problemRateThreshold = 0.5
)

// Options carry everything the supervisor encodes in the worker's argv
type Options struct {
	TaskID   string
	SeedURL  string
	MaxPages int
	MaxDepth int
	// UseCache skips refetching URLs already in the document store
	UseCache bool
	// Category groups domains for cross-domain template sharing
	Category string

	Crawler  common.CrawlerConfig
	Frontier common.FrontierConfig
	Planner  common.PlannerConfig
}

// Deps are the worker's storage handles and its stdout. The worker writes
// documents and fetch history straight to the shared SQLite file; the
// supervisor owns everything else.
type Deps struct {
	Documents interfaces.DocumentStorage
	History   interfaces.FetchHistoryStorage
	Patterns  interfaces.PatternStorage
	Hubs      interfaces.PlaceHubStorage
	Output    io.Writer
}

// Worker runs one crawl: seed plan, frontier-driven fetch loop, extraction,
// persistence, and protocol emission. Control arrives through Apply.
type Worker struct {
	opts      Options
	emitter   *Emitter
	fetcher   *Fetcher
	extractor *Extractor
	polite    *Politeness
	frontier  *frontier.Frontier
	planner   *planner.Planner
	docs      interfaces.DocumentStorage
	history   interfaces.FetchHistoryStorage

	maxPages int
	maxDepth int

	pages int64 // atomic

	// Loop-local signal state; only the crawl goroutine touches these.
	admitted     int
	admittedMark int
	drained      int
	hostOutcomes map[string][]bool

	mu      sync.Mutex
	paused  bool
	stopped bool
	wake    chan struct{}
}

func New(opts Options, deps Deps) (*Worker, error) {
	if opts.TaskID == "" {
		return nil, fmt.Errorf("worker requires a task id")
	}
	if _, err := models.NormalizeURL(opts.SeedURL); err != nil {
		return nil, fmt.Errorf("invalid seed URL: %w", err)
	}
	if deps.Output == nil {
		return nil, fmt.Errorf("worker requires an output stream")
	}
	if deps.Documents == nil {
		return nil, fmt.Errorf("worker requires document storage")
	}

	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = opts.Crawler.MaxPages
	}
	if maxPages <= 0 {
		maxPages = 100
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = opts.Crawler.MaxDepth
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	emitter := NewEmitter(deps.Output)

	w := &Worker{
		opts:         opts,
		emitter:      emitter,
		fetcher:      NewFetcher(opts.Crawler),
		extractor:    NewExtractor(),
		polite:       NewPoliteness(opts.Crawler.RequestDelay, opts.Crawler.RequestsPerSec),
		docs:         deps.Documents,
		history:      deps.History,
		maxPages:     maxPages,
		maxDepth:     maxDepth,
		hostOutcomes: make(map[string][]bool),
		wake:         make(chan struct{}, 1),
	}

	w.frontier = frontier.New(&opts.Frontier, opts.Planner.CostAwarePriority, emitter.Queue)
	w.planner = planner.New(&opts.Planner, planner.Deps{
		Patterns: deps.Patterns,
		Hubs:     deps.Hubs,
		History:  deps.History,
		Category: opts.Category,
		StageSink: func(stage models.PlannerStage) {
			emitter.PlannerStage(models.PlannerStagePayload{
				Stage:           stage.Stage,
				Rationale:       stage.Rationale,
				EstimatedCostMS: stage.EstimatedCostMS,
				Decision:        stage.Decision,
			})
		},
		ProblemSink: func(problem models.Problem) {
			emitter.Problem(models.ProblemPayload{
				Kind:    problem.Kind,
				Scope:   problem.Scope,
				Target:  problem.Target,
				Message: problem.Message,
				Details: problem.Details,
			})
		},
	})

	return w, nil
}

// Apply handles one control command. Pause takes effect after the in-flight
// fetch; resume and stop wake a paused loop immediately.
func (w *Worker) Apply(cmd string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch cmd {
	case models.WorkerControlPause:
		if w.paused || w.stopped {
			return
		}
		w.paused = true
		w.emitter.Progress(models.ProgressPayload{
			Current: atomic.LoadInt64(&w.pages),
			Total:   int64(w.maxPages),
			Message: "paused on request",
			Stage:   "paused",
		})
	case models.WorkerControlResume:
		if !w.paused || w.stopped {
			return
		}
		w.paused = false
		w.emitter.Progress(models.ProgressPayload{
			Current: atomic.LoadInt64(&w.pages),
			Total:   int64(w.maxPages),
			Message: "resumed",
			Stage:   "resumed",
		})
	case models.WorkerControlStop:
		if w.stopped {
			return
		}
		w.stopped = true
	default:
		log.Warn().Str("command", cmd).Msg("Ignoring unknown control command")
		return
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run executes the crawl to completion: budget exhausted, frontier drained,
// or stopped. A STOP drain returns nil so the process exits 0.
func (w *Worker) Run(ctx context.Context) error {
	w.emitter.Progress(models.ProgressPayload{
		Current: 0,
		Total:   int64(w.maxPages),
		Message: "crawl starting at " + w.opts.SeedURL,
		Stage:   "started",
	})

	plan, err := w.planner.SeedPlan(ctx, w.opts.SeedURL)
	if err != nil {
		w.emitter.Error(models.ErrorPayload{Message: err.Error(), Fatal: true})
		return err
	}
	w.enqueuePlan(plan)

	for {
		if err := w.awaitRunnable(ctx); err != nil {
			if errors.Is(err, errStopped) {
				w.finish("stopped", "stopped on request")
				return nil
			}
			return err
		}

		if atomic.LoadInt64(&w.pages) >= int64(w.maxPages) {
			w.emitter.Milestone(models.MilestonePayload{
				Kind:    "page-budget",
				Message: fmt.Sprintf("page budget of %d reached", w.maxPages),
			})
			break
		}

		entry, ok := w.frontier.Dequeue()
		if !ok {
			break
		}

		w.crawlOne(ctx, entry)
		w.maybeSignalPressure(ctx)
	}

	w.finish("completed", "crawl complete")
	return nil
}

// awaitRunnable blocks while paused and surfaces stop/cancel. Checked
// between fetches so pause never interrupts one in flight.
func (w *Worker) awaitRunnable(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.mu.Lock()
		stopped, paused := w.stopped, w.paused
		w.mu.Unlock()

		if stopped {
			return errStopped
		}
		if !paused {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		}
	}
}

func (w *Worker) crawlOne(ctx context.Context, entry frontier.Entry) {
	if w.opts.UseCache {
		if cached, err := w.docs.GetDocumentByURL(ctx, entry.NormalizedURL); err == nil && cached != nil {
			w.emitter.Cache(models.CachePayload{URL: entry.URL, Hit: true})
			w.notePage(ctx, entry, "cached: "+entry.URL)
			return
		}
	}

	if err := w.polite.Wait(ctx, entry.URL); err != nil {
		return
	}

	start := time.Now()
	result, err := w.fetcher.Fetch(ctx, entry.URL)
	if ctx.Err() != nil {
		return
	}

	durationMS := time.Since(start).Milliseconds()
	if durationMS < 1 {
		durationMS = 1
	}
	statusCode := 0
	if result != nil {
		durationMS = result.DurationMS
		statusCode = result.StatusCode
	}
	success := err == nil && result.Success()

	if err != nil {
		w.emitter.Problem(models.ProblemPayload{
			Kind:    string(models.ProblemKindFetchError),
			Scope:   "url",
			Target:  entry.URL,
			Message: err.Error(),
		})
	} else if result.StatusCode < 200 || result.StatusCode >= 300 {
		w.emitter.Problem(models.ProblemPayload{
			Kind:    string(models.ProblemKindFetchError),
			Scope:   "url",
			Target:  entry.URL,
			Message: fmt.Sprintf("HTTP %d", result.StatusCode),
			Details: map[string]interface{}{"status_code": result.StatusCode},
		})
	} else if !result.HTML() {
		w.emitter.Problem(models.ProblemPayload{
			Kind:    string(models.ProblemKindFetchError),
			Scope:   "url",
			Target:  entry.URL,
			Message: fmt.Sprintf("unsupported content type %q", result.ContentType),
			Details: map[string]interface{}{"content_type": result.ContentType},
		})
	}

	w.observeFetch(ctx, entry, durationMS, statusCode, success)
	w.noteHostOutcome(ctx, entry.Host, success)
	if !success {
		return
	}

	page, perr := w.extractor.Extract(entry.URL, result.Body)
	if perr != nil {
		w.emitter.Problem(models.ProblemPayload{
			Kind:    string(models.ProblemKindParseError),
			Scope:   "url",
			Target:  entry.URL,
			Message: perr.Error(),
		})
		return
	}

	doc := &models.Document{
		ID:              "doc_" + uuid.New().String(),
		TaskID:          w.opts.TaskID,
		URL:             entry.URL,
		Host:            entry.Host,
		Title:           page.Title,
		ContentMarkdown: page.Markdown,
		ContentHTML:     result.Body,
		ContentEncoding: models.ContentEncodingIdentity,
		StatusCode:      result.StatusCode,
		ContentType:     result.ContentType,
		FetchedAt:       time.Now().UTC(),
	}
	if err := w.docs.SaveDocument(ctx, doc); err != nil {
		log.Warn().Err(err).Str("url", entry.URL).Msg("Failed to persist document")
	}

	w.notePage(ctx, entry, entry.URL)

	if entry.Depth < w.maxDepth && len(page.Links) > 0 {
		if plan := w.planner.Propose(ctx, planner.PageObservation{
			URL:     entry.URL,
			Depth:   entry.Depth,
			Links:   page.Links,
			Success: true,
		}); plan != nil {
			w.enqueuePlan(plan)
		}
	}
}

// observeFetch feeds one fetch outcome to the estimator, the frontier's cost
// window, and the durable history, then enqueues any replan the planner
// returns.
func (w *Worker) observeFetch(ctx context.Context, entry frontier.Entry, durationMS int64, statusCode int, success bool) {
	obs := models.FetchObservation{
		Host:       entry.Host,
		PathShape:  pathShapeOf(entry.URL),
		DurationMS: durationMS,
		StatusCode: statusCode,
		TaskID:     w.opts.TaskID,
		FetchedAt:  time.Now().UTC(),
	}

	if w.history != nil {
		if err := w.history.AppendFetch(ctx, &obs); err != nil {
			log.Warn().Err(err).Str("host", entry.Host).Msg("Failed to append fetch history")
		}
	}
	w.frontier.Observe(durationMS)

	if plan := w.planner.ObserveFetch(ctx, obs, success); plan != nil {
		w.enqueuePlan(plan)
	}
}

// notePage counts one handled page and reports progress. The first stored
// page is worth a milestone; it proves the crawl produces output.
func (w *Worker) notePage(ctx context.Context, entry frontier.Entry, message string) {
	n := atomic.AddInt64(&w.pages, 1)
	if n == 1 {
		w.emitter.Milestone(models.MilestonePayload{
			Kind:    "first-document",
			Scope:   "host",
			Target:  entry.Host,
			Message: "first page stored: " + entry.URL,
		})
	}
	w.emitter.Progress(models.ProgressPayload{
		Current: n,
		Total:   int64(w.maxPages),
		Message: message,
	})
}

// maybeSignalPressure reports frontier growth over drain rate every few
// dequeues. The planner shifts its lookahead distribution shallow when the
// queue grows faster than it drains; with adaptive branching off the signal
// is a no-op.
func (w *Worker) maybeSignalPressure(ctx context.Context) {
	w.drained++
	if w.drained%pressureEvery != 0 {
		return
	}
	admitted := w.admitted - w.admittedMark
	w.admittedMark = w.admitted

	signal := models.PlannerSignal{
		Kind:  models.SignalQueuePressure,
		Value: float64(admitted) / float64(pressureEvery),
	}
	if plan := w.planner.ReactToSignal(ctx, signal); plan != nil {
		w.enqueuePlan(plan)
	}
}

// noteHostOutcome tracks recent fetch outcomes per host and reports the
// failure rate once a windowful crosses the threshold. The window resets
// after each report so a persistently bad host is demoted repeatedly, not
// on every fetch.
func (w *Worker) noteHostOutcome(ctx context.Context, host string, success bool) {
	outcomes := append(w.hostOutcomes[host], success)
	if len(outcomes) > hostOutcomeWindow {
		outcomes = outcomes[1:]
	}
	w.hostOutcomes[host] = outcomes
	if len(outcomes) < hostOutcomeWindow {
		return
	}

	failures := 0
	for _, ok := range outcomes {
		if !ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(outcomes))
	if rate < problemRateThreshold {
		return
	}
	delete(w.hostOutcomes, host)

	signal := models.PlannerSignal{
		Kind:  models.SignalProblemRate,
		Host:  host,
		Value: rate,
	}
	if plan := w.planner.ReactToSignal(ctx, signal); plan != nil {
		w.enqueuePlan(plan)
	}
}

func (w *Worker) enqueuePlan(plan *models.Plan) {
	for _, c := range plan.Candidates {
		if c.Depth > w.maxDepth {
			continue
		}
		changed, err := w.frontier.Enqueue(c)
		if err != nil {
			log.Debug().Err(err).Str("url", c.URL).Msg("Candidate rejected")
			continue
		}
		if changed {
			w.admitted++
		}
	}
}

func (w *Worker) finish(stage, message string) {
	w.emitter.Progress(models.ProgressPayload{
		Current: atomic.LoadInt64(&w.pages),
		Total:   int64(w.maxPages),
		Message: message,
		Stage:   stage,
	})
}

func pathShapeOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	return planner.PathShape(parsed.Path)
}
