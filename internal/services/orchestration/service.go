package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/crawltypes"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/orchestrator"
)

// Service is the single entry point the HTTP and CLI adapters call. It
// accepts parsed option structures, returns plain data, and raises the typed
// errors in errors.go; neither adapter reaches past it into the orchestrator
// or the stores.
type Service struct {
	config       *common.Config
	orchestrator interfaces.Orchestrator
	storage      interfaces.StorageManager
	types        *crawltypes.Registry
	logger       arbor.ILogger
	validate     *validator.Validate

	thresholds   readinessThresholds
	readinessTTL time.Duration
}

// NewService creates the orchestration facade
func NewService(config *common.Config, orch interfaces.Orchestrator, storage interfaces.StorageManager, types *crawltypes.Registry, logger arbor.ILogger) *Service {
	if config == nil {
		config = common.NewDefaultConfig()
	}
	if types == nil {
		types = crawltypes.NewRegistry()
	}
	return &Service{
		config:       config,
		orchestrator: orch,
		storage:      storage,
		types:        types,
		logger:       logger,
		validate:     validator.New(),
		thresholds:   defaultReadinessThresholds(),
		readinessTTL: 10 * time.Minute,
	}
}

// StartCrawlResult echoes what a crawl start produced: the task, the argv its
// worker will be spawned with, and where the task sits right now.
type StartCrawlResult struct {
	TaskID    string    `json:"task_id"`
	Args      []string  `json:"args,omitempty"`
	Stage     string    `json:"stage"`
	StartedAt time.Time `json:"started_at"`
}

// StartCrawl validates the options, applies crawl-type defaults, rejects a
// duplicate of an active crawl on the same normalized seed URL, and creates
// the crawl task. The task starts when the scheduler grants it a slot.
func (s *Service) StartCrawl(ctx context.Context, opts models.CrawlOptions) (*StartCrawlResult, error) {
	var def *crawltypes.Definition
	if opts.CrawlType != "" {
		d, ok := s.types.Get(opts.CrawlType)
		if !ok {
			return nil, fmt.Errorf("%w: unknown crawl type %q", ErrInvalidCrawlOptions, opts.CrawlType)
		}
		def = d
		applyDefinition(&opts, def)
	}

	if err := s.validate.Struct(&opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCrawlOptions, err)
	}

	normalized, err := opts.NormalizedSeedURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCrawlOptions, err)
	}
	host := models.HostOf(normalized)

	if !s.config.AllowTestURLs() && isTestHost(host) {
		return nil, fmt.Errorf("%w: seed host %q is not crawlable in production", ErrInvalidCrawlOptions, host)
	}
	if def != nil && !def.AllowsDomain(host) {
		return nil, fmt.Errorf("%w: host %q is outside the allowed domains of crawl type %q", ErrInvalidCrawlOptions, host, def.ID)
	}

	// A place-hub seeded type has nothing to plan from until the domain has
	// verified hub pages.
	if def != nil && def.Strategy() == crawltypes.SeedPlaceHubs {
		verified, err := s.storage.PlaceHubs().CountHubs(ctx, host, models.HubStatusVerified)
		if err != nil {
			return nil, storeErr(err)
		}
		if verified == 0 {
			return nil, fmt.Errorf("%w: crawl type %q seeds from place hubs but %s has none verified", ErrDomainNotReady, def.ID, host)
		}
	}

	if err := s.rejectDuplicateCrawl(ctx, normalized); err != nil {
		return nil, err
	}

	config := opts.ToTaskConfig()
	if def != nil && def.Category != "" {
		if _, set := config[models.ConfigKeyCategory]; !set {
			config[models.ConfigKeyCategory] = def.Category
		}
	}

	task, err := s.orchestrator.CreateTask(ctx, models.TaskTypeCrawl, config, opts.Priority)
	if err != nil {
		return nil, passThrough(err)
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("url", normalized).
		Str("crawl_type", opts.CrawlType).
		Int("priority", opts.Priority).
		Msg("Crawl task created")

	result := &StartCrawlResult{
		TaskID:    task.ID,
		Stage:     string(task.Status),
		StartedAt: task.CreatedAt,
	}
	if job, err := models.AsCrawlJob(task); err == nil {
		// Argv preview; failures here never unwind an already-created task
		if args, err := orchestrator.WorkerArgs(job, s.config.Store.Path, &s.config.Crawler); err == nil {
			result.Args = args
		}
	}
	return result, nil
}

// rejectDuplicateCrawl scans active crawl tasks for the same normalized seed
func (s *Service) rejectDuplicateCrawl(ctx context.Context, normalized string) error {
	active, err := s.orchestrator.ListTasks(ctx, interfaces.TaskFilter{
		Statuses: []models.TaskStatus{
			models.TaskStatusPending,
			models.TaskStatusResuming,
			models.TaskStatusRunning,
			models.TaskStatusPaused,
		},
		Types: []string{models.TaskTypeCrawl},
	})
	if err != nil {
		return storeErr(err)
	}
	for _, task := range active {
		seed := task.GetConfigString(models.ConfigKeyURL, "")
		if seed == "" {
			continue
		}
		existing, err := models.NormalizeURL(seed)
		if err != nil {
			continue
		}
		if existing == normalized {
			return fmt.Errorf("%w: task %s is already crawling %s", ErrCrawlAlreadyRunning, task.ID, normalized)
		}
	}
	return nil
}

// StartBackgroundTask creates a task of a registered background type. Crawls
// go through StartCrawl so they cannot dodge duplicate detection.
func (s *Service) StartBackgroundTask(ctx context.Context, taskType string, config map[string]interface{}) (*models.Task, error) {
	if taskType == models.TaskTypeCrawl {
		return nil, fmt.Errorf("%w: crawl tasks are started through the crawl operation", ErrInvalidCrawlOptions)
	}

	task, err := s.orchestrator.CreateTask(ctx, taskType, config, 0)
	if err != nil {
		return nil, passThrough(err)
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("type", taskType).
		Msg("Background task created")
	return task, nil
}

// PauseTask suspends a running task at its next safe point
func (s *Service) PauseTask(ctx context.Context, id string) error {
	if err := s.orchestrator.PauseTask(ctx, id); err != nil {
		return passThrough(err)
	}
	s.logger.Info().Str("task_id", id).Msg("Task paused")
	return nil
}

// ResumeTask continues a paused task
func (s *Service) ResumeTask(ctx context.Context, id string) error {
	if err := s.orchestrator.ResumeTask(ctx, id); err != nil {
		return passThrough(err)
	}
	s.logger.Info().Str("task_id", id).Msg("Task resumed")
	return nil
}

// CancelTask stops a task. Cancelling an already-cancelled task is a no-op.
func (s *Service) CancelTask(ctx context.Context, id string) error {
	if err := s.orchestrator.CancelTask(ctx, id); err != nil {
		return passThrough(err)
	}
	s.logger.Info().Str("task_id", id).Msg("Task cancelled")
	return nil
}

// GetTask returns one task by ID
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.orchestrator.GetTask(ctx, id)
	if err != nil {
		return nil, passThrough(err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first
func (s *Service) ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error) {
	tasks, err := s.orchestrator.ListTasks(ctx, filter)
	if err != nil {
		return nil, passThrough(err)
	}
	return tasks, nil
}

// TaskTelemetry returns the full telemetry bundle for one task
func (s *Service) TaskTelemetry(ctx context.Context, id string) (*models.TaskTelemetry, error) {
	if _, err := s.orchestrator.GetTask(ctx, id); err != nil {
		return nil, passThrough(err)
	}
	telemetry, err := s.storage.Telemetry().GetTaskTelemetry(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return telemetry, nil
}

// CountTasksByStatus feeds the status endpoint
func (s *Service) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	counts, err := s.storage.Tasks().CountTasksByStatus(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	return counts, nil
}

// PingStore reports whether the durable store answers
func (s *Service) PingStore(ctx context.Context) error {
	if err := s.storage.Tasks().Ping(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

// CrawlTypes lists the loaded crawl-type definitions
func (s *Service) CrawlTypes() []*crawltypes.Definition {
	return s.types.List()
}

// applyDefinition fills unset options from a crawl-type definition. Explicit
// request values always win; definition flags sit underneath request flags.
func applyDefinition(opts *models.CrawlOptions, def *crawltypes.Definition) {
	if opts.URL == "" {
		opts.URL = def.DefaultSeedURL()
	}
	if opts.MaxPages == 0 && def.MaxPages > 0 {
		opts.MaxPages = def.MaxPages
	}
	if opts.MaxDepth == 0 && def.MaxDepth > 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.Priority == 0 && def.Priority > 0 {
		opts.Priority = def.Priority
	}
	defFlags := def.FlagValues()
	if len(defFlags) > 0 {
		merged := make(map[string]interface{}, len(defFlags)+len(opts.Flags))
		for k, v := range defFlags {
			merged[k] = v
		}
		for k, v := range opts.Flags {
			merged[k] = v
		}
		opts.Flags = merged
	}
}

// isTestHost reports hosts that only make sense against a local test server
func isTestHost(host string) bool {
	host = strings.ToLower(host)
	switch host {
	case "localhost", "127.0.0.1", "0.0.0.0", "::1":
		return true
	}
	return strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal")
}

// passThrough keeps lifecycle and context errors intact and labels everything
// else a store failure.
func passThrough(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, interfaces.ErrTaskNotFound) ||
		errors.Is(err, interfaces.ErrInvalidTransition) ||
		errors.Is(err, interfaces.ErrUnknownTaskType) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return storeErr(err)
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
