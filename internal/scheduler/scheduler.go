// Package scheduler enqueues periodic maintenance sweeps. It owns no task
// logic of its own: every tick goes through the orchestration facade like any
// other caller, so scheduled sweeps obey the same lifecycle, telemetry, and
// concurrency rules as manual ones.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/tasks"
)

// enqueueTimeout bounds one facade call from a cron tick
const enqueueTimeout = 30 * time.Second

// TaskStarter is the slice of the orchestration facade the scheduler uses
type TaskStarter interface {
	StartBackgroundTask(ctx context.Context, taskType string, config map[string]interface{}) (*models.Task, error)
	ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error)
}

// sweep is one recurring maintenance job
type sweep struct {
	taskType string
	schedule string
	limit    int
}

// Service runs the cron loop behind the maintenance sweeps
type Service struct {
	facade TaskStarter
	config common.SchedulerConfig
	cron   *cron.Cron
	logger arbor.ILogger

	mu      sync.Mutex
	running bool
}

// NewService creates a scheduler from the configured sweep cadences
func NewService(config common.SchedulerConfig, facade TaskStarter, logger arbor.ILogger) *Service {
	return &Service{
		facade: facade,
		config: config,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the configured sweeps and starts the cron loop. An empty
// schedule disables that sweep; a malformed one fails startup so a typo in
// the config never turns into a silently idle scheduler.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	sweeps := []sweep{
		{taskType: tasks.TypeCompress, schedule: s.config.CompressSchedule, limit: s.config.CompressLimit},
		{taskType: tasks.TypeAnalyze, schedule: s.config.AnalyzeSchedule, limit: s.config.AnalyzeLimit},
	}

	registered := 0
	for _, sw := range sweeps {
		if sw.schedule == "" {
			s.logger.Debug().Str("task_type", sw.taskType).Msg("Sweep has no schedule; skipping")
			continue
		}
		sw := sw
		if _, err := s.cron.AddFunc(sw.schedule, func() { s.runSweep(sw) }); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", sw.taskType, sw.schedule, err)
		}
		s.logger.Info().
			Str("task_type", sw.taskType).
			Str("schedule", sw.schedule).
			Int("limit", sw.limit).
			Msg("Maintenance sweep scheduled")
		registered++
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Int("sweeps", registered).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for any in-flight tick to finish
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Scheduler stopped")
}

// IsRunning reports whether the cron loop is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// runSweep enqueues one maintenance task unless one of the same type is
// already in flight. Back-to-back ticks against a slow sweep stack up work
// for nothing; the next tick will catch whatever this one skips.
func (s *Service) runSweep(sw sweep) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	active, err := s.facade.ListTasks(ctx, interfaces.TaskFilter{
		Statuses: []models.TaskStatus{
			models.TaskStatusPending,
			models.TaskStatusResuming,
			models.TaskStatusRunning,
			models.TaskStatusPaused,
		},
		Types: []string{sw.taskType},
		Limit: 1,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("task_type", sw.taskType).Msg("Sweep skipped: could not check for active tasks")
		return
	}
	if len(active) > 0 {
		s.logger.Debug().
			Str("task_type", sw.taskType).
			Str("active_task_id", active[0].ID).
			Msg("Sweep skipped: same-type task already active")
		return
	}

	config := map[string]interface{}{}
	if sw.limit > 0 {
		config[tasks.ConfigKeyLimit] = sw.limit
	}
	task, err := s.facade.StartBackgroundTask(ctx, sw.taskType, config)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_type", sw.taskType).Msg("Failed to enqueue scheduled sweep")
		return
	}
	s.logger.Info().
		Str("task_type", sw.taskType).
		Str("task_id", task.ID).
		Msg("Scheduled sweep enqueued")
}
