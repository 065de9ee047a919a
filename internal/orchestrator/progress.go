package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// progressSink is the orchestrator's ProgressSink implementation. It clamps
// regressions so task progress never moves backwards, coalesces bursts to at
// most one persisted update per interval (latest wins), and flips a recovered
// task from resuming back to running on its first sign of life.
type progressSink struct {
	taskID      string
	store       interfaces.TaskStorage
	bus         interfaces.EventBus
	logger      arbor.ILogger
	interval    time.Duration
	clearResume bool

	mu        sync.Mutex
	last      models.Progress
	lastFlush time.Time
	pending   *models.Progress
	timer     *time.Timer
	cleared   bool
}

func newProgressSink(taskID string, store interfaces.TaskStorage, bus interfaces.EventBus, logger arbor.ILogger, interval time.Duration, clearResume bool) *progressSink {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &progressSink{
		taskID:      taskID,
		store:       store,
		bus:         bus,
		logger:      logger,
		interval:    interval,
		clearResume: clearResume,
	}
}

// prime seeds the monotonic floor from persisted progress, so a recovered
// worker counting up from zero cannot drag the visible number backwards.
func (s *progressSink) prime(progress models.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if progress.Current > s.last.Current {
		s.last = progress
	}
}

// Update accepts one progress report from the runner. The first report
// flushes immediately; reports inside the coalescing interval are held and
// the latest one is flushed when the interval elapses.
func (s *progressSink) Update(current, total int64, message string) {
	s.mu.Lock()

	if current < s.last.Current {
		current = s.last.Current
	}
	prog := models.Progress{Current: current, Total: total, Message: message}
	s.last = prog

	clear := false
	if s.clearResume && !s.cleared {
		s.cleared = true
		clear = true
	}

	now := time.Now()
	if now.Sub(s.lastFlush) >= s.interval {
		s.lastFlush = now
		s.pending = nil
		s.mu.Unlock()
		if clear {
			s.clearResumeMarker()
		}
		s.flush(prog)
		return
	}

	s.pending = &prog
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval-now.Sub(s.lastFlush), s.flushPending)
	}
	s.mu.Unlock()

	if clear {
		s.clearResumeMarker()
	}
}

// flushPending is the coalescing timer callback
func (s *progressSink) flushPending() {
	s.mu.Lock()
	s.timer = nil
	if s.pending == nil {
		s.mu.Unlock()
		return
	}
	prog := *s.pending
	s.pending = nil
	s.lastFlush = time.Now()
	s.mu.Unlock()
	s.flush(prog)
}

// flushNow drains any held update synchronously. The orchestrator calls it
// before finalizing a task so the last report is not lost to coalescing.
func (s *progressSink) flushNow() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.pending == nil {
		s.mu.Unlock()
		return
	}
	prog := *s.pending
	s.pending = nil
	s.lastFlush = time.Now()
	s.mu.Unlock()
	s.flush(prog)
}

func (s *progressSink) flush(prog models.Progress) {
	if err := s.store.UpdateTaskProgress(context.Background(), s.taskID, prog); err != nil {
		// Terminal rows reject progress writes; late worker output lands here.
		s.logger.Debug().Err(err).Str("task_id", s.taskID).Msg("Progress write rejected")
	}
	s.bus.Publish(interfaces.TopicTaskProgress, s.taskID, prog)
}

// clearResumeMarker moves a resuming task back to running. Guarded by a
// status read so it cannot unpause a task the user paused mid-recovery.
func (s *progressSink) clearResumeMarker() {
	ctx := context.Background()
	task, err := s.store.GetTask(ctx, s.taskID)
	if err != nil || task.Status != models.TaskStatusResuming {
		return
	}
	if err := s.store.ClearResumeMarker(ctx, s.taskID); err != nil {
		s.logger.Debug().Err(err).Str("task_id", s.taskID).Msg("Resume marker clear rejected")
		return
	}
	s.bus.Publish(interfaces.TopicTaskStatusChanged, s.taskID, map[string]interface{}{"status": string(models.TaskStatusRunning)})
	s.bus.Publish(interfaces.TopicJobListChanged, s.taskID, nil)
}
