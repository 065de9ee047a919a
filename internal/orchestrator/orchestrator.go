package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// registration binds a task type to its factory and scheduling options
type registration struct {
	factory interfaces.TaskFactory
	opts    interfaces.TaskTypeOptions
}

// taskHandle tracks one live runner. The handle stays in the running map for
// the task's whole attachment - paused tasks keep their slot because their
// runner (and for crawls, the worker subprocess) stays alive underneath.
type taskHandle struct {
	class    models.TaskClass
	cancel   context.CancelFunc
	done     chan struct{}
	pausable interfaces.PausableRunner
	sink     *progressSink
}

// taskOrchestrator owns the task lifecycle: it persists tasks, schedules
// pending work within per-class concurrency limits, runs each task in its own
// goroutine with panic recovery, and restarts interrupted tasks after a
// process crash.
type taskOrchestrator struct {
	config    *common.OrchestratorConfig
	storage   interfaces.StorageManager
	store     interfaces.TaskStorage
	telemetry interfaces.TelemetryStorage
	bus       interfaces.EventBus
	logger    arbor.ILogger

	mu        sync.Mutex
	factories map[string]registration
	running   map[string]*taskHandle
	started   bool
	stopping  bool

	// wake nudges the scheduler ahead of its fallback tick; buffered so a
	// nudge during a scheduling pass is never lost.
	wake chan struct{}

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a task orchestrator. Register task types before calling Start.
func New(config *common.OrchestratorConfig, storage interfaces.StorageManager, bus interfaces.EventBus, logger arbor.ILogger) interfaces.Orchestrator {
	if config == nil {
		defaults := common.NewDefaultConfig().Orchestrator
		config = &defaults
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	return &taskOrchestrator{
		config:     config,
		storage:    storage,
		store:      storage.Tasks(),
		telemetry:  storage.Telemetry(),
		bus:        bus,
		logger:     logger,
		factories:  make(map[string]registration),
		running:    make(map[string]*taskHandle),
		wake:       make(chan struct{}, 1),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
	}
}

// RegisterTaskType binds a factory to a task type name. Registration is a
// wiring-time operation: duplicates and late registration are programmer
// errors and panic.
func (o *taskOrchestrator) RegisterTaskType(taskType string, factory interfaces.TaskFactory, opts interfaces.TaskTypeOptions) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		panic(fmt.Sprintf("orchestrator: RegisterTaskType(%q) called after Start", taskType))
	}
	if factory == nil {
		panic(fmt.Sprintf("orchestrator: nil factory for task type %q", taskType))
	}
	if _, exists := o.factories[taskType]; exists {
		panic(fmt.Sprintf("orchestrator: task type %q registered twice", taskType))
	}
	if opts.Class == "" {
		opts.Class = models.TaskClassBackground
	}
	o.factories[taskType] = registration{factory: factory, opts: opts}
	o.logger.Debug().
		Str("task_type", taskType).
		Str("class", string(opts.Class)).
		Bool("pausable", opts.Pausable).
		Bool("resumable", opts.Resumable).
		Msg("Task type registered")
}

// KnownTaskType reports whether a factory is registered for the type
func (o *taskOrchestrator) KnownTaskType(taskType string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.factories[taskType]
	return ok
}

// TypeOptions returns the registered options for a task type
func (o *taskOrchestrator) TypeOptions(taskType string) (interfaces.TaskTypeOptions, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, ok := o.factories[taskType]
	return reg.opts, ok
}

func (o *taskOrchestrator) registration(taskType string) (registration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, ok := o.factories[taskType]
	return reg, ok
}

// CreateTask persists a pending task and wakes the scheduler. The task starts
// as soon as a slot in its class frees up.
func (o *taskOrchestrator) CreateTask(ctx context.Context, taskType string, config map[string]interface{}, priority int) (*models.Task, error) {
	if !o.KnownTaskType(taskType) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownTaskType, taskType)
	}

	task := models.NewTask(taskType, config)
	task.Priority = priority
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	o.logger.Info().
		Str("task_id", task.ID).
		Str("task_type", taskType).
		Int("priority", priority).
		Msg("Task created")

	o.bus.Publish(interfaces.TopicTaskCreated, task.ID, task.Clone())
	o.bus.Publish(interfaces.TopicJobListChanged, task.ID, nil)
	o.wakeScheduler()
	return task, nil
}

// GetTask returns the current persisted state of a task
func (o *taskOrchestrator) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return o.store.GetTask(ctx, id)
}

// ListTasks returns persisted tasks matching the filter
func (o *taskOrchestrator) ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error) {
	return o.store.ListTasks(ctx, filter)
}

// Start launches the scheduler loop. Idempotent.
func (o *taskOrchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.schedulerLoop()

	o.logger.Info().
		Int("max_crawl_tasks", o.config.MaxCrawlTasks).
		Int("max_background_tasks", o.config.MaxBackgroundTasks).
		Dur("schedule_interval", o.config.ScheduleInterval).
		Msg("Task orchestrator started")
}

// Stop halts scheduling and signals every live runner. Runners that exit
// before the context deadline are left wherever their exit mapping put them;
// tasks still running at the deadline keep their persisted running status so
// the next process recovers them. Shutdown cancellation is deliberately not
// mapped to the cancelled status - only a user cancel is.
func (o *taskOrchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return nil
	}
	o.stopping = true
	handles := make([]*taskHandle, 0, len(o.running))
	for _, h := range o.running {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	o.loopCancel()
	for _, h := range handles {
		h.cancel()
	}

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			o.logger.Warn().Int("abandoned", len(handles)).Msg("Shutdown deadline reached with runners still live")
			return ctx.Err()
		}
	}

	waited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.logger.Info().Msg("Task orchestrator stopped")
	return nil
}

func (o *taskOrchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

func (o *taskOrchestrator) wakeScheduler() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// schedulerLoop starts pending tasks whenever woken or on the fallback tick.
// The tick covers wake-ups lost to races and tasks created by other writers.
func (o *taskOrchestrator) schedulerLoop() {
	defer o.wg.Done()

	interval := o.config.ScheduleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.loopCtx.Done():
			return
		case <-o.wake:
		case <-ticker.C:
		}
		o.schedulePending()
	}
}

// freeSlots returns remaining capacity per class based on live handles
func (o *taskOrchestrator) freeSlots() map[models.TaskClass]int {
	o.mu.Lock()
	defer o.mu.Unlock()

	used := map[models.TaskClass]int{}
	for _, h := range o.running {
		used[h.class]++
	}
	return map[models.TaskClass]int{
		models.TaskClassCrawl:      o.config.MaxCrawlTasks - used[models.TaskClassCrawl],
		models.TaskClassBackground: o.config.MaxBackgroundTasks - used[models.TaskClassBackground],
	}
}

// schedulePending starts as many pending tasks as free slots allow, highest
// priority first, oldest first within a priority.
func (o *taskOrchestrator) schedulePending() {
	free := o.freeSlots()
	if free[models.TaskClassCrawl] <= 0 && free[models.TaskClassBackground] <= 0 {
		return
	}

	pending, err := o.store.ListTasks(o.loopCtx, interfaces.TaskFilter{
		Statuses: []models.TaskStatus{models.TaskStatusPending},
	})
	if err != nil {
		if o.loopCtx.Err() == nil {
			o.logger.Warn().Err(err).Msg("Failed to list pending tasks")
		}
		return
	}
	if len(pending) == 0 {
		return
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, task := range pending {
		reg, ok := o.registration(task.Type)
		if !ok {
			// A row from a binary that knew more types than this one does.
			o.logger.Error().Str("task_id", task.ID).Str("task_type", task.Type).Msg("No factory for persisted task type")
			o.setStatus(o.loopCtx, task.ID, models.TaskStatusFailed, fmt.Sprintf("unknown task type: %s", task.Type))
			continue
		}
		if free[reg.opts.Class] <= 0 {
			continue
		}
		if err := o.startTask(task, reg); err != nil {
			o.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to start pending task")
			continue
		}
		free[reg.opts.Class]--
	}
}

// startTask transitions a pending task to running and launches its runner
func (o *taskOrchestrator) startTask(task *models.Task, reg registration) error {
	if err := o.store.UpdateTaskStatus(o.loopCtx, task.ID, models.TaskStatusRunning, ""); err != nil {
		// Most commonly the task was cancelled between listing and starting.
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	task = task.Clone()
	task.MarkStarted()
	o.publishStatus(task.ID, models.TaskStatusRunning)

	if err := o.launch(task, reg, false); err != nil {
		o.setStatus(context.Background(), task.ID, models.TaskStatusFailed, err.Error())
		o.bus.Publish(interfaces.TopicTaskError, task.ID, map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

// launch builds the runner and starts its goroutine. clearResume marks sinks
// of recovered tasks so their first sign of life flips resuming back to
// running.
func (o *taskOrchestrator) launch(task *models.Task, reg registration, clearResume bool) error {
	sink := newProgressSink(task.ID, o.store, o.bus, o.logger, o.config.ProgressCoalesce, clearResume)
	sink.prime(task.Progress)

	runner, err := reg.factory(interfaces.RunnerDeps{
		Task:     task,
		Progress: sink,
		Bus:      o.bus,
		Storage:  o.storage,
	})
	if err != nil {
		return fmt.Errorf("failed to construct %s runner: %w", task.Type, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &taskHandle{
		class:  reg.opts.Class,
		cancel: cancel,
		done:   make(chan struct{}),
		sink:   sink,
	}
	if reg.opts.Pausable {
		if p, ok := runner.(interfaces.PausableRunner); ok {
			handle.pausable = p
		}
	}

	o.mu.Lock()
	if _, exists := o.running[task.ID]; exists {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("task %s already has a live runner", task.ID)
	}
	o.running[task.ID] = handle
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("task_id", task.ID).
					Str("task_type", task.Type).
					Str("stack", string(debug.Stack())).
					Msg(fmt.Sprintf("Task runner panicked: %v", r))
				o.finishTask(task, handle, fmt.Errorf("runner panicked: %v", r))
			}
		}()
		o.finishTask(task, handle, runner.Run(runCtx))
	}()

	o.logger.Info().
		Str("task_id", task.ID).
		Str("task_type", task.Type).
		Str("class", string(reg.opts.Class)).
		Msg("Task runner launched")
	return nil
}

// finishTask maps a runner's exit into a terminal status and releases the
// slot. Store rejections are tolerated: a cancel-grace timeout or a competing
// writer may have finalized the row first, and terminal rows stay immutable.
func (o *taskOrchestrator) finishTask(task *models.Task, handle *taskHandle, runErr error) {
	handle.sink.flushNow()

	ctx := context.Background()
	switch {
	case runErr == nil:
		o.setStatus(ctx, task.ID, models.TaskStatusCompleted, "")
		o.bus.Publish(interfaces.TopicTaskCompleted, task.ID, nil)
		o.logger.Info().Str("task_id", task.ID).Str("task_type", task.Type).Msg("Task completed")

	case errors.Is(runErr, context.Canceled) && o.isStopping():
		// Shutdown, not a user cancel: leave the row running so the next
		// process picks it up in recovery.
		o.logger.Info().Str("task_id", task.ID).Msg("Task interrupted by shutdown; leaving for recovery")

	case errors.Is(runErr, context.Canceled):
		o.setStatus(ctx, task.ID, models.TaskStatusCancelled, "")
		o.logger.Info().Str("task_id", task.ID).Msg("Task cancelled")

	default:
		o.setStatus(ctx, task.ID, models.TaskStatusFailed, runErr.Error())
		o.bus.Publish(interfaces.TopicTaskError, task.ID, map[string]interface{}{"error": runErr.Error()})
		o.logger.Warn().Err(runErr).Str("task_id", task.ID).Str("task_type", task.Type).Msg("Task failed")
	}

	o.mu.Lock()
	if o.running[task.ID] == handle {
		delete(o.running, task.ID)
	}
	o.mu.Unlock()

	close(handle.done)
	o.wakeScheduler()
}

// setStatus writes a status transition and publishes it when it sticks
func (o *taskOrchestrator) setStatus(ctx context.Context, id string, status models.TaskStatus, errMsg string) {
	if err := o.store.UpdateTaskStatus(ctx, id, status, errMsg); err != nil {
		if errors.Is(err, interfaces.ErrInvalidTransition) {
			o.logger.Debug().Err(err).Str("task_id", id).Str("to", string(status)).Msg("Status write rejected")
		} else {
			o.logger.Warn().Err(err).Str("task_id", id).Str("to", string(status)).Msg("Status write failed")
		}
		return
	}
	o.publishStatus(id, status)
}

func (o *taskOrchestrator) publishStatus(id string, status models.TaskStatus) {
	o.bus.Publish(interfaces.TopicTaskStatusChanged, id, map[string]interface{}{"status": string(status)})
	o.bus.Publish(interfaces.TopicJobListChanged, id, nil)
}

// PauseTask suspends a running task. Only registered-pausable types accept it.
func (o *taskOrchestrator) PauseTask(ctx context.Context, id string) error {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusRunning && task.Status != models.TaskStatusResuming {
		return fmt.Errorf("%w: cannot pause a %s task", interfaces.ErrInvalidTransition, task.Status)
	}

	o.mu.Lock()
	handle := o.running[id]
	o.mu.Unlock()
	if handle == nil || handle.pausable == nil {
		return fmt.Errorf("%w: task type %s is not pausable", interfaces.ErrInvalidTransition, task.Type)
	}

	if err := handle.pausable.Pause(ctx); err != nil {
		return fmt.Errorf("failed to pause runner: %w", err)
	}
	if err := o.store.UpdateTaskStatus(ctx, id, models.TaskStatusPaused, ""); err != nil {
		return err
	}
	o.publishStatus(id, models.TaskStatusPaused)
	o.logger.Info().Str("task_id", id).Msg("Task paused")
	return nil
}

// ResumeTask continues a paused task. A paused task whose runner died with a
// previous process has no handle; it is restarted through the recovery path,
// marker and watchdog included.
func (o *taskOrchestrator) ResumeTask(ctx context.Context, id string) error {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPaused {
		return fmt.Errorf("%w: cannot resume a %s task", interfaces.ErrInvalidTransition, task.Status)
	}

	o.mu.Lock()
	handle := o.running[id]
	o.mu.Unlock()

	if handle == nil {
		return o.restartOrphaned(ctx, task)
	}
	if handle.pausable == nil {
		return fmt.Errorf("%w: task type %s is not pausable", interfaces.ErrInvalidTransition, task.Type)
	}

	if err := handle.pausable.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume runner: %w", err)
	}
	if err := o.store.UpdateTaskStatus(ctx, id, models.TaskStatusRunning, ""); err != nil {
		return err
	}
	o.publishStatus(id, models.TaskStatusRunning)
	o.logger.Info().Str("task_id", id).Msg("Task resumed")
	return nil
}

// restartOrphaned relaunches a paused task that lost its runner to a process
// restart. It follows the recovery path so the resume marker and stuck
// watchdog apply.
func (o *taskOrchestrator) restartOrphaned(ctx context.Context, task *models.Task) error {
	reg, ok := o.registration(task.Type)
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownTaskType, task.Type)
	}
	if !reg.opts.Resumable {
		return fmt.Errorf("%w: task type %s cannot be resumed after a restart", interfaces.ErrInvalidTransition, task.Type)
	}
	if err := o.store.MarkTaskResuming(ctx, task.ID); err != nil {
		return err
	}
	task = task.Clone()
	task.MarkResuming()
	o.publishStatus(task.ID, models.TaskStatusResuming)
	return o.launchRecovered(task, reg)
}

// CancelTask is idempotent: cancelling a cancelled task is a no-op. A live
// runner gets the cancel grace to exit cleanly; past that the handle is
// abandoned with a problem event and the row is finalized anyway.
func (o *taskOrchestrator) CancelTask(ctx context.Context, id string) error {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case models.TaskStatusCancelled:
		return nil
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		return fmt.Errorf("%w: task %s is %s", interfaces.ErrInvalidTransition, id, task.Status)
	}

	o.mu.Lock()
	handle := o.running[id]
	o.mu.Unlock()

	if handle == nil {
		// Pending, or the runner just exited: finalize directly.
		if err := o.store.UpdateTaskStatus(ctx, id, models.TaskStatusCancelled, ""); err != nil {
			return err
		}
		o.publishStatus(id, models.TaskStatusCancelled)
		o.logger.Info().Str("task_id", id).Msg("Task cancelled")
		return nil
	}

	handle.cancel()

	grace := o.config.CancelGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-handle.done:
		// finishTask mapped the runner's exit already.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	// The runner ignored cancellation. Abandon it: report, finalize the row,
	// release the slot. Whenever the runner finally exits, its terminal write
	// bounces off the now-immutable row.
	o.logger.Warn().Str("task_id", id).Dur("grace", grace).Msg("Runner ignored cancel; abandoning handle")
	o.reportProblem(id, models.ProblemKindCancelTimeout,
		fmt.Sprintf("runner did not stop within %s of cancellation", grace), nil)

	if err := o.store.UpdateTaskStatus(ctx, id, models.TaskStatusCancelled, ""); err != nil && !errors.Is(err, interfaces.ErrInvalidTransition) {
		return err
	}
	o.publishStatus(id, models.TaskStatusCancelled)

	o.mu.Lock()
	if o.running[id] == handle {
		delete(o.running, id)
	}
	o.mu.Unlock()
	o.wakeScheduler()
	return nil
}

// RecoverInterruptedTasks restarts every task a previous process left running
// or resuming. Slot limits are deliberately ignored here: the interrupted
// tasks held capacity before the crash, and failing them for lack of slots
// would lose work.
func (o *taskOrchestrator) RecoverInterruptedTasks(ctx context.Context) (int, error) {
	interrupted, err := o.store.FindInterruptedTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find interrupted tasks: %w", err)
	}
	if len(interrupted) == 0 {
		return 0, nil
	}

	o.logger.Info().Int("count", len(interrupted)).Msg("Recovering interrupted tasks")

	recovered := 0
	for _, task := range interrupted {
		reg, ok := o.registration(task.Type)
		if !ok || !reg.opts.Resumable {
			o.setStatus(ctx, task.ID, models.TaskStatusFailed, "interrupted by process restart")
			o.logger.Warn().
				Str("task_id", task.ID).
				Str("task_type", task.Type).
				Msg("Interrupted task is not resumable; marked failed")
			continue
		}

		if err := o.store.MarkTaskResuming(ctx, task.ID); err != nil {
			o.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to mark task resuming")
			continue
		}
		task = task.Clone()
		task.MarkResuming()
		o.publishStatus(task.ID, models.TaskStatusResuming)

		if err := o.launchRecovered(task, reg); err != nil {
			o.setStatus(ctx, task.ID, models.TaskStatusFailed, err.Error())
			o.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to restart interrupted task")
			continue
		}
		recovered++
	}
	return recovered, nil
}

// launchRecovered starts a resuming task's runner and arms the stuck watchdog
func (o *taskOrchestrator) launchRecovered(task *models.Task, reg registration) error {
	if err := o.launch(task, reg, true); err != nil {
		return err
	}

	o.mu.Lock()
	handle := o.running[task.ID]
	o.mu.Unlock()
	if handle != nil {
		o.wg.Add(1)
		go o.watchResuming(task.ID, handle.done)
	}
	return nil
}

// watchResuming raises a stuck-resuming problem when a recovered task shows
// no sign of life inside the watchdog window. The status stays resuming; the
// problem is advisory.
func (o *taskOrchestrator) watchResuming(id string, done <-chan struct{}) {
	defer o.wg.Done()

	window := o.config.ResumeWatchdog
	if window <= 0 {
		window = 4 * time.Second
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-o.loopCtx.Done():
		return
	case <-timer.C:
	}

	task, err := o.store.GetTask(context.Background(), id)
	if err != nil || task.Status != models.TaskStatusResuming {
		return
	}
	o.logger.Warn().Str("task_id", id).Dur("window", window).Msg("Recovered task still resuming")
	o.reportProblem(id, models.ProblemKindStuckResuming,
		fmt.Sprintf("no progress within %s of recovery restart", window), nil)
}

// reportProblem appends a problem row and publishes it
func (o *taskOrchestrator) reportProblem(taskID string, kind models.ProblemKind, message string, details map[string]interface{}) {
	problem := &models.Problem{
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Kind:      string(kind),
		Message:   message,
		Details:   details,
	}
	if err := o.telemetry.AppendProblem(context.Background(), problem); err != nil {
		o.logger.Warn().Err(err).Str("task_id", taskID).Str("kind", string(kind)).Msg("Failed to persist problem")
	}
	o.bus.Publish(interfaces.TopicTaskProblem, taskID, problem)
}
