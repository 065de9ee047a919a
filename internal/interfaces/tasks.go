package interfaces

import (
	"context"

	"github.com/ternarybob/nuntius/internal/models"
)

// ProgressSink receives progress updates from a running task. The
// orchestrator's implementation clamps regressions, coalesces bursts, and
// clears the resuming marker on first update.
type ProgressSink interface {
	Update(current, total int64, message string)
}

// TaskRunner executes one task. Run blocks until the task finishes: a nil
// return completes the task, context.Canceled cancels it, any other error
// fails it.
type TaskRunner interface {
	Run(ctx context.Context) error
}

// PausableRunner is implemented by runners that can suspend mid-run. Pause
// returns once in-flight work reaches a safe point; Resume continues it.
type PausableRunner interface {
	TaskRunner
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// RunnerDeps bundles what every runner construction receives
type RunnerDeps struct {
	Task     *models.Task
	Progress ProgressSink
	Bus      EventBus
	Storage  StorageManager
}

// TaskFactory builds a runner for one task instance. Factories run at
// startTask time; construction errors fail the task before it runs.
type TaskFactory func(deps RunnerDeps) (TaskRunner, error)

// TaskTypeOptions describe a registered task type
type TaskTypeOptions struct {
	Class    models.TaskClass
	Pausable bool
	// Resumable types are restarted by recovery after a process crash;
	// non-resumable interrupted tasks are failed instead.
	Resumable bool
}

// Orchestrator owns the task lifecycle: registration, scheduling within
// per-class concurrency limits, control operations, and crash recovery.
type Orchestrator interface {
	// RegisterTaskType must be called before Start; duplicate names panic.
	RegisterTaskType(taskType string, factory TaskFactory, opts TaskTypeOptions)
	KnownTaskType(taskType string) bool
	TypeOptions(taskType string) (TaskTypeOptions, bool)

	// CreateTask persists a pending task and wakes the scheduler.
	CreateTask(ctx context.Context, taskType string, config map[string]interface{}, priority int) (*models.Task, error)

	// Control operations. Cancel is idempotent: cancelling a cancelled
	// task returns nil without effect.
	PauseTask(ctx context.Context, id string) error
	ResumeTask(ctx context.Context, id string) error
	CancelTask(ctx context.Context, id string) error

	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)

	// RecoverInterruptedTasks finds running/resuming rows, marks them
	// resuming, and restarts their runners. Called once before Start.
	RecoverInterruptedTasks(ctx context.Context) (int, error)

	Start()
	Stop(ctx context.Context) error
}
