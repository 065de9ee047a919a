package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// mockTaskStore mirrors the SQLite store's lifecycle semantics in memory:
// idempotent cancelled->cancelled, terminal immutability, legal-edge
// enforcement, resume marker maintenance.
type mockTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{tasks: make(map[string]*models.Task)}
}

func (m *mockTaskStore) put(task *models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
}

func (m *mockTaskStore) status(id string) models.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		return t.Status
	}
	return ""
}

func (m *mockTaskStore) CreateTask(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return interfaces.ErrDuplicateTask
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *mockTaskStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, interfaces.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *mockTaskStore) ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if t.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if len(filter.Types) > 0 {
			match := false
			for _, ty := range filter.Types {
				if t.Type == ty {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *mockTaskStore) UpdateTask(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return interfaces.ErrTaskNotFound
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *mockTaskStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return interfaces.ErrTaskNotFound
	}
	if t.Status == models.TaskStatusCancelled && status == models.TaskStatusCancelled {
		return nil
	}
	if t.Status != status && !models.CanTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, t.Status, status)
	}
	if t.Status == status && t.Status.IsTerminal() {
		return fmt.Errorf("%w: task is %s", interfaces.ErrInvalidTransition, t.Status)
	}
	switch status {
	case models.TaskStatusRunning:
		t.MarkStarted()
	case models.TaskStatusResuming:
		t.MarkResuming()
	case models.TaskStatusCompleted:
		t.MarkCompleted()
	case models.TaskStatusFailed:
		t.MarkFailed(errorMessage)
	case models.TaskStatusCancelled:
		t.MarkCancelled()
	default:
		t.Status = status
		t.UpdatedAt = time.Now().UTC()
	}
	if errorMessage != "" && status != models.TaskStatusFailed {
		t.ErrorMessage = errorMessage
	}
	return nil
}

func (m *mockTaskStore) UpdateTaskProgress(ctx context.Context, id string, progress models.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return interfaces.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task is %s", interfaces.ErrInvalidTransition, t.Status)
	}
	t.Progress = progress
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockTaskStore) UpdateTaskMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return interfaces.ErrTaskNotFound
	}
	for k, v := range metadata {
		t.SetMetadata(k, v)
	}
	return nil
}

func (m *mockTaskStore) FindInterruptedTasks(ctx context.Context) ([]*models.Task, error) {
	return m.ListTasks(ctx, interfaces.TaskFilter{
		Statuses: []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusResuming},
	})
}

func (m *mockTaskStore) MarkTaskResuming(ctx context.Context, id string) error {
	return m.UpdateTaskStatus(ctx, id, models.TaskStatusResuming, "")
}

func (m *mockTaskStore) ClearResumeMarker(ctx context.Context, id string) error {
	return m.UpdateTaskStatus(ctx, id, models.TaskStatusRunning, "")
}

func (m *mockTaskStore) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *mockTaskStore) Ping(ctx context.Context) error { return nil }

// mockTelemetryStore records appended telemetry for assertions
type mockTelemetryStore struct {
	mu          sync.Mutex
	queueEvents []models.QueueEvent
	problems    []models.Problem
	milestones  []models.Milestone
	stages      []models.PlannerStage
}

func (m *mockTelemetryStore) AppendQueueEvent(ctx context.Context, event *models.QueueEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueEvents = append(m.queueEvents, *event)
	return nil
}

func (m *mockTelemetryStore) AppendProblem(ctx context.Context, problem *models.Problem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.problems = append(m.problems, *problem)
	return nil
}

func (m *mockTelemetryStore) AppendMilestone(ctx context.Context, milestone *models.Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.milestones = append(m.milestones, *milestone)
	return nil
}

func (m *mockTelemetryStore) AppendPlannerStage(ctx context.Context, stage *models.PlannerStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, *stage)
	return nil
}

func (m *mockTelemetryStore) GetQueueEvents(ctx context.Context, taskID string, limit int) ([]models.QueueEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.QueueEvent
	for _, e := range m.queueEvents {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockTelemetryStore) GetProblems(ctx context.Context, taskID string, limit int) ([]models.Problem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Problem
	for _, p := range m.problems {
		if p.TaskID == taskID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockTelemetryStore) GetMilestones(ctx context.Context, taskID string, limit int) ([]models.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Milestone
	for _, mi := range m.milestones {
		if mi.TaskID == taskID {
			out = append(out, mi)
		}
	}
	return out, nil
}

func (m *mockTelemetryStore) GetPlannerStages(ctx context.Context, taskID string, limit int) ([]models.PlannerStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PlannerStage
	for _, s := range m.stages {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockTelemetryStore) GetTaskTelemetry(ctx context.Context, taskID string) (*models.TaskTelemetry, error) {
	queueEvents, _ := m.GetQueueEvents(ctx, taskID, 0)
	problems, _ := m.GetProblems(ctx, taskID, 0)
	milestones, _ := m.GetMilestones(ctx, taskID, 0)
	stages, _ := m.GetPlannerStages(ctx, taskID, 0)
	return &models.TaskTelemetry{
		TaskID:        taskID,
		QueueEvents:   queueEvents,
		Problems:      problems,
		Milestones:    milestones,
		PlannerStages: stages,
	}, nil
}

func (m *mockTelemetryStore) CountProblems(ctx context.Context, taskID string) (int, error) {
	problems, _ := m.GetProblems(ctx, taskID, 0)
	return len(problems), nil
}

func (m *mockTelemetryStore) problemKinds(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []string
	for _, p := range m.problems {
		if p.TaskID == taskID {
			kinds = append(kinds, p.Kind)
		}
	}
	return kinds
}

// mockStorageManager exposes just the stores the orchestrator touches
type mockStorageManager struct {
	tasks     *mockTaskStore
	telemetry *mockTelemetryStore
}

func newMockStorage() *mockStorageManager {
	return &mockStorageManager{
		tasks:     newMockTaskStore(),
		telemetry: &mockTelemetryStore{},
	}
}

func (m *mockStorageManager) Tasks() interfaces.TaskStorage              { return m.tasks }
func (m *mockStorageManager) Telemetry() interfaces.TelemetryStorage     { return m.telemetry }
func (m *mockStorageManager) Documents() interfaces.DocumentStorage      { return nil }
func (m *mockStorageManager) FetchHistory() interfaces.FetchHistoryStorage {
	return nil
}
func (m *mockStorageManager) Patterns() interfaces.PatternStorage  { return nil }
func (m *mockStorageManager) PlaceHubs() interfaces.PlaceHubStorage { return nil }
func (m *mockStorageManager) Places() interfaces.PlaceStorage       { return nil }
func (m *mockStorageManager) KV() interfaces.KVStorage              { return nil }
func (m *mockStorageManager) Close() error                          { return nil }

// mockBus records publishes in order
type busRecord struct {
	topic   interfaces.Topic
	taskID  string
	payload interface{}
}

type mockBus struct {
	mu     sync.Mutex
	events []busRecord
}

func (b *mockBus) Publish(topic interfaces.Topic, taskID string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busRecord{topic: topic, taskID: taskID, payload: payload})
}

func (b *mockBus) Subscribe(opts interfaces.SubscribeOptions) *interfaces.Subscription {
	ch := make(chan interfaces.Event)
	return interfaces.NewSubscription("mock", ch, func() {})
}

func (b *mockBus) Replay(afterSeq uint64, topics []interfaces.Topic) []interfaces.Event {
	return nil
}

func (b *mockBus) Close() {}

func (b *mockBus) statusesFor(taskID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		if e.topic != interfaces.TopicTaskStatusChanged || e.taskID != taskID {
			continue
		}
		if payload, ok := e.payload.(map[string]interface{}); ok {
			if s, ok := payload["status"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func (b *mockBus) countTopic(topic interfaces.Topic, taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.topic == topic && e.taskID == taskID {
			n++
		}
	}
	return n
}

// scriptedRunner runs an arbitrary function as its task body
type scriptedRunner struct {
	run func(ctx context.Context) error
}

func (r *scriptedRunner) Run(ctx context.Context) error { return r.run(ctx) }

// pausableRunner blocks until released and records control calls
type pausableRunner struct {
	release chan struct{}
	mu      sync.Mutex
	pauses  int
	resumes int
}

func newPausableRunner() *pausableRunner {
	return &pausableRunner{release: make(chan struct{})}
}

func (r *pausableRunner) Run(ctx context.Context) error {
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *pausableRunner) Pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses++
	return nil
}

func (r *pausableRunner) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes++
	return nil
}

func (r *pausableRunner) calls() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauses, r.resumes
}

func testConfig() *common.OrchestratorConfig {
	return &common.OrchestratorConfig{
		MaxCrawlTasks:      2,
		MaxBackgroundTasks: 4,
		ScheduleInterval:   10 * time.Millisecond,
		CancelGrace:        60 * time.Millisecond,
		ResumeWatchdog:     50 * time.Millisecond,
		ProgressCoalesce:   5 * time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, config *common.OrchestratorConfig) (interfaces.Orchestrator, *mockStorageManager, *mockBus) {
	t.Helper()
	if config == nil {
		config = testConfig()
	}
	storage := newMockStorage()
	bus := &mockBus{}
	orch := New(config, storage, bus, arbor.NewLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})
	return orch, storage, bus
}

func waitForStatus(t *testing.T, store *mockTaskStore, id string, want models.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.status(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s (stuck at %s)", id, want, store.status(id))
}

func TestOrchestrator_RunsPendingTaskToCompletion(t *testing.T) {
	orch, storage, bus := newTestOrchestrator(t, nil)

	orch.RegisterTaskType("unit", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			deps.Progress.Update(1, 3, "first")
			deps.Progress.Update(3, 3, "done")
			return nil
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "unit", nil, 0)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusPending, task.Status)

	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusCompleted)

	final, err := orch.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), final.Progress.Current)
	assert.Equal(t, int64(3), final.Progress.Total)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	assert.Equal(t, []string{"running", "completed"}, bus.statusesFor(task.ID))
	assert.Equal(t, 1, bus.countTopic(interfaces.TopicTaskCreated, task.ID))
	assert.Equal(t, 1, bus.countTopic(interfaces.TopicTaskCompleted, task.ID))
}

func TestOrchestrator_CreateTaskRejectsUnknownType(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil)
	orch.Start()

	_, err := orch.CreateTask(context.Background(), "no-such-type", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrUnknownTaskType)
}

func TestOrchestrator_RegisterTaskTypePanics(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil)
	noop := func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error { return nil }}, nil
	}

	orch.RegisterTaskType("dup", noop, interfaces.TaskTypeOptions{})
	assert.Panics(t, func() {
		orch.RegisterTaskType("dup", noop, interfaces.TaskTypeOptions{})
	})

	orch.Start()
	assert.Panics(t, func() {
		orch.RegisterTaskType("late", noop, interfaces.TaskTypeOptions{})
	})
}

func TestOrchestrator_SlotLimitAndPriorityOrder(t *testing.T) {
	config := testConfig()
	config.MaxBackgroundTasks = 1
	orch, storage, _ := newTestOrchestrator(t, config)

	release := make(chan struct{})
	var mu sync.Mutex
	var started []string

	orch.RegisterTaskType("slot", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		id := deps.Task.ID
		return &scriptedRunner{run: func(ctx context.Context) error {
			mu.Lock()
			started = append(started, id)
			mu.Unlock()
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground})
	orch.Start()

	blocker, err := orch.CreateTask(context.Background(), "slot", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, blocker.ID, models.TaskStatusRunning)

	low, err := orch.CreateTask(context.Background(), "slot", nil, 1)
	require.NoError(t, err)
	high, err := orch.CreateTask(context.Background(), "slot", nil, 9)
	require.NoError(t, err)

	// One slot, held by the blocker: both stay pending.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.TaskStatusPending, storage.tasks.status(low.ID))
	assert.Equal(t, models.TaskStatusPending, storage.tasks.status(high.ID))

	close(release)
	waitForStatus(t, storage.tasks, blocker.ID, models.TaskStatusCompleted)
	waitForStatus(t, storage.tasks, high.ID, models.TaskStatusCompleted)
	waitForStatus(t, storage.tasks, low.ID, models.TaskStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, started, 3)
	assert.Equal(t, blocker.ID, started[0])
	// Higher priority wins the freed slot despite being created later.
	assert.Equal(t, high.ID, started[1])
	assert.Equal(t, low.ID, started[2])
}

func TestOrchestrator_CancelIsIdempotent(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	orch.RegisterTaskType("obedient", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "obedient", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusRunning)

	require.NoError(t, orch.CancelTask(context.Background(), task.ID))
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusCancelled)

	// Second and third cancels are no-ops.
	require.NoError(t, orch.CancelTask(context.Background(), task.ID))
	require.NoError(t, orch.CancelTask(context.Background(), task.ID))
	assert.Equal(t, models.TaskStatusCancelled, storage.tasks.status(task.ID))
}

func TestOrchestrator_CancelPendingTask(t *testing.T) {
	config := testConfig()
	config.MaxBackgroundTasks = 1
	orch, storage, _ := newTestOrchestrator(t, config)

	release := make(chan struct{})
	defer close(release)
	orch.RegisterTaskType("slot", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground})
	orch.Start()

	blocker, err := orch.CreateTask(context.Background(), "slot", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, blocker.ID, models.TaskStatusRunning)

	queued, err := orch.CreateTask(context.Background(), "slot", nil, 0)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusPending, storage.tasks.status(queued.ID))

	require.NoError(t, orch.CancelTask(context.Background(), queued.ID))
	assert.Equal(t, models.TaskStatusCancelled, storage.tasks.status(queued.ID))
}

func TestOrchestrator_TerminalTasksAreImmutable(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	orch.RegisterTaskType("instant", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error { return nil }}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "instant", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusCompleted)

	err = orch.CancelTask(context.Background(), task.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)

	err = orch.PauseTask(context.Background(), task.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)

	assert.Equal(t, models.TaskStatusCompleted, storage.tasks.status(task.ID))
}

func TestOrchestrator_CancelGraceAbandonsStubbornRunner(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	release := make(chan struct{})
	defer close(release)
	orch.RegisterTaskType("stubborn", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			<-release // ignores ctx on purpose
			return nil
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "stubborn", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusRunning)

	start := time.Now()
	require.NoError(t, orch.CancelTask(context.Background(), task.ID))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	assert.Equal(t, models.TaskStatusCancelled, storage.tasks.status(task.ID))
	assert.Contains(t, storage.telemetry.problemKinds(task.ID), string(models.ProblemKindCancelTimeout))
}

func TestOrchestrator_AbandonedRunnerExitCannotMutateTerminalRow(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	release := make(chan struct{})
	orch.RegisterTaskType("stubborn", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			<-release
			return nil // would complete the task if the row were still live
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "stubborn", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusRunning)
	require.NoError(t, orch.CancelTask(context.Background(), task.ID))
	require.Equal(t, models.TaskStatusCancelled, storage.tasks.status(task.ID))

	// The abandoned runner finally exits; its completed write must bounce.
	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.TaskStatusCancelled, storage.tasks.status(task.ID))
}

func TestOrchestrator_PauseResumeRoundTrip(t *testing.T) {
	orch, storage, bus := newTestOrchestrator(t, nil)

	runner := newPausableRunner()
	orch.RegisterTaskType("pausable", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return runner, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground, Pausable: true})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "pausable", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusRunning)

	require.NoError(t, orch.PauseTask(context.Background(), task.ID))
	assert.Equal(t, models.TaskStatusPaused, storage.tasks.status(task.ID))

	// Pausing a paused task is not a legal edge.
	err = orch.PauseTask(context.Background(), task.ID)
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)

	require.NoError(t, orch.ResumeTask(context.Background(), task.ID))
	assert.Equal(t, models.TaskStatusRunning, storage.tasks.status(task.ID))

	pauses, resumes := runner.calls()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, resumes)

	close(runner.release)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusCompleted)
	assert.Equal(t, []string{"running", "paused", "running", "completed"}, bus.statusesFor(task.ID))
}

func TestOrchestrator_PauseRejectsNonPausableType(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	release := make(chan struct{})
	defer close(release)
	orch.RegisterTaskType("rigid", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground, Pausable: false})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "rigid", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusRunning)

	err = orch.PauseTask(context.Background(), task.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)
}

func TestOrchestrator_RunnerPanicFailsTask(t *testing.T) {
	orch, storage, bus := newTestOrchestrator(t, nil)

	orch.RegisterTaskType("explosive", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			panic("boom")
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "explosive", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusFailed)

	final, err := orch.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Contains(t, final.ErrorMessage, "panicked")
	assert.Equal(t, 1, bus.countTopic(interfaces.TopicTaskError, task.ID))
}

func TestOrchestrator_FactoryErrorFailsTask(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	orch.RegisterTaskType("unbuildable", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return nil, errors.New("missing dependency")
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "unbuildable", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusFailed)

	final, err := orch.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Contains(t, final.ErrorMessage, "missing dependency")
}

func TestOrchestrator_RecoveryRestartsInterruptedTasks(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	var mu sync.Mutex
	var recoveredIDs []string
	orch.RegisterTaskType("resumable", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		mu.Lock()
		recoveredIDs = append(recoveredIDs, deps.Task.ID)
		mu.Unlock()
		return &scriptedRunner{run: func(ctx context.Context) error {
			deps.Progress.Update(1, 2, "back to work")
			return nil
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground, Resumable: true})
	orch.RegisterTaskType("fragile", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error { return nil }}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground, Resumable: false})

	// Rows a previous process left behind.
	interrupted := models.NewTask("resumable", nil)
	interrupted.MarkStarted()
	storage.tasks.put(interrupted)

	halfResumed := models.NewTask("resumable", nil)
	halfResumed.MarkStarted()
	halfResumed.MarkResuming()
	storage.tasks.put(halfResumed)

	doomed := models.NewTask("fragile", nil)
	doomed.MarkStarted()
	storage.tasks.put(doomed)

	count, err := orch.RecoverInterruptedTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	waitForStatus(t, storage.tasks, interrupted.ID, models.TaskStatusCompleted)
	waitForStatus(t, storage.tasks, halfResumed.ID, models.TaskStatusCompleted)
	assert.Equal(t, models.TaskStatusFailed, storage.tasks.status(doomed.ID))

	doomedFinal, err := orch.GetTask(context.Background(), doomed.ID)
	require.NoError(t, err)
	assert.Contains(t, doomedFinal.ErrorMessage, "interrupted")

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{interrupted.ID, halfResumed.ID}, recoveredIDs)
}

func TestOrchestrator_RecoveryClearsResumeMarkerOnFirstProgress(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	proceed := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	orch.RegisterTaskType("resumable", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			<-proceed
			deps.Progress.Update(5, 10, "resumed work")
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground, Resumable: true})

	task := models.NewTask("resumable", nil)
	task.MarkStarted()
	task.Progress = models.Progress{Current: 5, Total: 10}
	storage.tasks.put(task)

	count, err := orch.RecoverInterruptedTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Before any sign of life the task sits in resuming with the marker set.
	mid, err := orch.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusResuming, mid.Status)
	assert.NotNil(t, mid.ResumeStartedAt)

	close(proceed)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusRunning)

	after, err := orch.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Nil(t, after.ResumeStartedAt)
}

func TestOrchestrator_StuckResumingRaisesProblem(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	release := make(chan struct{})
	defer close(release)
	orch.RegisterTaskType("comatose", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			// Never reports progress; the watchdog should notice.
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground, Resumable: true})

	task := models.NewTask("comatose", nil)
	task.MarkStarted()
	storage.tasks.put(task)

	count, err := orch.RecoverInterruptedTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Watchdog window is 50ms in the test config.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(storage.telemetry.problemKinds(task.ID)) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Contains(t, storage.telemetry.problemKinds(task.ID), string(models.ProblemKindStuckResuming))
	// Advisory only: the task stays resuming, nothing kills it.
	assert.Equal(t, models.TaskStatusResuming, storage.tasks.status(task.ID))
}

func TestOrchestrator_ResumeRestartsOrphanedPausedTask(t *testing.T) {
	orch, storage, _ := newTestOrchestrator(t, nil)

	started := make(chan string, 1)
	orch.RegisterTaskType("resumable", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			started <- deps.Task.ID
			deps.Progress.Update(1, 1, "finishing")
			return nil
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground, Pausable: true, Resumable: true})
	orch.Start()

	// A paused row from a previous process: no live handle exists.
	task := models.NewTask("resumable", nil)
	task.MarkStarted()
	task.Status = models.TaskStatusPaused
	storage.tasks.put(task)

	require.NoError(t, orch.ResumeTask(context.Background(), task.ID))

	select {
	case id := <-started:
		assert.Equal(t, task.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned paused task was never restarted")
	}
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusCompleted)
}

func TestOrchestrator_StopLeavesRunningTasksForRecovery(t *testing.T) {
	storage := newMockStorage()
	bus := &mockBus{}
	orch := New(testConfig(), storage, bus, arbor.NewLogger())

	orch.RegisterTaskType("longhaul", func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return &scriptedRunner{run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}, nil
	}, interfaces.TaskTypeOptions{Class: models.TaskClassBackground, Resumable: true})
	orch.Start()

	task, err := orch.CreateTask(context.Background(), "longhaul", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, storage.tasks, task.ID, models.TaskStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Stop(ctx))

	// Shutdown is not a user cancel: the row stays running so the next
	// process finds it in the recovery set.
	assert.Equal(t, models.TaskStatusRunning, storage.tasks.status(task.ID))
	interrupted, err := storage.tasks.FindInterruptedTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, interrupted, 1)
	assert.Equal(t, task.ID, interrupted[0].ID)
}
