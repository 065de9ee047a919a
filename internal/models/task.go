package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusResuming  TaskStatus = "resuming"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true for statuses that permit no further transitions
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive returns true while a runner may be attached to the task
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusRunning || s == TaskStatusResuming || s == TaskStatusPaused
}

// validTransitions holds the lifecycle edges. Terminal states carry no edges.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusRunning, TaskStatusResuming, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusResuming: {TaskStatusRunning, TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusRunning:  {TaskStatusPaused, TaskStatusResuming, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusPaused:   {TaskStatusRunning, TaskStatusResuming, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// CanTransition reports whether moving from one status to another is a legal
// lifecycle edge. Self-transitions are rejected except cancelled->cancelled,
// which callers treat as an idempotent no-op before reaching here.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskClass separates crawl jobs (external worker subprocesses) from
// in-process background tasks for concurrency accounting.
type TaskClass string

const (
	TaskClassCrawl      TaskClass = "crawl"
	TaskClassBackground TaskClass = "background"
)

// Progress is the monotonic progress snapshot carried by a task
type Progress struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Message string `json:"message,omitempty"`
}

// Percentage returns completion as 0-100, or 0 when the total is unknown
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Current) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Task is the durable unit of work managed by the orchestrator
type Task struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Status          TaskStatus             `json:"status"`
	Priority        int                    `json:"priority"`
	Progress        Progress               `json:"progress"`
	Config          map[string]interface{} `json:"config,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	ResumeStartedAt *time.Time             `json:"resume_started_at,omitempty"`
}

// NewTask creates a pending task with a fresh identifier
func NewTask(taskType string, config map[string]interface{}) *Task {
	now := time.Now().UTC()
	if config == nil {
		config = make(map[string]interface{})
	}
	return &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Status:    TaskStatusPending,
		Config:    config,
		Metadata:  make(map[string]interface{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the structural invariants of a task record
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if t.Type == "" {
		return fmt.Errorf("task type is required")
	}
	if t.Status == "" {
		return fmt.Errorf("task status is required")
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing store state
func (t *Task) Clone() *Task {
	clone := *t
	if t.Config != nil {
		clone.Config = make(map[string]interface{}, len(t.Config))
		for k, v := range t.Config {
			clone.Config[k] = v
		}
	}
	if t.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	if t.ResumeStartedAt != nil {
		resumed := *t.ResumeStartedAt
		clone.ResumeStartedAt = &resumed
	}
	return &clone
}

// MarkStarted transitions the task into the running state
func (t *Task) MarkStarted() {
	now := time.Now().UTC()
	t.Status = TaskStatusRunning
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.ResumeStartedAt = nil
	t.UpdatedAt = now
}

// MarkResuming flags the task as recovering after a process restart
func (t *Task) MarkResuming() {
	now := time.Now().UTC()
	t.Status = TaskStatusResuming
	t.ResumeStartedAt = &now
	t.UpdatedAt = now
}

// MarkCompleted finalizes the task successfully
func (t *Task) MarkCompleted() {
	now := time.Now().UTC()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkFailed finalizes the task with an error message
func (t *Task) MarkFailed(errMsg string) {
	now := time.Now().UTC()
	t.Status = TaskStatusFailed
	t.ErrorMessage = errMsg
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkCancelled finalizes the task as cancelled
func (t *Task) MarkCancelled() {
	now := time.Now().UTC()
	t.Status = TaskStatusCancelled
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// GetConfigString retrieves a string value from the task config
func (t *Task) GetConfigString(key string, defaultValue string) string {
	if t.Config == nil {
		return defaultValue
	}
	if val, ok := t.Config[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultValue
}

// GetConfigInt retrieves an integer value from the task config.
// JSON round-trips store numbers as float64, so both forms are handled.
func (t *Task) GetConfigInt(key string, defaultValue int) int {
	if t.Config == nil {
		return defaultValue
	}
	if val, ok := t.Config[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

// GetConfigFloat retrieves a float value from the task config
func (t *Task) GetConfigFloat(key string, defaultValue float64) float64 {
	if t.Config == nil {
		return defaultValue
	}
	if val, ok := t.Config[key]; ok {
		switch v := val.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	}
	return defaultValue
}

// GetConfigBool retrieves a boolean value from the task config
func (t *Task) GetConfigBool(key string, defaultValue bool) bool {
	if t.Config == nil {
		return defaultValue
	}
	if val, ok := t.Config[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultValue
}

// GetConfigStringSlice retrieves a string slice from the task config,
// accepting both []string and []interface{} forms.
func (t *Task) GetConfigStringSlice(key string) []string {
	if t.Config == nil {
		return nil
	}
	val, ok := t.Config[key]
	if !ok {
		return nil
	}
	switch v := val.(type) {
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}

// SetMetadata stores a metadata value, allocating the map when needed
func (t *Task) SetMetadata(key string, value interface{}) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	}
	t.Metadata[key] = value
}

// GetMetadataInt retrieves an integer metadata value
func (t *Task) GetMetadataInt(key string, defaultValue int) int {
	if t.Metadata == nil {
		return defaultValue
	}
	if val, ok := t.Metadata[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

// GetMetadataString retrieves a string metadata value
func (t *Task) GetMetadataString(key string, defaultValue string) string {
	if t.Metadata == nil {
		return defaultValue
	}
	if val, ok := t.Metadata[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}
