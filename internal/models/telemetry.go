package models

import "time"

// QueueAction enumerates frontier mutations recorded as queue events
type QueueAction string

const (
	QueueActionEnqueued      QueueAction = "enqueued"
	QueueActionDequeued      QueueAction = "dequeued"
	QueueActionSkipped       QueueAction = "skipped-duplicate"
	QueueActionReprioritized QueueAction = "re-prioritized"
	QueueActionRejected      QueueAction = "rejected-full"
)

// QueueEvent is one frontier mutation attributed to a task
type QueueEvent struct {
	ID        int64       `json:"id"`
	TaskID    string      `json:"task_id"`
	Timestamp time.Time   `json:"ts"`
	Action    QueueAction `json:"action"`
	URL       string      `json:"url"`
	Host      string      `json:"host,omitempty"`
	Depth     int         `json:"depth"`
	Reason    string      `json:"reason,omitempty"`
	QueueSize int         `json:"queue_size"`
}

// ProblemKind names the structured problem categories raised during a run
type ProblemKind string

const (
	ProblemKindFetchError     ProblemKind = "fetch-error"
	ProblemKindParseError     ProblemKind = "parse-error"
	ProblemKindCostDeviation  ProblemKind = "cost-deviation"
	ProblemKindWorkerSilent   ProblemKind = "worker-silent"
	ProblemKindStalled        ProblemKind = "stalled"
	ProblemKindStuckResuming  ProblemKind = "stuck-resuming"
	ProblemKindCancelTimeout  ProblemKind = "cancel-timeout"
	ProblemKindDomainNotReady ProblemKind = "domain-not-ready"
)

// Problem is a non-fatal difficulty observed during a run. Problems never
// terminate a task by themselves; watchdog escalation does.
type Problem struct {
	ID        int64                  `json:"id"`
	TaskID    string                 `json:"task_id"`
	Timestamp time.Time              `json:"ts"`
	Kind      string                 `json:"kind"`
	Scope     string                 `json:"scope,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Milestone marks notable forward progress (first article, depth complete,
// pattern verified) for timeline displays.
type Milestone struct {
	ID        int64                  `json:"id"`
	TaskID    string                 `json:"task_id"`
	Timestamp time.Time              `json:"ts"`
	Kind      string                 `json:"kind"`
	Scope     string                 `json:"scope,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// PlannerStage records one planner decision with its rationale
type PlannerStage struct {
	ID              int64     `json:"id"`
	TaskID          string    `json:"task_id"`
	Timestamp       time.Time `json:"ts"`
	Stage           string    `json:"stage"`
	Rationale       string    `json:"rationale,omitempty"`
	EstimatedCostMS int64     `json:"estimated_cost_ms,omitempty"`
	Decision        string    `json:"decision,omitempty"`
}

// TaskTelemetry bundles a task's full telemetry history for API responses
type TaskTelemetry struct {
	TaskID        string         `json:"task_id"`
	QueueEvents   []QueueEvent   `json:"queue_events"`
	Problems      []Problem      `json:"problems"`
	Milestones    []Milestone    `json:"milestones"`
	PlannerStages []PlannerStage `json:"planner_stages"`
}
