package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Worker stdout protocol. Each line is "<PREFIX> <json payload>". stdout is
// reserved for these records; everything human-readable goes to stderr.
const (
	WorkerPrefixProgress     = "PROGRESS"
	WorkerPrefixQueue        = "QUEUE"
	WorkerPrefixProblem      = "PROBLEM"
	WorkerPrefixMilestone    = "MILESTONE"
	WorkerPrefixPlannerStage = "PLANNER_STAGE"
	WorkerPrefixError        = "ERROR"
	WorkerPrefixCache        = "CACHE"
)

// Control commands delivered to the worker on stdin, one per line
const (
	WorkerControlPause  = "PAUSE"
	WorkerControlResume = "RESUME"
	WorkerControlStop   = "STOP"
)

// ProgressPayload reports crawl progress. Stage distinguishes ordinary
// progress from lifecycle notices ("paused", "resumed", "stopped").
type ProgressPayload struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Message string `json:"message,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// QueuePayload mirrors a frontier mutation inside the worker
type QueuePayload struct {
	Action    QueueAction `json:"action"`
	URL       string      `json:"url"`
	Host      string      `json:"host,omitempty"`
	Depth     int         `json:"depth"`
	Reason    string      `json:"reason,omitempty"`
	QueueSize int         `json:"queue_size"`
}

// ProblemPayload reports a non-fatal difficulty from the worker
type ProblemPayload struct {
	Kind    string                 `json:"kind"`
	Scope   string                 `json:"scope,omitempty"`
	Target  string                 `json:"target,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// MilestonePayload reports notable forward progress from the worker
type MilestonePayload struct {
	Kind    string                 `json:"kind"`
	Scope   string                 `json:"scope,omitempty"`
	Target  string                 `json:"target,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// PlannerStagePayload reports a planner decision from the worker
type PlannerStagePayload struct {
	Stage           string `json:"stage"`
	Rationale       string `json:"rationale,omitempty"`
	EstimatedCostMS int64  `json:"estimated_cost_ms,omitempty"`
	Decision        string `json:"decision,omitempty"`
}

// ErrorPayload reports a fatal worker error before a non-zero exit
type ErrorPayload struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// CachePayload reports a local-cache decision for a URL
type CachePayload struct {
	URL string `json:"url"`
	Hit bool   `json:"hit"`
}

// WorkerEvent is the parsed form of one worker stdout line. Exactly one
// payload field is set, matching Prefix.
type WorkerEvent struct {
	Prefix       string
	Progress     *ProgressPayload
	Queue        *QueuePayload
	Problem      *ProblemPayload
	Milestone    *MilestonePayload
	PlannerStage *PlannerStagePayload
	Error        *ErrorPayload
	Cache        *CachePayload
}

// ErrNotWorkerLine flags lines that carry no recognized prefix. The caller
// logs them verbatim and moves on; a chatty library writing to stdout must
// never take the parser down.
type ErrNotWorkerLine struct {
	Line string
}

func (e *ErrNotWorkerLine) Error() string {
	return fmt.Sprintf("not a worker protocol line: %q", e.Line)
}

// ParseWorkerLine decodes one stdout line into a WorkerEvent. A recognized
// prefix with a malformed JSON payload returns an error carrying the prefix;
// an unrecognized line returns ErrNotWorkerLine.
func ParseWorkerLine(line string) (*WorkerEvent, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, &ErrNotWorkerLine{Line: line}
	}

	prefix, payload, found := strings.Cut(trimmed, " ")
	if !found {
		return nil, &ErrNotWorkerLine{Line: line}
	}

	event := &WorkerEvent{Prefix: prefix}
	var err error

	switch prefix {
	case WorkerPrefixProgress:
		event.Progress = &ProgressPayload{}
		err = json.Unmarshal([]byte(payload), event.Progress)
	case WorkerPrefixQueue:
		event.Queue = &QueuePayload{}
		err = json.Unmarshal([]byte(payload), event.Queue)
	case WorkerPrefixProblem:
		event.Problem = &ProblemPayload{}
		err = json.Unmarshal([]byte(payload), event.Problem)
	case WorkerPrefixMilestone:
		event.Milestone = &MilestonePayload{}
		err = json.Unmarshal([]byte(payload), event.Milestone)
	case WorkerPrefixPlannerStage:
		event.PlannerStage = &PlannerStagePayload{}
		err = json.Unmarshal([]byte(payload), event.PlannerStage)
	case WorkerPrefixError:
		event.Error = &ErrorPayload{}
		err = json.Unmarshal([]byte(payload), event.Error)
	case WorkerPrefixCache:
		event.Cache = &CachePayload{}
		err = json.Unmarshal([]byte(payload), event.Cache)
	default:
		return nil, &ErrNotWorkerLine{Line: line}
	}

	if err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", prefix, err)
	}
	return event, nil
}

// FormatWorkerLine encodes a payload as one protocol line (without the
// trailing newline). The worker's emitter is the only intended caller.
func FormatWorkerLine(prefix string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", prefix, err)
	}
	return prefix + " " + string(data), nil
}
