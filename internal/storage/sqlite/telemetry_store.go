package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// defaultTelemetryLimit bounds history reads when the caller passes no limit
const defaultTelemetryLimit = 500

// TelemetryStorage implements append-only run telemetry in SQLite.
// Appends are best-effort from the caller's point of view: the crawl runner
// logs and drops append errors rather than failing the task.
type TelemetryStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewTelemetryStorage creates a new telemetry storage instance
func NewTelemetryStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.TelemetryStorage {
	return &TelemetryStorage{
		db:     db,
		logger: logger,
	}
}

// AppendQueueEvent records one frontier mutation
func (s *TelemetryStorage) AppendQueueEvent(ctx context.Context, event *models.QueueEvent) error {
	return withRetry(ctx, s.logger, s.db.policy, "append_queue_event", func() error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO queue_events (task_id, ts, action, url, host, depth, reason, queue_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			event.TaskID,
			timeToMillis(event.Timestamp),
			string(event.Action),
			event.URL,
			event.Host,
			event.Depth,
			event.Reason,
			event.QueueSize,
		)
		return err
	})
}

// AppendProblem records one problem row
func (s *TelemetryStorage) AppendProblem(ctx context.Context, problem *models.Problem) error {
	details, err := marshalDetails(problem.Details)
	if err != nil {
		return err
	}
	return withRetry(ctx, s.logger, s.db.policy, "append_problem", func() error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO task_problems (task_id, ts, kind, scope, target, message, details)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			problem.TaskID,
			timeToMillis(problem.Timestamp),
			problem.Kind,
			problem.Scope,
			problem.Target,
			problem.Message,
			details,
		)
		return err
	})
}

// AppendMilestone records one milestone row
func (s *TelemetryStorage) AppendMilestone(ctx context.Context, milestone *models.Milestone) error {
	details, err := marshalDetails(milestone.Details)
	if err != nil {
		return err
	}
	return withRetry(ctx, s.logger, s.db.policy, "append_milestone", func() error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO task_milestones (task_id, ts, kind, scope, target, message, details)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			milestone.TaskID,
			timeToMillis(milestone.Timestamp),
			milestone.Kind,
			milestone.Scope,
			milestone.Target,
			milestone.Message,
			details,
		)
		return err
	})
}

// AppendPlannerStage records one planner decision row
func (s *TelemetryStorage) AppendPlannerStage(ctx context.Context, stage *models.PlannerStage) error {
	return withRetry(ctx, s.logger, s.db.policy, "append_planner_stage", func() error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO planner_stage_events (task_id, ts, stage, rationale, estimated_cost_ms, decision)
			VALUES (?, ?, ?, ?, ?, ?)`,
			stage.TaskID,
			timeToMillis(stage.Timestamp),
			stage.Stage,
			stage.Rationale,
			stage.EstimatedCostMS,
			stage.Decision,
		)
		return err
	})
}

// GetQueueEvents returns a task's queue events, oldest first
func (s *TelemetryStorage) GetQueueEvents(ctx context.Context, taskID string, limit int) ([]models.QueueEvent, error) {
	if limit <= 0 {
		limit = defaultTelemetryLimit
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, task_id, ts, action, url, host, depth, reason, queue_size
		FROM queue_events WHERE task_id = ? ORDER BY id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue events: %w", err)
	}
	defer rows.Close()

	var events []models.QueueEvent
	for rows.Next() {
		var e models.QueueEvent
		var action string
		var ts int64
		var host, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &ts, &action, &e.URL, &host, &e.Depth, &reason, &e.QueueSize); err != nil {
			return nil, err
		}
		e.Action = models.QueueAction(action)
		e.Timestamp = millisToTime(ts)
		e.Host = host.String
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetProblems returns a task's problems, oldest first
func (s *TelemetryStorage) GetProblems(ctx context.Context, taskID string, limit int) ([]models.Problem, error) {
	if limit <= 0 {
		limit = defaultTelemetryLimit
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, task_id, ts, kind, scope, target, message, details
		FROM task_problems WHERE task_id = ? ORDER BY id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query problems: %w", err)
	}
	defer rows.Close()

	var problems []models.Problem
	for rows.Next() {
		var p models.Problem
		var ts int64
		var scope, target, details sql.NullString
		if err := rows.Scan(&p.ID, &p.TaskID, &ts, &p.Kind, &scope, &target, &p.Message, &details); err != nil {
			return nil, err
		}
		p.Timestamp = millisToTime(ts)
		p.Scope = scope.String
		p.Target = target.String
		p.Details = unmarshalDetails(details)
		problems = append(problems, p)
	}
	return problems, rows.Err()
}

// GetMilestones returns a task's milestones, oldest first
func (s *TelemetryStorage) GetMilestones(ctx context.Context, taskID string, limit int) ([]models.Milestone, error) {
	if limit <= 0 {
		limit = defaultTelemetryLimit
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, task_id, ts, kind, scope, target, message, details
		FROM task_milestones WHERE task_id = ? ORDER BY id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query milestones: %w", err)
	}
	defer rows.Close()

	var milestones []models.Milestone
	for rows.Next() {
		var m models.Milestone
		var ts int64
		var scope, target, details sql.NullString
		if err := rows.Scan(&m.ID, &m.TaskID, &ts, &m.Kind, &scope, &target, &m.Message, &details); err != nil {
			return nil, err
		}
		m.Timestamp = millisToTime(ts)
		m.Scope = scope.String
		m.Target = target.String
		m.Details = unmarshalDetails(details)
		milestones = append(milestones, m)
	}
	return milestones, rows.Err()
}

// GetPlannerStages returns a task's planner stage events, oldest first
func (s *TelemetryStorage) GetPlannerStages(ctx context.Context, taskID string, limit int) ([]models.PlannerStage, error) {
	if limit <= 0 {
		limit = defaultTelemetryLimit
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, task_id, ts, stage, rationale, estimated_cost_ms, decision
		FROM planner_stage_events WHERE task_id = ? ORDER BY id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query planner stages: %w", err)
	}
	defer rows.Close()

	var stages []models.PlannerStage
	for rows.Next() {
		var st models.PlannerStage
		var ts int64
		var rationale, decision sql.NullString
		if err := rows.Scan(&st.ID, &st.TaskID, &ts, &st.Stage, &rationale, &st.EstimatedCostMS, &decision); err != nil {
			return nil, err
		}
		st.Timestamp = millisToTime(ts)
		st.Rationale = rationale.String
		st.Decision = decision.String
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// GetTaskTelemetry bundles all four histories for one task
func (s *TelemetryStorage) GetTaskTelemetry(ctx context.Context, taskID string) (*models.TaskTelemetry, error) {
	queueEvents, err := s.GetQueueEvents(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}
	problems, err := s.GetProblems(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}
	milestones, err := s.GetMilestones(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}
	stages, err := s.GetPlannerStages(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}

	return &models.TaskTelemetry{
		TaskID:        taskID,
		QueueEvents:   queueEvents,
		Problems:      problems,
		Milestones:    milestones,
		PlannerStages: stages,
	}, nil
}

// CountProblems returns how many problems a task has accumulated
func (s *TelemetryStorage) CountProblems(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM task_problems WHERE task_id = ?", taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count problems: %w", err)
	}
	return count, nil
}

func marshalDetails(details map[string]interface{}) (sql.NullString, error) {
	if len(details) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to serialize details: %w", err)
	}
	return sql.NullString{Valid: true, String: string(data)}, nil
}

func unmarshalDetails(raw sql.NullString) map[string]interface{} {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var details map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &details); err != nil {
		return nil
	}
	return details
}
