package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// FetchHistoryStorage implements SQLite persistence for fetch observations.
// Both the worker subprocess (appending) and the planner in the server
// process (reading priors) use this table.
type FetchHistoryStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewFetchHistoryStorage creates a new fetch history storage instance
func NewFetchHistoryStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.FetchHistoryStorage {
	return &FetchHistoryStorage{
		db:     db,
		logger: logger,
	}
}

// AppendFetch records one fetch observation
func (s *FetchHistoryStorage) AppendFetch(ctx context.Context, obs *models.FetchObservation) error {
	return withRetry(ctx, s.logger, s.db.policy, "append_fetch", func() error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO fetch_history (host, path_shape, duration_ms, status_code, task_id, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			obs.Host,
			obs.PathShape,
			obs.DurationMS,
			obs.StatusCode,
			obs.TaskID,
			timeToMillis(obs.FetchedAt),
		)
		return err
	})
}

// RecentFetches returns the newest observations for a host
func (s *FetchHistoryStorage) RecentFetches(ctx context.Context, host string, limit int) ([]models.FetchObservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, host, path_shape, duration_ms, status_code, task_id, fetched_at
		FROM fetch_history WHERE host = ?
		ORDER BY fetched_at DESC LIMIT ?`, host, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fetch history: %w", err)
	}
	defer rows.Close()

	var observations []models.FetchObservation
	for rows.Next() {
		var obs models.FetchObservation
		var taskID sql.NullString
		var fetchedAt int64
		if err := rows.Scan(&obs.ID, &obs.Host, &obs.PathShape, &obs.DurationMS,
			&obs.StatusCode, &taskID, &fetchedAt); err != nil {
			return nil, err
		}
		obs.TaskID = taskID.String
		obs.FetchedAt = millisToTime(fetchedAt)
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// RecentDurations returns the newest durations for a (host, path shape)
// pair, feeding the cost estimator's rolling window.
func (s *FetchHistoryStorage) RecentDurations(ctx context.Context, host, pathShape string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT duration_ms FROM fetch_history
		WHERE host = ? AND path_shape = ?
		ORDER BY fetched_at DESC LIMIT ?`, host, pathShape, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fetch durations: %w", err)
	}
	defer rows.Close()

	var durations []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		durations = append(durations, d)
	}
	return durations, rows.Err()
}

// CountFetches returns how many fetches a host has accumulated since a
// cutoff. Domain readiness uses this as its fetch-history signal.
func (s *FetchHistoryStorage) CountFetches(ctx context.Context, host string, since time.Time) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fetch_history WHERE host = ? AND fetched_at >= ?",
		host, timeToMillis(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fetches for host %s: %w", host, err)
	}
	return count, nil
}
