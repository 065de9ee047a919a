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

// PatternStorage implements the bounded planner pattern store. Templates are
// keyed (domain, template); the per-domain cap is enforced by LRU eviction
// on last_used_at.
type PatternStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewPatternStorage creates a new pattern storage instance
func NewPatternStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.PatternStorage {
	return &PatternStorage{
		db:     db,
		logger: logger,
	}
}

// UpsertPattern inserts a template or refreshes last_used_at on an existing
// (domain, template) pair.
func (s *PatternStorage) UpsertPattern(ctx context.Context, pattern *models.PatternTemplate) error {
	now := time.Now().UTC()
	if pattern.CreatedAt.IsZero() {
		pattern.CreatedAt = now
	}
	if pattern.LastUsedAt.IsZero() {
		pattern.LastUsedAt = now
	}

	return withRetry(ctx, s.logger, s.db.policy, "upsert_pattern", func() error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO planner_patterns (id, domain, category, template, hit_count, miss_count, last_used_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(domain, template) DO UPDATE SET
				category = excluded.category,
				last_used_at = excluded.last_used_at`,
			pattern.ID,
			pattern.Domain,
			pattern.Category,
			pattern.Template,
			pattern.HitCount,
			pattern.MissCount,
			timeToMillis(pattern.LastUsedAt),
			timeToMillis(pattern.CreatedAt),
		)
		return err
	})
}

// GetPatterns returns a domain's templates ordered by hit rate (best first)
func (s *PatternStorage) GetPatterns(ctx context.Context, domain string) ([]*models.PatternTemplate, error) {
	return s.queryPatterns(ctx, `
		SELECT id, domain, category, template, hit_count, miss_count, last_used_at, created_at
		FROM planner_patterns WHERE domain = ?
		ORDER BY CAST(hit_count AS REAL) / MAX(hit_count + miss_count, 1) DESC, last_used_at DESC`,
		domain)
}

// GetPatternsByCategory returns templates learned on other domains of the
// same category, used by cross-domain sharing.
func (s *PatternStorage) GetPatternsByCategory(ctx context.Context, category string, excludeDomain string) ([]*models.PatternTemplate, error) {
	return s.queryPatterns(ctx, `
		SELECT id, domain, category, template, hit_count, miss_count, last_used_at, created_at
		FROM planner_patterns WHERE category = ? AND domain != ? AND hit_count > miss_count
		ORDER BY CAST(hit_count AS REAL) / MAX(hit_count + miss_count, 1) DESC`,
		category, excludeDomain)
}

// RecordPatternResult bumps a template's hit or miss count and refreshes its
// recency for LRU purposes.
func (s *PatternStorage) RecordPatternResult(ctx context.Context, id string, hit bool) error {
	column := "miss_count"
	if hit {
		column = "hit_count"
	}
	return withRetry(ctx, s.logger, s.db.policy, "record_pattern_result", func() error {
		_, err := s.db.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE planner_patterns SET %s = %s + 1, last_used_at = ? WHERE id = ?", column, column),
			timeToMillis(time.Now().UTC()), id)
		return err
	})
}

// RetirePattern removes a template whose hit rate collapsed
func (s *PatternStorage) RetirePattern(ctx context.Context, id string) error {
	return withRetry(ctx, s.logger, s.db.policy, "retire_pattern", func() error {
		_, err := s.db.db.ExecContext(ctx, "DELETE FROM planner_patterns WHERE id = ?", id)
		return err
	})
}

// EvictLRU trims a domain's templates down to cap, removing the least
// recently used first. Returns the number of evicted rows.
func (s *PatternStorage) EvictLRU(ctx context.Context, domain string, cap int) (int, error) {
	if cap <= 0 {
		return 0, nil
	}

	var evicted int64
	err := withRetry(ctx, s.logger, s.db.policy, "evict_patterns", func() error {
		result, err := s.db.db.ExecContext(ctx, `
			DELETE FROM planner_patterns
			WHERE domain = ? AND id NOT IN (
				SELECT id FROM planner_patterns WHERE domain = ?
				ORDER BY last_used_at DESC LIMIT ?
			)`, domain, domain, cap)
		if err != nil {
			return err
		}
		evicted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	if evicted > 0 {
		s.logger.Debug().Str("domain", domain).Int64("evicted", evicted).Msg("Evicted LRU patterns")
	}
	return int(evicted), nil
}

func (s *PatternStorage) queryPatterns(ctx context.Context, query string, args ...interface{}) ([]*models.PatternTemplate, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*models.PatternTemplate
	for rows.Next() {
		var p models.PatternTemplate
		var category sql.NullString
		var lastUsedAt, createdAt int64
		if err := rows.Scan(&p.ID, &p.Domain, &category, &p.Template,
			&p.HitCount, &p.MissCount, &lastUsedAt, &createdAt); err != nil {
			return nil, err
		}
		p.Category = category.String
		p.LastUsedAt = millisToTime(lastUsedAt)
		p.CreatedAt = millisToTime(createdAt)
		patterns = append(patterns, &p)
	}
	return patterns, rows.Err()
}
