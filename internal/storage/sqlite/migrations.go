package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate brings the schema up to date. Each migration runs once, inside a
// transaction, tracked in schema_migrations.
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "task_tables", up: migrateV1},
		{version: 2, name: "crawl_telemetry_tables", up: migrateV2},
		{version: 3, name: "document_tables", up: migrateV3},
		{version: 4, name: "planner_tables", up: migrateV4},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}

	if count > 0 {
		return nil // Already applied
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// migrateV1 creates the task table. Timestamps are stored as Unix
// milliseconds so scheduler ordering stays deterministic for tasks created
// within the same second.
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			progress_current INTEGER NOT NULL DEFAULT 0,
			progress_total INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT,
			config TEXT,
			metadata TEXT,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER,
			resume_started_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(type)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 creates the append-only telemetry tables
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS queue_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			action TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT,
			depth INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			queue_size INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_events_task ON queue_events(task_id)`,

		`CREATE TABLE IF NOT EXISTS task_problems (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			scope TEXT,
			target TEXT,
			message TEXT NOT NULL,
			details TEXT,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_problems_task ON task_problems(task_id)`,

		`CREATE TABLE IF NOT EXISTS task_milestones (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			scope TEXT,
			target TEXT,
			message TEXT NOT NULL,
			details TEXT,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_milestones_task ON task_milestones(task_id)`,

		`CREATE TABLE IF NOT EXISTS planner_stage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			stage TEXT NOT NULL,
			rationale TEXT,
			estimated_cost_ms INTEGER NOT NULL DEFAULT 0,
			decision TEXT,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_planner_stage_events_task ON planner_stage_events(task_id)`,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// migrateV3 creates document and fetch-history tables. These are written by
// worker subprocesses over the same WAL file, so no task FK is enforced on
// fetch_history (observations can outlive their task).
func migrateV3(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			url TEXT NOT NULL,
			normalized_url TEXT NOT NULL,
			host TEXT NOT NULL,
			title TEXT,
			content_markdown TEXT,
			content_html BLOB,
			content_encoding TEXT NOT NULL DEFAULT 'identity',
			status_code INTEGER NOT NULL DEFAULT 0,
			content_type TEXT,
			word_count INTEGER NOT NULL DEFAULT 0,
			heading_count INTEGER NOT NULL DEFAULT 0,
			link_count INTEGER NOT NULL DEFAULT 0,
			fetched_at INTEGER NOT NULL,
			analyzed_at INTEGER,
			compressed_at INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_normalized_url ON documents(normalized_url)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_host ON documents(host)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_encoding ON documents(content_encoding)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_analyzed ON documents(analyzed_at)`,

		`CREATE TABLE IF NOT EXISTS fetch_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL,
			path_shape TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			task_id TEXT,
			fetched_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_history_host ON fetch_history(host, fetched_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_history_shape ON fetch_history(host, path_shape, fetched_at DESC)`,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// migrateV4 creates the planner pattern store and the place hub table
func migrateV4(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS planner_patterns (
			id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			category TEXT,
			template TEXT NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0,
			miss_count INTEGER NOT NULL DEFAULT 0,
			last_used_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_planner_patterns_domain_template ON planner_patterns(domain, template)`,
		`CREATE INDEX IF NOT EXISTS idx_planner_patterns_category ON planner_patterns(category)`,
		`CREATE INDEX IF NOT EXISTS idx_planner_patterns_lru ON planner_patterns(domain, last_used_at ASC)`,

		`CREATE TABLE IF NOT EXISTS place_hubs (
			id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			place_kind TEXT NOT NULL,
			place_name TEXT NOT NULL,
			url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'candidate',
			score REAL NOT NULL DEFAULT 0,
			evidence TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_place_hubs_domain_url ON place_hubs(domain, url)`,
		`CREATE INDEX IF NOT EXISTS idx_place_hubs_domain_status ON place_hubs(domain, status)`,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}
