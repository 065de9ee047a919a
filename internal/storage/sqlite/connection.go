package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/common"
	_ "modernc.org/sqlite"
)

// SQLiteDB manages the SQLite database connection
type SQLiteDB struct {
	db     *sql.DB
	logger arbor.ILogger
	config *common.StoreConfig
	policy retryPolicy
}

// NewSQLiteDB opens (and migrates) the task store. The same file is opened
// by crawl worker subprocesses, so WAL journaling is unconditional.
func NewSQLiteDB(logger arbor.ILogger, config *common.StoreConfig) (*SQLiteDB, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// modernc.org/sqlite uses "sqlite" driver name (not "sqlite3")
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	policy := defaultRetryPolicy()
	if config.RetryAttempts > 0 {
		policy.attempts = config.RetryAttempts
	}
	if config.RetryMinDelay > 0 {
		policy.minDelay = config.RetryMinDelay
	}
	if config.RetryMaxDelay > 0 {
		policy.maxDelay = config.RetryMaxDelay
	}

	s := &SQLiteDB{
		db:     db,
		logger: logger,
		config: config,
		policy: policy,
	}

	if err := s.configure(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Str("path", config.Path).Msg("SQLite task store initialized")
	return s, nil
}

// configure sets up SQLite pragmas and settings
func (s *SQLiteDB) configure() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = -%d", s.config.CacheSizeKB), // Negative for KB
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.config.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// DB returns the underlying database connection
func (s *SQLiteDB) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteDB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Ping verifies the database connection
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
