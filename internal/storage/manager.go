package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/storage/badger"
	"github.com/ternarybob/nuntius/internal/storage/sqlite"
)

// Manager aggregates both durable backends: SQLite for tasks, telemetry,
// documents, and planner state; Badger for the gazetteer and KV snapshots.
type Manager struct {
	sqliteDB *sqlite.SQLiteDB
	badgerDB *badger.BadgerDB

	tasks        interfaces.TaskStorage
	telemetry    interfaces.TelemetryStorage
	documents    interfaces.DocumentStorage
	fetchHistory interfaces.FetchHistoryStorage
	patterns     interfaces.PatternStorage
	placeHubs    interfaces.PlaceHubStorage
	places       interfaces.PlaceStorage
	kv           interfaces.KVStorage

	logger arbor.ILogger
}

// NewStorageManager opens both stores and wires every storage interface
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	sqliteDB, err := sqlite.NewSQLiteDB(logger, &config.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}

	badgerDB, err := badger.NewBadgerDB(logger, &config.Places)
	if err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to open place store: %w", err)
	}

	m := &Manager{
		sqliteDB:     sqliteDB,
		badgerDB:     badgerDB,
		tasks:        sqlite.NewTaskStorage(sqliteDB, logger),
		telemetry:    sqlite.NewTelemetryStorage(sqliteDB, logger),
		documents:    sqlite.NewDocumentStorage(sqliteDB, logger),
		fetchHistory: sqlite.NewFetchHistoryStorage(sqliteDB, logger),
		patterns:     sqlite.NewPatternStorage(sqliteDB, logger),
		placeHubs:    sqlite.NewPlaceHubStorage(sqliteDB, logger),
		places:       badger.NewPlaceStorage(badgerDB, logger),
		kv:           badger.NewKVStorage(badgerDB, logger),
		logger:       logger,
	}

	logger.Info().
		Str("task_store", config.Store.Path).
		Str("place_store", config.Places.Path).
		Msg("Storage manager initialized")
	return m, nil
}

// Tasks returns the task storage interface
func (m *Manager) Tasks() interfaces.TaskStorage {
	return m.tasks
}

// Telemetry returns the telemetry storage interface
func (m *Manager) Telemetry() interfaces.TelemetryStorage {
	return m.telemetry
}

// Documents returns the document storage interface
func (m *Manager) Documents() interfaces.DocumentStorage {
	return m.documents
}

// FetchHistory returns the fetch history storage interface
func (m *Manager) FetchHistory() interfaces.FetchHistoryStorage {
	return m.fetchHistory
}

// Patterns returns the pattern storage interface
func (m *Manager) Patterns() interfaces.PatternStorage {
	return m.patterns
}

// PlaceHubs returns the place hub storage interface
func (m *Manager) PlaceHubs() interfaces.PlaceHubStorage {
	return m.placeHubs
}

// Places returns the gazetteer storage interface
func (m *Manager) Places() interfaces.PlaceStorage {
	return m.places
}

// KV returns the key/value snapshot storage interface
func (m *Manager) KV() interfaces.KVStorage {
	return m.kv
}

// Close closes both backends. The SQLite handle closes last so telemetry
// writes racing shutdown still land.
func (m *Manager) Close() error {
	var firstErr error
	if m.badgerDB != nil {
		if err := m.badgerDB.Close(); err != nil {
			firstErr = err
		}
	}
	if m.sqliteDB != nil {
		if err := m.sqliteDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
