package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// kvEntry is the stored form of one typed snapshot. Values are kept as JSON
// so callers round-trip arbitrary structs (readiness judgments, estimator
// state) without the store knowing their shape.
type kvEntry struct {
	Key       string    `badgerhold:"key"`
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KVStorage implements typed key/value snapshots on badgerhold
type KVStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewKVStorage creates a new KVStorage instance
func NewKVStorage(db *BadgerDB, logger arbor.ILogger) interfaces.KVStorage {
	return &KVStorage{
		db:     db,
		logger: logger,
	}
}

// normalizeKey converts a key to lowercase for case-insensitive storage
func (s *KVStorage) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Set stores a value under the key, JSON-encoded
func (s *KVStorage) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for key %s: %w", key, err)
	}

	entry := kvEntry{
		Key:       s.normalizeKey(key),
		Value:     data,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.db.Store().Upsert(entry.Key, &entry); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get decodes the stored value into out
func (s *KVStorage) Get(ctx context.Context, key string, out interface{}) error {
	var entry kvEntry
	err := s.db.Store().Get(s.normalizeKey(key), &entry)
	if err == badgerhold.ErrNotFound {
		return interfaces.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal(entry.Value, out); err != nil {
		return fmt.Errorf("failed to decode value for key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key; deleting a missing key is not an error
func (s *KVStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Store().Delete(s.normalizeKey(key), &kvEntry{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}
