package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// PlaceHubStorage implements SQLite persistence for per-domain place hubs
type PlaceHubStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewPlaceHubStorage creates a new place hub storage instance
func NewPlaceHubStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.PlaceHubStorage {
	return &PlaceHubStorage{
		db:     db,
		logger: logger,
	}
}

// UpsertHub inserts a hub or updates score/evidence on the existing
// (domain, url) pair. A verified hub is never downgraded to candidate.
func (s *PlaceHubStorage) UpsertHub(ctx context.Context, hub *models.PlaceHub) error {
	now := time.Now().UTC()
	if hub.CreatedAt.IsZero() {
		hub.CreatedAt = now
	}
	hub.UpdatedAt = now

	var evidence sql.NullString
	if len(hub.Evidence) > 0 {
		data, err := json.Marshal(hub.Evidence)
		if err != nil {
			return fmt.Errorf("failed to serialize evidence: %w", err)
		}
		evidence = sql.NullString{Valid: true, String: string(data)}
	}

	return withRetry(ctx, s.logger, s.db.policy, "upsert_hub", func() error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO place_hubs (id, domain, place_kind, place_name, url, status, score, evidence, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(domain, url) DO UPDATE SET
				place_kind = excluded.place_kind,
				place_name = excluded.place_name,
				status = CASE WHEN place_hubs.status = 'verified' THEN 'verified' ELSE excluded.status END,
				score = excluded.score,
				evidence = excluded.evidence,
				updated_at = excluded.updated_at`,
			hub.ID,
			hub.Domain,
			string(hub.PlaceKind),
			hub.PlaceName,
			hub.URL,
			hub.Status,
			hub.Score,
			evidence,
			timeToMillis(hub.CreatedAt),
			timeToMillis(hub.UpdatedAt),
		)
		return err
	})
}

// GetHubs returns all hubs for a domain, best score first
func (s *PlaceHubStorage) GetHubs(ctx context.Context, domain string) ([]*models.PlaceHub, error) {
	return s.queryHubs(ctx, `
		SELECT id, domain, place_kind, place_name, url, status, score, evidence, created_at, updated_at
		FROM place_hubs WHERE domain = ? ORDER BY score DESC`, domain)
}

// GetVerifiedHubs returns only a domain's verified hubs, used as crawl seeds
func (s *PlaceHubStorage) GetVerifiedHubs(ctx context.Context, domain string) ([]*models.PlaceHub, error) {
	return s.queryHubs(ctx, `
		SELECT id, domain, place_kind, place_name, url, status, score, evidence, created_at, updated_at
		FROM place_hubs WHERE domain = ? AND status = ? ORDER BY score DESC`,
		domain, models.HubStatusVerified)
}

// CountHubs counts a domain's hubs, optionally narrowed to one status
func (s *PlaceHubStorage) CountHubs(ctx context.Context, domain string, status string) (int, error) {
	query := "SELECT COUNT(*) FROM place_hubs WHERE domain = ?"
	args := []interface{}{domain}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	var count int
	if err := s.db.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count hubs for domain %s: %w", domain, err)
	}
	return count, nil
}

// MarkHubVerified promotes a candidate hub after a successful crawl of it
func (s *PlaceHubStorage) MarkHubVerified(ctx context.Context, id string) error {
	return withRetry(ctx, s.logger, s.db.policy, "verify_hub", func() error {
		_, err := s.db.db.ExecContext(ctx,
			"UPDATE place_hubs SET status = ?, updated_at = ? WHERE id = ?",
			models.HubStatusVerified, timeToMillis(time.Now().UTC()), id)
		return err
	})
}

func (s *PlaceHubStorage) queryHubs(ctx context.Context, query string, args ...interface{}) ([]*models.PlaceHub, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query place hubs: %w", err)
	}
	defer rows.Close()

	var hubs []*models.PlaceHub
	for rows.Next() {
		var hub models.PlaceHub
		var kind string
		var evidence sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&hub.ID, &hub.Domain, &kind, &hub.PlaceName, &hub.URL,
			&hub.Status, &hub.Score, &evidence, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		hub.PlaceKind = models.PlaceKind(kind)
		hub.Evidence = unmarshalDetails(evidence)
		hub.CreatedAt = millisToTime(createdAt)
		hub.UpdatedAt = millisToTime(updatedAt)
		hubs = append(hubs, &hub)
	}
	return hubs, rows.Err()
}
