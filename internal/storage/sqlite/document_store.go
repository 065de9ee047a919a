package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// DocumentStorage implements SQLite persistence for fetched pages. The crawl
// worker writes rows from its own process; the compression and analysis
// tasks rewrite them from the server process over the same WAL file.
type DocumentStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewDocumentStorage creates a new document storage instance
func NewDocumentStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.DocumentStorage {
	return &DocumentStorage{
		db:     db,
		logger: logger,
	}
}

const documentColumns = `id, task_id, url, normalized_url, host, title, content_markdown, content_html,
	content_encoding, status_code, content_type, word_count, heading_count, link_count,
	fetched_at, analyzed_at, compressed_at`

// SaveDocument inserts or replaces a document keyed by normalized URL, so a
// page re-fetched by a later crawl overwrites its previous snapshot.
func (s *DocumentStorage) SaveDocument(ctx context.Context, doc *models.Document) error {
	normalized, err := models.NormalizeURL(doc.URL)
	if err != nil {
		return fmt.Errorf("cannot save document: %w", err)
	}

	return withRetry(ctx, s.logger, s.db.policy, "save_document", func() error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO documents (`+documentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(normalized_url) DO UPDATE SET
				task_id = excluded.task_id,
				title = excluded.title,
				content_markdown = excluded.content_markdown,
				content_html = excluded.content_html,
				content_encoding = excluded.content_encoding,
				status_code = excluded.status_code,
				content_type = excluded.content_type,
				word_count = excluded.word_count,
				heading_count = excluded.heading_count,
				link_count = excluded.link_count,
				fetched_at = excluded.fetched_at,
				analyzed_at = NULL,
				compressed_at = NULL`,
			doc.ID,
			doc.TaskID,
			doc.URL,
			normalized,
			doc.Host,
			doc.Title,
			doc.ContentMarkdown,
			doc.ContentHTML,
			doc.ContentEncoding,
			doc.StatusCode,
			doc.ContentType,
			doc.WordCount,
			doc.HeadingCount,
			doc.LinkCount,
			timeToMillis(doc.FetchedAt),
			nullableMillis(doc.AnalyzedAt),
			nullableMillis(doc.CompressedAt),
		)
		return err
	})
}

// GetDocument retrieves a document by ID
func (s *DocumentStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrDocumentNotFound
	}
	return doc, err
}

// GetDocumentByURL retrieves a document by its normalized URL
func (s *DocumentStorage) GetDocumentByURL(ctx context.Context, normalizedURL string) (*models.Document, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE normalized_url = ?`, normalizedURL)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrDocumentNotFound
	}
	return doc, err
}

// ListUncompressed returns documents whose HTML body is still identity-encoded
func (s *DocumentStorage) ListUncompressed(ctx context.Context, limit int) ([]*models.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryDocuments(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE content_encoding = ? AND content_html IS NOT NULL
		ORDER BY fetched_at ASC LIMIT ?`, models.ContentEncodingIdentity, limit)
}

// ListUnanalyzed returns documents that have not been through analysis
func (s *DocumentStorage) ListUnanalyzed(ctx context.Context, limit int) ([]*models.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryDocuments(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE analyzed_at IS NULL
		ORDER BY fetched_at ASC LIMIT ?`, limit)
}

// UpdateDocumentContent rewrites the mutable content columns after a
// compression or analysis pass.
func (s *DocumentStorage) UpdateDocumentContent(ctx context.Context, doc *models.Document) error {
	return withRetry(ctx, s.logger, s.db.policy, "update_document", func() error {
		result, err := s.db.db.ExecContext(ctx, `
			UPDATE documents SET
				content_html = ?, content_encoding = ?,
				word_count = ?, heading_count = ?, link_count = ?,
				analyzed_at = ?, compressed_at = ?
			WHERE id = ?`,
			doc.ContentHTML,
			doc.ContentEncoding,
			doc.WordCount,
			doc.HeadingCount,
			doc.LinkCount,
			nullableMillis(doc.AnalyzedAt),
			nullableMillis(doc.CompressedAt),
			doc.ID,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return interfaces.ErrDocumentNotFound
		}
		return nil
	})
}

// CountDocuments returns the total number of stored documents
func (s *DocumentStorage) CountDocuments(ctx context.Context) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// CountDocumentsByHost returns how many documents are stored for one host
func (s *DocumentStorage) CountDocumentsByHost(ctx context.Context, host string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE host = ?", host).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents for host %s: %w", host, err)
	}
	return count, nil
}

func (s *DocumentStorage) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]*models.Document, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var normalized string
	var title, contentMarkdown, contentType sql.NullString
	var fetchedAt int64
	var analyzedAt, compressedAt sql.NullInt64

	err := row.Scan(
		&doc.ID,
		&doc.TaskID,
		&doc.URL,
		&normalized,
		&doc.Host,
		&title,
		&contentMarkdown,
		&doc.ContentHTML,
		&doc.ContentEncoding,
		&doc.StatusCode,
		&contentType,
		&doc.WordCount,
		&doc.HeadingCount,
		&doc.LinkCount,
		&fetchedAt,
		&analyzedAt,
		&compressedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Title = title.String
	doc.ContentMarkdown = contentMarkdown.String
	doc.ContentType = contentType.String
	doc.FetchedAt = millisToTime(fetchedAt)
	doc.AnalyzedAt = millisPtr(analyzedAt)
	doc.CompressedAt = millisPtr(compressedAt)

	return &doc, nil
}
