package models

import "time"

// Content encodings recorded on stored documents
const (
	ContentEncodingIdentity = "identity"
	ContentEncodingZstd     = "zstd"
)

// Document is one fetched page persisted by the crawl worker.
// PRIMARY CONTENT FORMAT: Markdown (ContentMarkdown field). The raw HTML
// body is kept identity-encoded until the compression task rewrites it as
// zstd; the analysis task fills the structural counts.
type Document struct {
	ID              string     `json:"id"` // doc_{uuid}
	TaskID          string     `json:"task_id"`
	URL             string     `json:"url"`
	Host            string     `json:"host"`
	Title           string     `json:"title,omitempty"`
	ContentMarkdown string     `json:"content_markdown,omitempty"`
	ContentHTML     []byte     `json:"-"`
	ContentEncoding string     `json:"content_encoding"`
	StatusCode      int        `json:"status_code"`
	ContentType     string     `json:"content_type,omitempty"`
	WordCount       int        `json:"word_count"`
	HeadingCount    int        `json:"heading_count"`
	LinkCount       int        `json:"link_count"`
	FetchedAt       time.Time  `json:"fetched_at"`
	AnalyzedAt      *time.Time `json:"analyzed_at,omitempty"`
	CompressedAt    *time.Time `json:"compressed_at,omitempty"`
}

// Compressed reports whether the HTML body has been zstd-compressed
func (d *Document) Compressed() bool {
	return d.ContentEncoding == ContentEncodingZstd
}

// Analyzed reports whether structural analysis has run on this document
func (d *Document) Analyzed() bool {
	return d.AnalyzedAt != nil
}
