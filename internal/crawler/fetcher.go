package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/nuntius/internal/common"
)

// FetchResult is one HTTP response, body capped at the configured size
type FetchResult struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	DurationMS  int64
	Truncated   bool
}

// HTML reports whether the body is parseable page content. Servers that
// omit Content-Type are assumed to serve HTML.
func (r *FetchResult) HTML() bool {
	return r.ContentType == "" || strings.HasPrefix(r.ContentType, "text/html") ||
		strings.HasPrefix(r.ContentType, "application/xhtml")
}

// Success reports a 2xx response carrying page content
func (r *FetchResult) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300 && r.HTML()
}

// Fetcher performs single-page fetches for the crawl loop. Scheduling and
// pacing live elsewhere (frontier, politeness); this only speaks HTTP.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	maxBodySize int
}

func NewFetcher(config common.CrawlerConfig) *Fetcher {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBody := config.MaxBodySize
	if maxBody <= 0 {
		maxBody = 10 * 1024 * 1024
	}
	return &Fetcher{
		client:      &http.Client{Timeout: timeout},
		userAgent:   config.UserAgent,
		maxBodySize: maxBody,
	}
}

// Fetch retrieves one page. Transport failures return an error; HTTP error
// statuses return a result with the status recorded and a nil error, since
// the caller scores them differently.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch URL %q: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap to distinguish exactly-at-cap from truncated
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxBodySize)+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	truncated := len(body) > f.maxBodySize
	if truncated {
		body = body[:f.maxBodySize]
	}

	durationMS := time.Since(start).Milliseconds()
	if durationMS < 1 {
		durationMS = 1
	}

	return &FetchResult{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: mediaType(resp.Header.Get("Content-Type")),
		Body:        body,
		DurationMS:  durationMS,
		Truncated:   truncated,
	}, nil
}

// mediaType strips parameters and normalizes case: "Text/HTML; charset=utf-8"
// becomes "text/html".
func mediaType(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
