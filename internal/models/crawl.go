package models

import (
	"fmt"
	"net/url"
	"strings"
)

// TaskTypeCrawl is the registered type name for crawl jobs
const TaskTypeCrawl = "crawl"

// Config keys shared between the facade, the runner, and the worker argv
// builder. Crawl specifics live in the generic task config so the durable
// schema stays uniform across task types.
const (
	ConfigKeyURL       = "url"
	ConfigKeyCrawlType = "crawl_type"
	ConfigKeyMaxPages  = "max_pages"
	ConfigKeyMaxDepth  = "max_depth"
	ConfigKeyCategory  = "category"
	ConfigKeyFlags     = "flags"
)

// Metadata keys written by the crawl runner during supervision
const (
	MetadataKeyPID            = "pid"
	MetadataKeyWorkerExitCode = "worker_exit_code"
	MetadataKeyStderrTail     = "stderr_tail"
)

// CrawlOptions are the validated inputs for starting a crawl
type CrawlOptions struct {
	URL       string                 `json:"url" validate:"required,url"`
	CrawlType string                 `json:"crawl_type,omitempty"`
	MaxPages  int                    `json:"max_pages,omitempty" validate:"omitempty,min=1"`
	MaxDepth  int                    `json:"max_depth,omitempty" validate:"omitempty,min=0"`
	Priority  int                    `json:"priority,omitempty"`
	Flags     map[string]interface{} `json:"flags,omitempty"`
}

// NormalizedSeedURL returns the canonical form of the seed URL used for
// duplicate-crawl detection: lowercased host, no fragment, sorted query.
func (o *CrawlOptions) NormalizedSeedURL() (string, error) {
	return NormalizeURL(o.URL)
}

// ToTaskConfig flattens the options into a task config map
func (o *CrawlOptions) ToTaskConfig() map[string]interface{} {
	cfg := map[string]interface{}{
		ConfigKeyURL: o.URL,
	}
	if o.CrawlType != "" {
		cfg[ConfigKeyCrawlType] = o.CrawlType
	}
	if o.MaxPages > 0 {
		cfg[ConfigKeyMaxPages] = o.MaxPages
	}
	if o.MaxDepth > 0 {
		cfg[ConfigKeyMaxDepth] = o.MaxDepth
	}
	if len(o.Flags) > 0 {
		cfg[ConfigKeyFlags] = o.Flags
	}
	return cfg
}

// CrawlJob is a typed view over a crawl task
type CrawlJob struct {
	*Task
}

// AsCrawlJob wraps a task when its type is crawl, or returns an error
func AsCrawlJob(t *Task) (*CrawlJob, error) {
	if t == nil {
		return nil, fmt.Errorf("task is nil")
	}
	if t.Type != TaskTypeCrawl {
		return nil, fmt.Errorf("task %s has type %q, not %q", t.ID, t.Type, TaskTypeCrawl)
	}
	return &CrawlJob{Task: t}, nil
}

// SeedURL returns the crawl's starting URL
func (c *CrawlJob) SeedURL() string {
	return c.GetConfigString(ConfigKeyURL, "")
}

// CrawlType returns the crawl-type definition ID, empty for ad-hoc crawls
func (c *CrawlJob) CrawlType() string {
	return c.GetConfigString(ConfigKeyCrawlType, "")
}

// PID returns the worker process ID recorded by the runner, 0 when unknown
func (c *CrawlJob) PID() int {
	return c.GetMetadataInt(MetadataKeyPID, 0)
}

// NormalizeURL produces the canonical URL form used for frontier dedup and
// duplicate-crawl detection: scheme and host lowercased, default ports and
// fragments stripped, query parameters sorted.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing scheme or host", raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	switch parsed.Scheme {
	case "http":
		parsed.Host = strings.TrimSuffix(parsed.Host, ":80")
	case "https":
		parsed.Host = strings.TrimSuffix(parsed.Host, ":443")
	default:
		return "", fmt.Errorf("invalid URL %q: unsupported scheme %q", raw, parsed.Scheme)
	}

	// Encode() emits query parameters sorted by key
	parsed.RawQuery = parsed.Query().Encode()

	if parsed.Path == "/" {
		parsed.Path = ""
	}

	return parsed.String(), nil
}

// HostOf extracts the lowercased host (without port) from a URL, returning
// the empty string when the URL cannot be parsed.
func HostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
