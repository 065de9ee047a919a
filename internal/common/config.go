package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string             `toml:"environment"` // "development" or "production" - controls seed URL validation
	Server      ServerConfig       `toml:"server"`
	Store       StoreConfig        `toml:"store"`
	Places      PlacesConfig       `toml:"places"`
	Logging     LoggingConfig      `toml:"logging"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Crawler     CrawlerConfig      `toml:"crawler"`
	Frontier    FrontierConfig     `toml:"frontier"`
	Planner     PlannerConfig      `toml:"planner"`
	Events      EventsConfig       `toml:"events"`
	WebSocket   WebSocketConfig    `toml:"websocket"`
	CrawlTypes  CrawlTypesConfig   `toml:"crawl_types"`
	Scheduler   SchedulerConfig    `toml:"scheduler"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host"`
}

// StoreConfig configures the SQLite task store
type StoreConfig struct {
	Path          string        `toml:"path"`            // Database file path
	BusyTimeout   time.Duration `toml:"busy_timeout"`    // SQLite busy_timeout pragma
	CacheSizeKB   int           `toml:"cache_size_kb"`   // Page cache size in KB
	RetryAttempts int           `toml:"retry_attempts"`  // Write retry attempts on busy/locked
	RetryMinDelay time.Duration `toml:"retry_min_delay"` // First retry backoff
	RetryMaxDelay time.Duration `toml:"retry_max_delay"` // Backoff ceiling
}

// PlacesConfig configures the Badger gazetteer store
type PlacesConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// OrchestratorConfig controls task scheduling and recovery behavior
type OrchestratorConfig struct {
	MaxCrawlTasks      int           `toml:"max_crawl_tasks" validate:"min=1,max=4"`      // Concurrent crawl jobs (1-4)
	MaxBackgroundTasks int           `toml:"max_background_tasks" validate:"min=2,max=8"` // Concurrent background tasks (2-8)
	ScheduleInterval   time.Duration `toml:"schedule_interval"`                           // Pending-task scan fallback tick
	CancelGrace        time.Duration `toml:"cancel_grace"`                                // Wait for a runner to honor cancel before abandoning it
	ResumeWatchdog     time.Duration `toml:"resume_watchdog"`                             // Stuck-resuming detection window
	ProgressCoalesce   time.Duration `toml:"progress_coalesce"`                           // Min interval between persisted progress updates per task
}

// CrawlerConfig configures the external crawl worker and its supervision
type CrawlerConfig struct {
	WorkerBin      string        `toml:"worker_bin"`      // Path to the nuntius-worker binary; resolved next to the server binary when empty
	UserAgent      string        `toml:"user_agent"`      // Default user agent string
	RequestDelay   time.Duration `toml:"request_delay"`   // Minimum delay between requests to same host
	RequestTimeout time.Duration `toml:"request_timeout"` // HTTP request timeout
	RequestsPerSec float64       `toml:"requests_per_sec"` // Global fetch rate cap across hosts
	MaxBodySize    int           `toml:"max_body_size"`   // Maximum response body size in bytes
	MaxDepth       int           `toml:"max_depth"`       // Default maximum crawl depth
	MaxPages       int           `toml:"max_pages"`       // Default maximum pages per crawl
	SpawnDeadline  time.Duration `toml:"spawn_deadline"`  // Max wait for the worker's first output line
	SilenceWindow  time.Duration `toml:"silence_window"`  // No output at all -> worker-silent problem; 2x -> force terminate
	StallWindow    time.Duration `toml:"stall_window"`    // No progress change -> advisory stalled problem
	StopGrace      time.Duration `toml:"stop_grace"`      // Wait after STOP before killing the worker
}

// FrontierConfig tunes the in-memory URL priority queue
type FrontierConfig struct {
	HostWindow    time.Duration `toml:"host_window"`    // Sliding window for per-host fetch counting
	HostBurst     int           `toml:"host_burst"`     // Dequeues per host inside the window before the penalty applies
	HostPenalty   float64       `toml:"host_penalty"`   // Priority depression per over-burst fetch
	MaxSize       int           `toml:"max_size"`       // Entry cap; lowest-priority entries are rejected beyond it
	CostBonusCap  float64       `toml:"cost_bonus_cap"` // Ceiling of the cost-aware priority bonus (fraction of base)
	CostWindow    int           `toml:"cost_window"`    // Observed durations kept for the p95 estimate
}

// PlannerConfig carries the adaptive planning feature flags and caps.
// All flags default off; the planner then produces a static seed plan and
// discovery proceeds breadth-first.
type PlannerConfig struct {
	CostAwarePriority  bool `toml:"cost_aware_priority"`
	PatternDiscovery   bool `toml:"pattern_discovery"`
	AdaptiveBranching  bool `toml:"adaptive_branching"`
	RealTimeAdjustment bool `toml:"real_time_adjustment"`
	DynamicReplanning  bool `toml:"dynamic_replanning"`
	CrossDomainSharing bool `toml:"cross_domain_sharing"`

	MaxBranches      int     `toml:"max_branches"`       // Candidate proposals per planning pass
	PatternCap       int     `toml:"pattern_cap"`        // Stored templates per domain before LRU eviction
	RetireHitRate    float64 `toml:"retire_hit_rate"`    // Templates below this hit rate are retired
	CostDeviation    float64 `toml:"cost_deviation"`     // Relative estimate error that raises a cost-deviation problem
	EstimatorWindow  int     `toml:"estimator_window"`   // Samples kept per (host, path shape)
	ReplanProblemRate float64 `toml:"replan_problem_rate"` // Problem fraction that triggers a replan
}

// EventsConfig tunes the in-process event bus
type EventsConfig struct {
	SubscriberBuffer  int           `toml:"subscriber_buffer"`  // Per-subscriber channel depth before lag marking
	RetentionSize     int           `toml:"retention_size"`     // Ring buffer for SSE Last-Event-ID replay
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"` // Max quiet period before a heartbeat event
}

// WebSocketConfig contains configuration for WebSocket event streaming
type WebSocketConfig struct {
	// Whitelist of topics to broadcast. Empty list allows all topics.
	AllowedTopics []string `toml:"allowed_topics"`
	// Throttle intervals for high-frequency topics. Map of topic to duration string.
	// Example: {"task-progress": "1s", "queue-event": "500ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// CrawlTypesConfig locates the crawl-type definition files
type CrawlTypesConfig struct {
	Dir string `toml:"dir"` // Directory containing crawl type definitions (YAML)
}

// SchedulerConfig drives periodic maintenance tasks
type SchedulerConfig struct {
	Enabled          bool   `toml:"enabled"`
	CompressSchedule string `toml:"compress_schedule"` // Cron schedule for document compression sweeps
	AnalyzeSchedule  string `toml:"analyze_schedule"`  // Cron schedule for document analysis sweeps
	CompressLimit    int    `toml:"compress_limit"`    // Max documents per compression run
	AnalyzeLimit     int    `toml:"analyze_limit"`     // Max documents per analysis run
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in nuntius.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode - allows localhost seed URLs
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Store: StoreConfig{
			Path:          "./data/nuntius.db",
			BusyTimeout:   5 * time.Second,
			CacheSizeKB:   64 * 1024,
			RetryAttempts: 5,
			RetryMinDelay: 50 * time.Millisecond,
			RetryMaxDelay: 500 * time.Millisecond,
		},
		Places: PlacesConfig{
			Path: "./data/places",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Orchestrator: OrchestratorConfig{
			MaxCrawlTasks:      2,
			MaxBackgroundTasks: 4,
			ScheduleInterval:   1 * time.Second,
			CancelGrace:        5 * time.Second,
			ResumeWatchdog:     4 * time.Second,
			ProgressCoalesce:   100 * time.Millisecond,
		},
		Crawler: CrawlerConfig{
			UserAgent:      "nuntius/1.0 (+https://github.com/ternarybob/nuntius)",
			RequestDelay:   1 * time.Second,
			RequestTimeout: 30 * time.Second,
			RequestsPerSec: 4,
			MaxBodySize:    10 * 1024 * 1024, // 10MB
			MaxDepth:       5,
			MaxPages:       500,
			SpawnDeadline:  10 * time.Second,
			SilenceWindow:  120 * time.Second,
			StallWindow:    300 * time.Second,
			StopGrace:      5 * time.Second,
		},
		Frontier: FrontierConfig{
			HostWindow:   60 * time.Second,
			HostBurst:    4,
			HostPenalty:  10,
			MaxSize:      50000,
			CostBonusCap: 0.3,
			CostWindow:   200,
		},
		Planner: PlannerConfig{
			MaxBranches:       16,
			PatternCap:        512,
			RetireHitRate:     0.1,
			CostDeviation:     0.5,
			EstimatorWindow:   100,
			ReplanProblemRate: 0.25,
		},
		Events: EventsConfig{
			SubscriberBuffer:  256,
			RetentionSize:     1024,
			HeartbeatInterval: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			// Empty AllowedTopics allows all topics
			AllowedTopics: []string{},
			// Throttle high-frequency topics so large crawls don't flood clients
			ThrottleIntervals: map[string]string{
				"task-progress": "1s",
				"queue-event":   "500ms",
			},
		},
		CrawlTypes: CrawlTypesConfig{
			Dir: "./crawl-types",
		},
		Scheduler: SchedulerConfig{
			Enabled:          false, // Disabled by default - user must explicitly opt-in
			CompressSchedule: "0 */6 * * *",
			AnalyzeSchedule:  "30 */6 * * *",
			CompressLimit:    1000,
			AnalyzeLimit:     1000,
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override all files; CLI flags are
// applied last through ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("NUNTIUS_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("NUNTIUS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("NUNTIUS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Store configuration
	if path := os.Getenv("NUNTIUS_STORE_PATH"); path != "" {
		config.Store.Path = path
	}
	if placesPath := os.Getenv("NUNTIUS_PLACES_PATH"); placesPath != "" {
		config.Places.Path = placesPath
	}

	// Logging configuration
	if level := os.Getenv("NUNTIUS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("NUNTIUS_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("NUNTIUS_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Orchestrator configuration
	if maxCrawl := os.Getenv("NUNTIUS_MAX_CRAWL_TASKS"); maxCrawl != "" {
		if n, err := strconv.Atoi(maxCrawl); err == nil {
			config.Orchestrator.MaxCrawlTasks = n
		}
	}
	if maxBackground := os.Getenv("NUNTIUS_MAX_BACKGROUND_TASKS"); maxBackground != "" {
		if n, err := strconv.Atoi(maxBackground); err == nil {
			config.Orchestrator.MaxBackgroundTasks = n
		}
	}

	// Crawler configuration
	if workerBin := os.Getenv("NUNTIUS_WORKER_BIN"); workerBin != "" {
		config.Crawler.WorkerBin = workerBin
	}
	if userAgent := os.Getenv("NUNTIUS_CRAWLER_USER_AGENT"); userAgent != "" {
		config.Crawler.UserAgent = userAgent
	}
	if requestDelay := os.Getenv("NUNTIUS_CRAWLER_REQUEST_DELAY"); requestDelay != "" {
		if rd, err := time.ParseDuration(requestDelay); err == nil {
			config.Crawler.RequestDelay = rd
		}
	}
	if requestTimeout := os.Getenv("NUNTIUS_CRAWLER_REQUEST_TIMEOUT"); requestTimeout != "" {
		if rt, err := time.ParseDuration(requestTimeout); err == nil {
			config.Crawler.RequestTimeout = rt
		}
	}
	if maxBodySize := os.Getenv("NUNTIUS_CRAWLER_MAX_BODY_SIZE"); maxBodySize != "" {
		if mbs, err := strconv.Atoi(maxBodySize); err == nil {
			config.Crawler.MaxBodySize = mbs
		}
	}
	if maxDepth := os.Getenv("NUNTIUS_CRAWLER_MAX_DEPTH"); maxDepth != "" {
		if md, err := strconv.Atoi(maxDepth); err == nil {
			config.Crawler.MaxDepth = md
		}
	}
	if maxPages := os.Getenv("NUNTIUS_CRAWLER_MAX_PAGES"); maxPages != "" {
		if mp, err := strconv.Atoi(maxPages); err == nil {
			config.Crawler.MaxPages = mp
		}
	}

	// Planner feature flags
	if v := os.Getenv("NUNTIUS_PLANNER_COST_AWARE_PRIORITY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Planner.CostAwarePriority = b
		}
	}
	if v := os.Getenv("NUNTIUS_PLANNER_PATTERN_DISCOVERY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Planner.PatternDiscovery = b
		}
	}
	if v := os.Getenv("NUNTIUS_PLANNER_ADAPTIVE_BRANCHING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Planner.AdaptiveBranching = b
		}
	}
	if v := os.Getenv("NUNTIUS_PLANNER_REAL_TIME_ADJUSTMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Planner.RealTimeAdjustment = b
		}
	}
	if v := os.Getenv("NUNTIUS_PLANNER_DYNAMIC_REPLANNING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Planner.DynamicReplanning = b
		}
	}
	if v := os.Getenv("NUNTIUS_PLANNER_CROSS_DOMAIN_SHARING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Planner.CrossDomainSharing = b
		}
	}

	// Crawl type definitions
	if dir := os.Getenv("NUNTIUS_CRAWL_TYPES_DIR"); dir != "" {
		config.CrawlTypes.Dir = dir
	}

	// Scheduler configuration
	if enabled := os.Getenv("NUNTIUS_SCHEDULER_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = b
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
// Command-line flags have the highest priority.
func ApplyFlagOverrides(config *Config, port int, host string, storePath string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if storePath != "" {
		config.Store.Path = storePath
	}
}

// Validate checks structural constraints and clamps scheduling bounds.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxCrawlTasks < 1 {
		c.Orchestrator.MaxCrawlTasks = 1
	}
	if c.Orchestrator.MaxCrawlTasks > 4 {
		c.Orchestrator.MaxCrawlTasks = 4
	}
	if c.Orchestrator.MaxBackgroundTasks < 2 {
		c.Orchestrator.MaxBackgroundTasks = 2
	}
	if c.Orchestrator.MaxBackgroundTasks > 8 {
		c.Orchestrator.MaxBackgroundTasks = 8
	}

	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowTestURLs returns true if seed URLs such as localhost and 127.0.0.1
// are allowed. Test URLs are only allowed in development mode.
func (c *Config) AllowTestURLs() bool {
	return !c.IsProduction()
}

// ThrottleFor returns the parsed throttle interval for a topic, or zero when
// the topic is not throttled.
func (w *WebSocketConfig) ThrottleFor(topic string) time.Duration {
	raw, ok := w.ThrottleIntervals[topic]
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

// TopicAllowed reports whether a topic passes the broadcast whitelist.
// An empty whitelist allows every topic.
func (w *WebSocketConfig) TopicAllowed(topic string) bool {
	if len(w.AllowedTopics) == 0 {
		return true
	}
	for _, t := range w.AllowedTopics {
		if t == topic {
			return true
		}
	}
	return false
}
