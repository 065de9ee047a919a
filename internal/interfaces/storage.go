package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/nuntius/internal/models"
)

// TaskStorage - durable persistence for task records
type TaskStorage interface {
	// CRUD operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error

	// Lifecycle operations. UpdateTaskStatus rejects mutations of terminal
	// rows and records completed_at when entering a terminal status.
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, errorMessage string) error
	UpdateTaskProgress(ctx context.Context, id string, progress models.Progress) error
	UpdateTaskMetadata(ctx context.Context, id string, metadata map[string]interface{}) error

	// Recovery operations
	FindInterruptedTasks(ctx context.Context) ([]*models.Task, error)
	MarkTaskResuming(ctx context.Context, id string) error
	ClearResumeMarker(ctx context.Context, id string) error

	// Counts per status for slot accounting and the status endpoint
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error)

	Ping(ctx context.Context) error
}

// TaskFilter narrows ListTasks. Statuses and Types accept multiple values;
// empty means no constraint.
type TaskFilter struct {
	Statuses []models.TaskStatus
	Types    []string
	Limit    int
	Offset   int
}

// TelemetryStorage - append-only run telemetry attributed to tasks
type TelemetryStorage interface {
	AppendQueueEvent(ctx context.Context, event *models.QueueEvent) error
	AppendProblem(ctx context.Context, problem *models.Problem) error
	AppendMilestone(ctx context.Context, milestone *models.Milestone) error
	AppendPlannerStage(ctx context.Context, stage *models.PlannerStage) error

	GetQueueEvents(ctx context.Context, taskID string, limit int) ([]models.QueueEvent, error)
	GetProblems(ctx context.Context, taskID string, limit int) ([]models.Problem, error)
	GetMilestones(ctx context.Context, taskID string, limit int) ([]models.Milestone, error)
	GetPlannerStages(ctx context.Context, taskID string, limit int) ([]models.PlannerStage, error)

	GetTaskTelemetry(ctx context.Context, taskID string) (*models.TaskTelemetry, error)
	CountProblems(ctx context.Context, taskID string) (int, error)
}

// DocumentStorage - fetched page persistence shared by the crawl worker and
// the compression/analysis tasks
type DocumentStorage interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocumentByURL(ctx context.Context, normalizedURL string) (*models.Document, error)
	ListUncompressed(ctx context.Context, limit int) ([]*models.Document, error)
	ListUnanalyzed(ctx context.Context, limit int) ([]*models.Document, error)
	UpdateDocumentContent(ctx context.Context, doc *models.Document) error
	CountDocuments(ctx context.Context) (int, error)
	CountDocumentsByHost(ctx context.Context, host string) (int, error)
}

// FetchHistoryStorage - fetch observations feeding the cost estimator and
// domain readiness
type FetchHistoryStorage interface {
	AppendFetch(ctx context.Context, obs *models.FetchObservation) error
	RecentFetches(ctx context.Context, host string, limit int) ([]models.FetchObservation, error)
	RecentDurations(ctx context.Context, host, pathShape string, limit int) ([]int64, error)
	CountFetches(ctx context.Context, host string, since time.Time) (int, error)
}

// PatternStorage - bounded persistence for learned URL templates. Upsert
// bumps last_used_at; Evict trims each domain to its cap by least-recent use.
type PatternStorage interface {
	UpsertPattern(ctx context.Context, pattern *models.PatternTemplate) error
	GetPatterns(ctx context.Context, domain string) ([]*models.PatternTemplate, error)
	GetPatternsByCategory(ctx context.Context, category string, excludeDomain string) ([]*models.PatternTemplate, error)
	RecordPatternResult(ctx context.Context, id string, hit bool) error
	RetirePattern(ctx context.Context, id string) error
	EvictLRU(ctx context.Context, domain string, cap int) (int, error)
}

// PlaceHubStorage - per-domain place hub pages
type PlaceHubStorage interface {
	UpsertHub(ctx context.Context, hub *models.PlaceHub) error
	GetHubs(ctx context.Context, domain string) ([]*models.PlaceHub, error)
	GetVerifiedHubs(ctx context.Context, domain string) ([]*models.PlaceHub, error)
	CountHubs(ctx context.Context, domain string, status string) (int, error)
	MarkHubVerified(ctx context.Context, id string) error
}

// PlaceStorage - gazetteer persistence (Badger-backed, server process only)
type PlaceStorage interface {
	SavePlace(ctx context.Context, place *models.Place) error
	SavePlaces(ctx context.Context, places []*models.Place) error
	GetPlace(ctx context.Context, id string) (*models.Place, error)
	FindPlaces(ctx context.Context, kind models.PlaceKind, countryCode string, limit int) ([]*models.Place, error)
	CountPlaces(ctx context.Context) (int, error)
	// Compact reclaims value-log space after bulk writes.
	Compact(ctx context.Context) error
}

// KVStorage - small typed snapshots (readiness judgments, estimator state)
type KVStorage interface {
	Set(ctx context.Context, key string, value interface{}) error
	Get(ctx context.Context, key string, out interface{}) error
	Delete(ctx context.Context, key string) error
}

// StorageManager aggregates every storage concern behind one lifecycle
type StorageManager interface {
	Tasks() TaskStorage
	Telemetry() TelemetryStorage
	Documents() DocumentStorage
	FetchHistory() FetchHistoryStorage
	Patterns() PatternStorage
	PlaceHubs() PlaceHubStorage
	Places() PlaceStorage
	KV() KVStorage
	Close() error
}
