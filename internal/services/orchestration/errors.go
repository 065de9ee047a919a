package orchestration

import (
	"errors"

	"github.com/ternarybob/nuntius/internal/interfaces"
)

// Facade-level errors. Adapters map these onto their own surfaces (HTTP
// status codes, CLI exit messages) without inspecting anything deeper.
var (
	// ErrCrawlAlreadyRunning - an active crawl task already covers the
	// requested seed URL
	ErrCrawlAlreadyRunning = errors.New("crawl already running")

	// ErrInvalidCrawlOptions - the crawl request failed validation or names
	// an unknown crawl type
	ErrInvalidCrawlOptions = errors.New("invalid crawl options")

	// ErrInvalidHubOptions - the place-hub guessing request failed validation
	ErrInvalidHubOptions = errors.New("invalid place hub options")

	// ErrStoreUnavailable - the durable store rejected an operation for
	// reasons other than the request itself
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDomainNotReady - the domain lacks the fetch history, verified hubs,
	// or learned patterns that hub guessing builds on
	ErrDomainNotReady = errors.New("domain not ready")
)

// Lifecycle errors surface unchanged from the orchestrator and store, aliased
// here so adapters depend on one package for their error mapping.
var (
	ErrTaskNotFound      = interfaces.ErrTaskNotFound
	ErrInvalidTransition = interfaces.ErrInvalidTransition
	ErrUnknownTaskType   = interfaces.ErrUnknownTaskType
)
