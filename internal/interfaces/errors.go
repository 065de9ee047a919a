package interfaces

import "errors"

// Sentinel errors shared by the storage implementations, the orchestrator,
// and their callers. The orchestration facade wraps these into its own typed
// errors before they reach an HTTP or CLI surface.
var (
	// ErrTaskNotFound - no task row exists for the given id
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition - the requested status change is not a legal
	// lifecycle edge (most commonly: mutating a terminal task)
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownTaskType - no factory is registered for the requested type
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrDuplicateTask - a task with the supplied id already exists
	ErrDuplicateTask = errors.New("task already exists")

	// ErrDocumentNotFound - no document row exists for the given id or URL
	ErrDocumentNotFound = errors.New("document not found")

	// ErrPlaceNotFound - no gazetteer entry exists for the given id
	ErrPlaceNotFound = errors.New("place not found")

	// ErrKeyNotFound - no value stored under the given key
	ErrKeyNotFound = errors.New("key not found")
)
