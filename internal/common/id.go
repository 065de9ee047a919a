package common

import (
	"github.com/google/uuid"
)

// NewTaskID generates a unique task identifier. Task IDs are opaque and
// never reused.
func NewTaskID() string {
	return uuid.New().String()
}

// NewDocumentID generates a unique document ID with the "doc_" prefix
// Format: doc_<uuid>
func NewDocumentID() string {
	return "doc_" + uuid.New().String()
}

// NewPatternID generates a unique planner pattern ID with the "pat_" prefix
func NewPatternID() string {
	return "pat_" + uuid.New().String()
}

// NewHubID generates a unique place-hub ID with the "hub_" prefix
func NewHubID() string {
	return "hub_" + uuid.New().String()
}
