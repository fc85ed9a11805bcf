package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Queue record sources.
const (
	SourceContent = "content" // page-seen event from a browsing collaborator
	SourceManual  = "manual"  // explicit user ingestion (CLI or API)
	SourceRetry   = "retry"   // re-enqueued after a failed run
)

// Queue record statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
)

// QueueRecord is one pending ingestion job. Its ID is the composite
// "url#bucket" key, so repeat visits to the same URL within one bucket
// window coalesce into a single record.
type QueueRecord struct {
	ID              string
	URL             string
	Title           string
	Description     string
	Source          string
	Status          string
	Payload         string // JSON text preview / image descriptors
	Attempt         int
	LastError       string
	FirstEnqueuedAt time.Time
	LastUpdatedAt   time.Time
	NextAttemptAt   time.Time
}

// ChunkRecord is one embedded unit of page text. Created once per
// successfully processed job; feeds both search indices.
type ChunkRecord struct {
	ChunkID   string
	URL       string
	Title     string
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// WipeIntent is a persisted deferred-wipe request. It survives restarts so
// a wipe scheduled before a crash still fires via startup recovery.
type WipeIntent struct {
	FireAt      time.Time `json:"fire_at"`
	RemoveModel bool      `json:"remove_model"`
}

// Counters are the cumulative ingestion outcome totals.
type Counters struct {
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// QueueStats is a point-in-time queue summary for status reporting.
type QueueStats struct {
	Pending       int        `json:"pending"`
	Processing    int        `json:"processing"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}
