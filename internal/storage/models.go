package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// JobTypeEmbed is the job type for asynchronous entry embedding.
const JobTypeEmbed = "embed_entry"

// Job is one unit of queued background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Embedding is one row of the embedding side channel.
type Embedding struct {
	EntryID   string
	Vector    []float32
	Model     string
	CreatedAt time.Time
}
