// Package store persists processed construction records and pipeline run
// outcomes. The canonical implementation is SQLite backed; an in-memory
// implementation with identical semantics backs tests and ephemeral setups.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record ID does not exist.
var ErrNotFound = errors.New("record not found")

// Record is a persisted construction record with its provenance.
type Record struct {
	ID         string
	TaskID     string
	SourceFile string
	Status     string
	Confidence float64
	Fields     map[string]any
	Entities   []map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status string
	TaskID string
	Limit  int
}

// RecordStore persists extraction results.
type RecordStore interface {
	// Save inserts or replaces a record keyed by its ID.
	Save(ctx context.Context, rec *Record) error

	// Get returns the record with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, f ListFilter) ([]*Record, error)

	// UpdateStatus moves a record to a new status, or returns ErrNotFound.
	UpdateStatus(ctx context.Context, id, status string) error

	// Close releases backing resources.
	Close() error
}
