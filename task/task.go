// Package task defines the unit of work routed through the message bus: an
// immutable envelope carrying an opaque payload, a priority and free-form
// metadata. Tasks are created once and never mutated in place; priority
// re-derivation produces a copy.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Kind categorizes what a task asks the system to do.
type Kind string

const (
	// KindExtraction is a document information extraction task.
	KindExtraction Kind = "extraction"
	// KindQuery is a natural-language query task.
	KindQuery Kind = "query"
)

// Priority bounds. Every priority is clamped into [MinPriority, MaxPriority].
const (
	MinPriority = 1
	MaxPriority = 10
	// DefaultPriority is used when the caller does not care.
	DefaultPriority = 5
)

// ClampPriority forces p into the valid priority range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Task is the unit of work carried by the bus. After creation it should be
// treated as immutable; ownership transfers to the bus on publish and to the
// consumer on dequeue. Routing may re-derive the priority before enqueue via
// WithPriority, which copies rather than mutates.
type Task struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Priority  int            `json:"priority"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// New creates a task with a fresh uuid and UTC creation timestamp. Nil payload
// and metadata maps are replaced with empty maps so consumers never nil-check.
func New(kind Kind, priority int, payload, metadata map[string]any) Task {
	if payload == nil {
		payload = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Task{
		ID:        NewID(),
		Kind:      kind,
		Priority:  ClampPriority(priority),
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// NewID generates a new unique identifier for tasks and related records.
func NewID() string { return uuid.NewString() }

// WithPriority returns a copy of the task with the given (clamped) priority.
// The payload and metadata maps are shared; they are treated as read-only
// once the task exists.
func (t Task) WithPriority(p int) Task {
	t.Priority = ClampPriority(p)
	return t
}

// Message is the bus-side wrapper around a task: the queue it was published
// to, the publish timestamp used for stable tie-breaking, and the delivery
// attempt counter maintained by the redelivery logic.
type Message struct {
	Task        Task      `json:"task"`
	Queue       string    `json:"queue"`
	PublishedAt time.Time `json:"published_at"`
	// Attempt counts deliveries, starting at 1 for the first.
	Attempt int `json:"attempt"`
}
