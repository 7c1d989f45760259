package validate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Review statuses. Approved and rejected are terminal.
const (
	ReviewPending  = "pending_review"
	ReviewApproved = "reviewed_approved"
	ReviewRejected = "reviewed_rejected"
)

// ErrReviewClosed is returned when approving or rejecting a review that has
// already reached a terminal status.
var ErrReviewClosed = errors.New("review already closed")

// ErrReviewNotFound is returned for unknown review IDs.
var ErrReviewNotFound = errors.New("review not found")

// ReviewTask is a record queued for manual review together with the
// validation evidence that put it there.
type ReviewTask struct {
	ID         string
	TaskID     string
	Record     map[string]any
	Confidence float64
	Reasons    []string
	Status     string
	Reviewer   string
	Note       string
	CreatedAt  time.Time
	ClosedAt   time.Time
}

// NewReviewTask builds a pending review from a validation outcome.
func NewReviewTask(taskID string, record map[string]any, out Outcome) *ReviewTask {
	return &ReviewTask{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Record:     record,
		Confidence: out.Confidence,
		Reasons:    out.Reasons,
		Status:     ReviewPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// ReviewQueue tracks pending reviews and enforces the terminal transitions.
type ReviewQueue struct {
	mu    sync.Mutex
	tasks map[string]*ReviewTask
}

// NewReviewQueue creates an empty queue.
func NewReviewQueue() *ReviewQueue {
	return &ReviewQueue{tasks: map[string]*ReviewTask{}}
}

// Add registers a review task.
func (q *ReviewQueue) Add(t *ReviewTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[t.ID] = t
}

// Get returns the review task with the given ID.
func (q *ReviewQueue) Get(id string) (*ReviewTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReviewNotFound, id)
	}
	return t, nil
}

// Pending lists all reviews still awaiting a decision.
func (q *ReviewQueue) Pending() []*ReviewTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*ReviewTask
	for _, t := range q.tasks {
		if t.Status == ReviewPending {
			out = append(out, t)
		}
	}
	return out
}

// Approve closes a review as approved. Closed reviews cannot be reopened or
// flipped.
func (q *ReviewQueue) Approve(id, reviewer, note string) error {
	return q.close(id, ReviewApproved, reviewer, note)
}

// Reject closes a review as rejected.
func (q *ReviewQueue) Reject(id, reviewer, note string) error {
	return q.close(id, ReviewRejected, reviewer, note)
}

func (q *ReviewQueue) close(id, status, reviewer, note string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReviewNotFound, id)
	}
	if t.Status != ReviewPending {
		return fmt.Errorf("%w: %s is %s", ErrReviewClosed, id, t.Status)
	}
	t.Status = status
	t.Reviewer = reviewer
	t.Note = note
	t.ClosedAt = time.Now().UTC()
	return nil
}
