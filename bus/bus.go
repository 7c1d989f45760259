// Package bus implements the in-process priority message bus: named queues
// holding tasks in stable priority order, multi-subscriber fan-out, polling
// listener loops and a start/stop lifecycle.
//
// Delivery is ack/nack based: a message is popped from its queue and handed to
// every subscriber; if all handlers return nil the delivery is acked and the
// message is gone, otherwise it is nacked and requeued with an incremented
// attempt counter until MaxDeliveries is exhausted. Handlers run under a
// per-delivery lease deadline; exceeding it counts as a nack.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/siteworks/siteflow/task"
)

// Handler consumes one delivered message. A nil return acks the delivery for
// this subscriber; an error (or panic, which is recovered) nacks it.
type Handler func(ctx context.Context, msg task.Message) error

// Backend is the publish/subscribe contract shared by all bus
// implementations. Configuration selects among equivalent backends; the
// in-memory one below is the default, a real broker adapter would implement
// the same interface.
type Backend interface {
	// Publish appends the task to the named queue at the given priority.
	// The queue is created lazily on first publish.
	Publish(queue string, t task.Task, priority int) error

	// Subscribe registers a named handler for a queue. Idempotent per
	// (queue, name): re-subscribing the same name replaces the handler
	// without duplicating deliveries. If the bus is running, a listener
	// loop for the queue is started immediately.
	Subscribe(queue, name string, h Handler)

	// Unsubscribe removes a named handler. When the last subscriber of a
	// queue is removed its listener loop is torn down; queued tasks are
	// retained.
	Unsubscribe(queue, name string)

	// Start spins one listener loop per currently-subscribed queue.
	// Idempotent: starting a running bus logs and no-ops.
	Start()

	// Stop cancels all listener loops cooperatively. An in-flight delivery
	// finishes; it is not pre-empted. Idempotent.
	Stop()

	// QueueSize returns the number of pending tasks in a queue.
	QueueSize(queue string) int

	// Queues returns the size of every known queue.
	Queues() map[string]int

	// Clear removes all pending tasks from a queue.
	Clear(queue string)
}

// Error wraps a backend failure. Publish/subscribe problems are reported to
// the caller as values of this type, never as panics.
type Error struct {
	Op    string
	Queue string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("bus: %s on queue %q: %v", e.Op, e.Queue, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// ErrDuplicateTask is returned when a task id is published to a queue that
// already holds a pending entry with the same id.
var ErrDuplicateTask = errors.New("task id already pending in queue")

// ErrLeaseExpired marks a delivery whose handlers did not finish within the
// lease deadline. It is the cause recorded on the resulting nack.
var ErrLeaseExpired = errors.New("delivery lease expired")

// Defaults for the in-memory backend.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultLease        = 30 * time.Second
	DefaultMaxDeliveries = 3
)
