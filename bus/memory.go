package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/task"
)

// entry pairs a message with the publish sequence number used for stable
// tie-breaking between equal priorities.
type entry struct {
	msg task.Message
	seq uint64
}

// memQueue is one named queue: entries kept in priority-descending order,
// ties by ascending sequence.
type memQueue struct {
	entries []entry
}

func (q *memQueue) resort() {
	sort.Slice(q.entries, func(i, j int) bool {
		if q.entries[i].msg.Task.Priority != q.entries[j].msg.Task.Priority {
			return q.entries[i].msg.Task.Priority > q.entries[j].msg.Task.Priority
		}
		return q.entries[i].seq < q.entries[j].seq
	})
}

// Options tunes the in-memory backend.
type Options struct {
	// PollInterval is how often each listener loop checks its queue head.
	PollInterval time.Duration
	// Lease bounds one delivery: handlers run under a context with this
	// deadline and exceeding it nacks the delivery.
	Lease time.Duration
	// MaxDeliveries caps redelivery. A message nacked on its MaxDeliveries-th
	// attempt is dropped with an error log instead of requeued.
	MaxDeliveries int
	// Logger receives lifecycle and delivery logs. Defaults to NoOp.
	Logger logging.Logger
}

// MemoryBus is the default in-process Backend. All queue state is owned by
// the struct and guarded by a single mutex; there are no ambient globals.
type MemoryBus struct {
	opts Options

	mu     sync.Mutex
	queues map[string]*memQueue
	subs   map[string]map[string]Handler
	seq    uint64

	running bool
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMemoryBus creates a stopped in-memory bus with optional overrides.
func NewMemoryBus(optFns ...func(o *Options)) *MemoryBus {
	opts := Options{
		PollInterval:  DefaultPollInterval,
		Lease:         DefaultLease,
		MaxDeliveries: DefaultMaxDeliveries,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = DefaultMaxDeliveries
	}
	return &MemoryBus{
		opts:    opts,
		queues:  map[string]*memQueue{},
		subs:    map[string]map[string]Handler{},
		cancels: map[string]context.CancelFunc{},
	}
}

// Publish implements Backend. The task's priority is re-derived from the
// priority argument (clamped); the stored message carries the publish
// timestamp and an attempt counter starting at zero.
func (b *MemoryBus) Publish(queue string, t task.Task, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		q = &memQueue{}
		b.queues[queue] = q
	}

	for _, e := range q.entries {
		if e.msg.Task.ID == t.ID {
			return &Error{Op: "publish", Queue: queue, Err: fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)}
		}
	}

	b.seq++
	msg := task.Message{
		Task:        t.WithPriority(priority),
		Queue:       queue,
		PublishedAt: time.Now().UTC(),
	}
	q.entries = append(q.entries, entry{msg: msg, seq: b.seq})
	q.resort()

	b.opts.Logger.Debug("message published", "queue", queue, "task_id", t.ID, "priority", msg.Task.Priority, "queue_size", len(q.entries))
	return nil
}

// Subscribe implements Backend.
func (b *MemoryBus) Subscribe(queue, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[queue]
	if !ok {
		set = map[string]Handler{}
		b.subs[queue] = set
	}
	if _, exists := set[name]; exists {
		b.opts.Logger.Debug("subscription replaced", "queue", queue, "subscriber", name)
	}
	set[name] = h

	if b.running {
		b.startLoopLocked(queue)
	}
}

// Unsubscribe implements Backend.
func (b *MemoryBus) Unsubscribe(queue, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[queue]
	if !ok {
		return
	}
	delete(set, name)
	if len(set) == 0 {
		delete(b.subs, queue)
		if cancel, ok := b.cancels[queue]; ok {
			cancel()
			delete(b.cancels, queue)
		}
		b.opts.Logger.Info("last subscriber removed, listener torn down", "queue", queue)
	}
}

// Start implements Backend.
func (b *MemoryBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		b.opts.Logger.Warn("bus already running")
		return
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running = true
	for queue := range b.subs {
		b.startLoopLocked(queue)
	}
	b.opts.Logger.Info("bus started", "queues", len(b.subs))
}

// Stop implements Backend.
func (b *MemoryBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		b.opts.Logger.Warn("bus already stopped")
		return
	}
	b.running = false
	b.cancel()
	b.cancels = map[string]context.CancelFunc{}
	b.mu.Unlock()

	// Let in-flight deliveries finish before reporting stopped.
	b.wg.Wait()
	b.opts.Logger.Info("bus stopped")
}

// QueueSize implements Backend.
func (b *MemoryBus) QueueSize(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.entries)
	}
	return 0
}

// Queues implements Backend.
func (b *MemoryBus) Queues() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.queues))
	for name, q := range b.queues {
		out[name] = len(q.entries)
	}
	return out
}

// Clear implements Backend.
func (b *MemoryBus) Clear(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		q.entries = nil
		b.opts.Logger.Info("queue cleared", "queue", queue)
	}
}

// Peek returns the message at the head of the queue without removing it.
// Introspection helper used by tests and operational tooling.
func (b *MemoryBus) Peek(queue string) (task.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok || len(q.entries) == 0 {
		return task.Message{}, false
	}
	return q.entries[0].msg, true
}

// startLoopLocked launches the listener loop for a queue if it is not already
// running. Caller holds b.mu.
func (b *MemoryBus) startLoopLocked(queue string) {
	if _, ok := b.cancels[queue]; ok {
		return
	}
	loopCtx, cancel := context.WithCancel(b.ctx)
	b.cancels[queue] = cancel
	b.wg.Add(1)
	go b.listen(loopCtx, queue)
}

// listen polls one queue until its context is cancelled. Each iteration pops
// the head first, then fans the popped message out to every subscriber.
func (b *MemoryBus) listen(ctx context.Context, queue string) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	b.opts.Logger.Info("listener started", "queue", queue)
	for {
		select {
		case <-ctx.Done():
			b.opts.Logger.Info("listener stopped", "queue", queue)
			return
		case <-ticker.C:
			msg, handlers, ok := b.pop(queue)
			if !ok {
				continue
			}
			b.deliver(ctx, queue, msg, handlers)
		}
	}
}

// pop removes the head of the queue and snapshots the handlers that should
// receive it. Returns ok=false when the queue is empty or unsubscribed.
func (b *MemoryBus) pop(queue string) (task.Message, []namedHandler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok || len(q.entries) == 0 {
		return task.Message{}, nil, false
	}
	set := b.subs[queue]
	if len(set) == 0 {
		return task.Message{}, nil, false
	}

	head := q.entries[0]
	q.entries = q.entries[1:]

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	handlers := make([]namedHandler, 0, len(names))
	for _, name := range names {
		handlers = append(handlers, namedHandler{name: name, h: set[name]})
	}

	head.msg.Attempt++
	return head.msg, handlers, true
}

type namedHandler struct {
	name string
	h    Handler
}

// deliver runs every handler for one popped message under the lease deadline.
// All handlers succeeding acks the delivery; any error, panic or lease expiry
// nacks it and the message is requeued or, past MaxDeliveries, dropped.
func (b *MemoryBus) deliver(ctx context.Context, queue string, msg task.Message, handlers []namedHandler) {
	leaseCtx, cancel := context.WithTimeoutCause(ctx, b.opts.Lease, ErrLeaseExpired)
	defer cancel()

	var firstErr error
	for _, nh := range handlers {
		if err := b.invoke(leaseCtx, nh, msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			b.opts.Logger.Warn("subscriber handler failed", "queue", queue, "subscriber", nh.name, "task_id", msg.Task.ID, "error", err)
		}
		if leaseCtx.Err() != nil && firstErr == nil {
			firstErr = context.Cause(leaseCtx)
		}
	}

	if dl, ok := b.opts.Logger.(logging.DeliveryLogger); ok {
		dl.LogDelivery(queue, msg.Task.ID, msg.Attempt, firstErr == nil, firstErr)
	}

	if firstErr == nil {
		b.opts.Logger.Debug("delivery acked", "queue", queue, "task_id", msg.Task.ID, "attempt", msg.Attempt)
		return
	}

	if msg.Attempt >= b.opts.MaxDeliveries {
		b.opts.Logger.Error("delivery attempts exhausted, dropping message",
			"queue", queue, "task_id", msg.Task.ID, "attempts", msg.Attempt, "error", firstErr)
		return
	}
	b.requeue(queue, msg)
	b.opts.Logger.Warn("delivery nacked, message requeued",
		"queue", queue, "task_id", msg.Task.ID, "attempt", msg.Attempt, "error", firstErr)
}

// invoke runs one handler, converting a panic into an error so a misbehaving
// subscriber can never stop the loop or affect its siblings.
func (b *MemoryBus) invoke(ctx context.Context, nh namedHandler, msg task.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", nh.name, r)
		}
	}()
	return nh.h(ctx, msg)
}

// requeue puts a nacked message back into its queue preserving priority;
// equal-priority entries published in the meantime are delivered first.
func (b *MemoryBus) requeue(queue string, msg task.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		q = &memQueue{}
		b.queues[queue] = q
	}
	b.seq++
	q.entries = append(q.entries, entry{msg: msg, seq: b.seq})
	q.resort()
}
