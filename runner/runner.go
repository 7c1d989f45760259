// Package runner connects the message bus to the pipelines. It subscribes
// workers to the processing queues, executes each delivered task on a
// bounded goroutine pool, and publishes status updates and review tasks back
// onto the bus for downstream consumers.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/siteworks/siteflow/bus"
	"github.com/siteworks/siteflow/extraction"
	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/metrics"
	"github.com/siteworks/siteflow/pipeline"
	"github.com/siteworks/siteflow/query"
	"github.com/siteworks/siteflow/routing"
	"github.com/siteworks/siteflow/task"
)

// DefaultPoolSize bounds concurrent pipeline runs.
const DefaultPoolSize = 8

// subscriberName identifies the runner's bus subscriptions.
const subscriberName = "runner"

// Options configure a Runner.
type Options struct {
	Extraction *extraction.Pipeline
	Query      *query.Pipeline
	PoolSize   int
	// ExtraQueues lists additional queues beyond the standard processing
	// ones that should feed the extraction pipeline.
	ExtraQueues []string
	Metrics     metrics.Collector
	Logger      logging.Logger
}

// Runner consumes tasks from the bus and drives them through the pipelines.
type Runner struct {
	bus  bus.Backend
	pool *ants.Pool
	opts Options

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New creates a Runner over the given bus. At least one pipeline must be
// configured.
func New(b bus.Backend, optFns ...func(o *Options)) (*Runner, error) {
	opts := Options{
		PoolSize: DefaultPoolSize,
		Metrics:  metrics.NoOp{},
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Extraction == nil && opts.Query == nil {
		return nil, fmt.Errorf("runner: at least one pipeline is required")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}

	pool, err := ants.NewPool(opts.PoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("runner: create pool: %w", err)
	}
	return &Runner{bus: b, pool: pool, opts: opts}, nil
}

// Start subscribes the runner to the processing queues and starts the bus if
// it is not already running. Idempotent.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	if r.opts.Extraction != nil {
		queues := append([]string{
			routing.QueueFileProcessing,
			routing.QueueConstructionRecords,
			routing.DefaultQueue,
		}, r.opts.ExtraQueues...)
		for _, q := range queues {
			r.bus.Subscribe(q, subscriberName, r.handleExtraction)
		}
	}
	if r.opts.Query != nil {
		r.bus.Subscribe(routing.QueueQueryProcessing, subscriberName, r.handleQuery)
		r.bus.Subscribe(routing.QueueNaturalLanguage, subscriberName, r.handleQuery)
	}

	r.bus.Start()
	r.opts.Logger.Info("runner started", "pool_size", r.opts.PoolSize)
}

// Stop stops accepting new work and waits for in-flight runs. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	if sl, ok := r.opts.Logger.(*logging.SiteflowLogger); ok {
		defer sl.StartTimer("runner drain")()
	}
	r.wg.Wait()
	r.pool.Release()
	r.opts.Logger.Info("runner stopped")
}

// handleExtraction runs one extraction task on the pool. The bus handler
// blocks until the run completes so ack/nack reflects the real outcome.
func (r *Runner) handleExtraction(ctx context.Context, msg task.Message) error {
	return r.submit(ctx, msg, func(ctx context.Context) error {
		state := stateFromTask(msg.Task)
		state, err := r.opts.Extraction.Run(ctx, state)
		if err != nil {
			return err
		}
		r.publishStatus(msg.Task.ID, state.Status, state.Error)
		if state.Review != nil {
			r.publishReview(msg.Task, state)
		}
		return nil
	})
}

// handleQuery runs one query task on the pool.
func (r *Runner) handleQuery(ctx context.Context, msg task.Message) error {
	return r.submit(ctx, msg, func(ctx context.Context) error {
		text, _ := msg.Task.Payload["query"].(string)
		state := query.NewState(msg.Task.ID, text)
		if uid, ok := msg.Task.Metadata["user_id"].(string); ok {
			state.UserID = uid
		}
		state, err := r.opts.Query.Run(ctx, state)
		if err != nil {
			return err
		}
		r.publishStatus(msg.Task.ID, state.Status, state.Error)
		return nil
	})
}

// submit schedules fn on the pool and waits for it, so backpressure from a
// full pool slows bus consumption instead of dropping work.
func (r *Runner) submit(ctx context.Context, msg task.Message, fn func(ctx context.Context) error) error {
	r.wg.Add(1)
	done := make(chan error, 1)
	err := r.pool.Submit(func() {
		defer r.wg.Done()
		start := time.Now()
		runErr := fn(ctx)
		r.opts.Metrics.Record("runner_task_duration_seconds", time.Since(start).Seconds(),
			map[string]string{"queue": msg.Queue})
		done <- runErr
	})
	if err != nil {
		r.wg.Done()
		return fmt.Errorf("runner: submit task %s: %w", msg.Task.ID, err)
	}

	select {
	case runErr := <-done:
		if runErr != nil {
			tl := logging.ForTask(r.opts.Logger, msg.Task.ID, msg.Queue)
			if sl, ok := tl.(logging.StackLogger); ok {
				sl.ErrorWithStack(runErr, "task run failed")
			} else {
				tl.Error("task run failed",
					"task_id", msg.Task.ID, "queue", msg.Queue, "attempt", msg.Attempt, "error", runErr)
			}
		}
		return runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publishStatus emits a task status update onto the status queue.
func (r *Runner) publishStatus(taskID string, status pipeline.Status, errMsg string) {
	payload := map[string]any{
		"task_id": taskID,
		"status":  string(status),
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	t := task.New(task.KindExtraction, task.DefaultPriority, payload, map[string]any{
		"type": "status_update",
	})
	if err := r.bus.Publish(routing.QueueStatus, t, task.DefaultPriority); err != nil {
		r.opts.Logger.Warn("status publish failed", "task_id", taskID, "error", err)
	}
}

// publishReview emits a review task onto the review queue so a human queue
// consumer can pick it up.
func (r *Runner) publishReview(src task.Task, state *extraction.State) {
	t := task.New(task.KindExtraction, task.MaxPriority, map[string]any{
		"review_id":  state.Review.ID,
		"task_id":    src.ID,
		"confidence": state.Outcome.Confidence,
		"reasons":    state.Outcome.Reasons,
	}, map[string]any{
		"type": "manual_review",
	})
	if err := r.bus.Publish(routing.QueueReview, t, task.MaxPriority); err != nil {
		r.opts.Logger.Warn("review publish failed", "task_id", src.ID, "error", err)
	}
}

// stateFromTask builds an extraction state from a bus task payload.
func stateFromTask(t task.Task) *extraction.State {
	filePath, _ := t.Payload["file_path"].(string)
	fileType, _ := t.Payload["file_type"].(string)
	var content []byte
	switch v := t.Payload["content"].(type) {
	case []byte:
		content = v
	case string:
		content = []byte(v)
	}
	return extraction.NewState(t.ID, filePath, fileType, content)
}
