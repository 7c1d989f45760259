// Package pipeline implements the directed-graph step execution engine both
// concrete pipelines (document extraction, natural-language query) are built
// on. A pipeline is a set of named steps over a shared typed state, joined by
// unconditional edges or conditional routing functions. The engine wraps
// every step with status bookkeeping, duration/failure instrumentation and
// error capture: a failing step never aborts the run, it records the failure
// into state and short-circuits the graph to its terminal step so a
// structured (failure) record is always produced.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/metrics"
)

// Step is one processing node. Steps mutate the shared state in place and
// may suspend on external provider calls; they must respect ctx.
type Step[S State] func(ctx context.Context, state S) error

// RouteFunc picks the label of the outgoing conditional edge. It must be a
// pure function of the state and is evaluated exactly once per visit.
type RouteFunc[S State] func(state S) string

// ErrRunDeadline marks a run that exceeded its configured deadline. It is a
// distinct failure kind from an ordinary step error.
var ErrRunDeadline = errors.New("pipeline run deadline exceeded")

// DefaultMaxSteps bounds a single run. A mis-wired graph (cycle without a
// converging branch) trips this instead of spinning forever.
const DefaultMaxSteps = 64

type conditional[S State] struct {
	route   RouteFunc[S]
	targets map[string]string
}

// Options tune a Graph.
type Options struct {
	// Timeout bounds one run; zero means no deadline.
	Timeout time.Duration
	// MaxSteps bounds the number of step executions per run.
	MaxSteps int
	Metrics  metrics.Collector
	Logger   logging.Logger
}

// Graph is a compiled pipeline. Build it once with the Add*/Set* methods,
// then Run it concurrently; the graph itself is immutable during runs.
type Graph[S State] struct {
	name         string
	steps        map[string]Step[S]
	edges        map[string]string
	conditionals map[string]conditional[S]
	entry        string
	terminal     string

	timeout  time.Duration
	maxSteps int
	metrics  metrics.Collector
	logger   logging.Logger
}

// NewGraph creates an empty graph. The name prefixes every metric the
// engine records (e.g. "extraction_node_run_ocr_duration_seconds").
func NewGraph[S State](name string, optFns ...func(o *Options)) *Graph[S] {
	opts := Options{
		MaxSteps: DefaultMaxSteps,
		Metrics:  metrics.NoOp{},
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &Graph[S]{
		name:         name,
		steps:        map[string]Step[S]{},
		edges:        map[string]string{},
		conditionals: map[string]conditional[S]{},
		timeout:      opts.Timeout,
		maxSteps:     opts.MaxSteps,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// AddStep registers a named step.
func (g *Graph[S]) AddStep(name string, step Step[S]) *Graph[S] {
	g.steps[name] = step
	return g
}

// AddEdge wires an unconditional transition.
func (g *Graph[S]) AddEdge(from, to string) *Graph[S] {
	g.edges[from] = to
	return g
}

// AddConditionalEdges wires a branching transition: route returns a label,
// targets maps each allowed label to the next step name.
func (g *Graph[S]) AddConditionalEdges(from string, route RouteFunc[S], targets map[string]string) *Graph[S] {
	g.conditionals[from] = conditional[S]{route: route, targets: targets}
	return g
}

// SetEntry declares the first step of a run.
func (g *Graph[S]) SetEntry(name string) *Graph[S] {
	g.entry = name
	return g
}

// SetTerminal declares the converging final step. Every run executes it,
// whether or not upstream steps succeeded.
func (g *Graph[S]) SetTerminal(name string) *Graph[S] {
	g.terminal = name
	return g
}

// Validate checks the graph is runnable: entry and terminal exist, every
// edge points at a registered step.
func (g *Graph[S]) Validate() error {
	if _, ok := g.steps[g.entry]; !ok {
		return fmt.Errorf("pipeline %s: entry step %q not registered", g.name, g.entry)
	}
	if _, ok := g.steps[g.terminal]; !ok {
		return fmt.Errorf("pipeline %s: terminal step %q not registered", g.name, g.terminal)
	}
	for from, to := range g.edges {
		if _, ok := g.steps[from]; !ok {
			return fmt.Errorf("pipeline %s: edge from unknown step %q", g.name, from)
		}
		if _, ok := g.steps[to]; !ok {
			return fmt.Errorf("pipeline %s: edge to unknown step %q", g.name, to)
		}
	}
	for from, cond := range g.conditionals {
		if _, ok := g.steps[from]; !ok {
			return fmt.Errorf("pipeline %s: conditional from unknown step %q", g.name, from)
		}
		for label, to := range cond.targets {
			if _, ok := g.steps[to]; !ok {
				return fmt.Errorf("pipeline %s: conditional label %q targets unknown step %q", g.name, label, to)
			}
		}
	}
	return nil
}

// Run executes the graph over the given state. Step failures are captured
// into the state (status=failed) and the run short-circuits to the terminal
// step; they are not returned. The returned error reports only engine-level
// problems: an invalid graph, an unknown conditional label, or an exhausted
// step budget.
func (g *Graph[S]) Run(ctx context.Context, state S) error {
	if err := g.Validate(); err != nil {
		return err
	}

	runCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, g.timeout, ErrRunDeadline)
		defer cancel()
	}

	start := time.Now()
	current := g.entry
	for steps := 0; ; steps++ {
		if steps >= g.maxSteps {
			return fmt.Errorf("pipeline %s: step budget exhausted at %q", g.name, current)
		}

		failed := g.runStep(runCtx, current, state)
		if current == g.terminal {
			break
		}
		if failed {
			// Short-circuit: jump straight to the terminal step so a
			// structured failure record is still produced.
			g.runStep(runCtx, g.terminal, state)
			break
		}

		next, err := g.next(current, state)
		if err != nil {
			state.Fail(current, err)
			g.runStep(runCtx, g.terminal, state)
			return err
		}
		current = next
	}

	state.Finish()
	g.metrics.Record(g.name+"_duration_seconds", time.Since(start).Seconds(), nil)
	return nil
}

// next resolves the outgoing edge of a step.
func (g *Graph[S]) next(current string, state S) (string, error) {
	if cond, ok := g.conditionals[current]; ok {
		label := cond.route(state)
		target, ok := cond.targets[label]
		if !ok {
			return "", fmt.Errorf("pipeline %s: step %q routed to unknown label %q", g.name, current, label)
		}
		return target, nil
	}
	if to, ok := g.edges[current]; ok {
		return to, nil
	}
	return "", fmt.Errorf("pipeline %s: step %q has no outgoing edge", g.name, current)
}

// runStep executes one step with bookkeeping, instrumentation and error
// capture. Returns true when the step failed.
func (g *Graph[S]) runStep(ctx context.Context, name string, state S) bool {
	state.Begin(name)
	start := time.Now()

	err := g.invoke(ctx, name, state)

	dur := time.Since(start)
	g.metrics.Record(fmt.Sprintf("%s_node_%s_duration_seconds", g.name, name), dur.Seconds(), nil)

	if err == nil {
		if sl, ok := g.logger.(logging.StepLogger); ok {
			sl.LogStepExecution(g.name, name, dur, true, nil)
		} else {
			g.logger.Debug("pipeline step completed", "pipeline", g.name, "step", name, "duration", dur)
		}
		return false
	}

	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrRunDeadline) {
		err = fmt.Errorf("%w: step %s: %v", ErrRunDeadline, name, err)
	}
	g.metrics.Record(fmt.Sprintf("%s_node_%s_failures_total", g.name, name), 1, nil)
	if sl, ok := g.logger.(logging.StepLogger); ok {
		sl.LogStepExecution(g.name, name, dur, false, err)
	} else {
		g.logger.Error("pipeline step failed", "pipeline", g.name, "step", name, "duration", dur, "error", err)
	}
	state.Fail(name, err)
	return true
}

// invoke runs the step function, recovering panics into errors so a broken
// step degrades into a captured failure instead of killing the worker.
func (g *Graph[S]) invoke(ctx context.Context, name string, state S) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", name, r)
		}
	}()
	return g.steps[name](ctx, state)
}
