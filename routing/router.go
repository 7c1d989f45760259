// Package routing maps recognized requests (documents and queries) to a
// target queue and priority using layered rules: a confidence gate, LLM
// intent classification with a deterministic keyword fallback, a routing-rule
// table, queue-health-aware rerouting and additive context-based priority
// modifiers. Routing is fail-open: any failure resolves to the default queue,
// never to an error surfaced to the caller.
package routing

import (
	"context"
	"time"

	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/metrics"
	"github.com/siteworks/siteflow/task"
)

// Recognition is the upstream request-type recognition result.
type Recognition struct {
	// Type is the recognized request type (upload, query, ...).
	Type string
	// Confidence of the recognition in [0,1].
	Confidence float64
	// Content is the user's text for query-typed requests.
	Content string
}

// Context carries the request context consulted by priority adjustment.
type Context struct {
	UserRole  string
	ProjectID string
	UserID    string
}

// Decision is the ephemeral outcome of one routing call.
type Decision struct {
	TargetQueue string    `json:"target_queue"`
	Priority    int       `json:"priority"`
	Strategy    string    `json:"strategy"`
	Timestamp   time.Time `json:"timestamp"`
}

// Strategy tags recorded on decisions.
const (
	StrategyIntelligent   = "intelligent"
	StrategyLowConfidence = "low_confidence"
	StrategyFailOpen      = "fail_open"
)

// Health thresholds: a queue needing load > RerouteLoad (or unhealthy) is
// rerouted; an alternative must be healthy with load < AlternativeLoad.
const (
	RerouteLoad     = 0.8
	AlternativeLoad = 0.6
)

// Options configures a Router.
type Options struct {
	// DefaultQueue receives everything routing cannot place confidently.
	DefaultQueue string
	// Rules is merged over DefaultRules().
	Rules RuleTable
	// Classifier resolves query intent; defaults to keywords only.
	Classifier Classifier
	// Health is the queue health snapshot store.
	Health *HealthStore
	// Picker chooses the substitute queue on reroute.
	Picker AlternativePicker
	// PrivilegedProjects get a +1 priority bump.
	PrivilegedProjects []string
	Metrics            metrics.Collector
	Logger             logging.Logger
}

// Router is the routing engine. Safe for concurrent use: all mutable state
// lives in the injected HealthStore and the classifier cache.
type Router struct {
	defaultQueue string
	rules        RuleTable
	classifier   Classifier
	health       *HealthStore
	picker       AlternativePicker
	privileged   map[string]struct{}
	metrics      metrics.Collector
	logger       logging.Logger
}

// NewRouter creates a router with in-memory defaults.
func NewRouter(optFns ...func(o *Options)) *Router {
	opts := Options{
		DefaultQueue: DefaultQueue,
		Classifier:   KeywordClassifier{},
		Picker:       RandomPicker{},
		Metrics:      metrics.NoOp{},
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Health == nil {
		opts.Health = NewHealthStore(nil, opts.Logger)
	}
	privileged := map[string]struct{}{}
	for _, p := range opts.PrivilegedProjects {
		privileged[p] = struct{}{}
	}
	return &Router{
		defaultQueue: opts.DefaultQueue,
		rules:        DefaultRules().Merge(opts.Rules),
		classifier:   opts.Classifier,
		health:       opts.Health,
		picker:       opts.Picker,
		privileged:   privileged,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Health exposes the health store so an external monitor can feed updates.
func (r *Router) Health() *HealthStore { return r.health }

// Route computes the queue and priority for a recognized request. It never
// fails: any panic anywhere in the layered rules resolves to the default
// queue at the lowest priority.
func (r *Router) Route(ctx context.Context, rec Recognition, reqCtx Context) (decision Decision) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("routing failed, using default queue", "panic", p)
			decision = r.decision(r.defaultQueue, task.MinPriority, StrategyFailOpen)
		}
	}()

	if rec.Confidence < 0.5 {
		r.logger.Warn("low recognition confidence, using default queue", "confidence", rec.Confidence)
		return r.recorded(rec.Type, r.decision(r.defaultQueue, DefaultPriorityUnmatched, StrategyLowConfidence))
	}

	requestType := rec.Type
	if requestType == TypeQuery && rec.Content != "" {
		if intent, err := r.classifier.Classify(ctx, rec.Content); err == nil {
			requestType = string(intent)
		} else {
			r.logger.Warn("intent classification unavailable, keeping base type", "error", err)
		}
	}

	var targetQueue string
	var priority int
	if rule, ok := r.rules[requestType]; ok {
		targetQueue = rule.Queue
		priority = rule.Priority
		if r.shouldReroute(targetQueue) {
			alt := r.alternative()
			r.logger.Info("rerouting away from degraded queue", "from", targetQueue, "to", alt)
			targetQueue = alt
		}
	} else {
		r.logger.Warn("no routing rule for request type, using default queue", "request_type", requestType)
		targetQueue = r.defaultQueue
		priority = DefaultPriorityUnmatched
	}

	priority = r.adjustPriority(priority, reqCtx)
	return r.recorded(requestType, r.decision(targetQueue, priority, StrategyIntelligent))
}

// shouldReroute reports whether the queue is unhealthy or overloaded.
func (r *Router) shouldReroute(queue string) bool {
	h := r.health.Get(queue)
	return !h.Healthy || h.Load > RerouteLoad
}

// alternative picks a healthy low-load queue, or the default queue when none
// qualifies.
func (r *Router) alternative() string {
	var candidates []string
	for name, h := range r.health.Snapshot() {
		if h.Healthy && h.Load < AlternativeLoad {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return r.defaultQueue
	}
	return r.picker.Pick(candidates)
}

// adjustPriority applies the deterministic additive context modifiers,
// clamped into the valid range.
func (r *Router) adjustPriority(base int, reqCtx Context) int {
	priority := base
	switch reqCtx.UserRole {
	case "admin":
		priority += 2
	case "guest":
		priority -= 2
	}
	if _, ok := r.privileged[reqCtx.ProjectID]; ok {
		priority++
	}
	return task.ClampPriority(priority)
}

func (r *Router) decision(queue string, priority int, strategy string) Decision {
	return Decision{
		TargetQueue: queue,
		Priority:    task.ClampPriority(priority),
		Strategy:    strategy,
		Timestamp:   time.Now().UTC(),
	}
}

// recorded emits the decision metric and log line, then returns the decision.
func (r *Router) recorded(requestType string, d Decision) Decision {
	r.metrics.Record("routing_decisions_total", 1, map[string]string{
		"queue":    d.TargetQueue,
		"strategy": d.Strategy,
	})
	if rl, ok := r.logger.(logging.RoutingLogger); ok {
		rl.LogRoutingDecision(requestType, d.TargetQueue, d.Priority, d.Strategy)
	} else {
		r.logger.Info("routing decision", "request_type", requestType, "queue", d.TargetQueue, "priority", d.Priority, "strategy", d.Strategy)
	}
	return d
}
