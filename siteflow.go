// Package siteflow provides a high-level façade over the task routing,
// message bus and pipeline subsystems for construction-site document
// processing. Most applications interact with this package by:
//  1. Creating a Siteflow via New() (optionally overriding the in-memory
//     bus, store and providers)
//  2. Submitting documents (SubmitDocument) or questions (SubmitQuery),
//     which are routed onto prioritized queues and consumed by the runner
//  3. Running pipelines synchronously (ExtractSync, QuerySync) when queue
//     semantics are not needed
//
// All defaults are safe for local development and testing: in-memory bus,
// in-memory record store, and test-double providers that must be replaced
// for real model inference.
package siteflow

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/siteworks/siteflow/bus"
	"github.com/siteworks/siteflow/config"
	"github.com/siteworks/siteflow/extraction"
	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/metrics"
	"github.com/siteworks/siteflow/provider"
	anthropicprovider "github.com/siteworks/siteflow/provider/anthropic"
	openaiprovider "github.com/siteworks/siteflow/provider/openai"
	"github.com/siteworks/siteflow/query"
	"github.com/siteworks/siteflow/routing"
	"github.com/siteworks/siteflow/runner"
	"github.com/siteworks/siteflow/store"
	"github.com/siteworks/siteflow/task"
	"github.com/siteworks/siteflow/validate"
)

// Options configures the Siteflow instance.
type Options struct {
	// Config supplies tuning for the bus, router, pipelines and runner.
	Config config.Config

	// Bus carries tasks between the router and the runner. Defaults to the
	// in-memory priority bus.
	Bus bus.Backend

	// Store persists extraction records. Defaults to an in-memory store.
	Store store.RecordStore

	// Classifier resolves ambiguous query routing. Defaults to the keyword
	// classifier; wire an LLM classifier with a keyword fallback for
	// production.
	Classifier routing.Classifier

	// Providers for the extraction pipeline.
	OCR provider.Provider
	NER provider.Provider
	VLM provider.Provider

	// Providers for the query pipeline.
	LLM    provider.Provider
	SQL    provider.Provider
	Search provider.Provider

	Metrics metrics.Collector
	Logger  logging.Logger
}

// Siteflow aggregates the router, bus, pipelines and runner.
type Siteflow struct {
	opts       Options
	bus        bus.Backend
	router     *routing.Router
	store      store.RecordStore
	extraction *extraction.Pipeline
	query      *query.Pipeline
	runner     *runner.Runner
	reviews    *validate.ReviewQueue
}

// New creates a Siteflow instance with optional overrides. Any unset
// component is initialized with an in-memory implementation; missing model
// providers are stubbed with empty static results so the wiring stays
// runnable in tests.
func New(optFns ...func(o *Options)) (*Siteflow, error) {
	opts := Options{
		Config:  config.Default(),
		Metrics: metrics.NoOp{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NewSlogLogger(
			logging.ParseLevel(opts.Config.Logging.Level), opts.Config.Logging.Format, false)
	}

	if opts.Bus == nil {
		opts.Bus = bus.NewMemoryBus(func(o *bus.Options) {
			o.PollInterval = opts.Config.Bus.PollInterval.Std()
			o.Lease = opts.Config.Bus.Lease.Std()
			o.MaxDeliveries = opts.Config.Bus.MaxDeliveries
			o.Logger = logging.ForComponent(opts.Logger, "bus")
		})
	}
	if opts.Store == nil {
		var err error
		opts.Store, err = openStore(opts.Config.Store)
		if err != nil {
			return nil, err
		}
	}

	configuredLLM, err := buildLLM(opts.Config.Routing.LLM)
	if err != nil {
		return nil, err
	}
	if opts.LLM == nil && configuredLLM != nil {
		opts.LLM = configuredLLM
	}
	if opts.Classifier == nil {
		opts.Classifier = buildClassifier(configuredLLM, logging.ForComponent(opts.Logger, "router"))
	}

	stub := &provider.Static{Result: provider.Result{Confidence: 1}}
	if opts.OCR == nil {
		opts.OCR = stub
	}
	if opts.NER == nil {
		opts.NER = stub
	}
	if opts.VLM == nil {
		opts.VLM = stub
	}
	if opts.LLM == nil {
		opts.LLM = stub
	}
	if opts.SQL == nil {
		opts.SQL = stub
	}
	if opts.Search == nil {
		opts.Search = stub
	}
	provLogger := logging.ForComponent(opts.Logger, "provider")
	ocr := provider.Logged(opts.OCR, "ocr", provLogger)
	ner := provider.Logged(opts.NER, "ner", provLogger)
	vlm := provider.Logged(opts.VLM, "vlm", provLogger)
	llm := provider.Logged(opts.LLM, "llm", provLogger)
	sqlp := provider.Logged(opts.SQL, "sql", provLogger)
	search := provider.Logged(opts.Search, "search", provLogger)

	router := routing.NewRouter(func(o *routing.Options) {
		o.DefaultQueue = opts.Config.Routing.DefaultQueue
		o.Rules = routing.RuleTable(opts.Config.Routing.Rules)
		o.Classifier = opts.Classifier
		o.PrivilegedProjects = opts.Config.Routing.PrivilegedProjects
		o.Metrics = opts.Metrics
		o.Logger = logging.ForComponent(opts.Logger, "router")
	})

	reviews := validate.NewReviewQueue()
	pipeLogger := logging.ForComponent(opts.Logger, "pipeline")
	extractionPipe, err := extraction.New(func(o *extraction.Options) {
		o.OCR = ocr
		o.NER = ner
		o.VLM = vlm
		o.Store = opts.Store
		o.Reviews = reviews
		o.Timeout = opts.Config.Pipeline.Timeout.Std()
		o.Metrics = opts.Metrics
		o.Logger = pipeLogger
	})
	if err != nil {
		return nil, err
	}

	queryPipe, err := query.New(func(o *query.Options) {
		o.LLM = llm
		o.SQL = sqlp
		o.Search = search
		o.Store = opts.Store
		o.Timeout = opts.Config.Pipeline.Timeout.Std()
		o.Metrics = opts.Metrics
		o.Logger = pipeLogger
	})
	if err != nil {
		return nil, err
	}

	run, err := runner.New(opts.Bus, func(o *runner.Options) {
		o.Extraction = extractionPipe
		o.Query = queryPipe
		o.PoolSize = opts.Config.Runner.PoolSize
		o.Metrics = opts.Metrics
		o.Logger = logging.ForComponent(opts.Logger, "runner")
	})
	if err != nil {
		return nil, err
	}

	return &Siteflow{
		opts:       opts,
		bus:        opts.Bus,
		router:     router,
		store:      opts.Store,
		extraction: extractionPipe,
		query:      queryPipe,
		runner:     run,
		reviews:    reviews,
	}, nil
}

// buildLLM constructs the configured model adapter, or nil when no provider
// is configured.
func buildLLM(cfg config.LLMConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openaiprovider.New(func(o *openaiprovider.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.Temperature > 0 {
				o.Temperature = cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.MaxTokens)
			}
			o.APIKey = cfg.APIKey
		}), nil
	case "anthropic":
		return anthropicprovider.New(func(o *anthropicprovider.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
			if cfg.Temperature > 0 {
				o.Temperature = cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.MaxTokens)
			}
			o.APIKey = cfg.APIKey
		}), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("siteflow: unknown llm provider %q", cfg.Provider)
	}
}

// buildClassifier chains the model classifier over the keyword rules when a
// model is configured; without one, routing stays keyword-only.
func buildClassifier(llm provider.Provider, logger logging.Logger) routing.Classifier {
	if llm == nil {
		return routing.KeywordClassifier{}
	}
	return routing.NewFallback(routing.NewLLMClassifier(llm, logger), routing.KeywordClassifier{}, logger)
}

func openStore(cfg config.StoreConfig) (store.RecordStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN)
	case "", "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("siteflow: unknown store driver %q", cfg.Driver)
	}
}

// Start brings up the runner and the bus. Idempotent.
func (s *Siteflow) Start() { s.runner.Start() }

// Stop drains in-flight work and shuts the bus down. Idempotent.
func (s *Siteflow) Stop() {
	s.runner.Stop()
	s.bus.Stop()
}

// SubmitDocument routes an uploaded document and publishes the resulting
// extraction task. It returns the task ID and the routing decision.
func (s *Siteflow) SubmitDocument(ctx context.Context, doc routing.Document, reqCtx routing.Context) (string, routing.Decision, error) {
	decision := s.router.RouteDocument(doc, reqCtx)
	t := task.New(task.KindExtraction, decision.Priority, map[string]any{
		"file_path": doc.FilePath,
		"file_type": doc.FileType,
		"content":   doc.Content,
	}, map[string]any{
		"project_id": reqCtx.ProjectID,
		"user_id":    reqCtx.UserID,
	})
	if err := s.bus.Publish(decision.TargetQueue, t, decision.Priority); err != nil {
		return "", decision, err
	}
	return t.ID, decision, nil
}

// SubmitQuery routes a natural-language question and publishes the
// resulting query task.
func (s *Siteflow) SubmitQuery(ctx context.Context, text string, confidence float64, reqCtx routing.Context) (string, routing.Decision, error) {
	decision := s.router.Route(ctx, routing.Recognition{
		Type:       routing.TypeQuery,
		Confidence: confidence,
		Content:    text,
	}, reqCtx)
	t := task.New(task.KindQuery, decision.Priority, map[string]any{
		"query": text,
	}, map[string]any{
		"project_id": reqCtx.ProjectID,
		"user_id":    reqCtx.UserID,
	})
	if err := s.bus.Publish(decision.TargetQueue, t, decision.Priority); err != nil {
		return "", decision, err
	}
	return t.ID, decision, nil
}

// ExtractSync runs the extraction pipeline directly, bypassing the bus.
func (s *Siteflow) ExtractSync(ctx context.Context, filePath, fileType string, content []byte) (*extraction.State, error) {
	state := extraction.NewState(task.NewID(), filePath, fileType, content)
	return s.extraction.Run(ctx, state)
}

// QuerySync runs the query pipeline directly, bypassing the bus.
func (s *Siteflow) QuerySync(ctx context.Context, text string) (*query.State, error) {
	state := query.NewState(task.NewID(), text)
	return s.query.Run(ctx, state)
}

// Router exposes the task router, e.g. to feed queue health updates.
func (s *Siteflow) Router() *routing.Router { return s.router }

// Bus exposes the message bus.
func (s *Siteflow) Bus() bus.Backend { return s.bus }

// Store exposes the record store.
func (s *Siteflow) Store() store.RecordStore { return s.store }

// Reviews exposes the manual review queue.
func (s *Siteflow) Reviews() *validate.ReviewQueue { return s.reviews }
