package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/metrics"
	"github.com/siteworks/siteflow/pipeline"
	"github.com/siteworks/siteflow/provider"
	"github.com/siteworks/siteflow/store"
	"github.com/siteworks/siteflow/validate"
)

// Step names of the extraction graph.
const (
	StepPrepareInput        = "prepare_input"
	StepDetectType          = "detect_type"
	StepRunOCR              = "run_ocr"
	StepExtractTables       = "extract_tables"
	StepNormalizeText       = "normalize_text"
	StepRunNER              = "run_ner"
	StepLinkEntities        = "link_entities"
	StepVLMRefine           = "vlm_refine"
	StepMergeRefinement     = "merge_refinement"
	StepExtractFields       = "extract_fields"
	StepAggregateConfidence = "aggregate_confidence"
	StepCheckCompleteness   = "check_completeness"
	StepPersistRecord       = "persist_record"
	StepFinalize            = "finalize"
)

// Refinement trigger thresholds: too few entities, or unconvincing ones,
// send the document through the visual model for a second pass.
const (
	MinEntities       = 5
	RefineConfidence  = 0.8
)

// Branch labels.
const (
	routeImage  = "image"
	routePDF    = "pdf"
	routeText   = "text"
	routeRefine = "refine"
	routeAccept = "accept"
)

var imageTypes = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "bmp": true, "tiff": true, "webp": true,
}

var textTypes = map[string]bool{
	"txt": true, "md": true,
}

// Options configure the extraction pipeline.
type Options struct {
	OCR     provider.Provider
	NER     provider.Provider
	VLM     provider.Provider
	Store   store.RecordStore
	Reviews *validate.ReviewQueue
	Timeout time.Duration
	Metrics metrics.Collector
	Logger  logging.Logger
}

// Pipeline is the compiled extraction graph together with its dependencies.
type Pipeline struct {
	graph *pipeline.Graph[*State]
	opts  Options
}

// New builds the extraction pipeline. OCR, NER and VLM providers are
// required; Store defaults to an in-memory store and Reviews to a fresh
// queue.
func New(optFns ...func(o *Options)) (*Pipeline, error) {
	opts := Options{
		Metrics: metrics.NoOp{},
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.OCR == nil || opts.NER == nil || opts.VLM == nil {
		return nil, fmt.Errorf("extraction: OCR, NER and VLM providers are required")
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Reviews == nil {
		opts.Reviews = validate.NewReviewQueue()
	}

	p := &Pipeline{opts: opts}
	g := pipeline.NewGraph[*State]("extraction", func(o *pipeline.Options) {
		o.Timeout = opts.Timeout
		o.Metrics = opts.Metrics
		o.Logger = opts.Logger
	})

	g.AddStep(StepPrepareInput, p.prepareInput).
		AddStep(StepDetectType, p.detectType).
		AddStep(StepRunOCR, p.runOCR).
		AddStep(StepExtractTables, p.extractTables).
		AddStep(StepNormalizeText, p.normalizeText).
		AddStep(StepRunNER, p.runNER).
		AddStep(StepLinkEntities, p.linkEntities).
		AddStep(StepVLMRefine, p.vlmRefine).
		AddStep(StepMergeRefinement, p.mergeRefinement).
		AddStep(StepExtractFields, p.extractFields).
		AddStep(StepAggregateConfidence, p.aggregateConfidence).
		AddStep(StepCheckCompleteness, p.checkCompleteness).
		AddStep(StepPersistRecord, p.persistRecord).
		AddStep(StepFinalize, p.finalize)

	g.SetEntry(StepPrepareInput).SetTerminal(StepFinalize)

	g.AddEdge(StepPrepareInput, StepDetectType)
	g.AddConditionalEdges(StepDetectType, RouteByType, map[string]string{
		routeImage: StepRunOCR,
		routePDF:   StepExtractTables,
		routeText:  StepNormalizeText,
	})
	g.AddEdge(StepRunOCR, StepNormalizeText)
	g.AddEdge(StepExtractTables, StepNormalizeText)
	g.AddEdge(StepNormalizeText, StepRunNER)
	g.AddEdge(StepRunNER, StepLinkEntities)
	g.AddConditionalEdges(StepLinkEntities, RouteAfterLinking, map[string]string{
		routeRefine: StepVLMRefine,
		routeAccept: StepExtractFields,
	})
	g.AddEdge(StepVLMRefine, StepMergeRefinement)
	g.AddEdge(StepMergeRefinement, StepExtractFields)
	g.AddEdge(StepExtractFields, StepAggregateConfidence)
	g.AddEdge(StepAggregateConfidence, StepCheckCompleteness)
	g.AddEdge(StepCheckCompleteness, StepPersistRecord)
	g.AddEdge(StepPersistRecord, StepFinalize)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	p.graph = g
	return p, nil
}

// Run processes one document to completion. The returned state always holds
// the final status; step failures are captured there rather than returned.
func (p *Pipeline) Run(ctx context.Context, state *State) (*State, error) {
	if err := p.graph.Run(ctx, state); err != nil {
		return state, err
	}
	return state, nil
}

// Reviews exposes the review queue fed by low-confidence runs.
func (p *Pipeline) Reviews() *validate.ReviewQueue { return p.opts.Reviews }

// RouteByType selects the entry model path. Unknown types fall back to OCR,
// which handles scans of arbitrary provenance.
func RouteByType(s *State) string {
	switch {
	case imageTypes[s.FileType]:
		return routeImage
	case s.FileType == "pdf":
		return routePDF
	case textTypes[s.FileType]:
		return routeText
	default:
		return routeImage
	}
}

// RouteAfterLinking decides whether the entity set is good enough to accept
// or needs a visual-model refinement pass.
func RouteAfterLinking(s *State) string {
	if len(s.Entities) < MinEntities || s.MeanEntityConfidence() < RefineConfidence {
		return routeRefine
	}
	return routeAccept
}

func (p *Pipeline) prepareInput(_ context.Context, s *State) error {
	// Bus-routed tasks carry a file path rather than inline content.
	if len(s.Content) == 0 && s.FilePath != "" {
		data, err := os.ReadFile(s.FilePath)
		if err != nil {
			return fmt.Errorf("load document %s: %w", s.FilePath, err)
		}
		s.Content = data
	}
	if len(s.Content) == 0 {
		return fmt.Errorf("empty document: %s", s.FilePath)
	}
	if s.TaskID == "" {
		s.TaskID = uuid.NewString()
	}
	return nil
}

func (p *Pipeline) detectType(_ context.Context, s *State) error {
	if s.FileType == "" {
		if i := strings.LastIndex(s.FilePath, "."); i >= 0 {
			s.FileType = strings.ToLower(s.FilePath[i+1:])
		}
	}
	return nil
}

func (p *Pipeline) runOCR(ctx context.Context, s *State) error {
	res, err := p.opts.OCR.Invoke(ctx, provider.Input{Image: s.Content})
	if err != nil {
		return fmt.Errorf("ocr: %w", err)
	}
	s.Text = res.Text
	s.Stages.OCR = res.Confidence
	return nil
}

func (p *Pipeline) extractTables(ctx context.Context, s *State) error {
	res, err := p.opts.OCR.Invoke(ctx, provider.Input{
		Image:  s.Content,
		Params: map[string]any{"mode": "tables"},
	})
	if err != nil {
		return fmt.Errorf("table extraction: %w", err)
	}
	s.Text = res.Text
	s.Stages.OCR = res.Confidence
	if rows, ok := res.Payload["tables"].([]map[string]any); ok {
		s.Tables = rows
	}
	return nil
}

func (p *Pipeline) normalizeText(_ context.Context, s *State) error {
	if s.Text == "" {
		s.Text = string(s.Content)
		// Plain text skips the OCR stage; treat the source as exact.
		if s.Stages.OCR == 0 {
			s.Stages.OCR = 1
		}
	}
	s.Text = strings.TrimSpace(strings.ReplaceAll(s.Text, "\r\n", "\n"))
	if s.Text == "" {
		return fmt.Errorf("no text recovered from %s", s.FilePath)
	}
	return nil
}

func (p *Pipeline) runNER(ctx context.Context, s *State) error {
	res, err := p.opts.NER.Invoke(ctx, provider.Input{Text: s.Text})
	if err != nil {
		return fmt.Errorf("ner: %w", err)
	}
	s.Stages.NER = res.Confidence
	entities, err := decodeEntities(res)
	if err != nil {
		return fmt.Errorf("ner: %w", err)
	}
	s.Entities = entities
	return nil
}

func (p *Pipeline) linkEntities(_ context.Context, s *State) error {
	seen := map[string]string{}
	for i := range s.Entities {
		e := &s.Entities[i]
		key := e.Label + "\x00" + strings.ToLower(strings.TrimSpace(e.Text))
		if id, ok := seen[key]; ok {
			e.CanonicalID = id
			continue
		}
		e.CanonicalID = uuid.NewString()
		seen[key] = e.CanonicalID
	}
	return nil
}

func (p *Pipeline) vlmRefine(ctx context.Context, s *State) error {
	res, err := p.opts.VLM.Invoke(ctx, provider.Input{
		Text:  s.Text,
		Image: s.Content,
		Params: map[string]any{
			"entities": s.Entities,
		},
	})
	if err != nil {
		return fmt.Errorf("vlm refinement: %w", err)
	}
	s.Stages.VLM = res.Confidence
	if v, ok := res.Payload["verified"].(bool); ok {
		s.Stages.VLMVerified = &v
	}
	refined, err := decodeEntities(res)
	if err != nil {
		return fmt.Errorf("vlm refinement: %w", err)
	}
	if res.Text != "" {
		s.Text = res.Text
	}
	s.Fields["vlm_refined"] = true
	if len(refined) > 0 {
		s.Entities = refined
		return p.linkEntities(ctx, s)
	}
	return nil
}

func (p *Pipeline) mergeRefinement(_ context.Context, s *State) error {
	// Dedup after refinement: the visual pass may re-emit entities the NER
	// stage already produced.
	seen := map[string]bool{}
	merged := s.Entities[:0]
	for _, e := range s.Entities {
		key := e.Label + "\x00" + strings.ToLower(strings.TrimSpace(e.Text))
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, e)
	}
	s.Entities = merged
	return nil
}

// entityFieldLabels maps entity labels to record field names.
var entityFieldLabels = map[string]string{
	"DATE":       "date",
	"WORKPOINT":  "workpoint",
	"TEAM":       "team",
	"SUBPROJECT": "subproject",
	"POSITION":   "position",
	"PROCESS":    "process",
	"QUANTITY":   "quantity",
	"WEATHER":    "weather",
}

func (p *Pipeline) extractFields(_ context.Context, s *State) error {
	// First (highest ranked) entity per label wins.
	for _, e := range s.Entities {
		field, ok := entityFieldLabels[strings.ToUpper(e.Label)]
		if !ok {
			continue
		}
		if _, exists := s.Fields[field]; !exists {
			s.Fields[field] = e.Text
		}
	}
	return nil
}

func (p *Pipeline) aggregateConfidence(_ context.Context, s *State) error {
	// A run that skipped refinement earned full marks for that stage.
	if _, refined := s.Fields["vlm_refined"]; !refined && s.Stages.VLM == 0 {
		s.Stages.VLM = 1
	}
	return nil
}

func (p *Pipeline) checkCompleteness(_ context.Context, s *State) error {
	s.Outcome = validate.Evaluate(s.Fields, s.Stages)
	if s.Outcome.NeedsReview {
		s.Review = validate.NewReviewTask(s.TaskID, s.Fields, s.Outcome)
		p.opts.Reviews.Add(s.Review)
		p.opts.Logger.Info("record queued for review",
			"task_id", s.TaskID, "review_id", s.Review.ID,
			"confidence", s.Outcome.Confidence, "reasons", s.Outcome.Reasons)
	}
	return nil
}

func (p *Pipeline) persistRecord(ctx context.Context, s *State) error {
	status := string(pipeline.StatusCompleted)
	if s.Outcome.NeedsReview {
		status = validate.ReviewPending
	}
	entities := make([]map[string]any, len(s.Entities))
	for i, e := range s.Entities {
		entities[i] = map[string]any{
			"text":       e.Text,
			"label":      e.Label,
			"confidence": e.Confidence,
		}
	}
	s.Record = &store.Record{
		ID:         uuid.NewString(),
		TaskID:     s.TaskID,
		SourceFile: s.FilePath,
		Status:     status,
		Confidence: s.Outcome.Confidence,
		Fields:     s.Fields,
		Entities:   entities,
	}
	if err := p.opts.Store.Save(ctx, s.Record); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) finalize(ctx context.Context, s *State) error {
	if s.Failed() && p.opts.Store != nil {
		// Persist a failure record so the run remains queryable.
		rec := &store.Record{
			ID:         uuid.NewString(),
			TaskID:     s.TaskID,
			SourceFile: s.FilePath,
			Status:     string(pipeline.StatusFailed),
			Fields:     map[string]any{"error": s.Error},
		}
		if err := p.opts.Store.Save(ctx, rec); err != nil {
			s.Warn(fmt.Sprintf("persist failure record: %v", err))
		} else {
			s.Record = rec
		}
	}
	p.opts.Metrics.Record("extraction_runs_total", 1, map[string]string{
		"status": string(s.Status),
	})
	return nil
}

// decodeEntities recovers the entity list from a provider result. Providers
// return either a decoded []Entity, a generic JSON shape, or raw JSON text.
func decodeEntities(res *provider.Result) ([]Entity, error) {
	raw, ok := res.Payload["entities"]
	if !ok {
		if res.Text == "" {
			return nil, nil
		}
		var out []Entity
		if err := json.Unmarshal([]byte(res.Text), &out); err != nil {
			return nil, nil
		}
		return out, nil
	}

	switch v := raw.(type) {
	case []Entity:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("decode entities: %w", err)
		}
		var out []Entity
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode entities: %w", err)
		}
		return out, nil
	}
}
