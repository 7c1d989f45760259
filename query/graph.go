package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/metrics"
	"github.com/siteworks/siteflow/pipeline"
	"github.com/siteworks/siteflow/provider"
	"github.com/siteworks/siteflow/store"
)

// Step names of the query graph.
const (
	StepPrepareQuery   = "prepare_query"
	StepClassifyIntent = "classify_intent"
	StepGenerateSQL    = "generate_sql"
	StepValidateSQL    = "validate_sql"
	StepExecuteSQL     = "execute_sql"
	StepVectorSearch   = "vector_search"
	StepMergeResults   = "merge_results"
	StepRankResults    = "rank_results"
	StepSummarize      = "summarize"
	StepValidateAnswer = "validate_answer"
	StepFormatResponse = "format_response"
	StepSaveResults    = "save_results"
	StepFinalize       = "finalize"
)

// Branch labels.
const (
	routeStructured   = "structured"
	routeUnstructured = "unstructured"
	routeRetrieve     = "retrieve"
	routeAnswer       = "answer"
)

// MaxEvidence caps how many result snippets feed the summarizer.
const MaxEvidence = 8

// noResultAnswer is returned when no evidence was found or the summarizer
// produced nothing usable.
const noResultAnswer = "未找到相关记录。"

const intentPrompt = `Classify the following construction-site question by how it should be answered.

Answer with exactly one word:
- structured: answerable from the records database alone (counts, totals, filters by date or team)
- unstructured: needs searching document text (descriptions, causes, free-form details)
- hybrid: needs both database records and document text

Question: %s

Answer:`

const sqlPrompt = `Generate a single SQLite SELECT statement for the question below.
The records table is:

records(id, task_id, source_file, status, confidence, fields, entities, created_at, updated_at)

The fields column is a JSON object with keys such as date, workpoint, team,
subproject, position, process, quantity, weather; use json_extract to read it.
Return only the SQL, no explanation.

Question: %s

SQL:`

const answerPrompt = `Answer the construction-site question using only the evidence below.
Answer in the language of the question. If the evidence is insufficient, say so.

Question: %s

Evidence:
%s

Answer:`

// Options configure the query pipeline.
type Options struct {
	// LLM drives intent classification, SQL generation and summarization.
	LLM provider.Provider
	// SQL executes validated SELECT statements against the record store.
	SQL provider.Provider
	// Search retrieves document text for unstructured and hybrid intents.
	Search provider.Provider
	// Store persists one record per answered question. Defaults to an
	// in-memory store.
	Store   store.RecordStore
	Timeout time.Duration
	Metrics metrics.Collector
	Logger  logging.Logger
}

// Pipeline is the compiled query graph together with its dependencies.
type Pipeline struct {
	graph *pipeline.Graph[*State]
	opts  Options
}

// New builds the query pipeline. All three providers are required.
func New(optFns ...func(o *Options)) (*Pipeline, error) {
	opts := Options{
		Metrics: metrics.NoOp{},
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.LLM == nil || opts.SQL == nil || opts.Search == nil {
		return nil, fmt.Errorf("query: LLM, SQL and Search providers are required")
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}

	p := &Pipeline{opts: opts}
	g := pipeline.NewGraph[*State]("query", func(o *pipeline.Options) {
		o.Timeout = opts.Timeout
		o.Metrics = opts.Metrics
		o.Logger = opts.Logger
	})

	g.AddStep(StepPrepareQuery, p.prepareQuery).
		AddStep(StepClassifyIntent, p.classifyIntent).
		AddStep(StepGenerateSQL, p.generateSQL).
		AddStep(StepValidateSQL, p.validateSQL).
		AddStep(StepExecuteSQL, p.executeSQL).
		AddStep(StepVectorSearch, p.vectorSearch).
		AddStep(StepMergeResults, p.mergeResults).
		AddStep(StepRankResults, p.rankResults).
		AddStep(StepSummarize, p.summarize).
		AddStep(StepValidateAnswer, p.validateAnswer).
		AddStep(StepFormatResponse, p.formatResponse).
		AddStep(StepSaveResults, p.saveResults).
		AddStep(StepFinalize, p.finalize)

	g.SetEntry(StepPrepareQuery).SetTerminal(StepFinalize)

	g.AddEdge(StepPrepareQuery, StepClassifyIntent)
	g.AddConditionalEdges(StepClassifyIntent, RouteByIntent, map[string]string{
		routeStructured:   StepGenerateSQL,
		routeUnstructured: StepVectorSearch,
	})
	g.AddEdge(StepGenerateSQL, StepValidateSQL)
	g.AddEdge(StepValidateSQL, StepExecuteSQL)
	g.AddConditionalEdges(StepExecuteSQL, RouteAfterSQL, map[string]string{
		routeRetrieve: StepVectorSearch,
		routeAnswer:   StepMergeResults,
	})
	g.AddEdge(StepVectorSearch, StepMergeResults)
	g.AddEdge(StepMergeResults, StepRankResults)
	g.AddEdge(StepRankResults, StepSummarize)
	g.AddEdge(StepSummarize, StepValidateAnswer)
	g.AddEdge(StepValidateAnswer, StepFormatResponse)
	g.AddEdge(StepFormatResponse, StepSaveResults)
	g.AddEdge(StepSaveResults, StepFinalize)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	p.graph = g
	return p, nil
}

// Run answers one question to completion. Step failures are captured in the
// state rather than returned.
func (p *Pipeline) Run(ctx context.Context, state *State) (*State, error) {
	if err := p.graph.Run(ctx, state); err != nil {
		return state, err
	}
	return state, nil
}

// RouteByIntent maps the classified intent to the entry strategy. Hybrid
// starts on the SQL path and picks up retrieval afterwards; an unknown
// intent takes the retrieval path, which answers the widest class of
// questions.
func RouteByIntent(s *State) string {
	switch s.Intent {
	case IntentStructured, IntentHybrid:
		return routeStructured
	default:
		return routeUnstructured
	}
}

// RouteAfterSQL decides whether the SQL results are enough. Hybrid intents
// always add retrieval; so does an empty result set, whatever the intent.
func RouteAfterSQL(s *State) string {
	if s.Intent == IntentHybrid || len(s.Rows) == 0 {
		return routeRetrieve
	}
	return routeAnswer
}

func (p *Pipeline) prepareQuery(_ context.Context, s *State) error {
	if s.Query == "" {
		return fmt.Errorf("empty query")
	}
	return nil
}

func (p *Pipeline) classifyIntent(ctx context.Context, s *State) error {
	res, err := p.opts.LLM.Invoke(ctx, provider.Input{
		Text: fmt.Sprintf(intentPrompt, s.Query),
	})
	if err != nil {
		s.Intent = keywordIntent(s.Query)
		p.opts.Logger.Warn("intent classification failed, using keyword fallback",
			"task_id", s.TaskID, "intent", string(s.Intent), "error", err)
		return nil
	}
	s.Intent = ParseIntent(res.Text)
	return nil
}

// structuredCues suggest a question answerable from the records database;
// unstructuredCues suggest free-form document content. A question matching
// both is treated as hybrid.
var (
	structuredCues   = []string{"多少", "几个", "几次", "统计", "合计", "总量", "数量", "工程量", "方量"}
	unstructuredCues = []string{"为什么", "原因", "怎么", "如何", "描述", "情况", "问题"}
)

// keywordIntent is the deterministic fallback used when the model classifier
// is unavailable.
func keywordIntent(query string) Intent {
	structured := containsAny(query, structuredCues)
	unstructured := containsAny(query, unstructuredCues)
	switch {
	case structured && unstructured:
		return IntentHybrid
	case structured:
		return IntentStructured
	default:
		return IntentUnstructured
	}
}

func containsAny(text string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}

func (p *Pipeline) generateSQL(ctx context.Context, s *State) error {
	res, err := p.opts.LLM.Invoke(ctx, provider.Input{
		Text: fmt.Sprintf(sqlPrompt, s.Query),
	})
	if err != nil {
		return fmt.Errorf("sql generation: %w", err)
	}
	s.SQL = stripFences(res.Text)
	return nil
}

func (p *Pipeline) validateSQL(_ context.Context, s *State) error {
	sql := strings.TrimSpace(s.SQL)
	if sql == "" {
		return fmt.Errorf("sql generation produced no statement")
	}
	upper := strings.ToUpper(sql)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("generated statement is not a query: %.40s", sql)
	}
	for _, kw := range []string{"INSERT ", "UPDATE ", "DELETE ", "DROP ", "ALTER ", "CREATE "} {
		if strings.Contains(upper, kw) {
			return fmt.Errorf("generated statement contains forbidden keyword %q", strings.TrimSpace(kw))
		}
	}
	s.SQL = sql
	return nil
}

func (p *Pipeline) executeSQL(ctx context.Context, s *State) error {
	res, err := p.opts.SQL.Invoke(ctx, provider.Input{Text: s.SQL})
	if err != nil {
		return fmt.Errorf("sql execution: %w", err)
	}
	if rows, ok := res.Payload["rows"].([]map[string]any); ok {
		s.Rows = rows
	}
	return nil
}

func (p *Pipeline) vectorSearch(ctx context.Context, s *State) error {
	res, err := p.opts.Search.Invoke(ctx, provider.Input{Text: s.Query})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if hits, ok := res.Payload["hits"].([]map[string]any); ok {
		for _, h := range hits {
			hit := Hit{}
			if v, ok := h["id"].(string); ok {
				hit.ID = v
			}
			if v, ok := h["content"].(string); ok {
				hit.Content = v
			}
			if v, ok := h["source"].(string); ok {
				hit.Source = v
			}
			if v, ok := h["score"].(float64); ok {
				hit.Score = v
			}
			s.Hits = append(s.Hits, hit)
		}
	}
	if res.Confidence > s.Confidence {
		s.Confidence = res.Confidence
	}
	return nil
}

func (p *Pipeline) mergeResults(_ context.Context, s *State) error {
	for _, row := range s.Rows {
		s.Evidence = append(s.Evidence, formatRow(row))
	}
	for _, hit := range s.Hits {
		if hit.Content == "" {
			continue
		}
		s.Evidence = append(s.Evidence, hit.Content)
		if hit.Source != "" {
			s.Sources = append(s.Sources, hit.Source)
		}
	}
	return nil
}

func (p *Pipeline) rankResults(_ context.Context, s *State) error {
	sort.SliceStable(s.Hits, func(i, j int) bool {
		return s.Hits[i].Score > s.Hits[j].Score
	})
	if len(s.Evidence) > MaxEvidence {
		s.Evidence = s.Evidence[:MaxEvidence]
	}
	return nil
}

func (p *Pipeline) summarize(ctx context.Context, s *State) error {
	if len(s.Evidence) == 0 {
		s.Answer = noResultAnswer
		return nil
	}
	res, err := p.opts.LLM.Invoke(ctx, provider.Input{
		Text: fmt.Sprintf(answerPrompt, s.Query, strings.Join(s.Evidence, "\n- ")),
	})
	if err != nil {
		return fmt.Errorf("summarization: %w", err)
	}
	s.Answer = strings.TrimSpace(res.Text)
	return nil
}

// validateAnswer runs on every path: an empty or whitespace answer is
// replaced with the explicit no-result answer, and a run without evidence
// reports zero confidence.
func (p *Pipeline) validateAnswer(_ context.Context, s *State) error {
	s.Answer = strings.TrimSpace(s.Answer)
	if s.Answer == "" {
		s.Answer = noResultAnswer
	}
	if len(s.Evidence) == 0 {
		s.Confidence = 0
	}
	return nil
}

func (p *Pipeline) formatResponse(_ context.Context, s *State) error {
	if len(s.Sources) > 0 {
		seen := map[string]bool{}
		uniq := s.Sources[:0]
		for _, src := range s.Sources {
			if seen[src] {
				continue
			}
			seen[src] = true
			uniq = append(uniq, src)
		}
		s.Sources = uniq
	}
	return nil
}

func (p *Pipeline) saveResults(ctx context.Context, s *State) error {
	fields := map[string]any{
		"query":  s.Query,
		"intent": string(s.Intent),
		"answer": s.Answer,
	}
	if len(s.Sources) > 0 {
		fields["sources"] = s.Sources
	}
	if s.SQL != "" {
		fields["sql"] = s.SQL
	}
	s.Record = &store.Record{
		ID:         uuid.NewString(),
		TaskID:     s.TaskID,
		Status:     string(pipeline.StatusCompleted),
		Confidence: s.Confidence,
		Fields:     fields,
	}
	return p.opts.Store.Save(ctx, s.Record)
}

func (p *Pipeline) finalize(ctx context.Context, s *State) error {
	if s.Failed() {
		// Persist a failure record so the run remains queryable.
		rec := &store.Record{
			ID:     uuid.NewString(),
			TaskID: s.TaskID,
			Status: string(pipeline.StatusFailed),
			Fields: map[string]any{"query": s.Query, "error": s.Error},
		}
		if err := p.opts.Store.Save(ctx, rec); err != nil {
			s.Warn(fmt.Sprintf("persist failure record: %v", err))
		} else {
			s.Record = rec
		}
	}
	p.opts.Metrics.Record("query_runs_total", 1, map[string]string{
		"status": string(s.Status),
		"intent": string(s.Intent),
	})
	return nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```sql")
		text = strings.TrimPrefix(text, "```")
		if i := strings.Index(text, "```"); i >= 0 {
			text = text[:i]
		}
	}
	return strings.TrimSpace(text)
}

func formatRow(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
	}
	return strings.Join(parts, ", ")
}
