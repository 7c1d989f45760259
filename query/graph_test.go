package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteworks/siteflow/pipeline"
	"github.com/siteworks/siteflow/provider"
	"github.com/siteworks/siteflow/store"
)

func sqlResult(rows []map[string]any) *provider.Static {
	return &provider.Static{Result: provider.Result{
		Payload: map[string]any{"rows": rows, "count": len(rows)},
	}}
}

func searchResult(hits []map[string]any) *provider.Static {
	return &provider.Static{Result: provider.Result{
		Payload:    map[string]any{"hits": hits, "count": len(hits)},
		Confidence: 0.8,
	}}
}

func testPipeline(t *testing.T, llm, sqlp, search provider.Provider) *Pipeline {
	t.Helper()
	p, err := New(func(o *Options) {
		o.LLM = llm
		o.SQL = sqlp
		o.Search = search
	})
	require.NoError(t, err)
	return p
}

func TestParseIntent(t *testing.T) {
	assert.Equal(t, IntentStructured, ParseIntent("structured"))
	assert.Equal(t, IntentHybrid, ParseIntent(" Hybrid \n"))
	assert.Equal(t, IntentUnstructured, ParseIntent("UNSTRUCTURED"))
	assert.Equal(t, IntentUnknown, ParseIntent("dunno"))
	assert.Equal(t, IntentUnknown, ParseIntent(""))
}

func TestStructuredQueryAnswersFromSQL(t *testing.T) {
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "structured"},
		{Text: "SELECT quantity FROM records"},
		{Text: "共开挖土方120方。"},
	}}
	sqlp := &provider.Recorder{Next: sqlResult([]map[string]any{{"quantity": "120方"}})}
	search := &provider.Recorder{Next: searchResult(nil)}
	p := testPipeline(t, llm, sqlp, search)

	state, err := p.Run(context.Background(), NewState("t1", "昨天挖了多少土方？"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, state.Status)
	assert.Equal(t, IntentStructured, state.Intent)
	assert.Equal(t, 1, sqlp.Calls())
	assert.Equal(t, 0, search.Calls(), "non-empty SQL results need no retrieval")
	assert.Equal(t, "共开挖土方120方。", state.Answer)
}

func TestHybridQueryAlwaysRetrieves(t *testing.T) {
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "hybrid"},
		{Text: "SELECT process FROM records"},
		{Text: "土方开挖，因降雨停工两小时。"},
	}}
	sqlp := sqlResult([]map[string]any{{"process": "土方开挖"}})
	search := &provider.Recorder{Next: searchResult([]map[string]any{
		{"id": "d1", "content": "因降雨下午停工两小时", "source": "daily_0512.pdf", "score": 0.7},
	})}
	p := testPipeline(t, llm, sqlp, search)

	state, err := p.Run(context.Background(), NewState("t1", "昨天的施工情况？"))
	require.NoError(t, err)

	assert.Equal(t, IntentHybrid, state.Intent)
	assert.Equal(t, 1, search.Calls())
	assert.Contains(t, state.Evidence[0], "process=土方开挖")
	assert.Equal(t, []string{"daily_0512.pdf"}, state.Sources)
}

func TestEmptySQLResultsFallThroughToRetrieval(t *testing.T) {
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "structured"},
		{Text: "SELECT * FROM records WHERE 1=0"},
		{Text: "根据文档记载，混凝土试块检测合格。"},
	}}
	search := &provider.Recorder{Next: searchResult([]map[string]any{
		{"id": "d2", "content": "混凝土试块检测合格", "source": "qa.pdf", "score": 0.9},
	})}
	p := testPipeline(t, llm, sqlResult(nil), search)

	state, err := p.Run(context.Background(), NewState("t1", "试块检测结果？"))
	require.NoError(t, err)

	assert.Equal(t, IntentStructured, state.Intent)
	assert.Equal(t, 1, search.Calls(), "empty SQL rows must trigger retrieval")
	assert.NotEmpty(t, state.Answer)
}

func TestUnstructuredQuerySkipsSQL(t *testing.T) {
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "unstructured"},
		{Text: "返工原因是钢筋间距超标。"},
	}}
	sqlp := &provider.Recorder{Next: sqlResult(nil)}
	search := searchResult([]map[string]any{
		{"id": "d3", "content": "钢筋间距超标，已返工", "source": "daily_0513.pdf", "score": 0.8},
	})
	p := testPipeline(t, llm, sqlp, search)

	state, err := p.Run(context.Background(), NewState("t1", "为什么要返工？"))
	require.NoError(t, err)

	assert.Equal(t, IntentUnstructured, state.Intent)
	assert.Equal(t, 0, sqlp.Calls())
	assert.Equal(t, "返工原因是钢筋间距超标。", state.Answer)
}

func TestUnknownIntentFallsBackToRetrieval(t *testing.T) {
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "???"},
		{Text: "从文档中找到了描述。"},
	}}
	search := &provider.Recorder{Next: searchResult([]map[string]any{
		{"id": "d9", "content": "描述", "source": "y.pdf", "score": 0.6},
	})}
	p := testPipeline(t, llm, sqlResult(nil), search)

	state, err := p.Run(context.Background(), NewState("t1", "嗯"))
	require.NoError(t, err)

	assert.Equal(t, IntentUnknown, state.Intent)
	assert.Equal(t, pipeline.StatusCompleted, state.Status)
	assert.Equal(t, 1, search.Calls(), "unknown intent takes the retrieval path")
	assert.Equal(t, "从文档中找到了描述。", state.Answer)
	assert.Empty(t, state.SQL)
}

func TestKeywordIntentFallback(t *testing.T) {
	assert.Equal(t, IntentStructured, keywordIntent("上周共完成多少工程量"))
	assert.Equal(t, IntentUnstructured, keywordIntent("为什么要返工"))
	assert.Equal(t, IntentUnstructured, keywordIntent("现场有什么问题"))
	assert.Equal(t, IntentHybrid, keywordIntent("施工情况怎么样，共完成多少方量"))
}

func TestClassificationFailureDegradesToRetrieval(t *testing.T) {
	llm := &failThenAnswer{answer: "从文档中找到了相关描述。"}
	search := &provider.Recorder{Next: searchResult([]map[string]any{
		{"id": "d4", "content": "描述", "source": "x.pdf", "score": 0.5},
	})}
	p := testPipeline(t, llm, sqlResult(nil), search)

	state, err := p.Run(context.Background(), NewState("t1", "现场有什么问题？"))
	require.NoError(t, err)

	assert.Equal(t, IntentUnstructured, state.Intent)
	assert.Equal(t, 1, search.Calls())
	assert.Equal(t, pipeline.StatusCompleted, state.Status)
}

// failThenAnswer errors on the first call (intent classification) and
// answers every later call.
type failThenAnswer struct {
	calls  int
	answer string
}

func (f *failThenAnswer) Invoke(context.Context, provider.Input) (*provider.Result, error) {
	f.calls++
	if f.calls == 1 {
		return nil, assert.AnError
	}
	return &provider.Result{Text: f.answer}, nil
}

func TestValidateSQLRejectsMutations(t *testing.T) {
	cases := []string{
		"DROP TABLE records",
		"DELETE FROM records",
		"SELECT 1; UPDATE records SET status='x'",
		"",
	}
	for _, sql := range cases {
		llm := &provider.Sequence{Results: []provider.Result{
			{Text: "structured"},
			{Text: sql},
		}}
		p := testPipeline(t, llm, sqlResult(nil), searchResult(nil))

		state, err := p.Run(context.Background(), NewState("t1", "问题"))
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, state.Status, "sql: %q", sql)
	}
}

func TestRunPersistsQueryRecord(t *testing.T) {
	st := store.NewMemoryStore()
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "structured"},
		{Text: "SELECT quantity FROM records"},
		{Text: "共开挖土方120方。"},
	}}
	p, err := New(func(o *Options) {
		o.LLM = llm
		o.SQL = sqlResult([]map[string]any{{"quantity": "120方"}})
		o.Search = searchResult(nil)
		o.Store = st
	})
	require.NoError(t, err)

	state, err := p.Run(context.Background(), NewState("t1", "昨天挖了多少土方？"))
	require.NoError(t, err)
	require.NotNil(t, state.Record)

	recs, err := st.List(context.Background(), store.ListFilter{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, string(pipeline.StatusCompleted), recs[0].Status)
	assert.Equal(t, "昨天挖了多少土方？", recs[0].Fields["query"])
	assert.Equal(t, "共开挖土方120方。", recs[0].Fields["answer"])
	assert.Equal(t, "structured", recs[0].Fields["intent"])
}

func TestFailedRunPersistsFailureRecord(t *testing.T) {
	st := store.NewMemoryStore()
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "structured"},
		{Text: "DROP TABLE records"},
	}}
	p, err := New(func(o *Options) {
		o.LLM = llm
		o.SQL = sqlResult(nil)
		o.Search = searchResult(nil)
		o.Store = st
	})
	require.NoError(t, err)

	state, err := p.Run(context.Background(), NewState("t1", "问题"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, state.Status)

	recs, err := st.List(context.Background(), store.ListFilter{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, string(pipeline.StatusFailed), recs[0].Status)
	assert.NotEmpty(t, recs[0].Fields["error"])
}

func TestValidateAnswerBackfillsEmptyAnswer(t *testing.T) {
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "unstructured"},
		{Text: "   \n"},
	}}
	p := testPipeline(t, llm, sqlResult(nil), searchResult([]map[string]any{
		{"id": "d5", "content": "内容", "source": "z.pdf", "score": 0.4},
	}))

	state, err := p.Run(context.Background(), NewState("t1", "有记录吗？"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, state.Status)
	assert.Equal(t, "未找到相关记录。", state.Answer)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "SELECT 1", stripFences("```sql\nSELECT 1\n```"))
	assert.Equal(t, "SELECT 1", stripFences("```\nSELECT 1\n```"))
	assert.Equal(t, "SELECT 1", stripFences("  SELECT 1  "))
}

func TestNoEvidenceAnswer(t *testing.T) {
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "unstructured"},
	}}
	p := testPipeline(t, llm, sqlResult(nil), searchResult(nil))

	state, err := p.Run(context.Background(), NewState("t1", "有相关记录吗？"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, state.Status)
	assert.Equal(t, "未找到相关记录。", state.Answer)
}

func TestEvidenceCapped(t *testing.T) {
	rows := make([]map[string]any, 20)
	for i := range rows {
		rows[i] = map[string]any{"n": i}
	}
	llm := &provider.Sequence{Results: []provider.Result{
		{Text: "structured"},
		{Text: "SELECT n FROM records"},
		{Text: "答案"},
	}}
	p := testPipeline(t, llm, sqlResult(rows), searchResult(nil))

	state, err := p.Run(context.Background(), NewState("t1", "统计"))
	require.NoError(t, err)

	assert.Len(t, state.Evidence, MaxEvidence)
}
