package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteworks/siteflow/bus"
	"github.com/siteworks/siteflow/extraction"
	"github.com/siteworks/siteflow/provider"
	"github.com/siteworks/siteflow/query"
	"github.com/siteworks/siteflow/routing"
	"github.com/siteworks/siteflow/store"
	"github.com/siteworks/siteflow/task"
)

func fastBus() *bus.MemoryBus {
	return bus.NewMemoryBus(func(o *bus.Options) {
		o.PollInterval = 2 * time.Millisecond
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func entities(n int, conf float64) []map[string]any {
	labels := []string{"DATE", "WORKPOINT", "TEAM", "SUBPROJECT", "POSITION", "PROCESS", "QUANTITY", "WEATHER"}
	out := make([]map[string]any, 0, n)
	for i := 0; i < n && i < len(labels); i++ {
		out = append(out, map[string]any{"text": "v", "label": labels[i], "confidence": conf})
	}
	return out
}

func extractionPipeline(t *testing.T, st store.RecordStore, nerConf float64) *extraction.Pipeline {
	t.Helper()
	p, err := extraction.New(func(o *extraction.Options) {
		o.OCR = &provider.Static{Result: provider.Result{Text: "text", Confidence: 0.95}}
		o.NER = &provider.Static{Result: provider.Result{
			Confidence: nerConf,
			Payload:    map[string]any{"entities": entities(8, 0.9)},
		}}
		o.VLM = &provider.Static{Result: provider.Result{Confidence: 0.9}}
		o.Store = st
	})
	require.NoError(t, err)
	return p
}

func queryPipeline(t *testing.T) *query.Pipeline {
	t.Helper()
	p, err := query.New(func(o *query.Options) {
		o.LLM = &provider.Sequence{Results: []provider.Result{
			{Text: "unstructured"},
			{Text: "答案"},
		}}
		o.SQL = &provider.Static{Result: provider.Result{Payload: map[string]any{}}}
		o.Search = &provider.Static{Result: provider.Result{
			Payload: map[string]any{"hits": []map[string]any{
				{"id": "d1", "content": "内容", "source": "a.pdf", "score": 0.8},
			}},
		}}
	})
	require.NoError(t, err)
	return p
}

func TestRunnerProcessesExtractionTask(t *testing.T) {
	b := fastBus()
	st := store.NewMemoryStore()
	r, err := New(b, func(o *Options) {
		o.Extraction = extractionPipeline(t, st, 0.9)
	})
	require.NoError(t, err)

	r.Start()
	defer r.Stop()
	defer b.Stop()

	tk := task.New(task.KindExtraction, 7, map[string]any{
		"file_path": "report.jpg",
		"file_type": "jpg",
		"content":   "image-bytes",
	}, nil)
	require.NoError(t, b.Publish(routing.QueueFileProcessing, tk, 7))

	waitFor(t, func() bool {
		recs, _ := st.List(context.Background(), store.ListFilter{TaskID: tk.ID})
		return len(recs) == 1
	})

	// A status update lands on the status queue.
	waitFor(t, func() bool { return b.QueueSize(routing.QueueStatus) == 1 })
	head, ok := b.Peek(routing.QueueStatus)
	require.True(t, ok)
	assert.Equal(t, tk.ID, head.Task.Payload["task_id"])
	assert.Equal(t, "completed", head.Task.Payload["status"])
}

func TestRunnerPublishesReviewTask(t *testing.T) {
	b := fastBus()
	st := store.NewMemoryStore()
	// Weak NER keeps the aggregate confidence below the review threshold.
	r, err := New(b, func(o *Options) {
		o.Extraction = extractionPipeline(t, st, 0.3)
	})
	require.NoError(t, err)

	r.Start()
	defer r.Stop()
	defer b.Stop()

	tk := task.New(task.KindExtraction, 7, map[string]any{
		"file_path": "report.jpg",
		"file_type": "jpg",
		"content":   "image-bytes",
	}, nil)
	require.NoError(t, b.Publish(routing.QueueFileProcessing, tk, 7))

	waitFor(t, func() bool { return b.QueueSize(routing.QueueReview) == 1 })
	head, ok := b.Peek(routing.QueueReview)
	require.True(t, ok)
	assert.Equal(t, tk.ID, head.Task.Payload["task_id"])
	assert.Equal(t, task.MaxPriority, head.Task.Priority)
}

func TestRunnerProcessesQueryTask(t *testing.T) {
	b := fastBus()
	r, err := New(b, func(o *Options) {
		o.Query = queryPipeline(t)
	})
	require.NoError(t, err)

	r.Start()
	defer r.Stop()
	defer b.Stop()

	tk := task.New(task.KindQuery, 9, map[string]any{"query": "现场情况如何？"}, nil)
	require.NoError(t, b.Publish(routing.QueueNaturalLanguage, tk, 9))

	waitFor(t, func() bool { return b.QueueSize(routing.QueueStatus) == 1 })
	head, ok := b.Peek(routing.QueueStatus)
	require.True(t, ok)
	assert.Equal(t, "completed", head.Task.Payload["status"])
}

func TestRunnerRequiresPipeline(t *testing.T) {
	_, err := New(fastBus())
	assert.Error(t, err)
}

func TestRunnerStartStopIdempotent(t *testing.T) {
	b := fastBus()
	r, err := New(b, func(o *Options) {
		o.Query = queryPipeline(t)
	})
	require.NoError(t, err)

	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
	b.Stop()
}
