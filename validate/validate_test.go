package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeRecord() map[string]any {
	return map[string]any{
		"date":       "2024-05-12",
		"workpoint":  "一号工点",
		"team":       "张三班组",
		"subproject": "K12+300",
		"position":   "左侧边坡",
		"process":    "土方开挖",
		"quantity":   "120方",
		"weather":    "晴",
	}
}

func TestAggregateWeights(t *testing.T) {
	// A perfect OCR and NER run with a skipped visual pass lands exactly on
	// the sum of the first two weights.
	got := Aggregate(StageConfidences{OCR: 1, NER: 1, VLM: 0})
	assert.InDelta(t, 0.7, got, 1e-9)

	assert.InDelta(t, 1.0, Aggregate(StageConfidences{OCR: 1, NER: 1, VLM: 1}), 1e-9)
	assert.InDelta(t, 0.0, Aggregate(StageConfidences{}), 1e-9)
	assert.InDelta(t, 0.889, Aggregate(StageConfidences{OCR: 0.95, NER: 0.85, VLM: 0.88}), 1e-3)
}

func TestAggregateClamps(t *testing.T) {
	assert.Equal(t, 1.0, Aggregate(StageConfidences{OCR: 2, NER: 2, VLM: 2}))
	assert.Equal(t, 0.0, Aggregate(StageConfidences{OCR: -1, NER: -1, VLM: -1}))
}

func TestCheckRequiredComplete(t *testing.T) {
	assert.NoError(t, CheckRequired(completeRecord()))
}

func TestCheckRequiredMissing(t *testing.T) {
	rec := completeRecord()
	delete(rec, "weather")
	rec["quantity"] = "   "
	rec["team"] = nil

	err := CheckRequired(rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingFields)
	assert.ElementsMatch(t, []string{"team", "quantity", "weather"}, MissingFields(err))
}

func TestMissingFieldsOnOtherError(t *testing.T) {
	assert.Nil(t, MissingFields(ErrReviewClosed))
}

func TestEvaluatePasses(t *testing.T) {
	out := Evaluate(completeRecord(), StageConfidences{OCR: 0.95, NER: 0.9, VLM: 0.92})

	assert.False(t, out.NeedsReview)
	assert.Empty(t, out.Reasons)
	assert.Greater(t, out.Confidence, ConfidenceThreshold)
}

func TestEvaluateLowConfidenceNeedsReview(t *testing.T) {
	out := Evaluate(completeRecord(), StageConfidences{OCR: 0.6, NER: 0.5, VLM: 0.6})

	assert.True(t, out.NeedsReview)
	assert.Empty(t, out.MissingFields)
	require.Len(t, out.Reasons, 1)
	assert.Contains(t, out.Reasons[0], "confidence")
}

func TestEvaluateMissingFieldsNeedReviewDespiteConfidence(t *testing.T) {
	rec := completeRecord()
	delete(rec, "date")

	out := Evaluate(rec, StageConfidences{OCR: 1, NER: 1, VLM: 1})

	assert.True(t, out.NeedsReview)
	assert.Equal(t, []string{"date"}, out.MissingFields)
	assert.Equal(t, MissingSentinel, rec["date"], "missing fields are back-filled for the reviewer")
}

func TestEvaluateBackfillsAllMissingFields(t *testing.T) {
	rec := completeRecord()
	delete(rec, "weather")
	rec["quantity"] = "  "

	out := Evaluate(rec, StageConfidences{OCR: 1, NER: 1, VLM: 1})

	assert.ElementsMatch(t, []string{"quantity", "weather"}, out.MissingFields)
	assert.Equal(t, MissingSentinel, rec["quantity"])
	assert.Equal(t, MissingSentinel, rec["weather"])
}

func TestEvaluateVLMNonVerificationForcesReview(t *testing.T) {
	verified := false
	out := Evaluate(completeRecord(), StageConfidences{OCR: 1, NER: 1, VLM: 1, VLMVerified: &verified})

	assert.True(t, out.NeedsReview)
	assert.Contains(t, out.Reasons, "visual verification failed")
}

func TestEvaluateVLMVerifiedPasses(t *testing.T) {
	verified := true
	out := Evaluate(completeRecord(), StageConfidences{OCR: 1, NER: 1, VLM: 1, VLMVerified: &verified})

	assert.False(t, out.NeedsReview)
}

func TestReviewQueueLifecycle(t *testing.T) {
	q := NewReviewQueue()
	out := Evaluate(map[string]any{}, StageConfidences{})
	rt := NewReviewTask("task-1", map[string]any{}, out)
	q.Add(rt)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, ReviewPending, pending[0].Status)

	require.NoError(t, q.Approve(rt.ID, "inspector", "checked on site"))

	got, err := q.Get(rt.ID)
	require.NoError(t, err)
	assert.Equal(t, ReviewApproved, got.Status)
	assert.Equal(t, "inspector", got.Reviewer)
	assert.False(t, got.ClosedAt.IsZero())
	assert.Empty(t, q.Pending())
}

func TestReviewTerminalStatusCannotFlip(t *testing.T) {
	q := NewReviewQueue()
	rt := NewReviewTask("task-1", nil, Outcome{})
	q.Add(rt)

	require.NoError(t, q.Reject(rt.ID, "inspector", "illegible photo"))

	err := q.Approve(rt.ID, "inspector", "changed my mind")
	assert.ErrorIs(t, err, ErrReviewClosed)

	got, _ := q.Get(rt.ID)
	assert.Equal(t, ReviewRejected, got.Status)
}

func TestReviewUnknownID(t *testing.T) {
	q := NewReviewQueue()

	_, err := q.Get("nope")
	assert.ErrorIs(t, err, ErrReviewNotFound)
	assert.ErrorIs(t, q.Approve("nope", "x", ""), ErrReviewNotFound)
}
