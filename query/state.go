// Package query implements the natural-language query pipeline: intent
// classification over the incoming question, SQL generation and execution
// for structured intents, full-text retrieval for unstructured ones, and a
// summarization pass that turns the merged evidence into an answer. Hybrid
// intents and empty SQL result sets fall through to retrieval so a question
// is never answered from a missing table alone. Every answered question is
// persisted to the record store alongside extraction results.
package query

import (
	"strings"

	"github.com/siteworks/siteflow/pipeline"
	"github.com/siteworks/siteflow/store"
)

// Intent labels a question's answering strategy.
type Intent string

const (
	IntentStructured   Intent = "structured"
	IntentUnstructured Intent = "unstructured"
	IntentHybrid       Intent = "hybrid"
	IntentUnknown      Intent = "unknown"
)

// ParseIntent normalizes a raw classifier label. Anything unrecognized maps
// to IntentUnknown.
func ParseIntent(label string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(label))) {
	case IntentStructured:
		return IntentStructured
	case IntentUnstructured:
		return IntentUnstructured
	case IntentHybrid:
		return IntentHybrid
	default:
		return IntentUnknown
	}
}

// Hit is one retrieval result.
type Hit struct {
	ID      string
	Content string
	Source  string
	Score   float64
}

// State carries one question through the query graph.
type State struct {
	pipeline.Core

	TaskID string
	Query  string
	UserID string

	Intent Intent
	SQL    string
	Rows   []map[string]any
	Hits   []Hit

	Evidence []string
	Answer   string
	Sources  []string

	Confidence float64

	Record *store.Record
}

// NewState initializes a run over the given question.
func NewState(taskID, query string) *State {
	return &State{
		Core:   pipeline.NewCore(),
		TaskID: taskID,
		Query:  strings.TrimSpace(query),
	}
}
