// Package extraction implements the document extraction pipeline: a
// conditional graph that turns an uploaded construction document into a
// validated, persisted structured record. The entry branch picks the model
// path by file type; a second branch routes sparse or low-confidence entity
// sets through visual-model refinement before validation.
package extraction

import (
	"strings"

	"github.com/siteworks/siteflow/pipeline"
	"github.com/siteworks/siteflow/store"
	"github.com/siteworks/siteflow/validate"
)

// Entity is one recognized span with its label and model confidence.
type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	CanonicalID string `json:"canonical_id,omitempty"`
}

// State carries one document through the extraction graph.
type State struct {
	pipeline.Core

	TaskID   string
	FilePath string
	FileType string
	Content  []byte

	Text     string
	Tables   []map[string]any
	Entities []Entity
	Fields   map[string]any

	Stages  validate.StageConfidences
	Outcome validate.Outcome

	Record *store.Record
	Review *validate.ReviewTask
}

// NewState initializes a run over the given document.
func NewState(taskID, filePath, fileType string, content []byte) *State {
	return &State{
		Core:     pipeline.NewCore(),
		TaskID:   taskID,
		FilePath: filePath,
		FileType: strings.ToLower(strings.TrimPrefix(fileType, ".")),
		Content:  content,
		Fields:   map[string]any{},
	}
}

// MeanEntityConfidence averages the per-entity confidences; zero when no
// entities were found.
func (s *State) MeanEntityConfidence() float64 {
	if len(s.Entities) == 0 {
		return 0
	}
	var sum float64
	for _, e := range s.Entities {
		sum += e.Confidence
	}
	return sum / float64(len(s.Entities))
}
