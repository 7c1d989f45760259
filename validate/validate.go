// Package validate implements result validation for extracted construction
// records: weighted confidence aggregation over the model stages, required
// field completeness checks, and the manual review workflow for records that
// do not clear the automatic thresholds.
package validate

import (
	"errors"
	"fmt"
	"strings"
)

// Stage confidence weights. The NER stage carries the most signal because
// the structured fields come out of it; OCR and VLM refinement split the
// remainder.
const (
	WeightOCR = 0.3
	WeightNER = 0.4
	WeightVLM = 0.3
)

// ConfidenceThreshold is the minimum aggregate confidence for a record to
// skip manual review.
const ConfidenceThreshold = 0.8

// MissingSentinel is written into the record for every required field the
// extraction could not fill, so downstream consumers see an explicit marker
// instead of an absent key.
const MissingSentinel = "待补充"

// RequiredFields lists the fields every construction record must carry.
var RequiredFields = []string{
	"date",
	"workpoint",
	"team",
	"subproject",
	"position",
	"process",
	"quantity",
	"weather",
}

// ErrMissingFields reports an incomplete record. Use errors.Is to detect it
// and MissingFields to recover the field names.
var ErrMissingFields = errors.New("required fields missing")

// FieldError carries the concrete missing field names behind ErrMissingFields.
type FieldError struct {
	Fields []string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMissingFields, strings.Join(e.Fields, ", "))
}

func (e *FieldError) Unwrap() error { return ErrMissingFields }

// MissingFields extracts the missing field names from an error chain, if
// present.
func MissingFields(err error) []string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Fields
	}
	return nil
}

// StageConfidences holds the per-stage scores produced during extraction.
// Stages that do not apply to a run (no OCR pass for plain text, no visual
// refinement for an accepted entity set) are scored 1 by the pipeline so the
// aggregate reflects only the stages that ran.
type StageConfidences struct {
	OCR float64
	NER float64
	VLM float64

	// VLMVerified is the visual model's explicit verification verdict. Nil
	// means the visual pass did not run or gave no verdict; an explicit
	// false forces manual review regardless of confidence.
	VLMVerified *bool
}

// Aggregate combines stage confidences with the fixed weights and clamps
// the result into [0, 1].
func Aggregate(s StageConfidences) float64 {
	v := WeightOCR*s.OCR + WeightNER*s.NER + WeightVLM*s.VLM
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CheckRequired verifies that every required field is present and non-empty
// in the record. String values consisting only of whitespace count as
// missing.
func CheckRequired(record map[string]any) error {
	var missing []string
	for _, field := range RequiredFields {
		v, ok := record[field]
		if !ok || v == nil {
			missing = append(missing, field)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &FieldError{Fields: missing}
	}
	return nil
}

// Outcome is the validation verdict for one record.
type Outcome struct {
	Confidence    float64
	MissingFields []string
	NeedsReview   bool
	Reasons       []string
}

// Evaluate runs the full validation: aggregate confidence, required field
// check, and the review decision. A record needs review when its aggregate
// confidence is below the threshold, any required field is missing, or the
// visual model explicitly reported non-verification. Every missing field is
// back-filled into the record with MissingSentinel.
func Evaluate(record map[string]any, s StageConfidences) Outcome {
	out := Outcome{Confidence: Aggregate(s)}

	if err := CheckRequired(record); err != nil {
		out.MissingFields = MissingFields(err)
		for _, field := range out.MissingFields {
			if record != nil {
				record[field] = MissingSentinel
			}
		}
		out.Reasons = append(out.Reasons, fmt.Sprintf("missing fields: %s", strings.Join(out.MissingFields, ", ")))
	}
	if out.Confidence < ConfidenceThreshold {
		out.Reasons = append(out.Reasons, fmt.Sprintf("confidence %.2f below threshold %.2f", out.Confidence, ConfidenceThreshold))
	}
	if s.VLMVerified != nil && !*s.VLMVerified {
		out.Reasons = append(out.Reasons, "visual verification failed")
	}

	out.NeedsReview = len(out.Reasons) > 0
	return out
}
