package pipeline

import (
	"time"
)

// Status is the lifecycle state of one pipeline run.
type Status string

const (
	// StatusPending precedes the first step.
	StatusPending Status = "pending"
	// StatusProcessing is set while a step executes.
	StatusProcessing Status = "processing"
	// StatusCompleted marks a run that reached the terminal step cleanly.
	StatusCompleted Status = "completed"
	// StatusFailed marks a run whose step errored; the failure is captured
	// in state and the run still produces a terminal record.
	StatusFailed Status = "failed"
	// StatusReviewedApproved / StatusReviewedRejected are terminal review
	// outcomes applied after the run by the review workflow.
	StatusReviewedApproved Status = "reviewed_approved"
	StatusReviewedRejected Status = "reviewed_rejected"
)

// State is the contract every pipeline state type implements so the engine
// can thread step bookkeeping through it.
type State interface {
	// Begin records that the named step started executing.
	Begin(step string)
	// Fail records a step failure. The run continues to the terminal step.
	Fail(step string, err error)
	// Finish marks the run completed unless it already failed.
	Finish()
}

// Core is the embeddable base for concrete pipeline states. It carries the
// bookkeeping fields the engine maintains plus run timing and warnings.
type Core struct {
	CurrentStep string    `json:"current_step"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// NewCore returns a pending core stamped with the current time.
func NewCore() Core {
	return Core{Status: StatusPending, StartTime: time.Now().UTC()}
}

// Begin implements State.
func (c *Core) Begin(step string) {
	c.CurrentStep = step
	if c.Status != StatusFailed {
		c.Status = StatusProcessing
	}
}

// Fail implements State. The first failure wins; later step errors are
// appended as warnings so nothing is silently lost.
func (c *Core) Fail(step string, err error) {
	c.CurrentStep = step
	if c.Status == StatusFailed {
		c.Warnings = append(c.Warnings, "step "+step+": "+err.Error())
		return
	}
	c.Status = StatusFailed
	c.Error = err.Error()
}

// Finish implements State.
func (c *Core) Finish() {
	c.EndTime = time.Now().UTC()
	if c.Status != StatusFailed {
		c.Status = StatusCompleted
	}
}

// Failed reports whether the run has recorded a failure.
func (c *Core) Failed() bool { return c.Status == StatusFailed }

// Warn appends a non-fatal warning.
func (c *Core) Warn(msg string) { c.Warnings = append(c.Warnings, msg) }

// ProcessingTime returns the elapsed run duration, zero before Finish.
func (c *Core) ProcessingTime() time.Duration {
	if c.EndTime.IsZero() {
		return 0
	}
	return c.EndTime.Sub(c.StartTime)
}
