package engine

import (
	"time"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/checkpoint"
	"github.com/goliatone/go-workflow/retry"
)

// Result is the terminal outcome of a run.
type Result struct {
	WorkflowID    string                        `json:"workflow_id"`
	ExecutionID   string                        `json:"execution_id"`
	CorrelationID string                        `json:"correlation_id,omitempty"`
	Status        checkpoint.Status             `json:"status"`
	StartedAt     time.Time                     `json:"started_at"`
	CompletedAt   time.Time                     `json:"completed_at"`
	State         map[string]any                `json:"state"`
	History       []workflow.BlockExecutionInfo `json:"history"`
	// Version is the last persisted checkpoint version.
	Version int   `json:"version"`
	Err     error `json:"-"`
	// Decision is set when a block error went through the error handler.
	Decision *retry.Decision `json:"decision,omitempty"`
}

// Duration returns the wall time of the run.
func (r *Result) Duration() time.Duration {
	if r == nil || r.CompletedAt.Before(r.StartedAt) {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run completed.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == checkpoint.StatusCompleted
}

// ErrorText returns the failure cause text, empty when there is none.
func (r *Result) ErrorText() string {
	if r == nil || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
