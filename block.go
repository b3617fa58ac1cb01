package workflow

import (
	"context"
	"time"
)

// ResultStatus is the outcome class of a single block execution.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailure ResultStatus = "failure"
	StatusWait    ResultStatus = "wait"
)

// ExecutionResult is what a block hands back to the executor.
type ExecutionResult struct {
	Status ResultStatus
	// NextBlock overrides the definition transitions when set.
	NextBlock string
	Output    any
	IsSuccess bool
}

// Succeeded builds a successful result.
func Succeeded(output any) ExecutionResult {
	return ExecutionResult{Status: StatusSuccess, Output: output, IsSuccess: true}
}

// Failed builds a failure result. Failures are routed through NextOnFailure,
// they are not errors.
func Failed(output any) ExecutionResult {
	return ExecutionResult{Status: StatusFailure, Output: output}
}

// Waiting builds a result that suspends the run for d before following the
// success transition.
func Waiting(d time.Duration) ExecutionResult {
	return ExecutionResult{Status: StatusWait, Output: d, IsSuccess: true}
}

// Then returns a copy of r with an explicit next block.
func (r ExecutionResult) Then(block string) ExecutionResult {
	r.NextBlock = block
	return r
}

// WaitDuration extracts the suspension length carried by a Wait result.
func (r ExecutionResult) WaitDuration() (time.Duration, bool) {
	if r.Status != StatusWait {
		return 0, false
	}
	switch v := r.Output.(type) {
	case time.Duration:
		return v, v > 0
	case *time.Duration:
		if v == nil {
			return 0, false
		}
		return *v, *v > 0
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false
		}
		return d, d > 0
	default:
		return 0, false
	}
}

// Block is a single unit of work. Execute is invoked once per scheduled
// iteration; state written to ec is the sanctioned channel back to the engine.
type Block interface {
	Execute(ctx context.Context, ec *ExecutionContext) (ExecutionResult, error)
}

// BlockFunc adapts a function to Block.
type BlockFunc func(ctx context.Context, ec *ExecutionContext) (ExecutionResult, error)

// Execute calls f.
func (f BlockFunc) Execute(ctx context.Context, ec *ExecutionContext) (ExecutionResult, error) {
	return f(ctx, ec)
}

// BlockFactory resolves block implementations from definitions.
type BlockFactory interface {
	CreateBlock(def BlockDefinition) (Block, error)
}

// BlockExecutionInfo is one history record of an executed block.
type BlockExecutionInfo struct {
	BlockName string       `json:"block_name" msgpack:"block_name"`
	BlockID   string       `json:"block_id,omitempty" msgpack:"block_id,omitempty"`
	BlockType string       `json:"block_type" msgpack:"block_type"`
	StartedAt time.Time    `json:"started_at" msgpack:"started_at"`
	EndedAt   time.Time    `json:"ended_at" msgpack:"ended_at"`
	Status    ResultStatus `json:"status" msgpack:"status"`
	Output    any          `json:"output,omitempty" msgpack:"output,omitempty"`
	Error     string       `json:"error,omitempty" msgpack:"error,omitempty"`
	Warnings  []string     `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
}

// Duration returns the wall time spent in the block.
func (i BlockExecutionInfo) Duration() time.Duration {
	if i.EndedAt.Before(i.StartedAt) {
		return 0
	}
	return i.EndedAt.Sub(i.StartedAt)
}
