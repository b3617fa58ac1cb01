// Package guard evaluates the validation rules that run around workflow
// blocks and folds their outcomes into a single routing decision.
package guard

import (
	"context"
	"fmt"

	"github.com/goliatone/go-workflow"
)

// Phase selects when a guard is evaluated relative to its block.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// DefaultThreshold is the lowest severity at which a failed guard blocks flow.
const DefaultThreshold = workflow.SeverityBlocking

// Outcome is the verdict of one guard evaluation.
type Outcome struct {
	GuardID      string            `json:"guard_id"`
	Passed       bool              `json:"passed"`
	Severity     workflow.Severity `json:"severity"`
	Message      string            `json:"message,omitempty"`
	FailureBlock string            `json:"failure_block,omitempty"`
	// Err is set when the guard itself errored; the outcome then counts as failed.
	Err error `json:"-"`
}

// Guard checks an execution before a block runs and after it returns.
type Guard interface {
	EvaluatePre(ctx context.Context, ec *workflow.ExecutionContext) (Outcome, error)
	EvaluatePost(ctx context.Context, ec *workflow.ExecutionContext, result workflow.ExecutionResult) (Outcome, error)
}

// Factory builds guards from their definitions.
type Factory interface {
	CreateGuard(def workflow.GuardDefinition) (Guard, error)
}

// Base carries the definition of a guard and builds its outcomes.
type Base struct {
	Def workflow.GuardDefinition
}

// Pass returns a passing outcome.
func (b Base) Pass() Outcome {
	return Outcome{GuardID: b.Def.ID, Passed: true, Severity: b.Def.Severity}
}

// Fail returns a failing outcome at the definition severity.
func (b Base) Fail(format string, args ...any) Outcome {
	return Outcome{
		GuardID:      b.Def.ID,
		Severity:     b.Def.Severity,
		Message:      fmt.Sprintf(format, args...),
		FailureBlock: b.Def.FailureBlock,
	}
}

// PreFunc adapts a context check into a Guard that always passes post-execution.
type PreFunc func(ctx context.Context, ec *workflow.ExecutionContext) (Outcome, error)

func (f PreFunc) EvaluatePre(ctx context.Context, ec *workflow.ExecutionContext) (Outcome, error) {
	return f(ctx, ec)
}

func (f PreFunc) EvaluatePost(context.Context, *workflow.ExecutionContext, workflow.ExecutionResult) (Outcome, error) {
	return Outcome{Passed: true}, nil
}

// PostFunc adapts a result check into a Guard that always passes pre-execution.
type PostFunc func(ctx context.Context, ec *workflow.ExecutionContext, result workflow.ExecutionResult) (Outcome, error)

func (f PostFunc) EvaluatePre(context.Context, *workflow.ExecutionContext) (Outcome, error) {
	return Outcome{Passed: true}, nil
}

func (f PostFunc) EvaluatePost(ctx context.Context, ec *workflow.ExecutionContext, result workflow.ExecutionResult) (Outcome, error) {
	return f(ctx, ec, result)
}
