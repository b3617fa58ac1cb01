package engine

import (
	"context"
	"errors"

	"github.com/goliatone/go-workflow"
)

// Monitor observes executions. Callbacks are best effort: returned errors and
// panics are logged by the executor and never change the run outcome.
type Monitor interface {
	OnWorkflowStarted(ctx context.Context, def *workflow.Definition, ec *workflow.ExecutionContext) error
	OnBlockExecuted(ctx context.Context, ec *workflow.ExecutionContext, info workflow.BlockExecutionInfo) error
	OnWorkflowCompleted(ctx context.Context, result *Result) error
	OnWorkflowFailed(ctx context.Context, result *Result) error
	OnWorkflowCancelled(ctx context.Context, result *Result) error
}

// NopMonitor ignores every callback. Embed it to implement a subset.
type NopMonitor struct{}

func (NopMonitor) OnWorkflowStarted(context.Context, *workflow.Definition, *workflow.ExecutionContext) error {
	return nil
}

func (NopMonitor) OnBlockExecuted(context.Context, *workflow.ExecutionContext, workflow.BlockExecutionInfo) error {
	return nil
}

func (NopMonitor) OnWorkflowCompleted(context.Context, *Result) error { return nil }
func (NopMonitor) OnWorkflowFailed(context.Context, *Result) error    { return nil }
func (NopMonitor) OnWorkflowCancelled(context.Context, *Result) error { return nil }

// Monitors fans callbacks out to every member. A failing or panicking member
// does not stop delivery to the rest; their errors are joined.
type Monitors []Monitor

var _ Monitor = Monitors(nil)

func (m Monitors) each(name string, call func(Monitor) error) error {
	var errs []error
	for _, mon := range m {
		if mon == nil {
			continue
		}
		errs = append(errs, safeCall(name, mon, call))
	}
	return errors.Join(errs...)
}

func safeCall(name string, mon Monitor, call func(Monitor) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = workflow.PanicError(name, r)
		}
	}()
	return call(mon)
}

func (m Monitors) OnWorkflowStarted(ctx context.Context, def *workflow.Definition, ec *workflow.ExecutionContext) error {
	return m.each("OnWorkflowStarted", func(mon Monitor) error { return mon.OnWorkflowStarted(ctx, def, ec) })
}

func (m Monitors) OnBlockExecuted(ctx context.Context, ec *workflow.ExecutionContext, info workflow.BlockExecutionInfo) error {
	return m.each("OnBlockExecuted", func(mon Monitor) error { return mon.OnBlockExecuted(ctx, ec, info) })
}

func (m Monitors) OnWorkflowCompleted(ctx context.Context, result *Result) error {
	return m.each("OnWorkflowCompleted", func(mon Monitor) error { return mon.OnWorkflowCompleted(ctx, result) })
}

func (m Monitors) OnWorkflowFailed(ctx context.Context, result *Result) error {
	return m.each("OnWorkflowFailed", func(mon Monitor) error { return mon.OnWorkflowFailed(ctx, result) })
}

func (m Monitors) OnWorkflowCancelled(ctx context.Context, result *Result) error {
	return m.each("OnWorkflowCancelled", func(mon Monitor) error { return mon.OnWorkflowCancelled(ctx, result) })
}
