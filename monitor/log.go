// Package monitor provides engine monitors that report execution progress to
// a logger or to a NATS subject tree.
package monitor

import (
	"context"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/engine"
)

// LogMonitor writes one line per callback.
type LogMonitor struct {
	logger workflow.Logger
}

var _ engine.Monitor = (*LogMonitor)(nil)

// NewLogMonitor builds a LogMonitor. A nil logger falls back to stdout.
func NewLogMonitor(logger workflow.Logger) *LogMonitor {
	return &LogMonitor{logger: workflow.NormalizeLogger(logger)}
}

func (m *LogMonitor) with(ctx context.Context, workflowID, executionID string) workflow.Logger {
	return workflow.WithLoggerFields(m.logger.WithContext(ctx), map[string]any{
		"workflow_id":  workflowID,
		"execution_id": executionID,
	})
}

func (m *LogMonitor) OnWorkflowStarted(ctx context.Context, def *workflow.Definition, ec *workflow.ExecutionContext) error {
	m.with(ctx, ec.WorkflowID, ec.ExecutionID).Info("workflow %s started at %s", def.ID, ec.CurrentBlock)
	return nil
}

func (m *LogMonitor) OnBlockExecuted(ctx context.Context, ec *workflow.ExecutionContext, info workflow.BlockExecutionInfo) error {
	logger := m.with(ctx, ec.WorkflowID, ec.ExecutionID)
	switch {
	case info.Error != "":
		logger.Warn("block %s (%s) errored after %s: %s", info.BlockName, info.BlockType, info.Duration(), info.Error)
	case len(info.Warnings) > 0:
		logger.Info("block %s (%s) %s in %s, warnings: %v", info.BlockName, info.BlockType, info.Status, info.Duration(), info.Warnings)
	default:
		logger.Debug("block %s (%s) %s in %s", info.BlockName, info.BlockType, info.Status, info.Duration())
	}
	return nil
}

func (m *LogMonitor) OnWorkflowCompleted(ctx context.Context, res *engine.Result) error {
	m.with(ctx, res.WorkflowID, res.ExecutionID).Info("workflow completed: %d blocks in %s", len(res.History), res.Duration())
	return nil
}

func (m *LogMonitor) OnWorkflowFailed(ctx context.Context, res *engine.Result) error {
	m.with(ctx, res.WorkflowID, res.ExecutionID).Error("workflow failed after %d blocks: %s", len(res.History), res.ErrorText())
	return nil
}

func (m *LogMonitor) OnWorkflowCancelled(ctx context.Context, res *engine.Result) error {
	m.with(ctx, res.WorkflowID, res.ExecutionID).Warn("workflow cancelled after %d blocks", len(res.History))
	return nil
}
