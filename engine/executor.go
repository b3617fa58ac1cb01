// Package engine drives workflow definitions block by block, persisting a
// checkpoint after each step so runs can resume after interruption.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/checkpoint"
	"github.com/goliatone/go-workflow/guard"
	"github.com/goliatone/go-workflow/retry"
)

// Executor runs and resumes workflow executions. It is safe for concurrent
// use; each run owns its execution context.
type Executor struct {
	blocks        workflow.BlockFactory
	store         checkpoint.Store
	guardFactory  guard.Factory
	threshold     workflow.Severity
	monitors      Monitors
	logger        workflow.Logger
	owner         string
	leaseDuration time.Duration
	retryOpts     []retry.Option
	now           func() time.Time
}

// New builds an executor over a block factory and a checkpoint store.
func New(blocks workflow.BlockFactory, store checkpoint.Store, opts ...Option) (*Executor, error) {
	if blocks == nil {
		return nil, errors.New("engine: block factory required")
	}
	if store == nil {
		return nil, errors.New("engine: checkpoint store required")
	}
	e := &Executor{
		blocks:        blocks,
		store:         store,
		guardFactory:  guard.NewDefaultRegistry(),
		threshold:     guard.DefaultThreshold,
		logger:        workflow.NewFmtLogger(nil).WithLevel(workflow.LevelInfo),
		owner:         "executor-" + uuid.NewString(),
		leaseDuration: workflow.DefaultLeaseDuration,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Owner returns the lease owner identity of the executor.
func (e *Executor) Owner() string {
	return e.owner
}

// run is the mutable bookkeeping of one in-flight execution.
type run struct {
	def       *workflow.Definition
	ec        *workflow.ExecutionContext
	cp        *checkpoint.Checkpoint
	history   []workflow.BlockExecutionInfo
	lastState map[string]any
	since     int
	retries   int
	redirects int
	startedAt time.Time
	guards    *guard.Evaluator
	handler   *retry.Handler
	lease     time.Duration
	logger    workflow.Logger
}

func (r *run) fields() map[string]any {
	return map[string]any{
		"workflow_id":  r.ec.WorkflowID,
		"execution_id": r.ec.ExecutionID,
		"block":        r.ec.CurrentBlock,
	}
}

// Run starts a new execution of def. A nil ec starts with an empty context
// and a generated execution id. Definition variables fill keys ec lacks.
func (e *Executor) Run(ctx context.Context, def *workflow.Definition, ec *workflow.ExecutionContext) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, workflow.Wrap(workflow.ErrInvalidDefinition, "invalid workflow definition", err, nil)
	}
	if ec == nil {
		ec = workflow.NewExecutionContext(def.ID, "", nil)
	}
	if ec.WorkflowID == "" {
		ec.WorkflowID = def.ID
	}
	if ec.WorkflowID != def.ID {
		return nil, workflow.NewError(workflow.ErrInvalidDefinition,
			fmt.Sprintf("context belongs to workflow %s, not %s", ec.WorkflowID, def.ID), nil, nil)
	}
	ec.CurrentBlock = def.StartBlock
	ec.ApplyDefaults(def.Variables)

	r := e.newRun(def, ec)
	if err := e.acquire(ctx, r); err != nil {
		return nil, err
	}
	defer e.release(ctx, r)

	cp, err := e.store.CreateExecution(ctx, def.ID, ec.ExecutionID, ec)
	if err != nil {
		if errors.Is(err, checkpoint.ErrExecutionExists) {
			return nil, workflow.Wrap(workflow.ErrExecutionExists, "execution "+ec.ExecutionID+" already exists", err, r.fields())
		}
		return nil, workflow.Wrap(workflow.ErrCheckpointFailed, "create execution", err, r.fields())
	}
	r.cp = cp
	r.lastState = cp.State

	r.logger.Info("workflow started at block %s", def.StartBlock)
	e.notify(ctx, r, "OnWorkflowStarted", func(m Monitor) error {
		return m.OnWorkflowStarted(ctx, def, ec)
	})
	return e.loop(ctx, r)
}

// Resume continues a persisted execution from its latest checkpoint.
// Completed and failed executions are not resumed; cancelled ones are.
func (e *Executor) Resume(ctx context.Context, def *workflow.Definition, executionID string) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, workflow.Wrap(workflow.ErrInvalidDefinition, "invalid workflow definition", err, nil)
	}
	fields := map[string]any{"workflow_id": def.ID, "execution_id": executionID}

	cp, err := e.store.LoadLatestCheckpoint(ctx, def.ID, executionID)
	if err != nil {
		return nil, workflow.Wrap(workflow.ErrCheckpointFailed, "load checkpoint", err, fields)
	}
	if cp == nil {
		return nil, workflow.NewError(workflow.ErrExecutionNotFound, "execution "+executionID+" not found", nil, fields)
	}
	if cp.Status == checkpoint.StatusCompleted || cp.Status == checkpoint.StatusFailed {
		return nil, workflow.NewError(workflow.ErrExecutionFinished,
			fmt.Sprintf("execution %s already %s", executionID, cp.Status), nil, fields)
	}

	r := e.newRun(def, cp.Restore())
	if err := e.acquire(ctx, r); err != nil {
		return nil, err
	}
	defer e.release(ctx, r)

	// reload under the lease, the previous owner may have advanced it
	if cp, err = e.store.LoadLatestCheckpoint(ctx, def.ID, executionID); err != nil || cp == nil {
		if err == nil {
			err = errors.New("checkpoint disappeared")
		}
		return nil, workflow.Wrap(workflow.ErrCheckpointFailed, "reload checkpoint", err, fields)
	}
	r.ec = cp.Restore()
	r.cp = cp
	r.history = slices.Clone(cp.History)
	r.lastState = cp.State
	r.retries = cp.RetryCount
	if !cp.CreatedAt.IsZero() {
		r.startedAt = cp.CreatedAt
	}

	r.logger.Info("workflow resumed at block %q version=%d", cp.CurrentBlock, cp.Version)
	e.notify(ctx, r, "OnWorkflowStarted", func(m Monitor) error {
		return m.OnWorkflowStarted(ctx, def, r.ec)
	})
	if cp.CurrentBlock == "" {
		return e.finish(ctx, r, checkpoint.StatusCompleted, nil, nil)
	}
	return e.loop(ctx, r)
}

func (e *Executor) newRun(def *workflow.Definition, ec *workflow.ExecutionContext) *run {
	lease := def.Config.LeaseDuration
	if lease <= 0 {
		lease = e.leaseDuration
	}
	r := &run{
		def:       def,
		ec:        ec,
		startedAt: e.now(),
		guards:    guard.NewEvaluator(e.guardFactory, guard.WithThreshold(e.threshold)),
		handler:   retry.NewHandler(def.Config, e.retryOpts...),
		lease:     lease,
	}
	r.logger = workflow.WithLoggerFields(workflow.NormalizeLogger(e.logger), map[string]any{
		"workflow_id":  ec.WorkflowID,
		"execution_id": ec.ExecutionID,
		"owner":        e.owner,
	})
	return r
}

func (e *Executor) acquire(ctx context.Context, r *run) error {
	ok, err := e.store.TryAcquireLease(ctx, r.ec.WorkflowID, r.ec.ExecutionID, e.owner, r.lease)
	if err != nil {
		return workflow.Wrap(workflow.ErrCheckpointFailed, "acquire lease", err, r.fields())
	}
	if !ok {
		return workflow.NewError(workflow.ErrLeaseUnavailable,
			"execution "+r.ec.ExecutionID+" is leased by another worker", nil, r.fields())
	}
	return nil
}

func (e *Executor) release(ctx context.Context, r *run) {
	if err := e.store.ReleaseLease(context.WithoutCancel(ctx), r.ec.WorkflowID, r.ec.ExecutionID, e.owner); err != nil {
		r.logger.Warn("release lease: %v", err)
	}
}

func (e *Executor) loop(ctx context.Context, r *run) (*Result, error) {
	interval := r.def.CheckpointInterval()
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return e.cancelled(ctx, r, err)
		}
		if step > 0 {
			if err := e.acquire(ctx, r); err != nil {
				return e.fail(ctx, r, err, nil)
			}
		}

		name := r.ec.CurrentBlock
		logger := workflow.WithLoggerFields(r.logger, map[string]any{"block": name})

		bdef, ok := r.def.Block(name)
		if !ok {
			return e.fail(ctx, r, workflow.NewError(workflow.ErrBlockNotFound,
				fmt.Sprintf("block %q not defined in workflow %s", name, r.def.ID), nil, r.fields()), nil)
		}
		blk, err := e.instantiate(r, bdef)
		if err == nil && blk == nil {
			err = errors.New("factory returned no block")
		}
		if err != nil {
			return e.fail(ctx, r, workflow.Wrap(workflow.ErrBlockInstantiation,
				fmt.Sprintf("instantiate block %s (%s)", name, bdef.Type), err, r.fields()), nil)
		}

		pre, err := r.guards.Pre(ctx, r.def.PreGuards(name), r.ec)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.cancelled(ctx, r, ctxErr)
			}
			return e.fail(ctx, r, err, nil)
		}
		e.logWarnings(logger, pre)
		if pre.ShouldBlock {
			target, err := e.redirect(r, pre)
			if err != nil {
				return e.fail(ctx, r, err, nil)
			}
			// redirects execute nothing; more of them than there are blocks is a cycle
			r.redirects++
			if r.redirects > len(r.def.Blocks) {
				return e.fail(ctx, r, e.redirectLoop(r, pre, target), nil)
			}
			logger.Warn("pre-execution guard %s redirected to %s", pre.MostSevere.GuardID, target)
			r.ec.CurrentBlock = target
			continue
		}
		r.redirects = 0

		info := workflow.BlockExecutionInfo{
			BlockName: name,
			BlockID:   bdef.ID,
			BlockType: bdef.Type,
			StartedAt: e.now(),
			Warnings:  pre.Warnings(),
		}
		result, execErr := e.execute(ctx, r, name, blk)
		info.EndedAt = e.now()
		info.Status = result.Status
		info.Output = result.Output

		if execErr != nil {
			info.Status = workflow.StatusFailure
			info.Error = execErr.Error()
			r.history = append(r.history, info)
			e.notifyBlock(ctx, r, info)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.cancelled(ctx, r, ctxErr)
			}
			return e.handleBlockError(ctx, r, name, execErr)
		}

		post, err := r.guards.Post(ctx, r.def.PostGuards(name), r.ec, result)
		if err != nil {
			r.history = append(r.history, info)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.cancelled(ctx, r, ctxErr)
			}
			return e.fail(ctx, r, err, nil)
		}
		e.logWarnings(logger, post)
		info.Warnings = append(info.Warnings, post.Warnings()...)

		next := nextBlock(bdef, result)
		if post.ShouldBlock {
			target, err := e.redirect(r, post)
			if err != nil {
				r.history = append(r.history, info)
				return e.fail(ctx, r, err, nil)
			}
			logger.Warn("post-execution guard %s redirected to %s", post.MostSevere.GuardID, target)
			next = target
		}

		r.history = append(r.history, info)
		r.ec.CurrentBlock = next
		r.retries = 0
		r.since++

		if r.since >= interval || !sameState(r.lastState, r.ec.Snapshot()) {
			if err := e.persist(ctx, r, checkpoint.StatusRunning, ""); err != nil {
				return e.fail(ctx, r, err, nil)
			}
		}
		logger.Debug("block %s finished with %s, next %q", name, info.Status, next)
		e.notifyBlock(ctx, r, info)

		if d, ok := result.WaitDuration(); ok {
			logger.Debug("waiting %s before %q", d, next)
			if err := retry.Sleep(ctx, d); err != nil {
				return e.cancelled(ctx, r, err)
			}
		}
		if next == "" {
			return e.finish(ctx, r, checkpoint.StatusCompleted, nil, nil)
		}
	}
}

// instantiate builds the block, turning a panicking constructor into an error.
func (e *Executor) instantiate(r *run, def workflow.BlockDefinition) (blk workflow.Block, err error) {
	defer workflow.CapturePanic("block factory "+def.Name, &err, workflow.LogPanics(r.logger), r.fields())
	return e.blocks.CreateBlock(def)
}

// execute runs blk. A panic becomes the block's error and goes through the
// error handler like any other failure.
func (e *Executor) execute(ctx context.Context, r *run, name string, blk workflow.Block) (result workflow.ExecutionResult, err error) {
	defer workflow.CapturePanic("block "+name, &err, workflow.LogPanics(r.logger), r.fields())
	return blk.Execute(ctx, r.ec)
}

func (e *Executor) redirectLoop(r *run, report guard.Report, target string) error {
	fields := r.fields()
	fields["guard_id"] = report.MostSevere.GuardID
	fields["redirects"] = r.redirects
	msg := fmt.Sprintf("guard %s keeps redirecting to %s without executing a block", report.MostSevere.GuardID, target)
	return workflow.NewError(workflow.ErrGuardRejected, msg, nil, fields)
}

// nextBlock resolves the transition: an explicit result override wins, then
// the success or failure edge.
func nextBlock(def workflow.BlockDefinition, result workflow.ExecutionResult) string {
	if result.NextBlock != "" {
		return result.NextBlock
	}
	if result.IsSuccess {
		return def.NextOnSuccess
	}
	return def.NextOnFailure
}

func sameState(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (e *Executor) redirect(r *run, report guard.Report) (string, error) {
	if target, ok := report.Redirect(); ok {
		return target, nil
	}
	worst := report.MostSevere
	fields := r.fields()
	fields["guard_id"] = worst.GuardID
	fields["severity"] = worst.Severity.String()
	fields["phase"] = string(report.Phase)
	msg := fmt.Sprintf("guard %s rejected block %s: %s", worst.GuardID, r.ec.CurrentBlock, worst.Message)
	return "", workflow.Wrap(workflow.ErrGuardRejected, msg, worst.Err, fields)
}

func (e *Executor) handleBlockError(ctx context.Context, r *run, name string, execErr error) (*Result, error) {
	decision := r.handler.Handle(execErr, r.retries)
	fields := r.fields()
	fields["action"] = string(decision.Action)
	wrapped := workflow.Wrap(workflow.ErrBlockFailed, "block "+name+" failed", execErr, fields)

	switch decision.Action {
	case retry.ActionSkip:
		r.logger.Warn("block %s error skipped (%s): %v", name, decision.Reason, execErr)
		r.ec.CurrentBlock = ""
		return e.finish(ctx, r, checkpoint.StatusCompleted, nil, &decision)
	case retry.ActionRetry:
		// the executor does not loop back; the caller owns re-invocation
		r.retries = decision.Attempt
		r.logger.Warn("block %s failed, retry #%d recommended in %s: %v", name, decision.Attempt, decision.Delay, execErr)
		return e.fail(ctx, r, wrapped, &decision)
	default:
		return e.fail(ctx, r, wrapped, &decision)
	}
}

func (e *Executor) persist(ctx context.Context, r *run, status checkpoint.Status, errText string) error {
	next := r.cp.Clone()
	next.CurrentBlock = r.ec.CurrentBlock
	next.State = r.ec.Snapshot()
	next.History = slices.Clone(r.history)
	next.RetryCount = r.retries
	next.CorrelationID = r.ec.CorrelationID
	next.Status = status
	next.Error = errText

	version, err := e.store.SaveCheckpoint(ctx, next)
	if err != nil {
		fields := r.fields()
		fields["version"] = next.Version
		if errors.Is(err, checkpoint.ErrVersionConflict) {
			return workflow.Wrap(workflow.ErrVersionConflict, "checkpoint was written by another worker", err, fields)
		}
		return workflow.Wrap(workflow.ErrCheckpointFailed, "save checkpoint", err, fields)
	}
	next.Version = version
	r.cp = next
	r.lastState = next.State
	r.since = 0
	r.logger.Trace("checkpoint saved version=%d next=%q", version, next.CurrentBlock)
	return nil
}

func (e *Executor) fail(ctx context.Context, r *run, err error, decision *retry.Decision) (*Result, error) {
	return e.finish(ctx, r, checkpoint.StatusFailed, err, decision)
}

func (e *Executor) cancelled(ctx context.Context, r *run, cause error) (*Result, error) {
	err := workflow.Wrap(workflow.ErrCancelled, "execution "+r.ec.ExecutionID+" cancelled", cause, r.fields())
	return e.finish(ctx, r, checkpoint.StatusCancelled, err, nil)
}

// finish persists the terminal checkpoint and notifies monitors. Cleanup runs
// detached from ctx so a cancelled run still records its outcome.
func (e *Executor) finish(ctx context.Context, r *run, status checkpoint.Status, runErr error, decision *retry.Decision) (*Result, error) {
	bg := context.WithoutCancel(ctx)

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	} else if decision != nil && decision.Cause != nil {
		errText = decision.Cause.Error()
	}

	// another writer owns the execution, leave its checkpoint alone
	if !workflow.HasCode(runErr, workflow.ErrCodeVersionConflict) && !workflow.HasCode(runErr, workflow.ErrCodeLeaseUnavailable) {
		if err := e.persist(bg, r, status, errText); err != nil {
			if status == checkpoint.StatusCompleted {
				status, runErr = checkpoint.StatusFailed, err
			} else {
				r.logger.Error("persist terminal checkpoint: %v", err)
			}
		}
	}

	res := &Result{
		WorkflowID:    r.ec.WorkflowID,
		ExecutionID:   r.ec.ExecutionID,
		CorrelationID: r.ec.CorrelationID,
		Status:        status,
		StartedAt:     r.startedAt,
		CompletedAt:   e.now(),
		State:         r.ec.Snapshot(),
		History:       slices.Clone(r.history),
		Version:       r.cp.Version,
		Err:           runErr,
		Decision:      decision,
	}

	switch status {
	case checkpoint.StatusCompleted:
		r.logger.Info("workflow completed after %d blocks in %s", len(res.History), res.Duration())
		e.notify(bg, r, "OnWorkflowCompleted", func(m Monitor) error { return m.OnWorkflowCompleted(bg, res) })
	case checkpoint.StatusCancelled:
		r.logger.Warn("workflow cancelled at block %q: %v", r.ec.CurrentBlock, runErr)
		e.notify(bg, r, "OnWorkflowCancelled", func(m Monitor) error { return m.OnWorkflowCancelled(bg, res) })
	default:
		r.logger.Error("workflow failed at block %q: %v", r.ec.CurrentBlock, runErr)
		e.notify(bg, r, "OnWorkflowFailed", func(m Monitor) error { return m.OnWorkflowFailed(bg, res) })
	}
	return res, runErr
}

func (e *Executor) notifyBlock(ctx context.Context, r *run, info workflow.BlockExecutionInfo) {
	e.notify(ctx, r, "OnBlockExecuted", func(m Monitor) error {
		return m.OnBlockExecuted(ctx, r.ec, info)
	})
}

// notify delivers a monitor callback, logging errors and recovering panics.
func (e *Executor) notify(ctx context.Context, r *run, name string, call func(Monitor) error) {
	if len(e.monitors) == 0 {
		return
	}
	handle := workflow.MakePanicHandler(workflow.LogPanics(r.logger))
	defer handle("monitor."+name, r.fields())
	if err := call(e.monitors); err != nil {
		r.logger.WithContext(ctx).Warn("monitor %s failed: %v", name, err)
	}
}

func (e *Executor) logWarnings(logger workflow.Logger, report guard.Report) {
	if report.ShouldBlock {
		return
	}
	for _, w := range report.Warnings() {
		logger.Warn("%s guard failed below threshold: %s", report.Phase, w)
	}
}
