package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/block"
	"github.com/goliatone/go-workflow/checkpoint"
	"github.com/goliatone/go-workflow/engine"
	"github.com/goliatone/go-workflow/retry"
)

func linearDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:         "order",
		StartBlock: "A",
		Blocks: []workflow.BlockDefinition{
			{Name: "A", Type: "set_variables", NextOnSuccess: "B", Config: map[string]any{
				"values": map[string]any{"stage": "a"},
			}},
			{Name: "B", Type: "noop"},
		},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
	blocks []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) OnWorkflowStarted(context.Context, *workflow.Definition, *workflow.ExecutionContext) error {
	r.add("started")
	return nil
}

func (r *recorder) OnBlockExecuted(_ context.Context, _ *workflow.ExecutionContext, info workflow.BlockExecutionInfo) error {
	r.mu.Lock()
	r.blocks = append(r.blocks, info.BlockName)
	r.mu.Unlock()
	r.add("block")
	return nil
}

func (r *recorder) OnWorkflowCompleted(context.Context, *engine.Result) error {
	r.add("completed")
	return nil
}

func (r *recorder) OnWorkflowFailed(context.Context, *engine.Result) error {
	r.add("failed")
	return nil
}

func (r *recorder) OnWorkflowCancelled(context.Context, *engine.Result) error {
	r.add("cancelled")
	return nil
}

type panicMonitor struct{ engine.NopMonitor }

func (panicMonitor) OnBlockExecuted(context.Context, *workflow.ExecutionContext, workflow.BlockExecutionInfo) error {
	panic("monitor exploded")
}

func (panicMonitor) OnWorkflowCompleted(context.Context, *engine.Result) error {
	return errors.New("sink down")
}

// countingStore counts saves and can be told to fail them.
type countingStore struct {
	checkpoint.Store
	saves   atomic.Int32
	failErr error
}

func (s *countingStore) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) (int, error) {
	s.saves.Add(1)
	if s.failErr != nil {
		return 0, s.failErr
	}
	return s.Store.SaveCheckpoint(ctx, cp)
}

func newExecutor(t *testing.T, blocks workflow.BlockFactory, store checkpoint.Store, opts ...engine.Option) *engine.Executor {
	t.Helper()
	opts = append([]engine.Option{
		engine.WithLogger(workflow.NopLogger{}),
		engine.WithLeaseOwner("test-worker"),
	}, opts...)
	exec, err := engine.New(blocks, store, opts...)
	require.NoError(t, err)
	return exec
}

func historyNames(history []workflow.BlockExecutionInfo) []string {
	out := make([]string, 0, len(history))
	for _, h := range history {
		out = append(out, h.BlockName)
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := engine.New(nil, checkpoint.NewMemoryStore())
	assert.Error(t, err)

	_, err = engine.New(block.NewDefaultRegistry(), nil)
	assert.Error(t, err)
}

func TestRunCompletesLinearWorkflow(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	mon := &recorder{}
	exec := newExecutor(t, block.NewDefaultRegistry(), store, engine.WithMonitor(mon))

	ec := workflow.NewExecutionContext("order", "exec-1", map[string]any{"id": 7})
	res, err := exec.Run(context.Background(), linearDefinition(), ec)
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.Equal(t, checkpoint.StatusCompleted, res.Status)
	assert.Equal(t, []string{"A", "B"}, historyNames(res.History))
	assert.Equal(t, "a", res.State["stage"])
	assert.Empty(t, res.ErrorText())

	cp, err := store.LoadLatestCheckpoint(context.Background(), "order", "exec-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Empty(t, cp.CurrentBlock)
	assert.Len(t, cp.History, 2)
	assert.Equal(t, res.Version, cp.Version)

	_, held := store.Lease("order", "exec-1")
	assert.False(t, held, "lease released at run end")

	assert.Equal(t, []string{"started", "block", "block", "completed"}, mon.events)
	assert.Equal(t, []string{"A", "B"}, mon.blocks)
}

func TestRunAppliesDefinitionVariables(t *testing.T) {
	def := linearDefinition()
	def.Variables = map[string]any{"region": "eu", "stage": "init"}

	exec := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore())
	ec := workflow.NewExecutionContext("order", "", nil)
	ec.Set("region", "us")

	res, err := exec.Run(context.Background(), def, ec)
	require.NoError(t, err)
	assert.Equal(t, "us", res.State["region"])
	assert.Equal(t, "a", res.State["stage"])
	assert.NotEmpty(t, res.ExecutionID)
}

func TestRunRejectsInvalidDefinition(t *testing.T) {
	exec := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore())
	_, err := exec.Run(context.Background(), &workflow.Definition{ID: "x"}, nil)
	require.Error(t, err)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeInvalidDefinition))
}

func TestRunDuplicateExecution(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	exec := newExecutor(t, block.NewDefaultRegistry(), store)

	_, err := exec.Run(context.Background(), linearDefinition(), workflow.NewExecutionContext("order", "dup", nil))
	require.NoError(t, err)

	_, err = exec.Run(context.Background(), linearDefinition(), workflow.NewExecutionContext("order", "dup", nil))
	require.Error(t, err)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeExecutionExists))
}

func TestPreGuardRedirectSkipsBlock(t *testing.T) {
	var bRuns atomic.Int32
	blocks := block.NewDefaultRegistry()
	require.NoError(t, blocks.Func("count", func(context.Context, *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
		bRuns.Add(1)
		return workflow.Succeeded(nil), nil
	}))

	def := &workflow.Definition{
		ID:         "approval",
		StartBlock: "A",
		Blocks: []workflow.BlockDefinition{
			{Name: "A", Type: "noop", NextOnSuccess: "B"},
			{Name: "B", Type: "count"},
			{Name: "Review", Type: "noop"},
		},
		BlockGuards: map[string][]workflow.GuardDefinition{
			"B": {{
				ID:           "needs-approval",
				Type:         "required_variables",
				Severity:     workflow.SeverityBlocking,
				FailureBlock: "Review",
				Config:       map[string]any{"variables": []any{"approved"}},
			}},
		},
	}

	exec := newExecutor(t, blocks, checkpoint.NewMemoryStore())
	res, err := exec.Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, res.Status)
	assert.Equal(t, []string{"A", "Review"}, historyNames(res.History))
	assert.Zero(t, bRuns.Load())
}

func TestPreGuardRejectsWithoutFailureBlock(t *testing.T) {
	def := linearDefinition()
	def.BlockGuards = map[string][]workflow.GuardDefinition{
		"B": {{
			ID:       "needs-approval",
			Type:     "required_variables",
			Severity: workflow.SeverityCritical,
			Config:   map[string]any{"variables": "approved"},
		}},
	}

	store := checkpoint.NewMemoryStore()
	exec := newExecutor(t, block.NewDefaultRegistry(), store)
	res, err := exec.Run(context.Background(), def, workflow.NewExecutionContext("order", "g-1", nil))
	require.Error(t, err)

	assert.True(t, workflow.HasCode(err, workflow.ErrCodeGuardRejected))
	assert.True(t, workflow.IsFatal(err))
	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Equal(t, []string{"A"}, historyNames(res.History))

	cp, err := store.LoadLatestCheckpoint(context.Background(), "order", "g-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, "B", cp.CurrentBlock)
	assert.NotEmpty(t, cp.Error)
}

func TestGuardBelowThresholdRecordsWarning(t *testing.T) {
	def := linearDefinition()
	def.BlockGuards = map[string][]workflow.GuardDefinition{
		"B": {{
			ID:       "soft-check",
			Type:     "required_variables",
			Severity: workflow.SeverityWarning,
			Config:   map[string]any{"variables": "missing"},
		}},
	}

	exec := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore())
	res, err := exec.Run(context.Background(), def, nil)
	require.NoError(t, err)

	require.Len(t, res.History, 2)
	assert.Empty(t, res.History[0].Warnings)
	require.Len(t, res.History[1].Warnings, 1)
	assert.Contains(t, res.History[1].Warnings[0], "soft-check(warning)")
}

func TestGuardThresholdOption(t *testing.T) {
	def := linearDefinition()
	def.BlockGuards = map[string][]workflow.GuardDefinition{
		"B": {{
			ID:       "soft-check",
			Type:     "required_variables",
			Severity: workflow.SeverityWarning,
			Config:   map[string]any{"variables": "missing"},
		}},
	}

	exec := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore(),
		engine.WithGuardThreshold(workflow.SeverityWarning))
	_, err := exec.Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeGuardRejected))
}

func TestPostGuardRedirectOverridesTransition(t *testing.T) {
	def := &workflow.Definition{
		ID:         "post",
		StartBlock: "A",
		Blocks: []workflow.BlockDefinition{
			{Name: "A", Type: "noop", NextOnSuccess: "B"},
			{Name: "B", Type: "noop"},
			{Name: "Fix", Type: "set_variables", Config: map[string]any{
				"values": map[string]any{"fixed": true},
			}},
		},
		BlockGuards: map[string][]workflow.GuardDefinition{
			"A": {{
				ID:            "ok-flag",
				Type:          "variable_equals",
				Severity:      workflow.SeverityCritical,
				PostExecution: true,
				FailureBlock:  "Fix",
				Config:        map[string]any{"variable": "ok", "value": true},
			}},
		},
	}

	exec := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore())
	res, err := exec.Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "Fix"}, historyNames(res.History))
	assert.Equal(t, true, res.State["fixed"])
}

func TestResultOverridesTransition(t *testing.T) {
	def := &workflow.Definition{
		ID:         "route",
		StartBlock: "Route",
		Blocks: []workflow.BlockDefinition{
			{Name: "Route", Type: "branch", NextOnSuccess: "Default", Config: map[string]any{
				"variable": "tier",
				"cases":    map[string]any{"gold": "Gold"},
			}},
			{Name: "Default", Type: "noop"},
			{Name: "Gold", Type: "noop"},
		},
	}
	exec := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore())

	ec := workflow.NewExecutionContext("route", "", nil)
	ec.Set("tier", "gold")
	res, err := exec.Run(context.Background(), def, ec)
	require.NoError(t, err)
	assert.Equal(t, []string{"Route", "Gold"}, historyNames(res.History))
}

func TestFailureResultFollowsFailureEdge(t *testing.T) {
	def := &workflow.Definition{
		ID:         "edges",
		StartBlock: "Try",
		Blocks: []workflow.BlockDefinition{
			{Name: "Try", Type: "fail", NextOnSuccess: "Happy", NextOnFailure: "Sad"},
			{Name: "Happy", Type: "noop"},
			{Name: "Sad", Type: "noop"},
		},
	}
	exec := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore())
	res, err := exec.Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Try", "Sad"}, historyNames(res.History))
	assert.Equal(t, workflow.StatusFailure, res.History[0].Status)
}

func TestCancelThenResumeMatchesUninterruptedRun(t *testing.T) {
	newBlocks := func(cancel context.CancelFunc) *block.Registry {
		blocks := block.NewDefaultRegistry()
		require.NoError(t, blocks.Func("step", func(_ context.Context, ec *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
			n, _ := ec.Get("steps")
			count, _ := n.(int)
			ec.Set("steps", count+1)
			if cancel != nil && count == 0 {
				cancel()
			}
			return workflow.Succeeded(nil), nil
		}))
		return blocks
	}
	def := &workflow.Definition{
		ID:         "three",
		StartBlock: "A",
		Blocks: []workflow.BlockDefinition{
			{Name: "A", Type: "step", NextOnSuccess: "B"},
			{Name: "B", Type: "step", NextOnSuccess: "C"},
			{Name: "C", Type: "step"},
		},
	}

	straight, err := newExecutor(t, newBlocks(nil), checkpoint.NewMemoryStore()).
		Run(context.Background(), def, workflow.NewExecutionContext("three", "s", nil))
	require.NoError(t, err)

	store := checkpoint.NewMemoryStore()
	mon := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := newExecutor(t, newBlocks(cancel), store, engine.WithMonitor(mon)).
		Run(ctx, def, workflow.NewExecutionContext("three", "r", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeCancelled))
	assert.Equal(t, checkpoint.StatusCancelled, first.Status)
	assert.Equal(t, []string{"A"}, historyNames(first.History))
	assert.Contains(t, mon.events, "cancelled")

	cp, err := store.LoadLatestCheckpoint(context.Background(), "three", "r")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCancelled, cp.Status)
	assert.Equal(t, "B", cp.CurrentBlock)

	resumed, err := newExecutor(t, newBlocks(nil), store).Resume(context.Background(), def, "r")
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, resumed.Status)
	assert.Equal(t, historyNames(straight.History), historyNames(resumed.History))
	assert.Equal(t, straight.State, resumed.State)
}

func TestResumeRejectsFinishedAndUnknown(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	exec := newExecutor(t, block.NewDefaultRegistry(), store)

	_, err := exec.Resume(context.Background(), linearDefinition(), "nope")
	require.Error(t, err)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeExecutionNotFound))

	_, err = exec.Run(context.Background(), linearDefinition(), workflow.NewExecutionContext("order", "done", nil))
	require.NoError(t, err)

	_, err = exec.Resume(context.Background(), linearDefinition(), "done")
	require.Error(t, err)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeExecutionFinished))
}

func TestResumeAtEndOfGraphCompletes(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ec := workflow.NewExecutionContext("order", "tail", nil)
	ec.CurrentBlock = ""
	_, err := store.CreateExecution(context.Background(), "order", "tail", ec)
	require.NoError(t, err)

	res, err := newExecutor(t, block.NewDefaultRegistry(), store).Resume(context.Background(), linearDefinition(), "tail")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, res.Status)
	assert.Empty(t, res.History)
}

func TestSkippableErrorCompletesRun(t *testing.T) {
	def := &workflow.Definition{
		ID:         "skip",
		StartBlock: "A",
		Blocks: []workflow.BlockDefinition{
			{Name: "A", Type: "fail", NextOnSuccess: "B", Config: map[string]any{
				"error": true, "skippable": true, "message": "optional enrichment failed",
			}},
			{Name: "B", Type: "noop"},
		},
	}
	store := checkpoint.NewMemoryStore()
	res, err := newExecutor(t, block.NewDefaultRegistry(), store).
		Run(context.Background(), def, workflow.NewExecutionContext("skip", "s-1", nil))
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, res.Status)
	require.NotNil(t, res.Decision)
	assert.Equal(t, retry.ActionSkip, res.Decision.Action)
	assert.Equal(t, []string{"A"}, historyNames(res.History))
	assert.Equal(t, "optional enrichment failed", res.History[0].Error)

	cp, err := store.LoadLatestCheckpoint(context.Background(), "skip", "s-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Equal(t, "optional enrichment failed", cp.Error)
}

func TestRetryDecisionFailsRun(t *testing.T) {
	boom := errors.New("upstream timeout")
	blocks := block.NewDefaultRegistry()
	require.NoError(t, blocks.Func("flaky", func(context.Context, *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
		return workflow.ExecutionResult{}, boom
	}))
	def := &workflow.Definition{
		ID:         "retry",
		StartBlock: "A",
		Blocks:     []workflow.BlockDefinition{{Name: "A", Type: "flaky"}},
		Config: workflow.ExecutionConfig{Retry: workflow.RetryPolicy{
			MaxRetries:   2,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     time.Second,
			Backoff:      workflow.BackoffExponential,
		}},
	}

	store := checkpoint.NewMemoryStore()
	res, err := newExecutor(t, blocks, store).Run(context.Background(), def, workflow.NewExecutionContext("retry", "r-1", nil))
	require.Error(t, err)

	assert.ErrorIs(t, err, boom)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeBlockFailed))
	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	require.NotNil(t, res.Decision)
	assert.Equal(t, retry.ActionRetry, res.Decision.Action)
	assert.Equal(t, 1, res.Decision.Attempt)
	assert.Equal(t, 10*time.Millisecond, res.Decision.Delay)

	cp, err := store.LoadLatestCheckpoint(context.Background(), "retry", "r-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.RetryCount)
	assert.Equal(t, "A", cp.CurrentBlock)
}

func TestNonRetryableErrorFails(t *testing.T) {
	def := &workflow.Definition{
		ID:         "hard",
		StartBlock: "A",
		Blocks: []workflow.BlockDefinition{{Name: "A", Type: "fail", Config: map[string]any{
			"error": true, "non_retryable": true,
		}}},
		Config: workflow.ExecutionConfig{Retry: workflow.RetryPolicy{MaxRetries: 5}},
	}
	res, err := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore()).Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, workflow.IsNonRetryable(err))
	require.NotNil(t, res.Decision)
	assert.Equal(t, retry.ActionFail, res.Decision.Action)
}

func TestCheckpointFailureIsFatal(t *testing.T) {
	var bRuns atomic.Int32
	blocks := block.NewDefaultRegistry()
	require.NoError(t, blocks.Func("count", func(context.Context, *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
		bRuns.Add(1)
		return workflow.Succeeded(nil), nil
	}))
	def := linearDefinition()
	def.Blocks[1].Type = "count"

	store := &countingStore{Store: checkpoint.NewMemoryStore(), failErr: errors.New("disk full")}
	res, err := newExecutor(t, blocks, store).Run(context.Background(), def, nil)
	require.Error(t, err)

	assert.True(t, workflow.HasCode(err, workflow.ErrCodeCheckpointFailed))
	assert.True(t, workflow.IsFatal(err))
	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Zero(t, bRuns.Load(), "no block runs past a failed checkpoint")
}

func TestCheckpointInterval(t *testing.T) {
	def := &workflow.Definition{
		ID:         "noops",
		StartBlock: "A",
		Blocks: []workflow.BlockDefinition{
			{Name: "A", Type: "noop", NextOnSuccess: "B"},
			{Name: "B", Type: "noop", NextOnSuccess: "C"},
			{Name: "C", Type: "noop"},
		},
	}

	every := &countingStore{Store: checkpoint.NewMemoryStore()}
	_, err := newExecutor(t, block.NewDefaultRegistry(), every).Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 4, every.saves.Load(), "one per block plus terminal")

	def.Config.CheckpointInterval = 2
	sparse := &countingStore{Store: checkpoint.NewMemoryStore()}
	_, err = newExecutor(t, block.NewDefaultRegistry(), sparse).Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sparse.saves.Load(), "after B plus terminal")
}

func TestStateChangeForcesCheckpoint(t *testing.T) {
	def := linearDefinition()
	def.Config.CheckpointInterval = 10

	store := &countingStore{Store: checkpoint.NewMemoryStore()}
	_, err := newExecutor(t, block.NewDefaultRegistry(), store).Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.saves.Load(), "A mutates state, then terminal")
}

func TestLeaseHeldByOtherWorker(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ok, err := store.TryAcquireLease(context.Background(), "order", "busy", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := newExecutor(t, block.NewDefaultRegistry(), store).
		Run(context.Background(), linearDefinition(), workflow.NewExecutionContext("order", "busy", nil))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeLeaseUnavailable))

	cp, err := store.LoadLatestCheckpoint(context.Background(), "order", "busy")
	require.NoError(t, err)
	assert.Nil(t, cp, "nothing written without the lease")

	lease, held := store.Lease("order", "busy")
	require.True(t, held)
	assert.Equal(t, "someone-else", lease.Owner)
}

func TestUnknownBlockTypeFails(t *testing.T) {
	def := linearDefinition()
	def.Blocks[1].Type = "missing"

	res, err := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore()).Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeBlockInstantiation))
	assert.Equal(t, []string{"A"}, historyNames(res.History))
}

func TestWaitResultSuspends(t *testing.T) {
	def := &workflow.Definition{
		ID:         "wait",
		StartBlock: "Pause",
		Blocks: []workflow.BlockDefinition{
			{Name: "Pause", Type: "wait", NextOnSuccess: "Done", Config: map[string]any{"duration": "5ms"}},
			{Name: "Done", Type: "noop"},
		},
	}
	start := time.Now()
	res, err := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore()).Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.Equal(t, workflow.StatusWait, res.History[0].Status)
	assert.Equal(t, []string{"Pause", "Done"}, historyNames(res.History))
}

func TestMonitorFailuresDoNotAffectRun(t *testing.T) {
	mon := &recorder{}
	exec := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore(),
		engine.WithMonitor(panicMonitor{}, mon))

	res, err := exec.Run(context.Background(), linearDefinition(), nil)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{"A", "B"}, mon.blocks, "fan-out continues past a panicking member")
}

func TestConcurrentRunsShareStore(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	exec := newExecutor(t, block.NewDefaultRegistry(), store)
	def := linearDefinition()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Run(context.Background(), def, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stats, err := store.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Completed)
}

func TestInPlaceNestedMutationIsCheckpointed(t *testing.T) {
	store := &countingStore{Store: checkpoint.NewMemoryStore()}
	var (
		storedDuringB any
		seenByC       *checkpoint.Checkpoint
	)
	blocks := block.NewDefaultRegistry()
	require.NoError(t, blocks.Func("open", func(_ context.Context, ec *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
		ec.Set("order", map[string]any{"n": 1})
		return workflow.Succeeded(nil), nil
	}))
	require.NoError(t, blocks.Func("bump", func(ctx context.Context, ec *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
		order, _ := ec.Get("order")
		order.(map[string]any)["n"] = 2
		cp, err := store.LoadLatestCheckpoint(ctx, ec.WorkflowID, ec.ExecutionID)
		if err != nil {
			return workflow.ExecutionResult{}, err
		}
		storedDuringB = cp.State["order"].(map[string]any)["n"]
		return workflow.Succeeded(nil), nil
	}))
	require.NoError(t, blocks.Func("inspect", func(ctx context.Context, ec *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
		cp, err := store.LoadLatestCheckpoint(ctx, ec.WorkflowID, ec.ExecutionID)
		seenByC = cp
		return workflow.Succeeded(nil), err
	}))

	def := &workflow.Definition{
		ID:         "orders",
		StartBlock: "A",
		Config:     workflow.ExecutionConfig{CheckpointInterval: 100},
		Blocks: []workflow.BlockDefinition{
			{Name: "A", Type: "open", NextOnSuccess: "B"},
			{Name: "B", Type: "bump", NextOnSuccess: "C"},
			{Name: "C", Type: "inspect"},
		},
	}
	res, err := newExecutor(t, blocks, store).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, storedDuringB, "saved checkpoint does not follow the live context")
	require.NotNil(t, seenByC)
	assert.Equal(t, "C", seenByC.CurrentBlock)
	assert.Equal(t, 3, seenByC.Version)
	assert.Equal(t, map[string]any{"n": 2}, seenByC.State["order"])
	assert.EqualValues(t, 3, store.saves.Load(), "after A, after B, terminal")
	assert.Equal(t, map[string]any{"n": 2}, res.State["order"])
}

func TestPanickingBlockFailsRun(t *testing.T) {
	blocks := block.NewDefaultRegistry()
	require.NoError(t, blocks.Func("explode", func(context.Context, *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
		panic("block exploded")
	}))
	def := linearDefinition()
	def.Blocks[1].Type = "explode"

	rec := &recorder{}
	store := checkpoint.NewMemoryStore()
	exec := newExecutor(t, blocks, store, engine.WithMonitor(rec))
	res, err := exec.Run(context.Background(), def, workflow.NewExecutionContext("order", "p-1", nil))
	require.Error(t, err)
	require.NotNil(t, res)

	assert.True(t, workflow.HasCode(err, workflow.ErrCodeBlockFailed))
	assert.Contains(t, err.Error(), "block exploded")
	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	require.NotNil(t, res.Decision)
	assert.Equal(t, retry.ActionFail, res.Decision.Action)
	require.Len(t, res.History, 2)
	assert.Equal(t, workflow.StatusFailure, res.History[1].Status)
	assert.Contains(t, res.History[1].Error, "panic in block B")
	assert.Equal(t, []string{"started", "block", "block", "failed"}, rec.events)

	cp, err := store.LoadLatestCheckpoint(context.Background(), "order", "p-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, "B", cp.CurrentBlock)

	_, held := store.Lease("order", "p-1")
	assert.False(t, held)
}

func TestPanickingConstructorFailsRun(t *testing.T) {
	blocks := block.NewDefaultRegistry()
	require.NoError(t, blocks.Register("broken", func(workflow.BlockDefinition) (workflow.Block, error) {
		panic("bad config")
	}))
	def := linearDefinition()
	def.Blocks[1].Type = "broken"

	res, err := newExecutor(t, blocks, checkpoint.NewMemoryStore()).Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeBlockInstantiation))
	assert.Equal(t, checkpoint.StatusFailed, res.Status)
}

func TestPreGuardRedirectCycleFails(t *testing.T) {
	def := &workflow.Definition{
		ID:         "approval",
		StartBlock: "A",
		Blocks: []workflow.BlockDefinition{
			{Name: "A", Type: "noop"},
			{Name: "Review", Type: "noop"},
		},
		GlobalGuards: []workflow.GuardDefinition{{
			ID:           "needs-approval",
			Type:         "required_variables",
			Severity:     workflow.SeverityBlocking,
			FailureBlock: "Review",
			Config:       map[string]any{"variables": []any{"approved"}},
		}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := newExecutor(t, block.NewDefaultRegistry(), checkpoint.NewMemoryStore()).Run(ctx, def, nil)
	require.Error(t, err)

	assert.NoError(t, ctx.Err())
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeGuardRejected))
	assert.Contains(t, err.Error(), "keeps redirecting")
	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Empty(t, res.History)
}
