// Package worker sweeps the checkpoint store for interrupted executions and
// resumes them through an executor.
package worker

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/checkpoint"
	"github.com/goliatone/go-workflow/engine"
)

const (
	DefaultConcurrency  = 4
	DefaultBatchSize    = 100
	DefaultPollInterval = 30 * time.Second
	DefaultStaleAfter   = time.Minute
)

// Resumer continues a persisted execution. *engine.Executor implements it.
type Resumer interface {
	Resume(ctx context.Context, def *workflow.Definition, executionID string) (*engine.Result, error)
}

// Summary counts what one sweep did.
type Summary struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	// Skipped executions were leased elsewhere or finished meanwhile.
	Skipped int `json:"skipped"`
}

// Pool resumes running executions of the workflows in its catalog.
type Pool struct {
	resumer Resumer
	store   checkpoint.Store
	catalog workflow.Catalog

	concurrency int
	batch       int
	interval    time.Duration
	staleAfter  time.Duration
	deadline    time.Time
	limiter     *rate.Limiter

	logger workflow.Logger
	now    func() time.Time

	mu   sync.Mutex
	runs int
}

// NewPool builds a pool. The catalog decides which workflows are swept.
func NewPool(resumer Resumer, store checkpoint.Store, catalog workflow.Catalog, opts ...Option) (*Pool, error) {
	if resumer == nil {
		return nil, errors.New("worker: resumer required")
	}
	if store == nil {
		return nil, errors.New("worker: checkpoint store required")
	}
	p := &Pool{
		resumer:     resumer,
		store:       store,
		catalog:     catalog,
		concurrency: DefaultConcurrency,
		batch:       DefaultBatchSize,
		interval:    DefaultPollInterval,
		staleAfter:  DefaultStaleAfter,
		logger:      workflow.NewFmtLogger(nil).WithLevel(workflow.LevelInfo),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = workflow.WithLoggerFields(p.logger, map[string]any{"component": "worker"})
	return p, nil
}

// Sweeps returns how many sweeps have finished.
func (p *Pool) Sweeps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

// Run sweeps until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce queries every catalog workflow for stale running executions and
// resumes them with bounded concurrency. Individual resume failures are
// counted, not returned.
func (p *Pool) RunOnce(ctx context.Context) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
	)
	count := func(f func(*Summary)) {
		mu.Lock()
		f(&summary)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	var scanErr error
	for _, id := range slices.Sorted(maps.Keys(p.catalog)) {
		def := p.catalog[id]
		q := checkpoint.Query{Statuses: []checkpoint.Status{checkpoint.StatusRunning}, Limit: p.batch}
		if p.staleAfter > 0 {
			q.UpdatedBefore = p.now().Add(-p.staleAfter)
		}
		execs, err := p.store.QueryExecutions(ctx, id, q)
		if err != nil {
			scanErr = errors.Join(scanErr, err)
			continue
		}
		for _, cp := range execs {
			count(func(s *Summary) { s.Scanned++ })
			executionID := cp.ExecutionID
			g.Go(func() error {
				if p.limiter != nil {
					if err := p.limiter.Wait(ctx); err != nil {
						return err
					}
				}
				outcome := p.resume(ctx, def, executionID)
				count(outcome)
				return nil
			})
		}
	}

	err := errors.Join(scanErr, g.Wait())
	p.mu.Lock()
	p.runs++
	p.mu.Unlock()
	if summary.Scanned > 0 {
		p.logger.Info("sweep resumed %d executions: completed=%d failed=%d cancelled=%d skipped=%d",
			summary.Scanned, summary.Completed, summary.Failed, summary.Cancelled, summary.Skipped)
	}
	return summary, err
}

func (p *Pool) resume(ctx context.Context, def *workflow.Definition, executionID string) (outcome func(*Summary)) {
	// a panicking resume counts as failed
	outcome = func(s *Summary) { s.Failed++ }
	logger := workflow.WithLoggerFields(p.logger, map[string]any{
		"workflow_id":  def.ID,
		"execution_id": executionID,
	})
	handle := workflow.MakePanicHandler(workflow.LogPanics(logger))
	defer handle("worker.resume", nil)

	ctx, cancel := p.contextFor(ctx, def)
	defer cancel()

	res, err := p.resumer.Resume(ctx, def, executionID)
	switch {
	case workflow.HasCode(err, workflow.ErrCodeLeaseUnavailable),
		workflow.HasCode(err, workflow.ErrCodeExecutionFinished),
		workflow.HasCode(err, workflow.ErrCodeVersionConflict):
		logger.Debug("resume skipped: %v", err)
		return func(s *Summary) { s.Skipped++ }
	case res == nil:
		logger.Error("resume failed: %v", err)
		return func(s *Summary) { s.Failed++ }
	case res.Status == checkpoint.StatusCompleted:
		return func(s *Summary) { s.Completed++ }
	case res.Status == checkpoint.StatusCancelled:
		logger.Warn("resume cancelled: %v", err)
		return func(s *Summary) { s.Cancelled++ }
	default:
		logger.Warn("resumed execution failed: %v", err)
		return func(s *Summary) { s.Failed++ }
	}
}

// contextFor applies the definition timeout and the pool deadline.
func (p *Pool) contextFor(parent context.Context, def *workflow.Definition) (context.Context, context.CancelFunc) {
	timeout := def.Config.Timeout
	switch {
	case timeout > 0 && !p.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, p.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case timeout > 0:
		return context.WithTimeout(parent, timeout)
	case !p.deadline.IsZero():
		return context.WithDeadline(parent, p.deadline)
	default:
		return parent, func() {}
	}
}
