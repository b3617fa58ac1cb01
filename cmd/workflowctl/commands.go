package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/checkpoint"
	"github.com/goliatone/go-workflow/cron"
	"github.com/goliatone/go-workflow/engine"
	"github.com/goliatone/go-workflow/worker"
)

type resultView struct {
	*engine.Result
	Error string `json:"error,omitempty"`
}

func printResult(app *App, res *engine.Result, runErr error) error {
	if res != nil {
		if err := app.Print(resultView{Result: res, Error: res.ErrorText()}); err != nil {
			return err
		}
	}
	return runErr
}

// RunCmd starts a new execution.
type RunCmd struct {
	Definition    string            `arg:"" type:"existingfile" help:"Workflow definition file (YAML or JSON)."`
	ExecutionID   string            `name:"execution-id" help:"Execution id, generated when empty."`
	CorrelationID string            `name:"correlation-id" help:"Correlation id carried through checkpoints and events."`
	Set           map[string]string `name:"set" short:"s" help:"Initial variables as key=value."`
	Input         string            `help:"Execution input as a JSON document."`
	Timeout       time.Duration     `help:"Abort the run after this long, overrides the definition timeout."`
}

func (c *RunCmd) Run(ctx context.Context, app *App) error {
	def, err := workflow.LoadDefinitionFile(c.Definition)
	if err != nil {
		return err
	}

	var input any
	if c.Input != "" {
		if err := json.Unmarshal([]byte(c.Input), &input); err != nil {
			return fmt.Errorf("parse --input: %w", err)
		}
	}
	ec := workflow.NewExecutionContext(def.ID, c.ExecutionID, input)
	ec.CorrelationID = c.CorrelationID
	for k, v := range c.Set {
		ec.Set(k, v)
	}

	exec, err := app.Executor(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, c.Timeout, def.Config.Timeout)
	defer cancel()

	res, err := exec.Run(ctx, def, ec)
	return printResult(app, res, err)
}

// ResumeCmd continues an execution from its last checkpoint.
type ResumeCmd struct {
	Definition  string        `arg:"" type:"existingfile" help:"Workflow definition file."`
	ExecutionID string        `arg:"" name:"execution-id" help:"Execution to resume."`
	Timeout     time.Duration `help:"Abort the run after this long, overrides the definition timeout."`
}

func (c *ResumeCmd) Run(ctx context.Context, app *App) error {
	def, err := workflow.LoadDefinitionFile(c.Definition)
	if err != nil {
		return err
	}
	exec, err := app.Executor(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, c.Timeout, def.Config.Timeout)
	defer cancel()

	res, err := exec.Resume(ctx, def, c.ExecutionID)
	return printResult(app, res, err)
}

// ListCmd prints stored executions.
type ListCmd struct {
	Workflow string        `short:"w" help:"Only executions of this workflow."`
	Status   []string      `enum:"running,completed,failed,cancelled" help:"Filter by status, repeatable."`
	Since    time.Duration `help:"Only executions updated within this window."`
	Limit    int           `default:"50" help:"Maximum rows."`
	Offset   int           `help:"Rows to skip."`
	JSON     bool          `name:"json" help:"Print JSON instead of a table."`
}

func (c *ListCmd) Run(ctx context.Context, app *App) error {
	q := checkpoint.Query{Limit: c.Limit, Offset: c.Offset}
	for _, s := range c.Status {
		q.Statuses = append(q.Statuses, checkpoint.Status(s))
	}
	if c.Since > 0 {
		q.UpdatedAfter = time.Now().UTC().Add(-c.Since)
	}
	execs, err := app.Store.QueryExecutions(ctx, c.Workflow, q)
	if err != nil {
		return err
	}
	if c.JSON {
		return app.Print(execs)
	}

	tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKFLOW\tEXECUTION\tSTATUS\tBLOCK\tVERSION\tUPDATED")
	for _, cp := range execs {
		next := cp.CurrentBlock
		if next == "" {
			next = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			cp.WorkflowID, cp.ExecutionID, cp.Status, next, cp.Version, cp.LastUpdated.Format(time.RFC3339))
	}
	return tw.Flush()
}

// StatsCmd prints store statistics.
type StatsCmd struct{}

func (c *StatsCmd) Run(ctx context.Context, app *App) error {
	stats, err := app.Store.Statistics(ctx)
	if err != nil {
		return err
	}
	return app.Print(stats)
}

// CleanupCmd deletes stale executions.
type CleanupCmd struct {
	OlderThan time.Duration `name:"older-than" required:"" help:"Delete executions not updated within this window."`
}

func (c *CleanupCmd) Run(ctx context.Context, app *App) error {
	n, err := app.Store.CleanupOlderThan(ctx, c.OlderThan)
	if err != nil {
		return err
	}
	return app.Print(map[string]int{"removed": n})
}

// ServeCmd keeps resuming interrupted executions of the given definitions and
// schedules store maintenance.
type ServeCmd struct {
	Definitions   []string      `arg:"" type:"existingfile" help:"Workflow definitions to serve."`
	Concurrency   int           `default:"4" help:"Resumes in flight per sweep."`
	Rate          float64       `default:"0" help:"Resume starts per second, 0 for unlimited."`
	SweepInterval time.Duration `name:"sweep-interval" default:"30s" help:"Pause between resume sweeps."`
	StaleAfter    time.Duration `name:"stale-after" default:"1m" help:"Only resume executions idle this long."`
	Retention     time.Duration `default:"720h" help:"Delete executions idle longer than this, 0 disables."`
	CleanupCron   string        `name:"cleanup-cron" default:"@every 1h" help:"Cleanup schedule."`
	StatsCron     string        `name:"stats-cron" default:"@every 5m" help:"Statistics log schedule."`
}

func (c *ServeCmd) Run(ctx context.Context, app *App) error {
	defs := make([]*workflow.Definition, 0, len(c.Definitions))
	for _, path := range c.Definitions {
		def, err := workflow.LoadDefinitionFile(path)
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}
	catalog, err := workflow.NewCatalog(defs...)
	if err != nil {
		return err
	}

	exec, err := app.Executor(ctx)
	if err != nil {
		return err
	}
	pool, err := worker.NewPool(exec, app.Store, catalog,
		worker.WithConcurrency(c.Concurrency),
		worker.WithRateLimit(c.Rate, c.Concurrency),
		worker.WithPollInterval(c.SweepInterval),
		worker.WithStaleAfter(c.StaleAfter),
		worker.WithLogger(app.Logger),
	)
	if err != nil {
		return err
	}

	scheduler := cron.NewScheduler(cron.WithLogger(app.Logger), cron.WithLogLevel(cron.LogLevelError))
	if c.Retention > 0 {
		if _, err := scheduler.ScheduleCron(cron.JobConfig{
			Name:       "cleanup",
			Expression: c.CleanupCron,
			Timeout:    5 * time.Minute,
			MaxRetries: 2,
			RetryDelay: 10 * time.Second,
		}, cron.CleanupJob(app.Store, c.Retention, app.Logger)); err != nil {
			return err
		}
	}
	if _, err := scheduler.ScheduleCron(cron.JobConfig{
		Name:       "stats",
		Expression: c.StatsCron,
		Timeout:    time.Minute,
	}, cron.StatsJob(app.Store, app.Logger, nil)); err != nil {
		return err
	}

	app.Logger.Info("serving %d workflows, sweeping every %s", len(catalog), c.SweepInterval)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		return scheduler.Stop(stopCtx)
	})
	return g.Wait()
}

// withTimeout applies the flag timeout, or the definition timeout when the
// flag is unset.
func withTimeout(ctx context.Context, flag, def time.Duration) (context.Context, context.CancelFunc) {
	if flag <= 0 {
		flag = def
	}
	if flag <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, flag)
}
