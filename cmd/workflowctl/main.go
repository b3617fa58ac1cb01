// Command workflowctl runs, resumes and inspects durable workflow executions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"
	"github.com/nats-io/nats.go"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/block"
	"github.com/goliatone/go-workflow/checkpoint"
	"github.com/goliatone/go-workflow/engine"
	"github.com/goliatone/go-workflow/monitor"
)

// Globals are flags shared by every command.
type Globals struct {
	Store      string        `default:"memory" env:"WORKFLOW_STORE" help:"Checkpoint store: memory, sqlite:<path> or redis://host:port/db."`
	Codec      string        `default:"json" enum:"json,msgpack" help:"Payload codec for the redis store."`
	TTL        time.Duration `name:"ttl" help:"Expire idle redis checkpoints after this long."`
	NatsURL    string        `name:"nats-url" env:"NATS_URL" help:"Publish execution events to this NATS server."`
	NatsStream string        `name:"nats-stream" help:"Publish through JetStream into this stream."`
	Owner      string        `env:"WORKFLOW_WORKER_ID" help:"Lease owner identity, random when empty."`
	LogLevel   string        `default:"info" enum:"trace,debug,info,warn,error" help:"Log level."`
	LogFormat  string        `default:"console" enum:"console,json" help:"Log output format."`
}

// CLI is the workflowctl command tree.
type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" help:"Start a new execution of a workflow definition."`
	Resume  ResumeCmd  `cmd:"" help:"Resume an interrupted execution."`
	List    ListCmd    `cmd:"" help:"List stored executions."`
	Stats   StatsCmd   `cmd:"" help:"Show store statistics."`
	Cleanup CleanupCmd `cmd:"" help:"Delete executions not updated within a window."`
	Serve   ServeCmd   `cmd:"" help:"Resume interrupted executions and run maintenance jobs."`
}

// App is the runtime shared by commands, bound into kong.
type App struct {
	Globals *Globals
	Logger  workflow.Logger
	Store   checkpoint.Store
	Out     io.Writer

	closers []func() error
}

func newLogger(level, format string, out io.Writer) workflow.Logger {
	var base glog.Logger
	if format == "json" {
		base = glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level), glog.WithLoggerTypeJSON())
	} else {
		base = glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level))
	}
	return workflow.NewGLogLogger(base)
}

func newApp(g *Globals, out io.Writer) (*App, error) {
	app := &App{
		Globals: g,
		Logger:  newLogger(g.LogLevel, g.LogFormat, os.Stderr),
		Out:     out,
	}
	store, closeStore, err := openStore(g.Store, g.Codec, g.TTL)
	if err != nil {
		return nil, err
	}
	app.Store = store
	app.closers = append(app.closers, closeStore)
	return app, nil
}

// Executor builds an executor with the log monitor and, when configured,
// the NATS monitor.
func (a *App) Executor(ctx context.Context) (*engine.Executor, error) {
	monitors := []engine.Monitor{monitor.NewLogMonitor(a.Logger)}
	if a.Globals.NatsURL != "" {
		nc, err := monitor.Connect(a.Globals.NatsURL, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		m, err := a.natsMonitor(ctx, nc)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return engine.New(block.NewDefaultRegistry(), a.Store,
		engine.WithLogger(a.Logger),
		engine.WithLeaseOwner(a.Globals.Owner),
		engine.WithMonitor(monitors...),
	)
}

func (a *App) natsMonitor(ctx context.Context, nc *nats.Conn) (engine.Monitor, error) {
	if a.Globals.NatsStream == "" {
		return monitor.NewNATSMonitor(nc), nil
	}
	return monitor.NewJetStreamMonitor(ctx, nc, a.Globals.NatsStream)
}

// Print writes v as indented JSON.
func (a *App) Print(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Close releases the store and connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close: %v", err)
		}
	}
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("workflowctl"),
		kong.Description("Run and operate durable workflow executions."),
		kong.UsageOnError(),
	)
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	app, err := newApp(&cli.Globals, os.Stdout)
	parser.FatalIfErrorf(err)
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(app)
	if err := kctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "workflowctl: %v\n", err)
		app.Close()
		os.Exit(exitCode(err))
	}
}

// exitCode maps coded errors to distinct statuses for scripts.
func exitCode(err error) int {
	switch workflow.ErrorCode(err) {
	case workflow.ErrCodeCancelled:
		return 130
	case workflow.ErrCodeLeaseUnavailable, workflow.ErrCodeVersionConflict:
		return 75
	case workflow.ErrCodeInvalidDefinition, workflow.ErrCodeExecutionNotFound, workflow.ErrCodeExecutionFinished:
		return 2
	default:
		return 1
	}
}
