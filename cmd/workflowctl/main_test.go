package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/checkpoint"
)

const orderYAML = `
id: order
start_block: validate
blocks:
  - name: validate
    type: set_variables
    next_on_success: ship
    config:
      values:
        validated: true
  - name: ship
    type: noop
`

func writeDefinition(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "order.yaml")
	require.NoError(t, os.WriteFile(path, []byte(orderYAML), 0o600))
	return path
}

func testApp(t *testing.T, spec string) (*App, *bytes.Buffer) {
	t.Helper()
	store, closeStore, err := openStore(spec, "json", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeStore() })

	out := &bytes.Buffer{}
	return &App{
		Globals: &Globals{Owner: "cli-test"},
		Logger:  workflow.NopLogger{},
		Store:   store,
		Out:     out,
	}, out
}

func TestOpenStoreSpecs(t *testing.T) {
	store, closeFn, err := openStore("memory", "json", 0)
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.MemoryStore{}, store)
	assert.NoError(t, closeFn())

	store, closeFn, err = openStore("sqlite::memory:", "json", 0)
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.SQLStore{}, store)
	assert.NoError(t, closeFn())

	store, closeFn, err = openStore("redis://localhost:6379/0", "msgpack", 0)
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.RedisStore{}, store)
	assert.NoError(t, closeFn())

	_, _, err = openStore("mongo://x", "json", 0)
	assert.Error(t, err)
	_, _, err = openStore("memory", "xml", 0)
	assert.Error(t, err)
	_, _, err = openStore("sqlite:", "json", 0)
	assert.Error(t, err)
}

func TestParseCommandLine(t *testing.T) {
	path := writeDefinition(t)

	var cli CLI
	parser, err := kong.New(&cli, kong.Name("workflowctl"), kong.Exit(func(int) {}))
	require.NoError(t, err)

	kctx, err := parser.Parse([]string{
		"--store", "sqlite::memory:", "--log-format", "json",
		"run", path, "--execution-id", "ex-1", "--set", "region=eu",
	})
	require.NoError(t, err)
	assert.Equal(t, "run <definition>", kctx.Command())
	assert.Equal(t, "sqlite::memory:", cli.Store)
	assert.Equal(t, "ex-1", cli.Run.ExecutionID)
	assert.Equal(t, map[string]string{"region": "eu"}, cli.Run.Set)

	_, err = parser.Parse([]string{"--log-level", "loud", "stats"})
	assert.Error(t, err)
}

func TestRunThenInspect(t *testing.T) {
	for _, spec := range []string{"memory", "sqlite::memory:"} {
		t.Run(spec, func(t *testing.T) {
			app, out := testApp(t, spec)
			ctx := context.Background()
			path := writeDefinition(t)

			run := &RunCmd{Definition: path, ExecutionID: "ex-1", Set: map[string]string{"region": "eu"}}
			require.NoError(t, run.Run(ctx, app))

			var res map[string]any
			require.NoError(t, json.Unmarshal(out.Bytes(), &res))
			assert.Equal(t, "completed", res["status"])
			assert.Equal(t, "ex-1", res["execution_id"])
			state := res["state"].(map[string]any)
			assert.Equal(t, "eu", state["region"])
			assert.Equal(t, true, state["validated"])

			out.Reset()
			require.NoError(t, (&ListCmd{Workflow: "order", Limit: 10}).Run(ctx, app))
			assert.Contains(t, out.String(), "ex-1")
			assert.Contains(t, out.String(), "completed")

			out.Reset()
			require.NoError(t, (&StatsCmd{}).Run(ctx, app))
			var stats checkpoint.Stats
			require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
			assert.Equal(t, 1, stats.Completed)

			err := (&ResumeCmd{Definition: path, ExecutionID: "ex-1"}).Run(ctx, app)
			require.Error(t, err)
			assert.Equal(t, 2, exitCode(err))
		})
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	app, _ := testApp(t, "memory")
	err := (&RunCmd{Definition: writeDefinition(t), Input: "{not json"}).Run(context.Background(), app)
	assert.ErrorContains(t, err, "parse --input")
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 1, exitCode(assert.AnError))
	assert.Equal(t, 130, exitCode(workflow.NewError(workflow.ErrCancelled, "", nil, nil)))
	assert.Equal(t, 75, exitCode(workflow.NewError(workflow.ErrLeaseUnavailable, "", nil, nil)))
}
