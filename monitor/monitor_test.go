package monitor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/block"
	"github.com/goliatone/go-workflow/checkpoint"
	"github.com/goliatone/go-workflow/engine"
	"github.com/goliatone/go-workflow/monitor"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{subject: subject, data: data})
	return nil
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.subject)
	}
	return out
}

func definition() *workflow.Definition {
	return &workflow.Definition{
		ID:         "order",
		StartBlock: "A",
		Blocks: []workflow.BlockDefinition{
			{Name: "A", Type: "noop", NextOnSuccess: "B"},
			{Name: "B", Type: "fail", Config: map[string]any{"error": true, "message": "card declined"}},
		},
	}
}

func TestPublisherMonitorSubjects(t *testing.T) {
	pub := &fakePublisher{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mon := monitor.NewPublisherMonitor(pub, monitor.WithSubjectPrefix("acme.wf."), monitor.WithClock(func() time.Time { return fixed }))

	exec, err := engine.New(block.NewDefaultRegistry(), checkpoint.NewMemoryStore(),
		engine.WithLogger(workflow.NopLogger{}), engine.WithMonitor(mon))
	require.NoError(t, err)

	_, err = exec.Run(context.Background(), definition(), workflow.NewExecutionContext("order", "ex-1", nil))
	require.Error(t, err)

	assert.Equal(t, []string{
		"acme.wf.order.started",
		"acme.wf.order.block",
		"acme.wf.order.block",
		"acme.wf.order.failed",
	}, pub.subjects())

	var last monitor.Event
	require.NoError(t, json.Unmarshal(pub.msgs[3].data, &last))
	assert.Equal(t, monitor.EventFailed, last.Kind)
	assert.Equal(t, "ex-1", last.ExecutionID)
	assert.Equal(t, "failed", last.Status)
	assert.Contains(t, last.Error, "card declined")
	assert.True(t, last.Timestamp.Equal(fixed))

	var blk monitor.Event
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &blk))
	assert.Equal(t, "A", blk.Block)
	require.NotNil(t, blk.Info)
	assert.Equal(t, "noop", blk.Info.BlockType)
}

func TestPublisherMonitorSanitizesSubject(t *testing.T) {
	mon := monitor.NewPublisherMonitor(nil)
	assert.Equal(t, "workflow.events.billing_v2_>.completed", mon.Subject("billing.v2 >", monitor.EventCompleted))
	assert.Equal(t, "workflow.events._.started", mon.Subject("", monitor.EventStarted))
}

func TestPublisherErrorsSurfaceButDoNotFailRun(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	mon := monitor.NewPublisherMonitor(pub)

	err := mon.OnWorkflowStarted(context.Background(), definition(), workflow.NewExecutionContext("order", "x", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow.events.order.started")

	def := definition()
	def.Blocks[1] = workflow.BlockDefinition{Name: "B", Type: "noop"}
	exec, err := engine.New(block.NewDefaultRegistry(), checkpoint.NewMemoryStore(),
		engine.WithLogger(workflow.NopLogger{}), engine.WithMonitor(mon))
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestLogMonitorWritesLines(t *testing.T) {
	var buf bytes.Buffer
	mon := monitor.NewLogMonitor(workflow.NewFmtLogger(&buf))

	exec, err := engine.New(block.NewDefaultRegistry(), checkpoint.NewMemoryStore(),
		engine.WithLogger(workflow.NopLogger{}), engine.WithMonitor(mon))
	require.NoError(t, err)

	_, err = exec.Run(context.Background(), definition(), workflow.NewExecutionContext("order", "ex-9", nil))
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "workflow order started at A")
	assert.Contains(t, out, "block B (fail) errored")
	assert.Contains(t, out, "workflow failed after 2 blocks")
	assert.Contains(t, out, "execution_id=ex-9")
}
