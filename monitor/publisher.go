package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/engine"
)

// Event kinds published by PublisherMonitor.
const (
	EventStarted   = "started"
	EventBlock     = "block"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// DefaultSubjectPrefix roots the published subject tree.
const DefaultSubjectPrefix = "workflow.events"

// Publisher sends a payload to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Event is the JSON payload published for every callback.
type Event struct {
	Kind          string                       `json:"kind"`
	WorkflowID    string                       `json:"workflow_id"`
	ExecutionID   string                       `json:"execution_id"`
	CorrelationID string                       `json:"correlation_id,omitempty"`
	Block         string                       `json:"block,omitempty"`
	Status        string                       `json:"status,omitempty"`
	Error         string                       `json:"error,omitempty"`
	Info          *workflow.BlockExecutionInfo `json:"info,omitempty"`
	Duration      time.Duration                `json:"duration,omitempty"`
	Timestamp     time.Time                    `json:"timestamp"`
}

// PublisherMonitor publishes execution events as JSON to
// <prefix>.<workflow_id>.<kind>.
type PublisherMonitor struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

var _ engine.Monitor = (*PublisherMonitor)(nil)

// PublisherOption configures a PublisherMonitor.
type PublisherOption func(*PublisherMonitor)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) PublisherOption {
	return func(m *PublisherMonitor) {
		if prefix = strings.Trim(strings.TrimSpace(prefix), "."); prefix != "" {
			m.prefix = prefix
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) PublisherOption {
	return func(m *PublisherMonitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewPublisherMonitor builds a monitor over any Publisher.
func NewPublisherMonitor(pub Publisher, opts ...PublisherOption) *PublisherMonitor {
	m := &PublisherMonitor{
		pub:    pub,
		prefix: DefaultSubjectPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Subject returns the subject an event of kind for workflowID is sent to.
func (m *PublisherMonitor) Subject(workflowID, kind string) string {
	return m.prefix + "." + subjectToken(workflowID) + "." + kind
}

func (m *PublisherMonitor) publish(ctx context.Context, evt Event) error {
	if m.pub == nil {
		return nil
	}
	evt.Timestamp = m.now()
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", evt.Kind, err)
	}
	subject := m.Subject(evt.WorkflowID, evt.Kind)
	if err := m.pub.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (m *PublisherMonitor) OnWorkflowStarted(ctx context.Context, _ *workflow.Definition, ec *workflow.ExecutionContext) error {
	return m.publish(ctx, Event{
		Kind:          EventStarted,
		WorkflowID:    ec.WorkflowID,
		ExecutionID:   ec.ExecutionID,
		CorrelationID: ec.CorrelationID,
		Block:         ec.CurrentBlock,
	})
}

func (m *PublisherMonitor) OnBlockExecuted(ctx context.Context, ec *workflow.ExecutionContext, info workflow.BlockExecutionInfo) error {
	return m.publish(ctx, Event{
		Kind:          EventBlock,
		WorkflowID:    ec.WorkflowID,
		ExecutionID:   ec.ExecutionID,
		CorrelationID: ec.CorrelationID,
		Block:         info.BlockName,
		Status:        string(info.Status),
		Error:         info.Error,
		Info:          &info,
		Duration:      info.Duration(),
	})
}

func (m *PublisherMonitor) OnWorkflowCompleted(ctx context.Context, res *engine.Result) error {
	return m.publish(ctx, resultEvent(EventCompleted, res))
}

func (m *PublisherMonitor) OnWorkflowFailed(ctx context.Context, res *engine.Result) error {
	return m.publish(ctx, resultEvent(EventFailed, res))
}

func (m *PublisherMonitor) OnWorkflowCancelled(ctx context.Context, res *engine.Result) error {
	return m.publish(ctx, resultEvent(EventCancelled, res))
}

func resultEvent(kind string, res *engine.Result) Event {
	return Event{
		Kind:          kind,
		WorkflowID:    res.WorkflowID,
		ExecutionID:   res.ExecutionID,
		CorrelationID: res.CorrelationID,
		Status:        string(res.Status),
		Error:         res.ErrorText(),
		Duration:      res.Duration(),
	}
}

// subjectToken makes id safe to use as a single NATS subject token.
func subjectToken(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, id)
}
