// Package checkpoint persists workflow progress with optimistic versioning
// and hands out advisory execution leases.
package checkpoint

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/goliatone/go-workflow"
)

var (
	// ErrVersionConflict indicates the checkpoint version did not match the stored one.
	ErrVersionConflict = errors.New("checkpoint version conflict")
	// ErrExecutionExists indicates CreateExecution found an existing checkpoint.
	ErrExecutionExists = errors.New("execution already exists")
	// ErrInvalidCheckpoint indicates a checkpoint without workflow or execution id.
	ErrInvalidCheckpoint = errors.New("checkpoint requires workflow and execution id")
)

// Status is the lifecycle state recorded with a checkpoint.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further blocks will run for the execution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Checkpoint is the persisted snapshot of one execution. CurrentBlock is the
// next block to run, empty once the execution reached the end of the graph.
type Checkpoint struct {
	WorkflowID    string                        `json:"workflow_id" msgpack:"workflow_id"`
	ExecutionID   string                        `json:"execution_id" msgpack:"execution_id"`
	CurrentBlock  string                        `json:"current_block" msgpack:"current_block"`
	State         map[string]any                `json:"state" msgpack:"state"`
	History       []workflow.BlockExecutionInfo `json:"history,omitempty" msgpack:"history,omitempty"`
	RetryCount    int                           `json:"retry_count" msgpack:"retry_count"`
	CorrelationID string                        `json:"correlation_id,omitempty" msgpack:"correlation_id,omitempty"`
	Version       int                           `json:"version" msgpack:"version"`
	Status        Status                        `json:"status" msgpack:"status"`
	Input         any                           `json:"input,omitempty" msgpack:"input,omitempty"`
	Error         string                        `json:"error,omitempty" msgpack:"error,omitempty"`
	CreatedAt     time.Time                     `json:"created_at" msgpack:"created_at"`
	LastUpdated   time.Time                     `json:"last_updated" msgpack:"last_updated"`
}

// New builds the initial checkpoint for an execution from its context.
func New(workflowID, executionID string, ec *workflow.ExecutionContext) *Checkpoint {
	cp := &Checkpoint{
		WorkflowID:  strings.TrimSpace(workflowID),
		ExecutionID: strings.TrimSpace(executionID),
		Status:      StatusRunning,
	}
	if ec != nil {
		cp.CurrentBlock = ec.CurrentBlock
		cp.State = ec.Snapshot()
		cp.Input = ec.Input
		cp.CorrelationID = ec.CorrelationID
	}
	return cp
}

// Clone returns a copy that shares no maps or slices with c.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.State = workflow.CloneState(c.State)
	cp.Input = workflow.CloneValue(c.Input)
	if c.History != nil {
		cp.History = make([]workflow.BlockExecutionInfo, len(c.History))
		for i, info := range c.History {
			info.Output = workflow.CloneValue(info.Output)
			info.Warnings = slices.Clone(info.Warnings)
			cp.History[i] = info
		}
	}
	return &cp
}

// Restore rebuilds an execution context from the checkpoint.
func (c *Checkpoint) Restore() *workflow.ExecutionContext {
	ec := workflow.RestoreExecutionContext(c.WorkflowID, c.ExecutionID, c.CurrentBlock, c.State, c.Input)
	ec.CorrelationID = c.CorrelationID
	return ec
}

func (c *Checkpoint) validate() error {
	if c == nil || strings.TrimSpace(c.WorkflowID) == "" || strings.TrimSpace(c.ExecutionID) == "" {
		return ErrInvalidCheckpoint
	}
	return nil
}

// Lease is an advisory claim on an execution held by one owner until ExpiresAt.
type Lease struct {
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	Owner       string    `json:"owner"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the lease lapsed at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Query filters QueryExecutions results. Zero fields do not filter.
type Query struct {
	Statuses      []Status
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// Matches reports whether cp passes the status and time filters.
func (q Query) Matches(cp *Checkpoint) bool {
	if cp == nil {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, cp.Status) {
		return false
	}
	if !q.UpdatedAfter.IsZero() && cp.LastUpdated.Before(q.UpdatedAfter) {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !cp.LastUpdated.Before(q.UpdatedBefore) {
		return false
	}
	return true
}

// page sorts by LastUpdated then execution id and applies offset and limit.
func (q Query) page(in []*Checkpoint) []*Checkpoint {
	slices.SortFunc(in, func(a, b *Checkpoint) int {
		if c := a.LastUpdated.Compare(b.LastUpdated); c != 0 {
			return c
		}
		return strings.Compare(a.ExecutionID, b.ExecutionID)
	})
	if q.Offset > 0 {
		if q.Offset >= len(in) {
			return nil
		}
		in = in[q.Offset:]
	}
	if q.Limit > 0 && len(in) > q.Limit {
		in = in[:q.Limit]
	}
	return in
}

// Stats summarises the stored executions.
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	// AverageSize is the mean encoded checkpoint size in bytes.
	AverageSize float64 `json:"average_size"`
}

func (s *Stats) count(status Status) {
	s.Total++
	switch status {
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
}

// Store persists checkpoints and leases for many concurrent executions.
type Store interface {
	// CreateExecution writes the first checkpoint, version 1, failing with
	// ErrExecutionExists when the execution is already known.
	CreateExecution(ctx context.Context, workflowID, executionID string, ec *workflow.ExecutionContext) (*Checkpoint, error)
	// SaveCheckpoint compares cp.Version with the stored version, zero skips
	// the comparison, and on success stores cp with version+1.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) (int, error)
	// LoadLatestCheckpoint returns nil, nil when nothing is stored.
	LoadLatestCheckpoint(ctx context.Context, workflowID, executionID string) (*Checkpoint, error)
	// TryAcquireLease grants or renews the lease for owner. It returns false
	// while another owner holds an unexpired lease.
	TryAcquireLease(ctx context.Context, workflowID, executionID, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease when owner holds it.
	ReleaseLease(ctx context.Context, workflowID, executionID, owner string) error
	// QueryExecutions lists checkpoints of workflowID, or of every workflow
	// when empty, oldest update first.
	QueryExecutions(ctx context.Context, workflowID string, q Query) ([]*Checkpoint, error)
	// CleanupOlderThan deletes checkpoints not updated within age.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
	Statistics(ctx context.Context) (Stats, error)
}

// applyVersion checks next against the stored checkpoint and stamps the new
// version and timestamps on next.
func applyVersion(next, current *Checkpoint, now time.Time) (int, error) {
	stored := 0
	if current != nil {
		stored = current.Version
	}
	if next.Version != 0 && next.Version != stored {
		return 0, ErrVersionConflict
	}
	next.Version = stored + 1
	next.LastUpdated = now
	switch {
	case current != nil && !current.CreatedAt.IsZero():
		next.CreatedAt = current.CreatedAt
	case next.CreatedAt.IsZero():
		next.CreatedAt = now
	}
	if next.Status == "" {
		next.Status = StatusRunning
	}
	return next.Version, nil
}

type options struct {
	now       func() time.Time
	table     string
	keyPrefix string
	codec     Codec
	ttl       time.Duration
}

// Option configures a store.
type Option func(*options)

// WithClock overrides the time source used for timestamps and lease expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTable sets the SQL table prefix. Default "workflow_checkpoints".
func WithTable(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.table = name
		}
	}
}

// WithKeyPrefix sets the Redis key prefix. Default "workflow:".
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithCodec sets the Redis payload codec. Default JSON.
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithTTL expires Redis checkpoints after ttl of inactivity. Zero keeps them.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:       func() time.Time { return time.Now().UTC() },
		table:     "workflow_checkpoints",
		keyPrefix: "workflow:",
		codec:     JSONCodec{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
