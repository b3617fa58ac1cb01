package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-workflow"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore persists checkpoints in a relational table using sqlite flavoured
// SQL. One row per execution holds the latest checkpoint; leases live in a
// sibling table.
type SQLStore struct {
	db         *sql.DB
	table      string
	leaseTable string
	now        func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore builds a store on db. The schema is created on first use.
func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	o := buildOptions(opts)
	return &SQLStore{
		db:         db,
		table:      o.table,
		leaseTable: o.table + "_leases",
		now:        o.now,
	}
}

const checkpointColumns = `workflow_id, execution_id, current_block, state, history, retry_count, correlation_id, version, status, input, error, created_at, last_updated`

func (s *SQLStore) CreateExecution(ctx context.Context, workflowID, executionID string, ec *workflow.ExecutionContext) (*Checkpoint, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	cp := New(workflowID, executionID, ec)
	if err := cp.validate(); err != nil {
		return nil, err
	}
	if _, err := applyVersion(cp, nil, s.now()); err != nil {
		return nil, err
	}
	row, err := encodeRow(cp)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, checkpointColumns)
	result, err := s.db.ExecContext(ctx, q, row.args()...)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrExecutionExists
	}
	return cp, nil
}

func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if err := cp.validate(); err != nil {
		return 0, err
	}
	next := cp.Clone()
	if next.Version != 0 {
		return s.compareAndSwap(ctx, s.db, next, next.Version)
	}

	// version zero: read the stored version inside a transaction, then swap
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	current, err := s.load(ctx, tx, next.WorkflowID, next.ExecutionID)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	var version int
	if current == nil {
		version, err = s.insert(ctx, tx, next)
	} else {
		version, err = s.compareAndSwap(ctx, tx, next, current.Version)
	}
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *SQLStore) insert(ctx context.Context, exec sqlExecContext, cp *Checkpoint) (int, error) {
	version, err := applyVersion(cp, nil, s.now())
	if err != nil {
		return 0, err
	}
	row, err := encodeRow(cp)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, checkpointColumns)
	result, err := exec.ExecContext(ctx, q, row.args()...)
	if err != nil {
		return 0, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return 0, ErrVersionConflict
	}
	return version, nil
}

func (s *SQLStore) compareAndSwap(ctx context.Context, exec sqlExecContext, cp *Checkpoint, expected int) (int, error) {
	newVersion := expected + 1
	cp.Version = newVersion
	cp.LastUpdated = s.now()
	if cp.Status == "" {
		cp.Status = StatusRunning
	}
	row, err := encodeRow(cp)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`UPDATE %s SET current_block=?, state=?, history=?, retry_count=?, correlation_id=?, version=?, status=?, input=?, error=?, last_updated=? WHERE workflow_id=? AND execution_id=? AND version=?`, s.table)
	result, err := exec.ExecContext(ctx, q,
		row.currentBlock,
		row.state,
		row.history,
		row.retryCount,
		row.correlationID,
		newVersion,
		row.status,
		row.input,
		row.errText,
		row.lastUpdated,
		row.workflowID,
		row.executionID,
		expected,
	)
	if err != nil {
		return 0, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return 0, ErrVersionConflict
	}
	return newVersion, nil
}

func (s *SQLStore) LoadLatestCheckpoint(ctx context.Context, workflowID, executionID string) (*Checkpoint, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.load(ctx, s.db, strings.TrimSpace(workflowID), strings.TrimSpace(executionID))
}

func (s *SQLStore) load(ctx context.Context, q sqlQueryContext, workflowID, executionID string) (*Checkpoint, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE workflow_id = ? AND execution_id = ?`, checkpointColumns, s.table)
	cp, err := decodeRow(q.QueryRowContext(ctx, query, workflowID, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, workflowID, executionID, owner string, ttl time.Duration) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false, errors.New("lease owner required")
	}
	if ttl <= 0 {
		ttl = workflow.DefaultLeaseDuration
	}
	now := s.now()
	q := fmt.Sprintf(`INSERT INTO %[1]s (workflow_id, execution_id, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(workflow_id, execution_id) DO UPDATE SET
	acquired_at = CASE WHEN %[1]s.owner = excluded.owner AND %[1]s.expires_at > ? THEN %[1]s.acquired_at ELSE excluded.acquired_at END,
	owner = excluded.owner,
	expires_at = excluded.expires_at
WHERE %[1]s.owner = excluded.owner OR %[1]s.expires_at <= ?`, s.leaseTable)
	result, err := s.db.ExecContext(ctx, q,
		strings.TrimSpace(workflowID),
		strings.TrimSpace(executionID),
		owner,
		formatTime(now),
		formatTime(now.Add(ttl)),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, workflowID, executionID, owner string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE workflow_id = ? AND execution_id = ? AND owner = ?`, s.leaseTable)
	_, err := s.db.ExecContext(ctx, q, strings.TrimSpace(workflowID), strings.TrimSpace(executionID), strings.TrimSpace(owner))
	return err
}

func (s *SQLStore) QueryExecutions(ctx context.Context, workflowID string, q Query) ([]*Checkpoint, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if workflowID = strings.TrimSpace(workflowID); workflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, workflowID)
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.UpdatedAfter.IsZero() {
		where = append(where, "last_updated >= ?")
		args = append(args, formatTime(q.UpdatedAfter))
	}
	if !q.UpdatedBefore.IsZero() {
		where = append(where, "last_updated < ?")
		args = append(args, formatTime(q.UpdatedBefore))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT %s FROM %s`, checkpointColumns, s.table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY last_updated ASC, execution_id ASC")
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, max(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := decodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	now := s.now()
	cutoff := formatTime(now.Add(-age))
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE last_updated < ?`, s.table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	removed, _ := result.RowsAffected()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, s.leaseTable), formatTime(now)); err != nil {
		return int(removed), fmt.Errorf("cleanup leases: %w", err)
	}
	return int(removed), nil
}

func (s *SQLStore) Statistics(ctx context.Context) (Stats, error) {
	if err := s.ready(ctx); err != nil {
		return Stats{}, err
	}
	q := fmt.Sprintf(`SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
	AVG(LENGTH(state) + LENGTH(history) + LENGTH(input))
FROM %s`, s.table)
	var (
		stats Stats
		avg   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, q,
		string(StatusRunning),
		string(StatusCompleted),
		string(StatusFailed),
		string(StatusCancelled),
	).Scan(
		&stats.Total,
		&stats.Running,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&avg,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("checkpoint statistics: %w", err)
	}
	if avg.Valid {
		stats.AverageSize = avg.Float64
	}
	return stats, nil
}

func (s *SQLStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	checkpointDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		workflow_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		current_block TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		history TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		input TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		PRIMARY KEY (workflow_id, execution_id)
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, checkpointDDL); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	indexDDL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_updated ON %[1]s (status, last_updated)`, s.table)
	if _, err := s.db.ExecContext(ctx, indexDDL); err != nil {
		return fmt.Errorf("create checkpoint index: %w", err)
	}
	leaseDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		workflow_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (workflow_id, execution_id)
	)`, s.leaseTable)
	if _, err := s.db.ExecContext(ctx, leaseDDL); err != nil {
		return fmt.Errorf("create lease table: %w", err)
	}
	return nil
}

// checkpointRow is the column encoding of a checkpoint.
type checkpointRow struct {
	workflowID    string
	executionID   string
	currentBlock  string
	state         string
	history       string
	retryCount    int
	correlationID string
	version       int
	status        string
	input         string
	errText       string
	createdAt     string
	lastUpdated   string
}

func (r checkpointRow) args() []any {
	return []any{
		r.workflowID,
		r.executionID,
		r.currentBlock,
		r.state,
		r.history,
		r.retryCount,
		r.correlationID,
		r.version,
		r.status,
		r.input,
		r.errText,
		r.createdAt,
		r.lastUpdated,
	}
}

func encodeRow(cp *Checkpoint) (checkpointRow, error) {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return checkpointRow{}, fmt.Errorf("encode state: %w", err)
	}
	history, err := json.Marshal(cp.History)
	if err != nil {
		return checkpointRow{}, fmt.Errorf("encode history: %w", err)
	}
	input, err := json.Marshal(cp.Input)
	if err != nil {
		return checkpointRow{}, fmt.Errorf("encode input: %w", err)
	}
	return checkpointRow{
		workflowID:    cp.WorkflowID,
		executionID:   cp.ExecutionID,
		currentBlock:  cp.CurrentBlock,
		state:         string(state),
		history:       string(history),
		retryCount:    cp.RetryCount,
		correlationID: cp.CorrelationID,
		version:       cp.Version,
		status:        string(cp.Status),
		input:         string(input),
		errText:       cp.Error,
		createdAt:     formatTime(cp.CreatedAt),
		lastUpdated:   formatTime(cp.LastUpdated),
	}, nil
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func decodeRow(row sqlRowScanner) (*Checkpoint, error) {
	var r checkpointRow
	if err := row.Scan(
		&r.workflowID,
		&r.executionID,
		&r.currentBlock,
		&r.state,
		&r.history,
		&r.retryCount,
		&r.correlationID,
		&r.version,
		&r.status,
		&r.input,
		&r.errText,
		&r.createdAt,
		&r.lastUpdated,
	); err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		WorkflowID:    r.workflowID,
		ExecutionID:   r.executionID,
		CurrentBlock:  r.currentBlock,
		RetryCount:    r.retryCount,
		CorrelationID: r.correlationID,
		Version:       r.version,
		Status:        Status(r.status),
		Error:         r.errText,
		CreatedAt:     parseTime(r.createdAt),
		LastUpdated:   parseTime(r.lastUpdated),
	}
	if err := decodeJSON([]byte(r.state), &cp.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if err := decodeJSON([]byte(r.history), &cp.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if err := decodeJSON([]byte(r.input), &cp.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	cp.restoreNumbers()
	return cp, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

type sqlExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlQueryContext interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
