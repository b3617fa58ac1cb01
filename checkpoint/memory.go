package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-workflow"
)

type executionKey struct {
	workflowID  string
	executionID string
}

func keyOf(workflowID, executionID string) executionKey {
	return executionKey{workflowID: strings.TrimSpace(workflowID), executionID: strings.TrimSpace(executionID)}
}

// MemoryStore is a thread-safe in-process Store. Checkpoints are cloned on
// the way in and out; values nested inside State are shared.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[executionKey]*Checkpoint
	leases      map[executionKey]Lease
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		checkpoints: make(map[executionKey]*Checkpoint),
		leases:      make(map[executionKey]Lease),
		now:         o.now,
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, workflowID, executionID string, ec *workflow.ExecutionContext) (*Checkpoint, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	cp := New(workflowID, executionID, ec)
	if err := cp.validate(); err != nil {
		return nil, err
	}
	key := keyOf(cp.WorkflowID, cp.ExecutionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checkpoints[key]; exists {
		return nil, ErrExecutionExists
	}
	if _, err := applyVersion(cp, nil, s.now()); err != nil {
		return nil, err
	}
	s.checkpoints[key] = cp.Clone()
	return cp, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory store not configured")
	}
	if err := cp.validate(); err != nil {
		return 0, err
	}
	next := cp.Clone()
	key := keyOf(next.WorkflowID, next.ExecutionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	version, err := applyVersion(next, s.checkpoints[key], s.now())
	if err != nil {
		return 0, err
	}
	s.checkpoints[key] = next
	return version, nil
}

func (s *MemoryStore) LoadLatestCheckpoint(_ context.Context, workflowID, executionID string) (*Checkpoint, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[keyOf(workflowID, executionID)].Clone(), nil
}

func (s *MemoryStore) TryAcquireLease(_ context.Context, workflowID, executionID, owner string, ttl time.Duration) (bool, error) {
	if s == nil {
		return false, errors.New("in-memory store not configured")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false, errors.New("lease owner required")
	}
	if ttl <= 0 {
		ttl = workflow.DefaultLeaseDuration
	}
	key := keyOf(workflowID, executionID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, held := s.leases[key]
	if held && current.Owner != owner && !current.Expired(now) {
		return false, nil
	}
	lease := Lease{
		WorkflowID:  key.workflowID,
		ExecutionID: key.executionID,
		Owner:       owner,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	if held && current.Owner == owner && !current.Expired(now) {
		lease.AcquiredAt = current.AcquiredAt
	}
	s.leases[key] = lease
	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, workflowID, executionID, owner string) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	key := keyOf(workflowID, executionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.leases[key]; ok && current.Owner == strings.TrimSpace(owner) {
		delete(s.leases, key)
	}
	return nil
}

// Lease returns the current lease of an execution, if any.
func (s *MemoryStore) Lease(workflowID, executionID string) (Lease, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lease, ok := s.leases[keyOf(workflowID, executionID)]
	return lease, ok
}

func (s *MemoryStore) QueryExecutions(_ context.Context, workflowID string, q Query) ([]*Checkpoint, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	workflowID = strings.TrimSpace(workflowID)
	s.mu.RLock()
	var out []*Checkpoint
	for key, cp := range s.checkpoints {
		if workflowID != "" && key.workflowID != workflowID {
			continue
		}
		if q.Matches(cp) {
			out = append(out, cp.Clone())
		}
	}
	s.mu.RUnlock()
	return q.page(out), nil
}

func (s *MemoryStore) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory store not configured")
	}
	cutoff := s.now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, cp := range s.checkpoints {
		if cp.LastUpdated.Before(cutoff) {
			delete(s.checkpoints, key)
			delete(s.leases, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Statistics(_ context.Context) (Stats, error) {
	if s == nil {
		return Stats{}, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Stats
	var size int
	for _, cp := range s.checkpoints {
		stats.count(cp.Status)
		if raw, err := json.Marshal(cp); err == nil {
			size += len(raw)
		}
	}
	if stats.Total > 0 {
		stats.AverageSize = float64(size) / float64(stats.Total)
	}
	return stats, nil
}
