package cron

import (
	"sync"
	"time"
)

// Status reports a scheduled job state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further runs happen in status s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Handle controls one scheduled job.
type Handle interface {
	ID() int64
	Name() string
	Cancel()
	Status() Status
	// Err is the error of the latest run, nil after a successful one.
	Err() error
	Runs() int
	LastRun() time.Time
	Done() <-chan struct{}
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   int
	done      chan struct{}

	mu      sync.RWMutex
	status  Status
	err     error
	runs    int
	lastRun time.Time
	once    sync.Once
	closed  sync.Once
}

func (h *jobHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *jobHandle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

func (h *jobHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.setTerminal(StatusCanceled, nil)
	})
}

func (h *jobHandle) Status() Status {
	if h == nil {
		return StatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Runs() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs
}

func (h *jobHandle) LastRun() time.Time {
	if h == nil {
		return time.Time{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRun
}

func (h *jobHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

// begin moves the handle to running, false when it already reached a
// terminal state.
func (h *jobHandle) begin(at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.status = StatusRunning
	h.lastRun = at
	return true
}

// finish records a run outcome unless the handle was terminated meanwhile.
func (h *jobHandle) finish(next Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	h.err = err
	if !h.status.Terminal() {
		h.status = next
	}
}

func (h *jobHandle) setTerminal(status Status, err error) {
	h.mu.Lock()
	if !h.status.Terminal() {
		h.status = status
		if err != nil {
			h.err = err
		}
	}
	h.mu.Unlock()
	h.closed.Do(func() { close(h.done) })
}
