// Package cron schedules the periodic maintenance of a workflow deployment:
// checkpoint cleanup, statistics reporting and resume sweeps.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/retry"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler wraps robfig/cron with cancellable handles, timeouts and retries.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(name string, err error)

	logger   workflow.Logger
	parser   Parser
	logLevel LogLevel
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*jobHandle
}

// NewScheduler creates a scheduler. It does not run jobs until Start.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		logger:   workflow.NewFmtLogger(nil).WithLevel(workflow.LevelInfo),
		now:      time.Now,
		handles:  make(map[int64]*jobHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		logger := s.logger
		s.errorHandler = func(name string, err error) {
			logger.Error("job %s failed: %v", name, err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron runs job on every tick of cfg.Expression.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (Handle, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: nil job", cfg.Name)
	}

	h := s.newHandle(cfg.Name)
	entryID, err := s.cron.AddJob(cfg.Expression, rcron.FuncJob(func() {
		if !cfg.Deadline.IsZero() && s.now().After(cfg.Deadline) {
			h.setTerminal(StatusCompleted, nil)
			s.removeHandle(h.id)
			return
		}
		if !h.begin(s.now()) {
			return
		}
		err := s.run(cfg, job)
		if err != nil {
			h.finish(StatusIdle, err)
			s.errorHandler(cfg.Name, err)
			return
		}
		h.finish(StatusIdle, nil)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to add job %s: %w", cfg.Name, err)
	}
	h.entryID = int(entryID)
	s.storeHandle(h)
	return h, nil
}

// ScheduleAfter runs job once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(s.now().Add(delay), cfg, job)
}

// ScheduleAt runs job once at a specific time. One-shot jobs run even if
// Start was never called.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job Job) (Handle, error) {
	if job == nil {
		return nil, fmt.Errorf("job %s: nil job", cfg.Name)
	}
	h := s.newHandle(cfg.Name)
	s.storeHandle(h)

	go func() {
		wait := at.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-h.Done():
			return
		}

		if !h.begin(s.now()) {
			return
		}
		err := s.run(cfg, job)
		h.finish(StatusIdle, err)
		if err != nil {
			s.errorHandler(cfg.Name, err)
			h.setTerminal(StatusFailed, err)
		} else {
			h.setTerminal(StatusCompleted, nil)
		}
		s.removeStoredHandle(h.id)
	}()
	return h, nil
}

// Handles returns the live handles.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// Start begins executing cron schedules.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts schedules, cancels running jobs and marks live handles stopped.
// It waits for running cron jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()

	s.mu.Lock()
	handles := make([]*jobHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, h := range handles {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		h.setTerminal(StatusStopped, nil)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes job with the configured timeout and in-tick retries.
func (s *Scheduler) run(cfg JobConfig, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = workflow.PanicError("job "+cfg.Name, r)
		}
	}()

	strategy := retry.Fixed{Interval: cfg.RetryDelay}
	for attempt := 0; ; attempt++ {
		err = s.attempt(cfg, job)
		if err == nil || attempt >= cfg.MaxRetries || s.ctx.Err() != nil {
			return err
		}
		s.logger.Warn("job %s attempt %d of %d failed: %v", cfg.Name, attempt+1, cfg.MaxRetries+1, err)
		if sleepErr := retry.Sleep(s.ctx, strategy.Delay(attempt+1)); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
}

func (s *Scheduler) attempt(cfg JobConfig, job Job) error {
	ctx := s.ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return job(ctx)
}

func (s *Scheduler) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h != nil && h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler) storeHandle(h *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle(name string) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	if name == "" {
		name = fmt.Sprintf("job-%d", s.nextHandleID)
	}
	return &jobHandle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    StatusScheduled,
		done:      make(chan struct{}),
	}
}

// build converts scheduler options to robfig/cron options.
func (s *Scheduler) build() []rcron.Option {
	var opts []rcron.Option
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	// overlapping ticks of the same job are skipped, not queued
	var logger rcron.Logger = rcron.DiscardLogger
	if s.logLevel > LogLevelSilent {
		logger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	}
	opts = append(opts,
		rcron.WithLogger(logger),
		rcron.WithChain(
			rcron.Recover(&recoverAdapter{handler: s.errorHandler}),
			rcron.SkipIfStillRunning(logger),
		),
	)
	return opts
}
