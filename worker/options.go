package worker

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/goliatone/go-workflow"
)

type Option func(*Pool)

// WithConcurrency caps the resumes in flight during one sweep.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithRateLimit throttles resume starts to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Pool) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithBatchSize bounds how many executions per workflow one sweep picks up.
func WithBatchSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithPollInterval sets the pause between sweeps in Run.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithStaleAfter only resumes executions whose last checkpoint is older
// than d, leaving recently active runs to their current worker.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.staleAfter = d
		}
	}
}

// WithDeadline stops resumes from running past t.
func WithDeadline(t time.Time) Option {
	return func(p *Pool) {
		p.deadline = t
	}
}

func WithLogger(logger workflow.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}
