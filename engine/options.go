package engine

import (
	"strings"
	"time"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/guard"
	"github.com/goliatone/go-workflow/retry"
)

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger workflow.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMonitor adds monitors notified about every run.
func WithMonitor(monitors ...Monitor) Option {
	return func(e *Executor) {
		for _, m := range monitors {
			if m != nil {
				e.monitors = append(e.monitors, m)
			}
		}
	}
}

// WithGuardFactory replaces the default guard registry.
func WithGuardFactory(factory guard.Factory) Option {
	return func(e *Executor) {
		if factory != nil {
			e.guardFactory = factory
		}
	}
}

// WithGuardThreshold sets the lowest severity at which guards block.
func WithGuardThreshold(sev workflow.Severity) Option {
	return func(e *Executor) {
		e.threshold = sev
	}
}

// WithLeaseOwner sets the identity used for execution leases.
func WithLeaseOwner(owner string) Option {
	return func(e *Executor) {
		if owner = strings.TrimSpace(owner); owner != "" {
			e.owner = owner
		}
	}
}

// WithLeaseDuration sets the lease TTL used when a definition does not set one.
func WithLeaseDuration(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.leaseDuration = d
		}
	}
}

// WithRetryOptions passes options to the error handler built per run.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(e *Executor) {
		e.retryOpts = append(e.retryOpts, opts...)
	}
}

// WithClock overrides the time source for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}
