package cron

import (
	"fmt"
	"time"

	"github.com/goliatone/go-workflow"
)

// LogLevel selects how much of the cron library chatter is forwarded.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser selects the cron expression dialect.
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

type Option func(*Scheduler)

// WithLocation sets the timezone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func WithLogger(logger workflow.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler receives every failed run, after retries.
func WithErrorHandler(handler func(name string, err error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithClock overrides the time source used for one-shot schedules.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// loggerAdapter forwards robfig/cron logs at the configured level.
type loggerAdapter struct {
	logger workflow.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	if l.level >= LogLevelDebug {
		l.logger.Debug("cron: %s %v", msg, keysAndValues)
	} else if l.level >= LogLevelInfo {
		l.logger.Info("cron: %s", msg)
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
	}
}

// recoverAdapter turns panics recovered by the cron chain into handler calls.
type recoverAdapter struct {
	handler func(name string, err error)
}

func (r *recoverAdapter) Info(string, ...any) {}

func (r *recoverAdapter) Error(err error, msg string, keysAndValues ...any) {
	if err == nil {
		err = fmt.Errorf("%s %v", msg, keysAndValues)
	}
	r.handler("cron", err)
}

// JobConfig describes how a job is scheduled and run.
type JobConfig struct {
	Name string
	// Expression is a cron spec or descriptor such as "@every 1h".
	Expression string
	Timeout    time.Duration
	// MaxRetries re-runs a failed job within the same tick.
	MaxRetries int
	RetryDelay time.Duration
	// Deadline stops scheduling runs past it.
	Deadline time.Time
}
