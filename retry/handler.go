package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-workflow"
)

// Action is the recovery recommended for an error.
type Action string

const (
	ActionNone  Action = ""
	ActionFail  Action = "fail"
	ActionSkip  Action = "skip"
	ActionRetry Action = "retry"
)

// Decision is the handler verdict for one error.
type Decision struct {
	Action Action `json:"action"`
	// Attempt is the 1-indexed retry number a Retry decision schedules.
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Cause   error         `json:"-"`
	Reason  string        `json:"reason,omitempty"`
}

func (d Decision) String() string {
	if d.Action == ActionRetry {
		return fmt.Sprintf("retry #%d after %s: %s", d.Attempt, d.Delay, d.Reason)
	}
	return fmt.Sprintf("%s: %s", d.Action, d.Reason)
}

// Handler classifies errors using a run's execution config.
type Handler struct {
	policy      workflow.RetryPolicy
	skipOnError bool
	strategy    Strategy
	fatal       []func(error) bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithStrategy replaces the strategy derived from the retry policy.
func WithStrategy(s Strategy) Option {
	return func(h *Handler) {
		if s != nil {
			h.strategy = s
		}
	}
}

// WithFatal adds a predicate; matching errors always fail.
func WithFatal(match func(error) bool) Option {
	return func(h *Handler) {
		if match != nil {
			h.fatal = append(h.fatal, match)
		}
	}
}

// NewHandler builds a handler for cfg.
func NewHandler(cfg workflow.ExecutionConfig, opts ...Option) *Handler {
	h := &Handler{
		policy:      cfg.Retry,
		skipOnError: cfg.SkipOnError,
		strategy:    FromPolicy(cfg.Retry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Handle classifies err. attempt counts the retries already performed for
// the failing block, zero on the first failure.
func (h *Handler) Handle(err error, attempt int) Decision {
	if err == nil {
		return Decision{Action: ActionNone}
	}
	if attempt < 0 {
		attempt = 0
	}
	fail := func(reason string) Decision {
		return Decision{Action: ActionFail, Attempt: attempt, Cause: err, Reason: reason}
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		workflow.HasCode(err, workflow.ErrCodeCancelled):
		return fail("execution cancelled")
	case workflow.IsNonRetryable(err):
		return fail("error marked non-retryable")
	case workflow.IsFatal(err):
		return fail("fatal error " + workflow.ErrorCode(err))
	}
	for _, match := range h.fatal {
		if match(err) {
			return fail("error matched fatal classifier")
		}
	}

	if workflow.IsSkippable(err) {
		return Decision{Action: ActionSkip, Attempt: attempt, Cause: err, Reason: "error marked skippable"}
	}
	if attempt < h.policy.MaxRetries {
		next := attempt + 1
		return Decision{
			Action:  ActionRetry,
			Attempt: next,
			Delay:   h.strategy.Delay(next),
			Cause:   err,
			Reason:  fmt.Sprintf("attempt %d of %d", next, h.policy.MaxRetries),
		}
	}
	if h.skipOnError {
		return Decision{Action: ActionSkip, Attempt: attempt, Cause: err, Reason: "retries exhausted, skip_on_error set"}
	}
	return fail("retries exhausted")
}
