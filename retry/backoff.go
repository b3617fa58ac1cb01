// Package retry classifies block errors into Fail, Skip or Retry decisions
// and computes the delay before a retry.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/goliatone/go-workflow"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval before every attempt.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(int) time.Duration {
	return f.Interval
}

// Linear grows the delay by Initial per attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capDelay(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential multiplies the delay by Factor per attempt, capped at Max.
// A Factor <= 1 falls back to doubling.
type Exponential struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor <= 1 {
		factor = 2
	}
	d := float64(e.Initial) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func capDelay(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// FromPolicy returns the strategy a retry policy describes. An empty
// backoff name means fixed.
func FromPolicy(p workflow.RetryPolicy) Strategy {
	switch p.Backoff {
	case workflow.BackoffLinear:
		return Linear{Initial: p.InitialDelay, Max: p.MaxDelay}
	case workflow.BackoffExponential:
		return Exponential{Initial: p.InitialDelay, Factor: p.Multiplier, Max: p.MaxDelay}
	default:
		return Fixed{Interval: capDelay(p.InitialDelay, p.MaxDelay)}
	}
}

// Sleep waits for d or until ctx is done, whichever happens first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
