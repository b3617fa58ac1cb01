package guard

import (
	"context"
	"strings"

	"github.com/goliatone/go-workflow"
)

// Report aggregates the outcomes of one guard phase.
type Report struct {
	Phase       Phase
	Outcomes    []Outcome
	ShouldBlock bool
	// MostSevere is the failed outcome with the highest severity, the earliest
	// one on ties. Nil when every guard passed.
	MostSevere *Outcome
}

// Aggregate folds outcomes, in evaluation order, into a report.
func Aggregate(phase Phase, outcomes []Outcome, threshold workflow.Severity) Report {
	report := Report{Phase: phase, Outcomes: outcomes}
	for i := range outcomes {
		out := &report.Outcomes[i]
		if out.Passed {
			continue
		}
		if report.MostSevere == nil || out.Severity > report.MostSevere.Severity {
			report.MostSevere = out
		}
	}
	report.ShouldBlock = report.MostSevere != nil && report.MostSevere.Severity >= threshold
	return report
}

// Failures returns the failed outcomes in evaluation order.
func (r Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Passed {
			out = append(out, o)
		}
	}
	return out
}

// Warnings renders every failure as "guard_id(severity): message".
func (r Report) Warnings() []string {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}
	out := make([]string, 0, len(failures))
	for _, f := range failures {
		var b strings.Builder
		b.WriteString(f.GuardID)
		b.WriteString("(")
		b.WriteString(f.Severity.String())
		b.WriteString(")")
		if f.Message != "" {
			b.WriteString(": ")
			b.WriteString(f.Message)
		}
		out = append(out, b.String())
	}
	return out
}

// Redirect returns the remediation block of a blocking report.
func (r Report) Redirect() (string, bool) {
	if !r.ShouldBlock || r.MostSevere == nil || r.MostSevere.FailureBlock == "" {
		return "", false
	}
	return r.MostSevere.FailureBlock, true
}

// Evaluator instantiates and runs guards for a phase.
type Evaluator struct {
	factory   Factory
	threshold workflow.Severity
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithThreshold overrides the blocking threshold.
func WithThreshold(sev workflow.Severity) Option {
	return func(e *Evaluator) {
		e.threshold = sev
	}
}

// NewEvaluator builds an evaluator on top of factory.
func NewEvaluator(factory Factory, opts ...Option) *Evaluator {
	e := &Evaluator{factory: factory, threshold: DefaultThreshold}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Threshold returns the blocking threshold in use.
func (e *Evaluator) Threshold() workflow.Severity {
	return e.threshold
}

// Pre evaluates guards before a block executes.
func (e *Evaluator) Pre(ctx context.Context, defs []workflow.GuardDefinition, ec *workflow.ExecutionContext) (Report, error) {
	return e.evaluate(ctx, PhasePre, defs, func(g Guard) (Outcome, error) {
		return g.EvaluatePre(ctx, ec)
	})
}

// Post evaluates guards after a block returned result.
func (e *Evaluator) Post(ctx context.Context, defs []workflow.GuardDefinition, ec *workflow.ExecutionContext, result workflow.ExecutionResult) (Report, error) {
	return e.evaluate(ctx, PhasePost, defs, func(g Guard) (Outcome, error) {
		return g.EvaluatePost(ctx, ec, result)
	})
}

func (e *Evaluator) evaluate(ctx context.Context, phase Phase, defs []workflow.GuardDefinition, run func(Guard) (Outcome, error)) (Report, error) {
	if len(defs) == 0 {
		return Report{Phase: phase}, nil
	}
	if e.factory == nil {
		return Report{Phase: phase}, workflow.NewError(workflow.ErrInvalidDefinition, "guards declared but no guard factory configured", nil, nil)
	}

	outcomes := make([]Outcome, 0, len(defs))
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return Report{Phase: phase, Outcomes: outcomes}, err
		}
		g, err := e.factory.CreateGuard(def)
		if err != nil {
			return Report{Phase: phase, Outcomes: outcomes}, workflow.NewError(
				workflow.ErrInvalidDefinition,
				"create guard "+def.ID,
				err,
				map[string]any{"guard_id": def.ID, "guard_type": def.Type},
			)
		}
		out, err := call(def, g, run)
		outcomes = append(outcomes, normalize(def, out, err))
	}
	return Aggregate(phase, outcomes, e.threshold), nil
}

// call runs one guard; a panic is reported like a returned error.
func call(def workflow.GuardDefinition, g Guard, run func(Guard) (Outcome, error)) (out Outcome, err error) {
	defer workflow.CapturePanic("guard "+def.ID, &err, nil, nil)
	return run(g)
}

// normalize stamps definition data onto an outcome. The definition severity
// is a floor: a guard may escalate its outcome but never lower it.
func normalize(def workflow.GuardDefinition, out Outcome, err error) Outcome {
	if err != nil {
		return Outcome{
			GuardID:      def.ID,
			Severity:     def.Severity,
			Message:      err.Error(),
			FailureBlock: def.FailureBlock,
			Err:          err,
		}
	}
	if out.GuardID == "" {
		out.GuardID = def.ID
	}
	if out.Severity < def.Severity {
		out.Severity = def.Severity
	}
	if !out.Passed && out.FailureBlock == "" {
		out.FailureBlock = def.FailureBlock
	}
	return out
}
