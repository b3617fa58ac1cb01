package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-workflow"
)

const (
	TypeRequiredVariables = "required_variables"
	TypeResultStatus      = "result_status"
	TypeVariableEquals    = "variable_equals"
)

// RegisterBuiltins installs the built-in guard types on r.
func RegisterBuiltins(r *Registry) {
	_ = r.Register(TypeRequiredVariables, NewRequiredVariables)
	_ = r.Register(TypeResultStatus, NewResultStatus)
	_ = r.Register(TypeVariableEquals, NewVariableEquals)
}

// RequiredVariables fails when any configured variable is missing.
//
//	config: {variables: [order_id, customer]}
type RequiredVariables struct {
	Base
	Names []string
}

// NewRequiredVariables builds a RequiredVariables guard.
func NewRequiredVariables(def workflow.GuardDefinition) (Guard, error) {
	names := workflow.ConfigStrings(def.Config, "variables")
	if len(names) == 0 {
		return nil, fmt.Errorf("config.variables is required")
	}
	return &RequiredVariables{Base: Base{Def: def}, Names: names}, nil
}

func (g *RequiredVariables) check(ec *workflow.ExecutionContext) Outcome {
	var missing []string
	for _, name := range g.Names {
		if !ec.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return g.Fail("missing required variables: %s", strings.Join(missing, ", "))
	}
	return g.Pass()
}

func (g *RequiredVariables) EvaluatePre(_ context.Context, ec *workflow.ExecutionContext) (Outcome, error) {
	return g.check(ec), nil
}

func (g *RequiredVariables) EvaluatePost(_ context.Context, ec *workflow.ExecutionContext, _ workflow.ExecutionResult) (Outcome, error) {
	return g.check(ec), nil
}

// ResultStatus fails post-execution when the block result is not successful,
// or, with config.status set, when the status differs.
type ResultStatus struct {
	Base
	Want workflow.ResultStatus
}

// NewResultStatus builds a ResultStatus guard.
func NewResultStatus(def workflow.GuardDefinition) (Guard, error) {
	want, _ := workflow.ConfigString(def.Config, "status")
	switch workflow.ResultStatus(want) {
	case "", workflow.StatusSuccess, workflow.StatusFailure, workflow.StatusWait:
	default:
		return nil, fmt.Errorf("unknown result status %q", want)
	}
	return &ResultStatus{Base: Base{Def: def}, Want: workflow.ResultStatus(want)}, nil
}

func (g *ResultStatus) EvaluatePre(context.Context, *workflow.ExecutionContext) (Outcome, error) {
	return g.Pass(), nil
}

func (g *ResultStatus) EvaluatePost(_ context.Context, _ *workflow.ExecutionContext, result workflow.ExecutionResult) (Outcome, error) {
	if g.Want != "" {
		if result.Status != g.Want {
			return g.Fail("expected result status %s, got %s", g.Want, result.Status), nil
		}
		return g.Pass(), nil
	}
	if !result.IsSuccess {
		return g.Fail("block result was not successful (%s)", result.Status), nil
	}
	return g.Pass(), nil
}

// VariableEquals fails when a variable does not hold the configured value.
//
//	config: {variable: approved, value: true}
type VariableEquals struct {
	Base
	Variable string
	Value    any
}

// NewVariableEquals builds a VariableEquals guard.
func NewVariableEquals(def workflow.GuardDefinition) (Guard, error) {
	name, _ := workflow.ConfigString(def.Config, "variable")
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("config.variable is required")
	}
	value, ok := def.Config["value"]
	if !ok {
		return nil, fmt.Errorf("config.value is required")
	}
	return &VariableEquals{Base: Base{Def: def}, Variable: name, Value: value}, nil
}

func (g *VariableEquals) check(ec *workflow.ExecutionContext) Outcome {
	got, ok := ec.Get(g.Variable)
	if !ok {
		return g.Fail("variable %s is not set", g.Variable)
	}
	if !workflow.SameValue(got, g.Value) {
		return g.Fail("variable %s is %v, expected %v", g.Variable, got, g.Value)
	}
	return g.Pass()
}

func (g *VariableEquals) EvaluatePre(_ context.Context, ec *workflow.ExecutionContext) (Outcome, error) {
	return g.check(ec), nil
}

func (g *VariableEquals) EvaluatePost(_ context.Context, ec *workflow.ExecutionContext, _ workflow.ExecutionResult) (Outcome, error) {
	return g.check(ec), nil
}
