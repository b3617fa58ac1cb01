package block

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-workflow"
)

const (
	TypeNoop         = "noop"
	TypeSetVariables = "set_variables"
	TypeWait         = "wait"
	TypeFail         = "fail"
	TypeBranch       = "branch"
)

// RegisterBuiltins installs the built-in block types on r.
func RegisterBuiltins(r *Registry) {
	_ = r.Register(TypeNoop, NewNoop)
	_ = r.Register(TypeSetVariables, NewSetVariables)
	_ = r.Register(TypeWait, NewWait)
	_ = r.Register(TypeFail, NewFail)
	_ = r.Register(TypeBranch, NewBranch)
}

// Noop succeeds without touching the context.
type Noop struct{}

func NewNoop(workflow.BlockDefinition) (workflow.Block, error) {
	return Noop{}, nil
}

func (Noop) Execute(context.Context, *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
	return workflow.Succeeded(nil), nil
}

// SetVariables writes config.values into the context.
//
//	config: {values: {approved: true, tier: gold}}
type SetVariables struct {
	Values map[string]any
}

func NewSetVariables(def workflow.BlockDefinition) (workflow.Block, error) {
	values := workflow.ConfigMap(def.Config, "values")
	if len(values) == 0 {
		return nil, fmt.Errorf("config.values is required")
	}
	return &SetVariables{Values: values}, nil
}

func (b *SetVariables) Execute(_ context.Context, ec *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
	for k, v := range b.Values {
		ec.Set(k, workflow.CloneValue(v))
	}
	return workflow.Succeeded(workflow.CloneState(b.Values)), nil
}

// Wait suspends the run for config.duration before following the success edge.
type Wait struct {
	Duration time.Duration
}

func NewWait(def workflow.BlockDefinition) (workflow.Block, error) {
	d, err := workflow.ConfigDuration(def.Config, "duration")
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, fmt.Errorf("config.duration must be positive")
	}
	return &Wait{Duration: d}, nil
}

func (b *Wait) Execute(context.Context, *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
	return workflow.Waiting(b.Duration), nil
}

// Fail reports a failure result, or with config.error set returns an error.
// config.skippable and config.non_retryable mark the returned error.
type Fail struct {
	Message      string
	AsError      bool
	Skippable    bool
	NonRetryable bool
}

func NewFail(def workflow.BlockDefinition) (workflow.Block, error) {
	msg, _ := workflow.ConfigString(def.Config, "message")
	if msg == "" {
		msg = "block " + def.Name + " failed"
	}
	return &Fail{
		Message:      msg,
		AsError:      configBool(def.Config, "error"),
		Skippable:    configBool(def.Config, "skippable"),
		NonRetryable: configBool(def.Config, "non_retryable"),
	}, nil
}

func (b *Fail) Execute(context.Context, *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
	if !b.AsError {
		return workflow.Failed(b.Message), nil
	}
	err := errors.New(b.Message)
	switch {
	case b.NonRetryable:
		err = workflow.NonRetryable(err)
	case b.Skippable:
		err = workflow.Skippable(err)
	}
	return workflow.ExecutionResult{}, err
}

// Branch picks the next block from the value of a variable.
//
//	config: {variable: tier, cases: {gold: Fast, silver: Normal}, default: Review}
//
// With no match and no default the success edge is followed.
type Branch struct {
	Variable string
	Cases    map[string]string
	Default  string
}

func NewBranch(def workflow.BlockDefinition) (workflow.Block, error) {
	variable, _ := workflow.ConfigString(def.Config, "variable")
	if variable == "" {
		return nil, fmt.Errorf("config.variable is required")
	}
	cases := make(map[string]string)
	for k, v := range workflow.ConfigMap(def.Config, "cases") {
		cases[k] = fmt.Sprint(v)
	}
	fallback, _ := workflow.ConfigString(def.Config, "default")
	return &Branch{Variable: variable, Cases: cases, Default: fallback}, nil
}

func (b *Branch) Execute(_ context.Context, ec *workflow.ExecutionContext) (workflow.ExecutionResult, error) {
	value, ok := ec.Get(b.Variable)
	if ok {
		if target, hit := b.Cases[fmt.Sprint(value)]; hit {
			return workflow.Succeeded(value).Then(target), nil
		}
	}
	if b.Default != "" {
		return workflow.Succeeded(value).Then(b.Default), nil
	}
	return workflow.Succeeded(value), nil
}

func configBool(cfg map[string]any, key string) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "yes" || v == "1"
	default:
		return false
	}
}
