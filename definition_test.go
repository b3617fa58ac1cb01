package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reviewDefinition() *Definition {
	return &Definition{
		ID:         "review-flow",
		StartBlock: "A",
		Blocks: []BlockDefinition{
			{Name: "A", Type: "noop", NextOnSuccess: "B"},
			{Name: "B", Type: "noop"},
			{Name: "Review", Type: "noop"},
		},
		GlobalGuards: []GuardDefinition{
			{ID: "global-pre", Type: "required_variables"},
			{ID: "global-post", Type: "result_status", PostExecution: true},
		},
		BlockGuards: map[string][]GuardDefinition{
			"B": {
				{ID: "b-both", Type: "variable_equals", PreExecution: true, PostExecution: true, FailureBlock: "Review"},
			},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	require.NoError(t, reviewDefinition().Validate())

	cases := []struct {
		name   string
		mutate func(*Definition)
		want   string
	}{
		{"missing id", func(d *Definition) { d.ID = "" }, "id is required"},
		{"no blocks", func(d *Definition) { d.Blocks = nil }, "requires blocks"},
		{"unknown start", func(d *Definition) { d.StartBlock = "Z" }, "start block"},
		{"duplicate name", func(d *Definition) {
			d.Blocks = append(d.Blocks, BlockDefinition{Name: "A", Type: "noop"})
		}, "duplicate block name"},
		{"missing type", func(d *Definition) { d.Blocks[1].Type = "" }, "type is required"},
		{"dangling transition", func(d *Definition) { d.Blocks[0].NextOnFailure = "nowhere" }, "transition target"},
		{"dangling failure block", func(d *Definition) { d.GlobalGuards[0].FailureBlock = "nowhere" }, "failure block"},
		{"guards for unknown block", func(d *Definition) {
			d.BlockGuards["ghost"] = []GuardDefinition{{ID: "g", Type: "noop"}}
		}, "unknown block"},
		{"bad retry", func(d *Definition) { d.Config.Retry.MaxRetries = -1 }, "max_retries"},
		{"bad backoff", func(d *Definition) { d.Config.Retry.Backoff = "random" }, "backoff"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			def := reviewDefinition()
			tt.mutate(def)
			err := def.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefinitionGuardCollection(t *testing.T) {
	def := reviewDefinition()

	pre := def.PreGuards("B")
	require.Len(t, pre, 2)
	assert.Equal(t, "global-pre", pre[0].ID)
	assert.Equal(t, "b-both", pre[1].ID)

	post := def.PostGuards("B")
	require.Len(t, post, 2)
	assert.Equal(t, "global-post", post[0].ID)
	assert.Equal(t, "b-both", post[1].ID)

	assert.Len(t, def.PreGuards("A"), 1)
	assert.Len(t, def.PostGuards("missing"), 1)
}

func TestGuardDefinitionDefaultsToPre(t *testing.T) {
	g := GuardDefinition{ID: "g"}
	assert.True(t, g.AppliesPre())
	assert.False(t, g.AppliesPost())

	g.PostExecution = true
	assert.False(t, g.AppliesPre())
	assert.True(t, g.AppliesPost())
}

func TestDefinitionBlockLookup(t *testing.T) {
	def := reviewDefinition()
	b, ok := def.Block("B")
	require.True(t, ok)
	assert.Equal(t, "noop", b.Type)

	_, ok = def.Block("Z")
	assert.False(t, ok)

	var nilDef *Definition
	_, ok = nilDef.Block("A")
	assert.False(t, ok)
}

func TestCheckpointIntervalDefault(t *testing.T) {
	def := reviewDefinition()
	assert.Equal(t, DefaultCheckpointInterval, def.CheckpointInterval())
	def.Config.CheckpointInterval = 5
	assert.Equal(t, 5, def.CheckpointInterval())
}

func TestSeverityOrderingAndText(t *testing.T) {
	assert.True(t, SeverityInfo < SeverityWarning)
	assert.True(t, SeverityWarning < SeverityBlocking)
	assert.True(t, SeverityBlocking < SeverityCritical)

	sev, err := ParseSeverity("Critical")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)

	_, err = ParseSeverity("fatal")
	assert.Error(t, err)

	text, err := SeverityWarning.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "warning", string(text))
}

func TestRetryPolicyValidate(t *testing.T) {
	assert.NoError(t, RetryPolicy{}.Validate())
	assert.NoError(t, RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Minute, Backoff: BackoffExponential, Multiplier: 2}.Validate())
	assert.Error(t, RetryPolicy{InitialDelay: time.Minute, MaxDelay: time.Second}.Validate())
	assert.Error(t, RetryPolicy{Multiplier: -1}.Validate())
}
