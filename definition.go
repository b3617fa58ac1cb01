package workflow

import (
	"fmt"
	"strings"
	"time"
)

// BackoffStrategy names the shape of delay growth between retry attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Severity is the ordered classification of a guard outcome.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityBlocking
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityWarning:  "warning",
	SeverityBlocking: "blocking",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity resolves a severity name, case-insensitive.
func ParseSeverity(name string) (Severity, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return SeverityInfo, nil
	}
	for sev, n := range severityNames {
		if n == name {
			return sev, nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	sev, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// RetryPolicy bounds how failing blocks may be re-attempted.
type RetryPolicy struct {
	MaxRetries   int             `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	InitialDelay time.Duration   `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration   `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Backoff      BackoffStrategy `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Multiplier   float64         `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// Validate checks retry policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return fmt.Errorf("initial_delay %s exceeds max_delay %s", p.InitialDelay, p.MaxDelay)
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff strategy %q", p.Backoff)
	}
	if p.Multiplier < 0 {
		return fmt.Errorf("multiplier must be >= 0")
	}
	return nil
}

// ExecutionConfig carries run-level policy for a workflow.
type ExecutionConfig struct {
	// Timeout is advisory: callers wrap runs in a deadline, the executor never enforces it.
	Timeout            time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry              RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	CheckpointInterval int           `json:"checkpoint_interval,omitempty" yaml:"checkpoint_interval,omitempty"`
	// MaxConcurrentBlocks is parsed and kept, blocks always run sequentially.
	MaxConcurrentBlocks int           `json:"max_concurrent_blocks,omitempty" yaml:"max_concurrent_blocks,omitempty"`
	LeaseDuration       time.Duration `json:"lease_duration,omitempty" yaml:"lease_duration,omitempty"`
	SkipOnError         bool          `json:"skip_on_error,omitempty" yaml:"skip_on_error,omitempty"`
}

// DefaultCheckpointInterval is used when the definition leaves the interval unset.
const DefaultCheckpointInterval = 1

// DefaultLeaseDuration is used when neither the definition nor the executor sets one.
const DefaultLeaseDuration = 5 * time.Minute

// BlockDefinition describes one node of the workflow graph.
type BlockDefinition struct {
	ID            string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name          string         `json:"name" yaml:"name"`
	Type          string         `json:"type" yaml:"type"`
	NextOnSuccess string         `json:"next_on_success,omitempty" yaml:"next_on_success,omitempty"`
	NextOnFailure string         `json:"next_on_failure,omitempty" yaml:"next_on_failure,omitempty"`
	Config        map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// GuardDefinition describes a validation rule evaluated around blocks.
type GuardDefinition struct {
	ID            string         `json:"id" yaml:"id"`
	Type          string         `json:"type" yaml:"type"`
	Severity      Severity       `json:"severity,omitempty" yaml:"severity,omitempty"`
	PreExecution  bool           `json:"pre_execution,omitempty" yaml:"pre_execution,omitempty"`
	PostExecution bool           `json:"post_execution,omitempty" yaml:"post_execution,omitempty"`
	FailureBlock  string         `json:"failure_block,omitempty" yaml:"failure_block,omitempty"`
	Config        map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// AppliesPre reports whether the guard runs before a block. Guards with no
// phase flag default to pre-execution.
func (g GuardDefinition) AppliesPre() bool {
	return g.PreExecution || !g.PostExecution
}

// AppliesPost reports whether the guard runs after a block.
func (g GuardDefinition) AppliesPost() bool {
	return g.PostExecution
}

// Definition is the immutable description of a workflow.
type Definition struct {
	ID           string                       `json:"id" yaml:"id"`
	Version      string                       `json:"version,omitempty" yaml:"version,omitempty"`
	Name         string                       `json:"name,omitempty" yaml:"name,omitempty"`
	StartBlock   string                       `json:"start_block" yaml:"start_block"`
	Blocks       []BlockDefinition            `json:"blocks" yaml:"blocks"`
	GlobalGuards []GuardDefinition            `json:"global_guards,omitempty" yaml:"global_guards,omitempty"`
	BlockGuards  map[string][]GuardDefinition `json:"block_guards,omitempty" yaml:"block_guards,omitempty"`
	Config       ExecutionConfig              `json:"config,omitempty" yaml:"config,omitempty"`
	Variables    map[string]any               `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Block returns the block definition registered under name.
func (d *Definition) Block(name string) (BlockDefinition, bool) {
	if d == nil {
		return BlockDefinition{}, false
	}
	name = strings.TrimSpace(name)
	for _, b := range d.Blocks {
		if b.Name == name {
			return b, true
		}
	}
	return BlockDefinition{}, false
}

// PreGuards returns global pre-execution guards followed by the block's own.
func (d *Definition) PreGuards(block string) []GuardDefinition {
	return d.guardsFor(block, GuardDefinition.AppliesPre)
}

// PostGuards returns global post-execution guards followed by the block's own.
func (d *Definition) PostGuards(block string) []GuardDefinition {
	return d.guardsFor(block, GuardDefinition.AppliesPost)
}

func (d *Definition) guardsFor(block string, applies func(GuardDefinition) bool) []GuardDefinition {
	if d == nil {
		return nil
	}
	var out []GuardDefinition
	for _, g := range d.GlobalGuards {
		if applies(g) {
			out = append(out, g)
		}
	}
	for _, g := range d.BlockGuards[block] {
		if applies(g) {
			out = append(out, g)
		}
	}
	return out
}

// CheckpointInterval returns the configured cadence or the default.
func (d *Definition) CheckpointInterval() int {
	if d == nil || d.Config.CheckpointInterval <= 0 {
		return DefaultCheckpointInterval
	}
	return d.Config.CheckpointInterval
}

// Validate checks structural integrity of the definition.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("definition is nil")
	}
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if len(d.Blocks) == 0 {
		return fmt.Errorf("workflow %s requires blocks", d.ID)
	}

	names := make(map[string]struct{}, len(d.Blocks))
	for idx, b := range d.Blocks {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("block[%d]: name is required", idx)
		}
		if strings.TrimSpace(b.Type) == "" {
			return fmt.Errorf("block %s: type is required", b.Name)
		}
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("duplicate block name %q", b.Name)
		}
		names[b.Name] = struct{}{}
	}

	if _, ok := names[d.StartBlock]; !ok {
		return fmt.Errorf("start block %q not defined", d.StartBlock)
	}

	for _, b := range d.Blocks {
		for _, next := range []string{b.NextOnSuccess, b.NextOnFailure} {
			if next == "" {
				continue
			}
			if _, ok := names[next]; !ok {
				return fmt.Errorf("block %s: transition target %q not defined", b.Name, next)
			}
		}
	}

	checkGuard := func(scope string, g GuardDefinition) error {
		if strings.TrimSpace(g.Type) == "" {
			return fmt.Errorf("%s guard %s: type is required", scope, g.ID)
		}
		if g.FailureBlock == "" {
			return nil
		}
		if _, ok := names[g.FailureBlock]; !ok {
			return fmt.Errorf("%s guard %s: failure block %q not defined", scope, g.ID, g.FailureBlock)
		}
		return nil
	}
	for _, g := range d.GlobalGuards {
		if err := checkGuard("global", g); err != nil {
			return err
		}
	}
	for block, guards := range d.BlockGuards {
		if _, ok := names[block]; !ok {
			return fmt.Errorf("guards declared for unknown block %q", block)
		}
		for _, g := range guards {
			if err := checkGuard("block "+block, g); err != nil {
				return err
			}
		}
	}

	if err := d.Config.Retry.Validate(); err != nil {
		return fmt.Errorf("workflow %s retry: %w", d.ID, err)
	}
	if d.Config.CheckpointInterval < 0 {
		return fmt.Errorf("workflow %s: checkpoint_interval must be >= 0", d.ID)
	}
	return nil
}
