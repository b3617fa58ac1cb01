package workflow

import (
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ExecutionContext is the mutable state bag for one running workflow instance.
// Cancellation travels separately as the context.Context handed to every call.
type ExecutionContext struct {
	mu sync.RWMutex

	WorkflowID    string
	ExecutionID   string
	CorrelationID string
	CurrentBlock  string
	Input         any

	state map[string]any
}

// NewExecutionContext builds a context for a fresh execution. An empty
// executionID is replaced with a generated one.
func NewExecutionContext(workflowID, executionID string, input any) *ExecutionContext {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		executionID = NewExecutionID()
	}
	return &ExecutionContext{
		WorkflowID:  strings.TrimSpace(workflowID),
		ExecutionID: executionID,
		Input:       input,
		state:       make(map[string]any),
	}
}

// RestoreExecutionContext rebuilds a context from a persisted snapshot.
func RestoreExecutionContext(workflowID, executionID, currentBlock string, state map[string]any, input any) *ExecutionContext {
	ec := NewExecutionContext(workflowID, executionID, input)
	ec.CurrentBlock = currentBlock
	for k, v := range state {
		ec.state[k] = CloneValue(v)
	}
	return ec
}

// NewExecutionID returns a random execution identifier.
func NewExecutionID() string {
	return uuid.NewString()
}

// Get returns a variable value.
func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.state[key]
	return v, ok
}

// GetString returns a variable as string when it holds one.
func (c *ExecutionContext) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores a variable value.
func (c *ExecutionContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		c.state = make(map[string]any)
	}
	c.state[key] = value
}

// Delete removes a variable.
func (c *ExecutionContext) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, key)
}

// Has reports whether key is set.
func (c *ExecutionContext) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Len returns the number of variables.
func (c *ExecutionContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.state)
}

// Snapshot returns a deep copy of the variable map. Nested maps and slices
// are copied, so blocks mutating them in place never reach a snapshot.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.state))
	for k, v := range c.state {
		out[k] = CloneValue(v)
	}
	return out
}

// ApplyDefaults sets every default whose key is not already present.
func (c *ExecutionContext) ApplyDefaults(defaults map[string]any) {
	if len(defaults) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		c.state = make(map[string]any, len(defaults))
	}
	for k, v := range defaults {
		if _, exists := c.state[k]; !exists {
			c.state[k] = CloneValue(v)
		}
	}
}

// CloneState deep copies a variable map, keeping nil as nil.
func CloneState(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue copies maps and slices recursively. Scalars, structs and
// pointers are returned as they are.
func CloneValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return CloneState(val)
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i := range val {
			out[i] = CloneValue(val[i])
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneReflect(iter.Value()))
		}
		return out.Interface()
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneReflect(rv.Index(i)))
		}
		return out.Interface()
	default:
		return v
	}
}

func cloneReflect(v reflect.Value) reflect.Value {
	c := CloneValue(v.Interface())
	if c == nil {
		return reflect.Zero(v.Type())
	}
	return reflect.ValueOf(c)
}
