package guard

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/goliatone/go-workflow"
)

// Constructor builds a guard for a definition of a registered type.
type Constructor func(def workflow.GuardDefinition) (Guard, error)

// Registry maps guard type tags to constructors. It implements Factory.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

var _ Factory = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// NewDefaultRegistry creates a registry preloaded with the built-in guards.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// Register adds a constructor under kind.
func (r *Registry) Register(kind string, ctor Constructor) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || ctor == nil {
		return fmt.Errorf("guard type and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.constructors == nil {
		r.constructors = make(map[string]Constructor)
	}
	if _, exists := r.constructors[kind]; exists {
		return fmt.Errorf("guard type %s already registered", kind)
	}
	r.constructors[kind] = ctor
	return nil
}

// Instance registers a fixed guard returned for every definition of kind.
func (r *Registry) Instance(kind string, g Guard) error {
	if g == nil {
		return fmt.Errorf("guard %s is nil", kind)
	}
	return r.Register(kind, func(workflow.GuardDefinition) (Guard, error) { return g, nil })
}

// CreateGuard resolves def.Type and builds the guard.
func (r *Registry) CreateGuard(def workflow.GuardDefinition) (Guard, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[def.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown guard type %q", def.Type)
	}
	g, err := ctor(def)
	if err != nil {
		return nil, fmt.Errorf("guard %s (%s): %w", def.ID, def.Type, err)
	}
	if g == nil {
		return nil, fmt.Errorf("guard %s (%s): constructor returned nil", def.ID, def.Type)
	}
	return g, nil
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.constructors))
}
