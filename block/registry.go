// Package block resolves block implementations from definitions and ships a
// handful of general purpose block types.
package block

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/goliatone/go-workflow"
)

// Constructor builds a block for a definition of a registered type.
type Constructor func(def workflow.BlockDefinition) (workflow.Block, error)

// Registry maps block type tags to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

var _ workflow.BlockFactory = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// NewDefaultRegistry creates a registry with the built-in block types.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// Register adds ctor under kind.
func (r *Registry) Register(kind string, ctor Constructor) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || ctor == nil {
		return fmt.Errorf("block type and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.constructors == nil {
		r.constructors = make(map[string]Constructor)
	}
	if _, exists := r.constructors[kind]; exists {
		return fmt.Errorf("block type %s already registered", kind)
	}
	r.constructors[kind] = ctor
	return nil
}

// Func registers fn as the block for every definition of kind.
func (r *Registry) Func(kind string, fn workflow.BlockFunc) error {
	if fn == nil {
		return fmt.Errorf("block %s is nil", kind)
	}
	return r.Register(kind, func(workflow.BlockDefinition) (workflow.Block, error) { return fn, nil })
}

// CreateBlock implements workflow.BlockFactory.
func (r *Registry) CreateBlock(def workflow.BlockDefinition) (workflow.Block, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[def.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown block type %q", def.Type)
	}
	b, err := ctor(def)
	if err != nil {
		return nil, fmt.Errorf("block %s (%s): %w", def.Name, def.Type, err)
	}
	if b == nil {
		return nil, fmt.Errorf("block %s (%s): constructor returned nil", def.Name, def.Type)
	}
	return b, nil
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.constructors))
}
