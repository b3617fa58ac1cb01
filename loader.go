package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a YAML or JSON workflow definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	// yaml can handle JSON too, so a single attempt is fine
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, NewError(ErrInvalidDefinition, "decode workflow definition", err, nil)
	}
	if err := def.Validate(); err != nil {
		return nil, NewError(ErrInvalidDefinition, err.Error(), err, map[string]any{"workflow_id": def.ID})
	}
	return &def, nil
}

// LoadDefinitionFile reads and parses a definition from disk.
func LoadDefinitionFile(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	def, err := ParseDefinition(raw)
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", path, err)
	}
	return def, nil
}

// Catalog indexes definitions by workflow id.
type Catalog map[string]*Definition

// NewCatalog builds a catalog, rejecting duplicate ids.
func NewCatalog(defs ...*Definition) (Catalog, error) {
	c := make(Catalog, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		if _, exists := c[def.ID]; exists {
			return nil, fmt.Errorf("workflow %s already registered", def.ID)
		}
		c[def.ID] = def
	}
	return c, nil
}

// Lookup returns the definition for id.
func (c Catalog) Lookup(id string) (*Definition, bool) {
	def, ok := c[id]
	return def, ok
}
