package extraction

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/docflow/idp-core/internal/providers"
)

// schemaFile is the on-disk shape of the schema registry: one entry per
// document class, each declaring its attributes.
type schemaFile struct {
	Schemas []schemaFileEntry `yaml:"schemas"`
}

type schemaFileEntry struct {
	DocumentClass string                   `yaml:"document_class"`
	Attributes    []providers.SchemaAttribute `yaml:"attributes"`
}

// SchemaRegistry resolves a document class to the structured schema its
// extraction output must conform to.
type SchemaRegistry struct {
	byClass map[string]providers.Schema
}

// NewSchemaRegistry builds an empty registry; use LoadSchemaRegistry to
// populate one from a config file, or Register to build one in code
// (tests, or a future admin API backing the registry).
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{byClass: make(map[string]providers.Schema)}
}

// Register binds schema under class, replacing any prior binding.
func (r *SchemaRegistry) Register(class string, schema providers.Schema) {
	r.byClass[class] = schema
}

// Resolve returns the schema registered for class.
func (r *SchemaRegistry) Resolve(class string) (providers.Schema, bool) {
	s, ok := r.byClass[class]
	return s, ok
}

// LoadSchemaRegistry reads a YAML schema file from path.
func LoadSchemaRegistry(path string) (*SchemaRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("extraction: read schema registry %s: %w", path, err)
	}
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("extraction: parse schema registry %s: %w", path, err)
	}
	reg := NewSchemaRegistry()
	for _, e := range f.Schemas {
		reg.Register(e.DocumentClass, providers.Schema{DocumentClass: e.DocumentClass, Attributes: e.Attributes})
	}
	return reg, nil
}
