package extraction

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/docflow/idp-core/internal/providers"
)

type fewShotFile struct {
	Classes []fewShotFileEntry `yaml:"classes"`
}

type fewShotFileEntry struct {
	DocumentClass string                     `yaml:"document_class"`
	Examples      []providers.FewShotExample `yaml:"examples"`
}

// FewShotRegistry resolves a document class to its configured few-shot
// examples.
type FewShotRegistry struct {
	byClass map[string][]providers.FewShotExample
}

// NewFewShotRegistry builds an empty registry.
func NewFewShotRegistry() *FewShotRegistry {
	return &FewShotRegistry{byClass: make(map[string][]providers.FewShotExample)}
}

// Register appends examples for class.
func (r *FewShotRegistry) Register(class string, examples ...providers.FewShotExample) {
	r.byClass[class] = append(r.byClass[class], examples...)
}

// Examples returns the examples configured for class, or nil.
func (r *FewShotRegistry) Examples(class string) []providers.FewShotExample {
	return r.byClass[class]
}

// LoadFewShotRegistry reads a YAML few-shot example file from path. Each
// example's ImageURI is expected to already resolve to a blob store key
// (intake/config tooling is responsible for having uploaded the example
// images ahead of time; this stage only reads them back).
func LoadFewShotRegistry(path string) (*FewShotRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("extraction: read few-shot registry %s: %w", path, err)
	}
	var f fewShotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("extraction: parse few-shot registry %s: %w", path, err)
	}
	reg := NewFewShotRegistry()
	for _, c := range f.Classes {
		reg.Register(c.DocumentClass, c.Examples...)
	}
	return reg, nil
}
