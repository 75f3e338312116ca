package rulevalidation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/docflow/idp-core/internal/providers"
)

// ruleFile is the on-disk shape of the rule registry: one entry per
// document class, each declaring the rules to check its sections
// against.
type ruleFile struct {
	Classes []ruleFileEntry `yaml:"classes"`
}

type ruleFileEntry struct {
	DocumentClass string           `yaml:"document_class"`
	Rules         []providers.Rule `yaml:"rules"`
}

// RuleRegistry resolves a document class to its configured business
// rules, mirroring extraction.SchemaRegistry's class-keyed YAML shape.
type RuleRegistry struct {
	byClass map[string][]providers.Rule
}

// NewRuleRegistry builds an empty registry.
func NewRuleRegistry() *RuleRegistry {
	return &RuleRegistry{byClass: make(map[string][]providers.Rule)}
}

// Register appends rules to any already bound under class.
func (r *RuleRegistry) Register(class string, rules ...providers.Rule) {
	r.byClass[class] = append(r.byClass[class], rules...)
}

// Rules returns class's configured rules, or nil if none are configured
// (rule-validation is a no-op for an unconfigured class, not an error,
// per the "skipped when no rules are configured" lifecycle note).
func (r *RuleRegistry) Rules(class string) []providers.Rule {
	return r.byClass[class]
}

// LoadRuleRegistry reads a YAML rule file from path.
func LoadRuleRegistry(path string) (*RuleRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rulevalidation: read rule registry %s: %w", path, err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rulevalidation: parse rule registry %s: %w", path, err)
	}
	reg := NewRuleRegistry()
	for _, e := range f.Classes {
		reg.Register(e.DocumentClass, e.Rules...)
	}
	return reg, nil
}
