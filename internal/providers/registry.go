package providers

import (
	"fmt"
	"sync"

	"github.com/docflow/idp-core/internal/errors"
)

// Registry resolves (stage, name) to the Capability implementing that
// stage's provider calls. Bindings are explicit: Register is called once
// per configured provider at process start, and Resolve fails fast
// (PERMANENT_INPUT) rather than falling back to any other registered
// capability, so config wiring mistakes surface immediately instead of
// silently borrowing the wrong provider's behavior.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[string]Capability
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]map[string]Capability)}
}

// Register binds name as the Capability serving stage. Re-registering
// the same (stage, name) replaces the previous binding.
func (r *Registry) Register(stage, name string, cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[stage] == nil {
		r.entries[stage] = make(map[string]Capability)
	}
	r.entries[stage][name] = cap
}

// Resolve returns the Capability registered for (stage, name).
func (r *Registry) Resolve(stage, name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName, ok := r.entries[stage]
	if !ok {
		return nil, errors.PermanentInputErr("registry", fmt.Sprintf("no providers registered for stage %q", stage))
	}
	cap, ok := byName[name]
	if !ok {
		return nil, errors.PermanentInputErr("registry", fmt.Sprintf("provider %q not registered for stage %q", name, stage))
	}
	return cap, nil
}

// ResolveOCR resolves name under stage "ocr" and type-asserts OCRCapability.
func (r *Registry) ResolveOCR(name string) (OCRCapability, error) {
	return resolveTyped[OCRCapability](r, "ocr", name)
}

// ResolveClassify resolves name under stage "classification".
func (r *Registry) ResolveClassify(name string) (ClassifyCapability, error) {
	return resolveTyped[ClassifyCapability](r, "classification", name)
}

// ResolveExtract resolves name under stage "extraction".
func (r *Registry) ResolveExtract(name string) (ExtractCapability, error) {
	return resolveTyped[ExtractCapability](r, "extraction", name)
}

// ResolveAssess resolves name under stage "assessment". Assessment
// always uses its own configured provider binding; it never falls back
// to whatever the extraction or OCR stage resolved.
func (r *Registry) ResolveAssess(name string) (AssessCapability, error) {
	return resolveTyped[AssessCapability](r, "assessment", name)
}

// ResolveEvaluate resolves name under stage "evaluation".
func (r *Registry) ResolveEvaluate(name string) (EvaluateCapability, error) {
	return resolveTyped[EvaluateCapability](r, "evaluation", name)
}

// ResolveSummarize resolves name under stage "summarization".
func (r *Registry) ResolveSummarize(name string) (SummarizeCapability, error) {
	return resolveTyped[SummarizeCapability](r, "summarization", name)
}

// ResolveRuleValidate resolves name under stage "rule_validation".
func (r *Registry) ResolveRuleValidate(name string) (RuleValidateCapability, error) {
	return resolveTyped[RuleValidateCapability](r, "rule_validation", name)
}

func resolveTyped[T Capability](r *Registry, stage, name string) (T, error) {
	var zero T
	cap, err := r.Resolve(stage, name)
	if err != nil {
		return zero, err
	}
	typed, ok := cap.(T)
	if !ok {
		return zero, errors.PermanentInputErr("registry",
			fmt.Sprintf("provider %q registered for stage %q does not implement the required capability", name, stage))
	}
	return typed, nil
}
