// Package providers implements the provider registry: an
// explicit, non-reflective binding from (stage, name) to the Capability
// implementing that stage's calls to an external OCR/LLM backend.
package providers

import "context"

// Capability is the marker interface every stage provider implements.
// Stages type-assert the narrower interface they need (OCRCapability,
// ClassifyCapability, ...) out of whatever Capability Resolve returns.
type Capability interface {
	// ProviderName identifies the backing service for logging/metering,
	// e.g. "anthropic" or "vision-api".
	ProviderName() string
}

// OCRResult is one page's extracted text with block-level confidence.
type OCRResult struct {
	Text          string
	BlockConfidences []float64
	Confidence    float64
}

// OCRCapability extracts text from a rendered page image. Modeled as its
// own narrow interface (not bundled with the LLM capabilities) so a
// non-LLM OCR backend can be substituted without touching the LLM-backed
// stages, and so Assessment is never tempted to silently reuse whatever
// backend happens to implement OCR.
type OCRCapability interface {
	Capability
	ExtractText(ctx context.Context, imageURI string) (OCRResult, error)
}

// PageClassification is one page's assigned label.
type PageClassification struct {
	PageID     string
	Label      string
	Confidence float64
}

// ClassifyCapability assigns a document-type label to each page, either
// independently (pageLevel) or considering the whole document at once
// (holistic); the stage chooses which method to call per configuration.
type ClassifyCapability interface {
	Capability
	ClassifyPage(ctx context.Context, pageID, pageText string) (PageClassification, error)
	ClassifyDocument(ctx context.Context, pages map[string]string) ([]PageClassification, error)
}

// Schema describes the attribute set an extraction call must produce.
// Attribute types mirror go-playground/validator-recognized kinds so the
// extraction stage can validate provider output against it directly.
type Schema struct {
	DocumentClass string
	Attributes    []SchemaAttribute
}

// SchemaAttribute is one typed field in a Schema.
type SchemaAttribute struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // "string", "number", "date", "boolean"
	Required bool   `yaml:"required"`
}

// ExtractCapability extracts schema's attributes from one section's text.
type ExtractCapability interface {
	Capability
	Extract(ctx context.Context, sectionText string, schema Schema, fewShot []FewShotExample) (map[string]any, error)
}

// FewShotExample pairs an example section image/text with its expected
// extraction output, used to steer the extraction provider.
type FewShotExample struct {
	ImageURI string         `yaml:"image_uri"`
	Text     string         `yaml:"text"`
	Expected map[string]any `yaml:"expected"`
}

// AssessCapability scores confidence in a prior extraction result,
// independent of whichever provider performed the extraction itself.
type AssessCapability interface {
	Capability
	Assess(ctx context.Context, sectionText string, extracted map[string]any) (confidence float64, rationale string, err error)
}

// EvaluateCapability implements the LLM evaluation method: a judge call
// comparing an extracted value against a baseline/expected value.
type EvaluateCapability interface {
	Capability
	EvaluateLLM(ctx context.Context, expected, actual string) (score float64, err error)
}

// TOCEntry is one summary table-of-contents row, pointing at the section
// it was derived from so citations can be checked.
type TOCEntry struct {
	Title     string
	SectionID string
}

// SummarizeCapability produces a cited markdown summary plus its table of
// contents from the document's sections.
type SummarizeCapability interface {
	Capability
	Summarize(ctx context.Context, sections map[string]string) (markdown string, toc []TOCEntry, err error)
}

// Rule is one declarative business rule to check a chunk of section text
// against.
type Rule struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

// Recommendation is one rule-validation finding against a text chunk.
type Recommendation struct {
	RuleID     string
	Passed     bool
	Message    string
	Confidence float64
}

// RuleValidateCapability checks a chunk of section text against a set of
// declarative rules.
type RuleValidateCapability interface {
	Capability
	ValidateChunk(ctx context.Context, chunk string, rules []Rule) ([]Recommendation, error)
}
