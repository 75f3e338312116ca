// Package evaluation implements the Evaluation stage (C8): compares a
// document's extracted attributes against a baseline record field by
// field, using a configurable comparator method per field, and rolls the
// per-field verdicts up into a document-level confusion matrix.
package evaluation

import (
	"context"
	"fmt"

	"github.com/docflow/idp-core/internal/config"
	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/providers"
	"github.com/docflow/idp-core/internal/resilience"
	"github.com/docflow/idp-core/pkg/blob"
)

// Method is a per-field comparator.
type Method string

const (
	MethodExact        Method = "EXACT"
	MethodNumericExact Method = "NUMERIC_EXACT"
	MethodFuzzy        Method = "FUZZY"
	MethodLevenshtein  Method = "LEVENSHTEIN"
	MethodSemantic     Method = "SEMANTIC"
	MethodLLM          Method = "LLM"
	MethodHungarian    Method = "HUNGARIAN"

	defaultMethod    = MethodExact
	defaultThreshold = 0.85
)

// FieldResult is one field's comparison verdict.
type FieldResult struct {
	Field    string  `json:"field"`
	Method   Method  `json:"method"`
	Expected any     `json:"expected,omitempty"`
	Actual   any     `json:"actual,omitempty"`
	Score    float64 `json:"score"`
	Match    bool    `json:"match"`
}

// Result is the document-level evaluation artifact.
type Result struct {
	Fields  []FieldResult              `json:"fields"`
	Summary document.EvaluationSummary `json:"summary"`
}

// Stage implements the Evaluation stage (C8).
type Stage struct {
	store        blob.Store
	registry     *providers.Registry
	providerName string
	cfg          config.EvaluationConfig
	retry        resilience.RetryConfig
	log          *logging.Logger
}

// Config configures a Stage.
type Config struct {
	ProviderName string
	Methods      config.EvaluationConfig
	Retry        resilience.RetryConfig
}

// New builds the evaluation stage.
func New(store blob.Store, registry *providers.Registry, cfg Config, log *logging.Logger) *Stage {
	if log == nil {
		log = logging.Default()
	}
	return &Stage{store: store, registry: registry, providerName: cfg.ProviderName, cfg: cfg.Methods, retry: cfg.Retry, log: log}
}

func (s *Stage) Name() string { return "evaluation" }

// RunSection is a no-op: per the resolved Open Question on baseline
// granularity, comparison is document-level (attribute names are
// expected unique across a document's sections), so there is nothing
// meaningful to do per section. It exists only so Stage satisfies
// orchestrator.SectionStage, matching the fan-out/fan-in shape the
// orchestrator drives every post-extraction stage through; the actual
// comparison runs once in Finalize after every section has fanned in.
func (s *Stage) RunSection(ctx context.Context, d *document.Document, section *document.Section) error {
	return nil
}

// Finalize compares d's extracted attributes (flattened across every
// section) against the baseline record at d.BaselineURI, writes the
// Result artifact, and sets d.EvaluationURI and d.EvaluationSummary. A
// no-op (nil error, no artifact) when d has no baseline configured,
// matching the lifecycle's optional EVALUATING step. Satisfies
// orchestrator.PostSectionStage.
func (s *Stage) Finalize(ctx context.Context, d *document.Document) error {
	if d.BaselineURI == "" {
		s.log.WithDocument(d.ID).Debug("no baseline configured, skipping evaluation")
		return nil
	}

	var baseline map[string]any
	if err := s.store.GetJSON(ctx, blob.KeyFromURI(d.BaselineURI), &baseline); err != nil {
		return pipelineerrors.TransientIOErr("evaluation", err)
	}

	actual := flattenAttributes(d)

	fields := make(map[string]Method, len(s.cfg.Methods))
	for k, v := range s.cfg.Methods {
		fields[k] = Method(v)
	}

	seen := make(map[string]bool, len(baseline)+len(actual))
	results := make([]FieldResult, 0, len(baseline)+len(actual))
	for field := range baseline {
		seen[field] = true
	}
	for field := range actual {
		seen[field] = true
	}

	for field := range seen {
		method := fields[field]
		if method == "" {
			method = defaultMethod
		}
		threshold, ok := s.cfg.Thresholds[field]
		if !ok {
			threshold = defaultThreshold
		}

		expectedVal, hasExpected := baseline[field]
		actualVal, hasActual := actual[field]

		fr, err := s.compareField(ctx, field, method, threshold, expectedVal, hasExpected, actualVal, hasActual)
		if err != nil {
			return err
		}
		results = append(results, fr)
	}

	summary := rollUp(results, baseline, actual)

	out := Result{Fields: results, Summary: summary}
	uri, err := s.store.PutJSON(ctx, fmt.Sprintf("documents/%s/evaluation/result.json", d.ID), out)
	if err != nil {
		return pipelineerrors.TransientIOErr("evaluation", err)
	}
	d.EvaluationURI = uri
	d.EvaluationSummary = &summary

	d.Meter("evaluation", "core", "fields_compared", int64(len(results)))
	return nil
}

// flattenAttributes merges every section's extracted attributes into one
// document-level map. A field present in more than one section keeps the
// value from the section that comes later in d.Sections.
func flattenAttributes(d *document.Document) map[string]any {
	out := make(map[string]any)
	for _, sec := range d.Sections {
		for k, v := range sec.Attributes {
			out[k] = v
		}
	}
	return out
}

func rollUp(results []FieldResult, baseline, actual map[string]any) document.EvaluationSummary {
	var s document.EvaluationSummary
	for _, fr := range results {
		_, hasExpected := baseline[fr.Field]
		_, hasActual := actual[fr.Field]
		switch {
		case hasExpected && hasActual && fr.Match:
			s.TruePositives++
		case hasExpected && hasActual && !fr.Match:
			s.FalsePositives++
			s.FalseNegatives++
		case hasExpected && !hasActual:
			s.FalseNegatives++
		case !hasExpected && hasActual:
			s.FalsePositives++
		}
	}
	if s.TruePositives+s.FalsePositives > 0 {
		s.Precision = float64(s.TruePositives) / float64(s.TruePositives+s.FalsePositives)
	}
	if s.TruePositives+s.FalseNegatives > 0 {
		s.Recall = float64(s.TruePositives) / float64(s.TruePositives+s.FalseNegatives)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}
