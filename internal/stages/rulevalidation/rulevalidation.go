// Package rulevalidation implements the Rule-Validation stage (C8): per
// section, checks the section's text against the document class's
// configured business rules in page-aware, overlapping chunks (fact
// extraction), then consolidates every section's chunk findings into one
// recommendation per rule with its supporting page ids (orchestration).
package rulevalidation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/docflow/idp-core/internal/config"
	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/providers"
	"github.com/docflow/idp-core/internal/resilience"
	"github.com/docflow/idp-core/pkg/blob"
)

// ChunkFinding is one chunk's provider recommendations, recorded
// alongside which pages the chunk covers so evidence can be traced back.
type ChunkFinding struct {
	PageIDs         []string                 `json:"page_ids"`
	Recommendations []providers.Recommendation `json:"recommendations"`
}

// SectionResult is the fact-extraction artifact for one section.
type SectionResult struct {
	SectionID string         `json:"section_id"`
	Findings  []ChunkFinding `json:"findings"`
}

// RuleOutcome is one rule's consolidated verdict across the whole
// document.
type RuleOutcome struct {
	RuleID            string   `json:"rule_id"`
	Recommendation    string   `json:"recommendation"`
	SupportingPageIDs []string `json:"supporting_page_ids"`
}

// ConsolidatedResult is the document-level rule-validation artifact.
type ConsolidatedResult struct {
	Rules []RuleOutcome `json:"rules"`
}

// Stage implements the Rule-Validation stage (C8).
type Stage struct {
	store        blob.Store
	registry     *providers.Registry
	rules        *RuleRegistry
	providerName string
	cfg          config.RuleValidationConfig
	retry        resilience.RetryConfig
	log          *logging.Logger
}

// Config configures a Stage.
type Config struct {
	ProviderName string
	Options      config.RuleValidationConfig
	Retry        resilience.RetryConfig
}

// New builds the rule-validation stage.
func New(store blob.Store, registry *providers.Registry, rules *RuleRegistry, cfg Config, log *logging.Logger) *Stage {
	if log == nil {
		log = logging.Default()
	}
	return &Stage{store: store, registry: registry, rules: rules, providerName: cfg.ProviderName, cfg: cfg.Options, retry: cfg.Retry, log: log}
}

func (s *Stage) Name() string { return "rule_validation" }

// RunSection is the fact-extraction sub-stage: it checks section's pages,
// in page-aware overlapping chunks, against section.Classification's
// configured rules, and writes the per-chunk findings artifact. A no-op
// (no artifact, nil error) when the class has no configured rules.
func (s *Stage) RunSection(ctx context.Context, d *document.Document, section *document.Section) error {
	rules := s.rules.Rules(section.Classification)
	if len(rules) == 0 {
		s.log.WithDocument(d.ID).Debug("no rules configured for class, skipping rule validation")
		return nil
	}

	validateCap, err := s.registry.ResolveRuleValidate(s.providerName)
	if err != nil {
		return err
	}

	pageIDs := append([]string(nil), section.PageIDs...)
	sort.Strings(pageIDs)

	pageTexts := make(map[string]string, len(pageIDs))
	for _, pid := range pageIDs {
		page := d.Pages[pid]
		if page == nil || page.ParsedTextURI == "" {
			return pipelineerrors.PermanentInputErr("rule_validation", fmt.Sprintf("page %s has no parsed text", pid))
		}
		data, err := s.store.Get(ctx, blob.KeyFromURI(page.ParsedTextURI))
		if err != nil {
			return pipelineerrors.TransientIOErr("rule_validation", err)
		}
		pageTexts[pid] = string(data)
	}

	chunks := buildChunks(pageIDs, pageTexts, s.cfg.ChunkOverlapFraction)

	findings := make([]ChunkFinding, 0, len(chunks))
	for _, chunk := range chunks {
		if ctx.Err() != nil {
			return pipelineerrors.CancelledErr("rule_validation")
		}
		var recs []providers.Recommendation
		err := resilience.Retry(ctx, s.retry, func() error {
			var callErr error
			recs, callErr = validateCap.ValidateChunk(ctx, chunk.Text, rules)
			return callErr
		})
		if err != nil {
			return pipelineerrors.TransientProviderErr("rule_validation", validateCap.ProviderName(), err)
		}
		findings = append(findings, ChunkFinding{PageIDs: chunk.PageIDs, Recommendations: recs})
	}

	result := SectionResult{SectionID: section.SectionID, Findings: findings}
	if _, err := s.store.PutJSON(ctx, sectionResultKey(d.ID, section.SectionID), result); err != nil {
		return pipelineerrors.TransientIOErr("rule_validation", err)
	}

	d.Meter("rule_validation", validateCap.ProviderName(), "chunks", int64(len(chunks)))
	return nil
}

func sectionResultKey(docID, sectionID string) string {
	return fmt.Sprintf("%s/rule_validation/sections/%s.json", docID, sectionID)
}

// Finalize is the orchestration sub-stage: it reads back every section's
// fact-extraction artifact, merges findings per rule across the whole
// document, and writes the consolidated recommendation artifact, setting
// d.RuleValidationURI. Sections whose class had no configured rules (and
// so never wrote a findings artifact) are skipped. Satisfies
// orchestrator.PostSectionStage.
func (s *Stage) Finalize(ctx context.Context, d *document.Document) error {
	type ruleEvidence struct {
		passed  int
		failed  int
		pageIDs map[string]bool
	}
	byRule := make(map[string]*ruleEvidence)

	for _, section := range d.Sections {
		var result SectionResult
		err := s.store.GetJSON(ctx, sectionResultKey(d.ID, section.SectionID), &result)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				continue
			}
			return pipelineerrors.TransientIOErr("rule_validation", err)
		}

		for _, finding := range result.Findings {
			for _, rec := range finding.Recommendations {
				ev, ok := byRule[rec.RuleID]
				if !ok {
					ev = &ruleEvidence{pageIDs: make(map[string]bool)}
					byRule[rec.RuleID] = ev
				}
				if rec.Passed {
					ev.passed++
					for _, pid := range finding.PageIDs {
						ev.pageIDs[pid] = true
					}
				} else {
					ev.failed++
				}
			}
		}
	}

	if len(byRule) == 0 {
		return nil
	}

	ruleIDs := make([]string, 0, len(byRule))
	for id := range byRule {
		ruleIDs = append(ruleIDs, id)
	}
	sort.Strings(ruleIDs)

	outcomes := make([]RuleOutcome, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		ev := byRule[id]
		pages := make([]string, 0, len(ev.pageIDs))
		for pid := range ev.pageIDs {
			pages = append(pages, pid)
		}
		sort.Strings(pages)
		outcomes = append(outcomes, RuleOutcome{
			RuleID:            id,
			Recommendation:    decideRecommendation(s.cfg.RecommendationOptions, ev.passed, ev.failed),
			SupportingPageIDs: pages,
		})
	}

	out := ConsolidatedResult{Rules: outcomes}
	uri, err := s.store.PutJSON(ctx, fmt.Sprintf("%s/rule_validation/consolidated/summary.json", d.ID), out)
	if err != nil {
		return pipelineerrors.TransientIOErr("rule_validation", err)
	}
	d.RuleValidationURI = uri
	return nil
}

// decideRecommendation maps (passed, failed) evidence counts onto
// options, an ordered list read as {pass-like, ..., not-found-like}:
// options[0] when every recommendation that named the rule passed,
// options[len-1] when no recommendation ever named it, and the first
// "middle" option (falling back to the last) when evidence conflicts or
// any chunk flagged a failure.
func decideRecommendation(options []string, passed, failed int) string {
	if len(options) == 0 {
		return ""
	}
	if passed == 0 && failed == 0 {
		return options[len(options)-1]
	}
	if failed == 0 {
		return options[0]
	}
	if len(options) >= 3 {
		return options[1]
	}
	return options[len(options)-1]
}
