// Package assessment implements the Assessment stage (C8): re-presents
// each extracted attribute to a provider for an independent confidence
// score, and counts how many fall below threshold as alerts.
package assessment

import (
	"context"
	"fmt"

	"github.com/docflow/idp-core/internal/config"
	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/providers"
	"github.com/docflow/idp-core/internal/resilience"
	"github.com/docflow/idp-core/internal/stages/sectiontext"
	"github.com/docflow/idp-core/pkg/blob"
)

// AttributeAssessment is one attribute's independently-assessed
// confidence, written alongside the section's extraction result.
type AttributeAssessment struct {
	Attribute  string  `json:"attribute"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Alert      bool    `json:"alert"`
}

// Stage implements the Assessment stage (C8).
type Stage struct {
	store        blob.Store
	registry     *providers.Registry
	providerName string
	cfg          config.AssessmentConfig
	retry        resilience.RetryConfig
	log          *logging.Logger
}

// Config configures a Stage.
type Config struct {
	ProviderName string
	Thresholds   config.AssessmentConfig
	Retry        resilience.RetryConfig
}

// New builds the assessment stage.
func New(store blob.Store, registry *providers.Registry, cfg Config, log *logging.Logger) *Stage {
	if log == nil {
		log = logging.Default()
	}
	return &Stage{store: store, registry: registry, providerName: cfg.ProviderName, cfg: cfg.Thresholds, retry: cfg.Retry, log: log}
}

func (s *Stage) Name() string { return "assessment" }

// RunSection assesses every attribute in section.Attributes independently
// and writes the per-attribute results to their own per-section artifact
// (sections/{doc}/{section}/assessment.json). It does not modify
// section.Attributes and does not set the document's AssessmentURI.
func (s *Stage) RunSection(ctx context.Context, d *document.Document, section *document.Section) error {
	assessCap, err := s.registry.ResolveAssess(s.providerName)
	if err != nil {
		return err
	}
	if len(section.Attributes) == 0 {
		return pipelineerrors.PermanentInputErr("assessment", fmt.Sprintf("section %s has no extracted attributes to assess", section.SectionID))
	}

	sectionText, err := sectiontext.Build(ctx, s.store, d, section.PageIDs, "assessment")
	if err != nil {
		return err
	}

	results := make([]AttributeAssessment, 0, len(section.Attributes))
	alerts := 0
	for name, value := range section.Attributes {
		if ctx.Err() != nil {
			return pipelineerrors.CancelledErr("assessment")
		}
		threshold := s.thresholdFor(name)

		var confidence float64
		var rationale string
		err := resilience.Retry(ctx, s.retry, func() error {
			var callErr error
			confidence, rationale, callErr = assessCap.Assess(ctx, sectionText, map[string]any{name: value})
			return callErr
		})
		if err != nil {
			return pipelineerrors.TransientProviderErr("assessment", assessCap.ProviderName(), err)
		}

		alert := confidence < threshold
		if alert {
			alerts++
		}
		results = append(results, AttributeAssessment{Attribute: name, Confidence: confidence, Rationale: rationale, Alert: alert})
	}

	uri, err := s.store.PutJSON(ctx, fmt.Sprintf("sections/%s/%s/assessment.json", d.ID, section.SectionID), results)
	if err != nil {
		return pipelineerrors.TransientIOErr("assessment", err)
	}

	d.Meter("assessment", assessCap.ProviderName(), "attributes", int64(len(results)))
	d.Meter("assessment", assessCap.ProviderName(), "alerts", int64(alerts))
	s.log.WithDocument(d.ID).WithField("section_id", section.SectionID).WithField("assessment_uri", uri).Debug("assessed section")
	return nil
}

func (s *Stage) thresholdFor(attribute string) float64 {
	if t, ok := s.cfg.AttributeThresholds[attribute]; ok {
		return t
	}
	if s.cfg.DefaultThreshold > 0 {
		return s.cfg.DefaultThreshold
	}
	return 0.7
}
