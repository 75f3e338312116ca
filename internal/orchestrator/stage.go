// Package orchestrator drives a single document's state machine (C4):
// sequential mandatory stages, optional stages gated by configuration,
// fan-out/fan-in over sections for extraction and its post-extraction
// siblings, and idempotent persistence to the tracking store after every
// transition. Retries and circuit breaking happen inside the stages and
// providers, not in this package.
package orchestrator

import (
	"context"

	"github.com/docflow/idp-core/internal/document"
)

// Stage runs one mandatory, whole-document pipeline stage (OCR or
// Classification): it mutates d in place and returns an error on
// failure; the orchestrator chooses and persists the next status.
type Stage interface {
	Name() string
	Run(ctx context.Context, d *document.Document) error
}

// SectionStage runs one fan-out/fan-in stage (Extraction, Assessment,
// Evaluation, RuleValidation, Summarization): it processes a single
// section and is invoked once per section, concurrently, by the
// orchestrator.
type SectionStage interface {
	Name() string
	RunSection(ctx context.Context, d *document.Document, s *document.Section) error
}

// PostSectionStage runs once after all sections of a SectionStage have
// been fanned in, to merge section-level summary metrics into the
// document (e.g. a document-level confusion matrix or summary TOC).
// Optional: stages without cross-section aggregation leave this nil.
type PostSectionStage interface {
	Finalize(ctx context.Context, d *document.Document) error
}
