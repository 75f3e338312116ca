package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/docflow/idp-core/internal/config"
	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/logging"
)

// Stages bundles the stage implementations the orchestrator drives.
// Optional stages are nil when their configuration disables them, in
// which case the orchestrator skips them and emits no artifacts (the
// "skip-no-Lambda" guarantee).
type Stages struct {
	OCR            Stage
	Classification Stage

	Extraction SectionStage

	Assessment         SectionStage
	Evaluation         SectionStage
	evaluationPost     PostSectionStage
	RuleValidation     SectionStage
	ruleValidationPost PostSectionStage

	Summarization     SectionStage
	summarizationPost PostSectionStage
}

// WithRuleValidationFinalize attaches the document-level consolidation
// finalizer (per-rule recommendation across all sections' findings) that
// runs once all sections have been fact-extracted.
func (s *Stages) WithRuleValidationFinalize(f PostSectionStage) *Stages {
	s.ruleValidationPost = f
	return s
}

// WithEvaluationFinalize attaches the document-level confusion-matrix
// finalizer that runs once all sections have been evaluated.
func (s *Stages) WithEvaluationFinalize(f PostSectionStage) *Stages {
	s.evaluationPost = f
	return s
}

// WithSummarizationFinalize attaches the document-level TOC/summary
// concatenation finalizer that runs once all sections are summarized.
func (s *Stages) WithSummarizationFinalize(f PostSectionStage) *Stages {
	s.summarizationPost = f
	return s
}

// Orchestrator drives one document through the pipeline state machine
// (C4), persisting after every transition through store.
type Orchestrator struct {
	store  *document.Store
	stages Stages
	cfg    config.PipelineConfig
	// sectionConcurrency bounds fan-out for extraction and its
	// post-extraction siblings; 0 means unbounded within a single
	// document (the admission controller's global max_in_flight already
	// bounds the number of concurrently-running documents).
	sectionConcurrency int
	log                *logging.Logger
}

// New builds an Orchestrator over store, persisting through cfg's
// enabled-stage and error-policy settings. extractionConcurrency is
// config.ExtractionConfig.ConcurrencyPerDocument (falling back to
// unbounded when <= 0, per spec default).
func New(store *document.Store, stages Stages, cfg config.PipelineConfig, extractionConcurrency int, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Default()
	}
	return &Orchestrator{store: store, stages: stages, cfg: cfg, sectionConcurrency: extractionConcurrency, log: log}
}

// Run drives d from its current (non-terminal) status to a terminal
// status, persisting after every transition. Each step is idempotent: a
// re-run after a crash resumes from the last persisted status rather than
// redoing completed work, because every stage writes outputs to
// deterministic URIs and only persists its completion after artifact
// writes succeed.
func (o *Orchestrator) Run(ctx context.Context, d *document.Document) error {
	steps := []func(context.Context, *document.Document) error{
		o.runOCR,
		o.runClassification,
		o.runExtraction,
		o.runAssessment,
		o.runRuleValidation,
		o.runSummarization,
		o.runEvaluation,
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return o.fail(ctx, d, pipelineerrors.CancelledErr("orchestrator"))
		}
		if d.Status.IsTerminal() {
			return nil
		}
		if err := step(ctx, d); err != nil {
			return o.fail(ctx, d, err)
		}
	}

	if len(d.Errors) > 0 {
		// continue_on_section_error/continue_on_page_error let a step
		// swallow a per-section/per-page failure and keep running the rest
		// of the document (§4.1's "proceeds to the next stage"), but that
		// only governs mid-pipeline continuation: a document that recorded
		// any error along the way never reaches COMPLETED (P4, S3). The
		// error is already on d.Errors from wherever it was swallowed, so
		// this finalizes the FAILED transition directly rather than
		// routing through fail, which would append a second entry.
		return o.failRecorded(ctx, d)
	}

	if err := o.transition(ctx, d, document.StatusCompleted); err != nil {
		return o.fail(ctx, d, err)
	}
	return nil
}

// failRecorded moves d to FAILED on account of errors already appended
// to d.Errors by an earlier, swallowed stage failure, without appending
// another error entry of its own.
func (o *Orchestrator) failRecorded(ctx context.Context, d *document.Document) error {
	if !d.Status.IsTerminal() {
		_ = d.Transition(document.StatusFailed)
	}
	if err := o.store.Update(ctx, d); err != nil {
		o.log.WithDocument(d.ID).WithError(err).Error("failed to persist FAILED status")
	}
	o.log.WithDocument(d.ID).WithField("error_count", len(d.Errors)).Warn("document failed: recorded section/page errors with no later failure")
	return fmt.Errorf("document failed with %d recorded error(s)", len(d.Errors))
}

// transition advances d's status and persists it, the atomicity boundary
// the rest of the pipeline depends on: no later stage may observe d until
// this write lands.
func (o *Orchestrator) transition(ctx context.Context, d *document.Document, next document.Status) error {
	if err := d.Transition(next); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.Unknown, "orchestrator", "transition", err)
	}
	if err := o.store.Update(ctx, d); err != nil {
		return pipelineerrors.TransientIOErr("orchestrator", err)
	}
	o.log.WithDocument(d.ID).WithField("status", string(next)).Info("transitioned")
	return nil
}

// fail records err on d and moves it to FAILED, persisting the failure so
// that no later stage runs. A failed persist is logged but not retried
// further here; the caller (worker loop) owns requeue/backoff policy.
func (o *Orchestrator) fail(ctx context.Context, d *document.Document, cause error) error {
	kind := string(pipelineerrors.KindOf(cause))
	stage := "orchestrator"
	if pe := pipelineerrors.GetPipelineError(cause); pe != nil {
		stage = pe.Stage
	}
	d.AppendError(stage, kind, cause.Error())

	if !d.Status.IsTerminal() {
		// FAILED is reachable from any non-terminal status (I5); ignore the
		// transition error since we're already on the failure path.
		_ = d.Transition(document.StatusFailed)
	}
	if err := o.store.Update(ctx, d); err != nil {
		o.log.WithDocument(d.ID).WithError(err).Error("failed to persist FAILED status")
	}
	o.log.WithDocument(d.ID).WithError(cause).Warn("document failed")
	return cause
}

func (o *Orchestrator) runOCR(ctx context.Context, d *document.Document) error {
	if d.Status != document.StatusRunning {
		return nil
	}
	if err := o.stages.OCR.Run(ctx, d); err != nil {
		return err
	}
	return o.transition(ctx, d, document.StatusOCR)
}

func (o *Orchestrator) runClassification(ctx context.Context, d *document.Document) error {
	if d.Status != document.StatusOCR {
		return nil
	}
	if err := o.stages.Classification.Run(ctx, d); err != nil {
		return err
	}
	return o.transition(ctx, d, document.StatusClassifying)
}

func (o *Orchestrator) runExtraction(ctx context.Context, d *document.Document) error {
	if d.Status != document.StatusClassifying {
		return nil
	}
	if err := o.fanOut(ctx, d, "extraction", o.stages.Extraction); err != nil {
		return err
	}
	return o.transition(ctx, d, document.StatusExtracting)
}

func (o *Orchestrator) runAssessment(ctx context.Context, d *document.Document) error {
	if d.Status != document.StatusExtracting {
		return nil
	}
	if !o.cfg.StageEnabled("assessment") || o.stages.Assessment == nil {
		return nil
	}
	if err := o.fanOut(ctx, d, "assessment", o.stages.Assessment); err != nil {
		return err
	}
	return o.transition(ctx, d, document.StatusAssessing)
}

func (o *Orchestrator) runRuleValidation(ctx context.Context, d *document.Document) error {
	if d.Status != document.StatusExtracting && d.Status != document.StatusAssessing {
		return nil
	}
	if !o.cfg.StageEnabled("rule_validation") || o.stages.RuleValidation == nil {
		return nil
	}
	if err := o.fanOut(ctx, d, "rule_validation", o.stages.RuleValidation); err != nil {
		return err
	}
	if o.stages.ruleValidationPost != nil {
		if err := o.stages.ruleValidationPost.Finalize(ctx, d); err != nil {
			return err
		}
	}
	return o.transition(ctx, d, document.StatusPostprocessing)
}

func (o *Orchestrator) runSummarization(ctx context.Context, d *document.Document) error {
	if !d.Status.GTE(document.StatusExtracting) || d.Status.GTE(document.StatusSummarizing) {
		return nil
	}
	if !o.cfg.StageEnabled("summarization") || o.stages.Summarization == nil {
		return nil
	}
	if err := o.fanOut(ctx, d, "summarization", o.stages.Summarization); err != nil {
		return err
	}
	if o.stages.summarizationPost != nil {
		if err := o.stages.summarizationPost.Finalize(ctx, d); err != nil {
			return err
		}
	}
	return o.transition(ctx, d, document.StatusSummarizing)
}

func (o *Orchestrator) runEvaluation(ctx context.Context, d *document.Document) error {
	if !d.Status.GTE(document.StatusSummarizing) || d.Status.GTE(document.StatusEvaluating) {
		return nil
	}
	// EVALUATING is skipped only when the stage is disabled or no
	// Evaluation stage is wired. A document without a BaselineURI still
	// passes through EVALUATING; evaluation.Finalize writes no result for it.
	if !o.cfg.StageEnabled("evaluation") || o.stages.Evaluation == nil {
		return nil
	}
	if err := o.fanOut(ctx, d, "evaluation", o.stages.Evaluation); err != nil {
		return err
	}
	if o.stages.evaluationPost != nil {
		if err := o.stages.evaluationPost.Finalize(ctx, d); err != nil {
			return err
		}
	}
	return o.transition(ctx, d, document.StatusEvaluating)
}

// fanOut runs stage once per section, concurrently, bounded by
// extraction.concurrency_per_document (0 means unbounded). A failed
// section yields a per-section error entry; the document proceeds to the
// next stage unless continue_on_section_error is false, in which case the
// first section error fails the whole document.
func (o *Orchestrator) fanOut(ctx context.Context, d *document.Document, name string, stage SectionStage) error {
	if len(d.Sections) == 0 {
		return nil
	}

	maxConcurrency := o.sectionConcurrency

	g, gctx := errgroup.WithContext(ctx)
	var sem *semaphore.Weighted
	if maxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrency))
	}

	// errs/mu serialize writes to d.Errors: sections run concurrently but
	// each only touches its own *Section, so the shared Errors slice is
	// the one piece of d fan-out goroutines contend on.
	var mu sync.Mutex

	for _, s := range d.Sections {
		s := s
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(gctx, 1); err != nil {
					return pipelineerrors.CancelledErr(name)
				}
				defer sem.Release(1)
			}

			err := stage.RunSection(gctx, d, s)
			if err == nil {
				return nil
			}

			mu.Lock()
			d.AppendError(fmt.Sprintf("%s/%s", name, s.SectionID), string(pipelineerrors.KindOf(err)), err.Error())
			mu.Unlock()

			if !o.cfg.ContinueOnSectionError {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
