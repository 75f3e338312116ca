package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docflow/idp-core/internal/config"
	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
)

// fakeStore is an httptest-backed PostgREST server holding one document
// record, matching the store_test.go pattern in internal/document.
func newFakeStore(t *testing.T) (*document.Store, *fakeStoreState) {
	t.Helper()
	state := &fakeStoreState{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost, http.MethodPatch:
			var rec document.Record
			json.NewDecoder(r.Body).Decode(&rec)
			state.mu.Lock()
			state.updates = append(state.updates, rec)
			state.mu.Unlock()
			json.NewEncoder(w).Encode([]document.Record{rec})
		default:
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode([]document.Record{})
		}
	}))
	t.Cleanup(srv.Close)

	client := document.NewClient(document.ClientConfig{BaseURL: srv.URL, ServiceKey: "test-key"})
	return document.NewStore(client), state
}

type fakeStoreState struct {
	mu      sync.Mutex
	updates []document.Record
}

func (s *fakeStoreState) statuses() []document.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]document.Status, len(s.updates))
	for i, u := range s.updates {
		out[i] = u.Status
	}
	return out
}

// stubStage is a configurable Stage for exercising the orchestrator's
// mandatory-stage sequencing.
type stubStage struct {
	name string
	fn   func(ctx context.Context, d *document.Document) error
}

func (s stubStage) Name() string { return s.name }
func (s stubStage) Run(ctx context.Context, d *document.Document) error {
	if s.fn != nil {
		return s.fn(ctx, d)
	}
	return nil
}

// stubSectionStage is a configurable SectionStage.
type stubSectionStage struct {
	name string
	fn   func(ctx context.Context, d *document.Document, s *document.Section) error
}

func (s stubSectionStage) Name() string { return s.name }
func (s stubSectionStage) RunSection(ctx context.Context, d *document.Document, sec *document.Section) error {
	if s.fn != nil {
		return s.fn(ctx, d, sec)
	}
	return nil
}

// stubPostSectionStage is a configurable PostSectionStage.
type stubPostSectionStage struct {
	fn func(ctx context.Context, d *document.Document) error
}

func (s stubPostSectionStage) Finalize(ctx context.Context, d *document.Document) error {
	if s.fn != nil {
		return s.fn(ctx, d)
	}
	return nil
}

func newRunningDocument() *document.Document {
	d := document.New("doc-1", "bucket/a.pdf", "bucket/out/doc-1/")
	_ = d.Transition(document.StatusRunning)
	return d
}

func baseStages() Stages {
	return Stages{
		OCR: stubStage{name: "ocr", fn: func(_ context.Context, d *document.Document) error {
			d.NumPages = 1
			d.Pages["p1"] = &document.Page{PageID: "p1", ImageURI: "blob://b/p1.png", Confidence: 0.9}
			return nil
		}},
		Classification: stubStage{name: "classification", fn: func(_ context.Context, d *document.Document) error {
			d.Sections = []*document.Section{{SectionID: "s1", Classification: "invoice", Confidence: 0.9, PageIDs: []string{"p1"}}}
			return nil
		}},
		Extraction: stubSectionStage{name: "extraction", fn: func(_ context.Context, d *document.Document, s *document.Section) error {
			s.ExtractionURI = fmt.Sprintf("blob://b/extraction/%s.json", s.SectionID)
			return nil
		}},
	}
}

func TestOrchestrator_HappyPath_NoOptionalStages(t *testing.T) {
	store, state := newFakeStore(t)
	cfg := config.PipelineConfig{EnabledStages: nil, ContinueOnSectionError: true}

	orch := New(store, baseStages(), cfg, 0, nil)
	d := newRunningDocument()

	err := orch.Run(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, document.StatusCompleted, d.Status)
	require.Empty(t, d.Errors)

	statuses := state.statuses()
	require.Contains(t, statuses, document.StatusOCR)
	require.Contains(t, statuses, document.StatusClassifying)
	require.Contains(t, statuses, document.StatusExtracting)
	require.Contains(t, statuses, document.StatusCompleted)
}

func TestOrchestrator_RunsEnabledOptionalStages(t *testing.T) {
	store, state := newFakeStore(t)
	cfg := config.PipelineConfig{
		EnabledStages:          []string{"assessment", "rule_validation", "summarization", "evaluation"},
		ContinueOnSectionError: true,
	}

	stages := baseStages()
	var assessed, validated, summarized, evaluated bool
	stages.Assessment = stubSectionStage{name: "assessment", fn: func(_ context.Context, _ *document.Document, _ *document.Section) error {
		assessed = true
		return nil
	}}
	stages.RuleValidation = stubSectionStage{name: "rule_validation", fn: func(_ context.Context, _ *document.Document, _ *document.Section) error {
		validated = true
		return nil
	}}
	stages.Summarization = stubSectionStage{name: "summarization", fn: func(_ context.Context, _ *document.Document, _ *document.Section) error {
		summarized = true
		return nil
	}}
	stages.Evaluation = stubSectionStage{name: "evaluation", fn: func(_ context.Context, _ *document.Document, _ *document.Section) error {
		evaluated = true
		return nil
	}}

	orch := New(store, stages, cfg, 0, nil)
	d := newRunningDocument()

	require.NoError(t, orch.Run(context.Background(), d))
	require.Equal(t, document.StatusCompleted, d.Status)
	require.True(t, assessed)
	require.True(t, validated)
	require.True(t, summarized)
	require.True(t, evaluated)

	statuses := state.statuses()
	require.Contains(t, statuses, document.StatusAssessing)
	require.Contains(t, statuses, document.StatusPostprocessing)
	require.Contains(t, statuses, document.StatusSummarizing)
	require.Contains(t, statuses, document.StatusEvaluating)
}

func TestOrchestrator_RunsFinalizeHooksAfterFanOut(t *testing.T) {
	store, _ := newFakeStore(t)
	cfg := config.PipelineConfig{
		EnabledStages:          []string{"rule_validation", "summarization", "evaluation"},
		ContinueOnSectionError: true,
	}

	stages := baseStages()
	stages.RuleValidation = stubSectionStage{name: "rule_validation"}
	stages.Summarization = stubSectionStage{name: "summarization"}
	stages.Evaluation = stubSectionStage{name: "evaluation"}

	var ruleValidationFinalized, summarizationFinalized, evaluationFinalized bool
	stages.WithRuleValidationFinalize(stubPostSectionStage{fn: func(_ context.Context, _ *document.Document) error {
		ruleValidationFinalized = true
		return nil
	}})
	stages.WithSummarizationFinalize(stubPostSectionStage{fn: func(_ context.Context, _ *document.Document) error {
		summarizationFinalized = true
		return nil
	}})
	stages.WithEvaluationFinalize(stubPostSectionStage{fn: func(_ context.Context, _ *document.Document) error {
		evaluationFinalized = true
		return nil
	}})

	orch := New(store, stages, cfg, 0, nil)
	d := newRunningDocument()

	require.NoError(t, orch.Run(context.Background(), d))
	require.True(t, ruleValidationFinalized)
	require.True(t, summarizationFinalized)
	require.True(t, evaluationFinalized)
}

func TestOrchestrator_PermanentStageErrorFailsDocument(t *testing.T) {
	store, _ := newFakeStore(t)
	cfg := config.PipelineConfig{ContinueOnSectionError: true}

	stages := baseStages()
	stages.OCR = stubStage{name: "ocr", fn: func(_ context.Context, d *document.Document) error {
		return pipelineerrors.PermanentInputErr("ocr", "unsupported input format")
	}}

	orch := New(store, stages, cfg, 0, nil)
	d := newRunningDocument()

	err := orch.Run(context.Background(), d)
	require.Error(t, err)
	require.Equal(t, document.StatusFailed, d.Status)
	require.Len(t, d.Errors, 1)
	require.Equal(t, "ocr", d.Errors[0].Stage)
}

// TestOrchestrator_SectionErrorStillFailsDocumentWhenConfigured covers
// S3: with continue_on_section_error=true, a single section's failure
// doesn't abort the run early (other sections and later stages still
// execute), but the document still ends FAILED rather than COMPLETED
// once an error has been recorded anywhere along the way (P4).
func TestOrchestrator_SectionErrorStillFailsDocumentWhenConfigured(t *testing.T) {
	store, _ := newFakeStore(t)
	cfg := config.PipelineConfig{ContinueOnSectionError: true}

	stages := baseStages()
	stages.Extraction = stubSectionStage{name: "extraction", fn: func(_ context.Context, _ *document.Document, s *document.Section) error {
		return pipelineerrors.PermanentSchemaErr("extraction", fmt.Errorf("bad json"))
	}}

	orch := New(store, stages, cfg, 0, nil)
	d := newRunningDocument()

	err := orch.Run(context.Background(), d)
	require.Error(t, err)
	require.Equal(t, document.StatusFailed, d.Status)
	require.Len(t, d.Errors, 1)
	require.Contains(t, d.Errors[0].Stage, "extraction/")
}

func TestOrchestrator_SectionErrorFailsDocumentWhenNotConfigured(t *testing.T) {
	store, _ := newFakeStore(t)
	cfg := config.PipelineConfig{ContinueOnSectionError: false}

	stages := baseStages()
	stages.Extraction = stubSectionStage{name: "extraction", fn: func(_ context.Context, _ *document.Document, s *document.Section) error {
		return pipelineerrors.PermanentSchemaErr("extraction", fmt.Errorf("bad json"))
	}}

	orch := New(store, stages, cfg, 0, nil)
	d := newRunningDocument()

	err := orch.Run(context.Background(), d)
	require.Error(t, err)
	require.Equal(t, document.StatusFailed, d.Status)
}

func TestOrchestrator_CancellationFailsWithCancelledKind(t *testing.T) {
	store, _ := newFakeStore(t)
	cfg := config.PipelineConfig{ContinueOnSectionError: true}

	orch := New(store, baseStages(), cfg, 0, nil)
	d := newRunningDocument()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := orch.Run(ctx, d)
	require.Error(t, err)
	require.Equal(t, document.StatusFailed, d.Status)
	require.Equal(t, string(pipelineerrors.Cancelled), d.Errors[0].Kind)
}

func TestOrchestrator_IdempotentResumeFromPersistedStatus(t *testing.T) {
	store, _ := newFakeStore(t)
	cfg := config.PipelineConfig{ContinueOnSectionError: true}

	var ocrCalls int
	stages := baseStages()
	stages.OCR = stubStage{name: "ocr", fn: func(_ context.Context, d *document.Document) error {
		ocrCalls++
		d.NumPages = 1
		d.Pages["p1"] = &document.Page{PageID: "p1", ImageURI: "blob://b/p1.png", Confidence: 0.9}
		return nil
	}}

	orch := New(store, stages, cfg, 0, nil)

	// Simulate a crash after OCR persisted: resuming from StatusOCR must
	// not re-run the OCR stage.
	d := document.New("doc-2", "bucket/b.pdf", "bucket/out/doc-2/")
	_ = d.Transition(document.StatusRunning)
	d.NumPages = 1
	d.Pages["p1"] = &document.Page{PageID: "p1", ImageURI: "blob://b/p1.png", Confidence: 0.9}
	_ = d.Transition(document.StatusOCR)

	require.NoError(t, orch.Run(context.Background(), d))
	require.Equal(t, 0, ocrCalls, "OCR must not re-run once status is already past StatusRunning")
	require.Equal(t, document.StatusCompleted, d.Status)
}
