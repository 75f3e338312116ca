package extraction

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/providers"
	"github.com/docflow/idp-core/internal/resilience"
	"github.com/docflow/idp-core/pkg/blob"
)

func invoiceSchema() providers.Schema {
	return providers.Schema{
		DocumentClass: "invoice",
		Attributes: []providers.SchemaAttribute{
			{Name: "total", Type: "number", Required: true},
			{Name: "vendor", Type: "string", Required: true},
			{Name: "paid", Type: "boolean", Required: false},
		},
	}
}

func newTestSetup(t *testing.T, extractFn func(ctx context.Context, sectionText string, schema providers.Schema, fewShot []providers.FewShotExample) (map[string]any, error)) (*Stage, *blob.MemoryStore, *document.Document) {
	t.Helper()
	store := blob.NewMemoryStore("b")
	registry := providers.NewRegistry()
	registry.Register("extraction", "mock", &providers.MockProvider{Name: "mock-extract", ExtractFunc: extractFn})

	schemas := NewSchemaRegistry()
	schemas.Register("invoice", invoiceSchema())

	stage := New(store, registry, schemas, nil, nil, Config{ProviderName: "mock", Retry: resilience.RetryConfig{MaxAttempts: 1}}, nil)

	d := document.New("doc-1", "input/doc-1", "output/doc-1/")
	uri, err := store.Put(context.Background(), "pages/doc-1/p01/parsed_text.md", []byte("Invoice #123\nTotal: $42.00"), "text/markdown")
	require.NoError(t, err)
	d.Pages["p01"] = &document.Page{PageID: "p01", ParsedTextURI: uri, Confidence: 0.9}
	d.NumPages = 1

	return stage, store, d
}

func TestRunSection_HappyPath(t *testing.T) {
	var gotText string
	stage, store, d := newTestSetup(t, func(ctx context.Context, sectionText string, schema providers.Schema, fewShot []providers.FewShotExample) (map[string]any, error) {
		gotText = sectionText
		return map[string]any{"total": 42.0, "vendor": "Acme Corp", "paid": true}, nil
	})

	section := &document.Section{SectionID: "section-001", Classification: "invoice", PageIDs: []string{"p01"}}
	require.NoError(t, stage.RunSection(context.Background(), d, section))

	require.Contains(t, gotText, "--- page p01 ---")
	require.Contains(t, gotText, "Total: $42.00")
	require.NotEmpty(t, section.ExtractionURI)

	var persisted map[string]any
	require.NoError(t, store.GetJSON(context.Background(), blob.KeyFromURI(section.ExtractionURI), &persisted))
	require.Equal(t, "Acme Corp", persisted["vendor"])

	require.Equal(t, int64(1), d.MeterValue("extraction", "mock-extract", "sections"))
}

func TestRunSection_CoercesStringNumber(t *testing.T) {
	stage, _, d := newTestSetup(t, func(ctx context.Context, sectionText string, schema providers.Schema, fewShot []providers.FewShotExample) (map[string]any, error) {
		return map[string]any{"total": "42", "vendor": "Acme Corp"}, nil
	})

	section := &document.Section{SectionID: "section-001", Classification: "invoice", PageIDs: []string{"p01"}}
	require.NoError(t, stage.RunSection(context.Background(), d, section))
}

func TestRunSection_MissingRequiredAttributeIsPermanentSchemaError(t *testing.T) {
	stage, _, d := newTestSetup(t, func(ctx context.Context, sectionText string, schema providers.Schema, fewShot []providers.FewShotExample) (map[string]any, error) {
		return map[string]any{"vendor": "Acme Corp"}, nil
	})

	section := &document.Section{SectionID: "section-001", Classification: "invoice", PageIDs: []string{"p01"}}
	err := stage.RunSection(context.Background(), d, section)
	require.Error(t, err)
	require.Equal(t, pipelineerrors.PermanentSchema, pipelineerrors.KindOf(err))
}

func TestRunSection_UnregisteredClassIsPermanentInputError(t *testing.T) {
	stage, _, d := newTestSetup(t, func(ctx context.Context, sectionText string, schema providers.Schema, fewShot []providers.FewShotExample) (map[string]any, error) {
		return nil, nil
	})

	section := &document.Section{SectionID: "section-001", Classification: "unknown-class", PageIDs: []string{"p01"}}
	err := stage.RunSection(context.Background(), d, section)
	require.Error(t, err)
	require.Equal(t, pipelineerrors.PermanentInput, pipelineerrors.KindOf(err))
}

func TestRunSection_ProviderFailureIsTransientProvider(t *testing.T) {
	stage, _, d := newTestSetup(t, func(ctx context.Context, sectionText string, schema providers.Schema, fewShot []providers.FewShotExample) (map[string]any, error) {
		return nil, fmt.Errorf("provider unavailable")
	})

	section := &document.Section{SectionID: "section-001", Classification: "invoice", PageIDs: []string{"p01"}}
	err := stage.RunSection(context.Background(), d, section)
	require.Error(t, err)
	require.Equal(t, pipelineerrors.TransientProvider, pipelineerrors.KindOf(err))
}

func TestRunSection_PassesFilteredFewShotExamples(t *testing.T) {
	var gotFewShot []providers.FewShotExample
	store := blob.NewMemoryStore("b")
	registry := providers.NewRegistry()
	registry.Register("extraction", "mock", &providers.MockProvider{
		Name: "mock-extract",
		ExtractFunc: func(ctx context.Context, sectionText string, schema providers.Schema, fewShot []providers.FewShotExample) (map[string]any, error) {
			gotFewShot = fewShot
			return map[string]any{"total": 1.0, "vendor": "x"}, nil
		},
	})
	schemas := NewSchemaRegistry()
	schemas.Register("invoice", invoiceSchema())
	fewShot := NewFewShotRegistry()
	fewShot.Register("invoice", providers.FewShotExample{Text: "example invoice", Expected: map[string]any{"total": 10.0}})
	fewShot.Register("receipt", providers.FewShotExample{Text: "example receipt"})

	stage := New(store, registry, schemas, fewShot, nil, Config{ProviderName: "mock", Retry: resilience.RetryConfig{MaxAttempts: 1}}, nil)

	d := document.New("doc-1", "input/doc-1", "output/doc-1/")
	uri, _ := store.Put(context.Background(), "pages/doc-1/p01/parsed_text.md", []byte("text"), "text/markdown")
	d.Pages["p01"] = &document.Page{PageID: "p01", ParsedTextURI: uri}

	section := &document.Section{SectionID: "section-001", Classification: "invoice", PageIDs: []string{"p01"}}
	require.NoError(t, stage.RunSection(context.Background(), d, section))

	require.Len(t, gotFewShot, 1)
	require.Equal(t, "example invoice", gotFewShot[0].Text)
}
