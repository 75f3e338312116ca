package ocr

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

func seedManifest(t *testing.T, store *blob.MemoryStore, inputLocation string, pageIDs []string) {
	t.Helper()
	entries := make([]PageManifestEntry, len(pageIDs))
	for i, id := range pageIDs {
		key := fmt.Sprintf("input/%s/raw.jpg", id)
		_, err := store.Put(context.Background(), key, []byte("fake-image-"+id), "image/jpeg")
		require.NoError(t, err)
		entries[i] = PageManifestEntry{PageID: id, ImageKey: key, ContentType: "image/jpeg"}
	}
	_, err := store.PutJSON(context.Background(), inputLocation+"/manifest.json", PageManifest{Pages: entries})
	require.NoError(t, err)
}

func newTestStage(t *testing.T, continueOnPageError bool, ocrProvider providers.OCRCapability) (*Stage, *blob.MemoryStore) {
	t.Helper()
	store := blob.NewMemoryStore("test-bucket")
	registry := providers.NewRegistry()
	registry.Register("ocr", "mock", ocrProvider)

	stage := New(store, NewManifestRenderer(store), registry, Config{
		ProviderName:        "mock",
		Retry:               resilience.RetryConfig{MaxAttempts: 1},
		ContinueOnPageError: continueOnPageError,
	}, nil)
	return stage, store
}

func TestStage_Run_PopulatesPages(t *testing.T) {
	provider := &providers.MockProvider{
		Name: "mock-ocr",
		OCRFunc: func(ctx context.Context, imageURI string) (providers.OCRResult, error) {
			return providers.OCRResult{Text: "hello world", BlockConfidences: []float64{0.9, 0.95}, Confidence: 0.92}, nil
		},
	}
	stage, store := newTestStage(t, false, provider)

	d := document.New("doc-1", "input/doc-1", "output/doc-1/")
	seedManifest(t, store, d.InputLocation, []string{"p1", "p2"})

	err := stage.Run(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, 2, d.NumPages)
	require.Len(t, d.Pages, 2)

	p1 := d.Pages["p1"]
	require.NotNil(t, p1)
	require.Equal(t, 0.92, p1.Confidence)
	require.NotEmpty(t, p1.ImageURI)
	require.NotEmpty(t, p1.RawOCRURI)
	require.NotEmpty(t, p1.ParsedTextURI)
	require.NotEmpty(t, p1.TextConfidenceURI)

	require.Equal(t, int64(2), d.MeterValue("ocr", "mock-ocr", "pages"))
}

func TestStage_Run_NoPagesIsPermanentError(t *testing.T) {
	store := blob.NewMemoryStore("test-bucket")
	registry := providers.NewRegistry()
	provider := &providers.MockProvider{Name: "mock-ocr"}
	registry.Register("ocr", "mock", provider)
	stage := New(store, NewManifestRenderer(store), registry, Config{ProviderName: "mock"}, nil)

	d := document.New("doc-1", "input/doc-1", "output/doc-1/")
	seedManifest(t, store, d.InputLocation, nil)

	err := stage.Run(context.Background(), d)
	require.Error(t, err)
	require.Equal(t, pipelineerrors.PermanentInput, pipelineerrors.KindOf(err))
}

func TestStage_Run_UnregisteredProviderFailsFast(t *testing.T) {
	store := blob.NewMemoryStore("test-bucket")
	registry := providers.NewRegistry()
	stage := New(store, NewManifestRenderer(store), registry, Config{ProviderName: "missing"}, nil)

	d := document.New("doc-1", "input/doc-1", "output/doc-1/")
	err := stage.Run(context.Background(), d)
	require.Error(t, err)
	require.Equal(t, pipelineerrors.PermanentInput, pipelineerrors.KindOf(err))
}

func TestStage_Run_PageErrorContinuesWhenConfigured(t *testing.T) {
	calls := 0
	provider := &providers.MockProvider{
		Name: "mock-ocr",
		OCRFunc: func(ctx context.Context, imageURI string) (providers.OCRResult, error) {
			calls++
			if calls == 1 {
				return providers.OCRResult{}, fmt.Errorf("provider 500")
			}
			return providers.OCRResult{Text: "ok", Confidence: 0.8}, nil
		},
	}
	store := blob.NewMemoryStore("test-bucket")
	registry := providers.NewRegistry()
	registry.Register("ocr", "mock", provider)
	stage := New(store, NewManifestRenderer(store), registry, Config{
		ProviderName:        "mock",
		Retry:               resilience.RetryConfig{MaxAttempts: 1},
		ContinueOnPageError: true,
	}, nil)

	d := document.New("doc-1", "input/doc-1", "output/doc-1/")
	seedManifest(t, store, d.InputLocation, []string{"p1", "p2"})

	err := stage.Run(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, d.Pages, 1, "only the successful page should be recorded")
	require.Len(t, d.Errors, 1)
	require.Contains(t, d.Errors[0].Stage, "ocr/")
}

func TestStage_Run_PageErrorFailsStageWhenNotConfigured(t *testing.T) {
	provider := &providers.MockProvider{
		Name: "mock-ocr",
		OCRFunc: func(ctx context.Context, imageURI string) (providers.OCRResult, error) {
			return providers.OCRResult{}, fmt.Errorf("provider 500")
		},
	}
	store := blob.NewMemoryStore("test-bucket")
	registry := providers.NewRegistry()
	registry.Register("ocr", "mock", provider)
	stage := New(store, NewManifestRenderer(store), registry, Config{
		ProviderName:        "mock",
		Retry:               resilience.RetryConfig{MaxAttempts: 1},
		ContinueOnPageError: false,
	}, nil)

	d := document.New("doc-1", "input/doc-1", "output/doc-1/")
	seedManifest(t, store, d.InputLocation, []string{"p1"})

	err := stage.Run(context.Background(), d)
	require.Error(t, err)
	require.Equal(t, pipelineerrors.TransientProvider, pipelineerrors.KindOf(err))
}
