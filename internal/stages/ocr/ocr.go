package ocr

import (
	"context"
	"fmt"

	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/providers"
	"github.com/docflow/idp-core/internal/resilience"
	"github.com/docflow/idp-core/pkg/blob"
)

// Stage implements the OCR stage (C5).
type Stage struct {
	store               blob.Store
	renderer            Renderer
	registry            *providers.Registry
	providerName        string
	retry               resilience.RetryConfig
	continueOnPageError bool
	log                 *logging.Logger
}

// Config configures a Stage.
type Config struct {
	ProviderName        string
	Retry               resilience.RetryConfig
	ContinueOnPageError bool
}

// New builds the OCR stage over store (blob gateway), renderer (page
// splitting), and registry (OCR provider lookup).
func New(store blob.Store, renderer Renderer, registry *providers.Registry, cfg Config, log *logging.Logger) *Stage {
	if log == nil {
		log = logging.Default()
	}
	return &Stage{
		store:               store,
		renderer:            renderer,
		registry:            registry,
		providerName:        cfg.ProviderName,
		retry:               cfg.Retry,
		continueOnPageError: cfg.ContinueOnPageError,
		log:                 log,
	}
}

func (s *Stage) Name() string { return "ocr" }

// Run renders the document's pages, OCRs each one, and populates
// document.Pages. Per-page failures are retried as TRANSIENT; a page
// that still fails after retries is annotated with an error and skipped
// when continue_on_page_error is true, otherwise the stage fails.
func (s *Stage) Run(ctx context.Context, d *document.Document) error {
	ocrCap, err := s.registry.ResolveOCR(s.providerName)
	if err != nil {
		return err
	}

	rendered, err := s.renderer.Render(ctx, d.InputLocation)
	if err != nil {
		return pipelineerrors.TransientIOErr("ocr", err)
	}
	if len(rendered) == 0 {
		return pipelineerrors.PermanentInputErr("ocr", "input has no pages to render")
	}

	for _, rp := range rendered {
		if ctx.Err() != nil {
			return pipelineerrors.CancelledErr("ocr")
		}
		page, err := s.processPage(ctx, d, ocrCap, rp)
		if err != nil {
			if s.continueOnPageError {
				d.AppendError(fmt.Sprintf("ocr/%s", rp.PageID), string(pipelineerrors.KindOf(err)), err.Error())
				continue
			}
			return err
		}
		d.Pages[rp.PageID] = page
	}

	d.NumPages = len(d.Pages)
	return nil
}

func (s *Stage) processPage(ctx context.Context, d *document.Document, ocrCap providers.OCRCapability, rp RenderedPage) (*document.Page, error) {
	imageURI, err := s.store.Put(ctx, fmt.Sprintf("pages/%s/%s/image", d.ID, rp.PageID), rp.Data, rp.ContentType)
	if err != nil {
		return nil, pipelineerrors.TransientIOErr("ocr", err)
	}

	var result providers.OCRResult
	err = resilience.Retry(ctx, s.retry, func() error {
		var callErr error
		result, callErr = ocrCap.ExtractText(ctx, imageURI)
		return callErr
	})
	if err != nil {
		return nil, pipelineerrors.TransientProviderErr("ocr", ocrCap.ProviderName(), err)
	}

	rawOCRURI, err := s.store.PutJSON(ctx, fmt.Sprintf("pages/%s/%s/raw_ocr.json", d.ID, rp.PageID), result)
	if err != nil {
		return nil, pipelineerrors.TransientIOErr("ocr", err)
	}

	parsedTextURI, err := s.store.Put(ctx, fmt.Sprintf("pages/%s/%s/parsed_text.md", d.ID, rp.PageID), []byte(result.Text), "text/markdown")
	if err != nil {
		return nil, pipelineerrors.TransientIOErr("ocr", err)
	}

	textConfidenceURI, err := s.store.PutJSON(ctx, fmt.Sprintf("pages/%s/%s/confidence.json", d.ID, rp.PageID), result.BlockConfidences)
	if err != nil {
		return nil, pipelineerrors.TransientIOErr("ocr", err)
	}

	d.Meter("ocr", ocrCap.ProviderName(), "pages", 1)

	return &document.Page{
		PageID:            rp.PageID,
		ImageURI:          imageURI,
		RawOCRURI:         rawOCRURI,
		ParsedTextURI:     parsedTextURI,
		TextConfidenceURI: textConfidenceURI,
		Confidence:        result.Confidence,
	}, nil
}
