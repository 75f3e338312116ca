// Package ocr implements the OCR stage (C5): renders each logical page
// of a document's input to an image, invokes the configured OCR
// provider, and writes the raw response, a parsed text view, and a
// per-block confidence view to the blob store.
package ocr

import (
	"context"
	"fmt"

	"github.com/docflow/idp-core/pkg/blob"
)

// RenderedPage is one page ready for OCR: its image bytes and a stable
// page id used to derive every downstream artifact URI.
type RenderedPage struct {
	PageID      string
	Data        []byte
	ContentType string
}

// Renderer splits a document's input into its logical pages. Page
// splitting/rasterization of arbitrary input formats (PDF, TIFF, ...) has
// no corresponding third-party Go library in this codebase's dependency
// set, so the boundary is modeled as a pluggable interface: intake is
// expected to have already deposited a page manifest alongside the
// input, and ManifestRenderer is the default implementation of that
// contract.
type Renderer interface {
	Render(ctx context.Context, inputLocation string) ([]RenderedPage, error)
}

// PageManifest lists a document's pages in order, each pointing at its
// pre-rendered image object in the blob store.
type PageManifest struct {
	Pages []PageManifestEntry `json:"pages"`
}

// PageManifestEntry is one page's rendered-image location.
type PageManifestEntry struct {
	PageID      string `json:"page_id"`
	ImageKey    string `json:"image_key"`
	ContentType string `json:"content_type"`
}

// ManifestRenderer reads "{input_location}/manifest.json" and fetches
// each listed page image from the blob store.
type ManifestRenderer struct {
	store blob.Store
}

// NewManifestRenderer builds a ManifestRenderer over store.
func NewManifestRenderer(store blob.Store) *ManifestRenderer {
	return &ManifestRenderer{store: store}
}

func (r *ManifestRenderer) Render(ctx context.Context, inputLocation string) ([]RenderedPage, error) {
	var manifest PageManifest
	manifestKey := fmt.Sprintf("%s/manifest.json", inputLocation)
	if err := r.store.GetJSON(ctx, manifestKey, &manifest); err != nil {
		return nil, fmt.Errorf("ocr: read page manifest %s: %w", manifestKey, err)
	}

	pages := make([]RenderedPage, 0, len(manifest.Pages))
	for _, entry := range manifest.Pages {
		data, err := r.store.Get(ctx, entry.ImageKey)
		if err != nil {
			return nil, fmt.Errorf("ocr: fetch page image %s: %w", entry.ImageKey, err)
		}
		contentType := entry.ContentType
		if contentType == "" {
			contentType = "image/jpeg"
		}
		pages = append(pages, RenderedPage{PageID: entry.PageID, Data: data, ContentType: contentType})
	}
	return pages, nil
}
