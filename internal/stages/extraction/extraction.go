// Package extraction implements the Extraction stage (C7): for each
// classified section, assembles a prompt from the section's parsed page
// text and any configured few-shot examples, calls the extraction
// provider, and validates the result against the section class's schema.
//
// Concurrency across a document's sections is the orchestrator's
// responsibility (C4); this stage is safe to call concurrently for
// distinct sections of the same document as long as the sections don't
// share page text (they never do, by the I2 section/page partition).
package extraction

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/docflow/idp-core/internal/cache"
	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/providers"
	"github.com/docflow/idp-core/internal/resilience"
	"github.com/docflow/idp-core/internal/stages/sectiontext"
	"github.com/docflow/idp-core/pkg/blob"
)

// Stage implements the Extraction stage (C7).
type Stage struct {
	store        blob.Store
	registry     *providers.Registry
	schemas      *SchemaRegistry
	fewShot      *FewShotRegistry
	imageCache   *cache.ExampleImageCache
	providerName string
	retry        resilience.RetryConfig
	validate     *validator.Validate
	log          *logging.Logger
}

// Config configures a Stage.
type Config struct {
	ProviderName string
	Retry        resilience.RetryConfig
}

// New builds the extraction stage over store (blob gateway), schemas
// (resolved schema registry), fewShot (optional examples registry, may
// be nil), and an image cache for few-shot example bytes.
func New(store blob.Store, registry *providers.Registry, schemas *SchemaRegistry, fewShot *FewShotRegistry, imageCache *cache.ExampleImageCache, cfg Config, log *logging.Logger) *Stage {
	if log == nil {
		log = logging.Default()
	}
	if imageCache == nil {
		imageCache = cache.NewExampleImageCache(cache.DefaultConfig())
	}
	return &Stage{
		store:        store,
		registry:     registry,
		schemas:      schemas,
		fewShot:      fewShot,
		imageCache:   imageCache,
		providerName: cfg.ProviderName,
		retry:        cfg.Retry,
		validate:     validator.New(),
		log:          log,
	}
}

func (s *Stage) Name() string { return "extraction" }

// RunSection extracts section's schema-conforming attribute record and
// writes it to the blob store, setting section.ExtractionURI.
func (s *Stage) RunSection(ctx context.Context, d *document.Document, section *document.Section) error {
	extractCap, err := s.registry.ResolveExtract(s.providerName)
	if err != nil {
		return err
	}

	schema, ok := s.schemas.Resolve(section.Classification)
	if !ok {
		return pipelineerrors.PermanentInputErr("extraction", fmt.Sprintf("no schema registered for class %q", section.Classification))
	}

	sectionText, err := sectiontext.Build(ctx, s.store, d, section.PageIDs, "extraction")
	if err != nil {
		return err
	}

	examples := s.resolveFewShot(ctx, section.Classification)

	var extracted map[string]any
	err = resilience.Retry(ctx, s.retry, func() error {
		var callErr error
		extracted, callErr = extractCap.Extract(ctx, sectionText, schema, examples)
		return callErr
	})
	if err != nil {
		return pipelineerrors.TransientProviderErr("extraction", extractCap.ProviderName(), err)
	}

	if err := validateAgainstSchema(s.validate, schema, extracted); err != nil {
		return pipelineerrors.PermanentSchemaErr("extraction", err)
	}

	uri, err := s.store.PutJSON(ctx, fmt.Sprintf("sections/%s/%s/extraction.json", d.ID, section.SectionID), extracted)
	if err != nil {
		return pipelineerrors.TransientIOErr("extraction", err)
	}
	section.ExtractionURI = uri
	if section.Attributes == nil {
		section.Attributes = extracted
	}

	d.Meter("extraction", extractCap.ProviderName(), "sections", 1)
	return nil
}

// resolveFewShot returns class's configured examples, warming the image
// cache for any example carrying an image reference not already cached.
// Image bytes aren't threaded into the ExtractCapability call: fetching
// them is a provider-implementation concern (e.g. building a multimodal
// prompt), this stage's job is only to avoid re-fetching the same example
// image from the blob store once per section of the same document.
func (s *Stage) resolveFewShot(ctx context.Context, class string) []providers.FewShotExample {
	if s.fewShot == nil {
		return nil
	}
	examples := s.fewShot.Examples(class)
	for _, ex := range examples {
		if ex.ImageURI == "" {
			continue
		}
		if _, ok := s.imageCache.GetImage(ex.ImageURI); ok {
			continue
		}
		data, err := s.store.Get(ctx, blob.KeyFromURI(ex.ImageURI))
		if err != nil {
			s.log.WithError(err).WithField("image_uri", ex.ImageURI).Warn("failed to warm few-shot example image cache")
			continue
		}
		s.imageCache.SetImage(ex.ImageURI, data, 0)
	}
	return examples
}
