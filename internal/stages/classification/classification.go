// Package classification implements the Classification stage (C6):
// assigns a document-type label to every OCR'd page and groups the
// labelled pages into contiguous Sections.
package classification

import (
	"context"
	"fmt"
	"sort"

	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/providers"
	"github.com/docflow/idp-core/internal/resilience"
	"github.com/docflow/idp-core/pkg/blob"
)

// unknownLabel is assigned to a page when the classifier declines to
// label it; its confidence is fixed at 0 per the stage contract.
const unknownLabel = "unknown"

// MethodPageLevel classifies each page independently, then groups
// contiguous same-label runs into sections.
const MethodPageLevel = "pageLevel"

// MethodHolistic presents the whole page set to the classifier in one
// call and takes back a label per page.
const MethodHolistic = "holistic"

// Stage implements the Classification stage (C6).
type Stage struct {
	store          blob.Store
	registry       *providers.Registry
	providerName   string
	method         string
	splitThreshold float64
	retry          resilience.RetryConfig
	log            *logging.Logger
}

// Config configures a Stage.
type Config struct {
	ProviderName   string
	Method         string
	SplitThreshold float64
	Retry          resilience.RetryConfig
}

// New builds the classification stage.
func New(store blob.Store, registry *providers.Registry, cfg Config, log *logging.Logger) *Stage {
	if log == nil {
		log = logging.Default()
	}
	method := cfg.Method
	if method == "" {
		method = MethodPageLevel
	}
	return &Stage{
		store:          store,
		registry:       registry,
		providerName:   cfg.ProviderName,
		method:         method,
		splitThreshold: cfg.SplitThreshold,
		retry:          cfg.Retry,
		log:            log,
	}
}

func (s *Stage) Name() string { return "classification" }

// Run labels every page and populates d.Sections. Pages are processed in
// ascending page-id order (the same order C2's pageRank assumes pages
// sort in), so grouping sees them in document order regardless of the
// map iteration order of d.Pages.
func (s *Stage) Run(ctx context.Context, d *document.Document) error {
	classifyCap, err := s.registry.ResolveClassify(s.providerName)
	if err != nil {
		return err
	}

	pageIDs := orderedPageIDs(d)
	if len(pageIDs) == 0 {
		return pipelineerrors.PermanentInputErr("classification", "document has no OCR'd pages to classify")
	}

	pageTexts := make(map[string]string, len(pageIDs))
	for _, pid := range pageIDs {
		text, err := s.loadPageText(ctx, d, pid)
		if err != nil {
			return err
		}
		pageTexts[pid] = text
	}

	var classifications []providers.PageClassification
	err = resilience.Retry(ctx, s.retry, func() error {
		var callErr error
		classifications, callErr = s.classify(ctx, classifyCap, pageIDs, pageTexts)
		return callErr
	})
	if err != nil {
		return pipelineerrors.TransientProviderErr("classification", classifyCap.ProviderName(), err)
	}

	byPage := make(map[string]providers.PageClassification, len(classifications))
	for _, c := range classifications {
		byPage[c.PageID] = c
	}

	ordered := make([]providers.PageClassification, 0, len(pageIDs))
	for _, pid := range pageIDs {
		c, ok := byPage[pid]
		if !ok || c.Label == "" {
			c = providers.PageClassification{PageID: pid, Label: unknownLabel, Confidence: 0}
		}
		ordered = append(ordered, c)

		label := c.Label
		if page := d.Pages[pid]; page != nil {
			page.Classification = &label
		}
	}

	d.Sections = groupIntoSections(ordered, s.splitThreshold)
	d.Meter("classification", classifyCap.ProviderName(), "pages", int64(len(pageIDs)))
	return nil
}

func (s *Stage) classify(ctx context.Context, classifyCap providers.ClassifyCapability, pageIDs []string, pageTexts map[string]string) ([]providers.PageClassification, error) {
	if s.method == MethodHolistic {
		return classifyCap.ClassifyDocument(ctx, pageTexts)
	}

	out := make([]providers.PageClassification, 0, len(pageIDs))
	for _, pid := range pageIDs {
		if ctx.Err() != nil {
			return nil, pipelineerrors.CancelledErr("classification")
		}
		pc, err := classifyCap.ClassifyPage(ctx, pid, pageTexts[pid])
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

func (s *Stage) loadPageText(ctx context.Context, d *document.Document, pageID string) (string, error) {
	page := d.Pages[pageID]
	if page == nil || page.ParsedTextURI == "" {
		return "", pipelineerrors.PermanentInputErr("classification", fmt.Sprintf("page %s has no parsed text", pageID))
	}
	data, err := s.store.Get(ctx, blob.KeyFromURI(page.ParsedTextURI))
	if err != nil {
		return "", pipelineerrors.TransientIOErr("classification", err)
	}
	return string(data), nil
}

// orderedPageIDs sorts page ids lexicographically, matching the page-id
// convention (zero-padded page numbers) assumed by document.pageRank.
func orderedPageIDs(d *document.Document) []string {
	ids := make([]string, 0, len(d.Pages))
	for id := range d.Pages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// run is one contiguous, same-label group of pages, with confidences
// tracked per-page so the merge pass can test against splitThreshold.
type run struct {
	label       string
	pageIDs     []string
	confidences []float64
}

func (r run) minConfidence() float64 {
	min := r.confidences[0]
	for _, c := range r.confidences[1:] {
		if c < min {
			min = c
		}
	}
	return min
}

func (r run) allBelow(threshold float64) bool {
	for _, c := range r.confidences {
		if c >= threshold {
			return false
		}
	}
	return true
}

// groupIntoSections groups ordered page classifications into contiguous
// runs and merges two same-label runs across an intervening low-
// confidence run (every page in it below splitThreshold), per the
// pageLevel tie-break rule: the intervening pages are absorbed into the
// merged section rather than kept as their own section.
func groupIntoSections(ordered []providers.PageClassification, splitThreshold float64) []*document.Section {
	if len(ordered) == 0 {
		return nil
	}

	runs := make([]run, 0, len(ordered))
	for _, c := range ordered {
		if n := len(runs); n > 0 && runs[n-1].label == c.Label {
			runs[n-1].pageIDs = append(runs[n-1].pageIDs, c.PageID)
			runs[n-1].confidences = append(runs[n-1].confidences, c.Confidence)
			continue
		}
		runs = append(runs, run{label: c.Label, pageIDs: []string{c.PageID}, confidences: []float64{c.Confidence}})
	}

	for {
		merged := false
		for i := 0; i+2 < len(runs); i++ {
			if runs[i].label != runs[i+2].label || runs[i].label == unknownLabel {
				continue
			}
			if !runs[i+1].allBelow(splitThreshold) {
				continue
			}
			combined := run{label: runs[i].label}
			for _, r := range runs[i : i+3] {
				combined.pageIDs = append(combined.pageIDs, r.pageIDs...)
				combined.confidences = append(combined.confidences, r.confidences...)
			}
			tail := append([]run{combined}, runs[i+3:]...)
			runs = append(runs[:i], tail...)
			merged = true
			break
		}
		if !merged {
			break
		}
	}

	sections := make([]*document.Section, 0, len(runs))
	for i, r := range runs {
		sections = append(sections, &document.Section{
			SectionID:      fmt.Sprintf("section-%03d", i+1),
			Classification: r.label,
			Confidence:     r.minConfidence(),
			PageIDs:        r.pageIDs,
		})
	}
	return sections
}
