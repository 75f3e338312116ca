// Package summarization implements the Summarization stage (C9): for
// each section, a cited markdown summary (attribute table, narrative,
// references) built from the section's own extraction output plus one
// provider call over its page text; then, once every section has
// fanned in, a document-level summary concatenating every section's
// markdown under a generated table of contents.
package summarization

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/providers"
	"github.com/docflow/idp-core/internal/resilience"
	"github.com/docflow/idp-core/pkg/blob"
)

// AttributeRow is one cited fact in a section's attribute table. PageIDs
// is never empty: a section always has at least one page (I2), and a
// fact with no citation would violate the "never invent content"
// invariant.
type AttributeRow struct {
	Name    string   `json:"name"`
	Value   any      `json:"value"`
	PageIDs []string `json:"page_ids"`
}

// Reference is one citation in a section's references list, carried
// over from the provider's table of contents entries.
type Reference struct {
	Title   string   `json:"title"`
	PageIDs []string `json:"page_ids"`
}

// SectionSummary is the per-section summarization artifact.
type SectionSummary struct {
	SectionID      string         `json:"section_id"`
	Classification string         `json:"classification"`
	Attributes     []AttributeRow `json:"attributes"`
	Narrative      string         `json:"narrative"`
	References     []Reference    `json:"references"`
	Markdown       string         `json:"markdown"`
}

// TOCEntry is one line of the document-level table of contents.
type TOCEntry struct {
	Title     string `json:"title"`
	SectionID string `json:"section_id"`
}

// DocumentSummary is the document-level summarization artifact.
type DocumentSummary struct {
	TOC      []TOCEntry `json:"toc"`
	Markdown string     `json:"markdown"`
}

// Stage implements the Summarization stage (C9).
type Stage struct {
	store        blob.Store
	registry     *providers.Registry
	providerName string
	retry        resilience.RetryConfig
	log          *logging.Logger
}

// Config configures a Stage.
type Config struct {
	ProviderName string
	Retry        resilience.RetryConfig
}

// New builds the summarization stage.
func New(store blob.Store, registry *providers.Registry, cfg Config, log *logging.Logger) *Stage {
	if log == nil {
		log = logging.Default()
	}
	return &Stage{store: store, registry: registry, providerName: cfg.ProviderName, retry: cfg.Retry, log: log}
}

func (s *Stage) Name() string { return "summarization" }

// RunSection builds one section's summary: an attribute table citing the
// section's page ids, a provider-written narrative plus references over
// the section's page text, and the assembled markdown artifact.
func (s *Stage) RunSection(ctx context.Context, d *document.Document, section *document.Section) error {
	if len(section.PageIDs) == 0 {
		return pipelineerrors.PermanentInputErr("summarization", fmt.Sprintf("section %s has no pages to cite", section.SectionID))
	}

	summarizeCap, err := s.registry.ResolveSummarize(s.providerName)
	if err != nil {
		return err
	}

	pageIDs := append([]string(nil), section.PageIDs...)
	sort.Strings(pageIDs)

	pageTexts := make(map[string]string, len(pageIDs))
	for _, pid := range pageIDs {
		page := d.Pages[pid]
		if page == nil || page.ParsedTextURI == "" {
			return pipelineerrors.PermanentInputErr("summarization", fmt.Sprintf("page %s has no parsed text", pid))
		}
		data, err := s.store.Get(ctx, blob.KeyFromURI(page.ParsedTextURI))
		if err != nil {
			return pipelineerrors.TransientIOErr("summarization", err)
		}
		pageTexts[pid] = string(data)
	}

	attrNames := make([]string, 0, len(section.Attributes))
	for name := range section.Attributes {
		attrNames = append(attrNames, name)
	}
	sort.Strings(attrNames)

	attributes := make([]AttributeRow, 0, len(attrNames))
	for _, name := range attrNames {
		attributes = append(attributes, AttributeRow{Name: name, Value: section.Attributes[name], PageIDs: pageIDs})
	}

	var narrative string
	var references []Reference
	err = resilience.Retry(ctx, s.retry, func() error {
		markdown, toc, callErr := summarizeCap.Summarize(ctx, pageTexts)
		if callErr != nil {
			return callErr
		}
		narrative = markdown
		references = make([]Reference, 0, len(toc))
		for _, entry := range toc {
			references = append(references, Reference{Title: entry.Title, PageIDs: []string{entry.SectionID}})
		}
		return nil
	})
	if err != nil {
		return pipelineerrors.TransientProviderErr("summarization", summarizeCap.ProviderName(), err)
	}

	summary := SectionSummary{
		SectionID:      section.SectionID,
		Classification: section.Classification,
		Attributes:     attributes,
		Narrative:      narrative,
		References:     references,
	}
	summary.Markdown = renderSectionMarkdown(summary)

	uri, err := s.store.PutJSON(ctx, sectionSummaryKey(d.ID, section.SectionID), summary)
	if err != nil {
		return pipelineerrors.TransientIOErr("summarization", err)
	}

	d.Meter("summarization", summarizeCap.ProviderName(), "sections", 1)
	s.log.WithDocument(d.ID).WithField("section_id", section.SectionID).WithField("summary_uri", uri).Debug("summarized section")
	return nil
}

func sectionSummaryKey(docID, sectionID string) string {
	return fmt.Sprintf("%s/summarization/sections/%s.json", docID, sectionID)
}

// Finalize reads back every section's summary, concatenates them under a
// generated table of contents, and writes the document-level artifact,
// setting d.SummaryURI. Satisfies orchestrator.PostSectionStage.
func (s *Stage) Finalize(ctx context.Context, d *document.Document) error {
	sections := append([]*document.Section(nil), d.Sections...)
	sort.Slice(sections, func(i, j int) bool { return sections[i].SectionID < sections[j].SectionID })

	toc := make([]TOCEntry, 0, len(sections))
	var body strings.Builder

	for _, section := range sections {
		var summary SectionSummary
		err := s.store.GetJSON(ctx, sectionSummaryKey(d.ID, section.SectionID), &summary)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				continue
			}
			return pipelineerrors.TransientIOErr("summarization", err)
		}

		title := fmt.Sprintf("Section %s (%s)", summary.SectionID, summary.Classification)
		toc = append(toc, TOCEntry{Title: title, SectionID: summary.SectionID})
		fmt.Fprintf(&body, "## %s\n\n%s\n\n", title, summary.Markdown)
	}

	if len(toc) == 0 {
		return nil
	}

	var tocBlock strings.Builder
	tocBlock.WriteString("# Table of Contents\n\n")
	for _, entry := range toc {
		fmt.Fprintf(&tocBlock, "- [%s](#%s)\n", entry.Title, entry.SectionID)
	}
	tocBlock.WriteString("\n")

	out := DocumentSummary{TOC: toc, Markdown: tocBlock.String() + body.String()}
	uri, err := s.store.PutJSON(ctx, fmt.Sprintf("documents/%s/summarization/document.json", d.ID), out)
	if err != nil {
		return pipelineerrors.TransientIOErr("summarization", err)
	}
	d.SummaryURI = uri
	d.Meter("summarization", "core", "sections_merged", int64(len(toc)))
	return nil
}

// renderSectionMarkdown assembles one section's markdown artifact: an
// attribute table with cited page ids, the provider's narrative, and a
// references list. Summaries never invent content, so every row's
// citation is carried straight from the data it came from rather than
// synthesized.
func renderSectionMarkdown(s SectionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Attributes\n\n| Attribute | Value | Pages |\n| --- | --- | --- |\n")
	for _, row := range s.Attributes {
		fmt.Fprintf(&b, "| %s | %v | %s |\n", row.Name, row.Value, strings.Join(row.PageIDs, ", "))
	}
	b.WriteString("\n### Narrative\n\n")
	b.WriteString(s.Narrative)
	b.WriteString("\n")
	if len(s.References) > 0 {
		b.WriteString("\n### References\n\n")
		for _, ref := range s.References {
			fmt.Fprintf(&b, "- %s (%s)\n", ref.Title, strings.Join(ref.PageIDs, ", "))
		}
	}
	return b.String()
}
