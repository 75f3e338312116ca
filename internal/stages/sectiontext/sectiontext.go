// Package sectiontext concatenates a set of pages' parsed OCR text into
// one page-delimited string, shared by the extraction and assessment
// stages. Rule-validation and summarization read page text themselves.
package sectiontext

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docflow/idp-core/internal/document"
	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/pkg/blob"
)

// Build concatenates pageIDs' parsed text, in ascending page-id order,
// each delimited by a "--- page <id> ---" marker so a downstream
// citation check can recover which page a fact came from.
func Build(ctx context.Context, store blob.Store, d *document.Document, pageIDs []string, stage string) (string, error) {
	ids := append([]string(nil), pageIDs...)
	sort.Strings(ids)

	var b strings.Builder
	for i, pid := range ids {
		page := d.Pages[pid]
		if page == nil || page.ParsedTextURI == "" {
			return "", pipelineerrors.PermanentInputErr(stage, fmt.Sprintf("page %s has no parsed text", pid))
		}
		data, err := store.Get(ctx, blob.KeyFromURI(page.ParsedTextURI))
		if err != nil {
			return "", pipelineerrors.TransientIOErr(stage, err)
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- page %s ---\n%s", pid, string(data))
	}
	return b.String(), nil
}
