package rulevalidation

// Chunk is one page-aware slice of a section's text: exactly one page's
// own text, with a configurable trailing fraction of the previous
// chunk's text prepended so a fact that straddles a page boundary still
// appears whole in at least one chunk. Never splits a page, per spec.
type Chunk struct {
	PageIDs []string
	Text    string
}

// buildChunks splits a section's ordered pages into one Chunk per page,
// grounded on Tangerg-lynx's splitFunc(string)[]string Splitter shape,
// adapted here to split on page boundaries (pageTexts, in pageIDs order)
// rather than paragraph/sentence boundaries, and to carry a configurable
// overlap fraction forward instead of a fixed overlap size.
func buildChunks(pageIDs []string, pageTexts map[string]string, overlapFraction float64) []Chunk {
	chunks := make([]Chunk, 0, len(pageIDs))
	var prevText string
	for _, pid := range pageIDs {
		text := pageTexts[pid]
		overlap := overlapTail(prevText, overlapFraction)
		chunkText := text
		if overlap != "" {
			chunkText = overlap + "\n\n" + text
		}
		chunks = append(chunks, Chunk{PageIDs: []string{pid}, Text: chunkText})
		prevText = text
	}
	return chunks
}

// overlapTail returns the trailing fraction of text, or "" if text is
// empty or fraction is non-positive.
func overlapTail(text string, fraction float64) string {
	if text == "" || fraction <= 0 {
		return ""
	}
	n := int(float64(len(text)) * fraction)
	if n <= 0 {
		return ""
	}
	if n >= len(text) {
		return text
	}
	return text[len(text)-n:]
}
