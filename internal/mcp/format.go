package mcp

import (
	"fmt"
	"strings"

	"github.com/folder-mcp/daemon/internal/query"
)

// FormatSearchContentResults formats hybrid semantic+exact chunk matches as
// markdown, one fenced code block per chunk.
func FormatSearchContentResults(results []SearchContentResult) string {
	if len(results) == 0 {
		return "No matching chunks found."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Search Results\n\nFound %d result", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		fmt.Fprintf(&sb, "### %d. %s:%d-%d (score: %.2f)\n\n",
			i+1, r.Path, r.Chunk.StartLine, r.Chunk.EndLine, r.Score)
		fmt.Fprintf(&sb, "```\n%s\n```\n\n", r.Chunk.Content)
	}

	return sb.String()
}

// FormatFindDocumentsResults formats whole-document similarity matches.
func FormatFindDocumentsResults(queryText string, results []query.ScoredDocument) string {
	if len(results) == 0 {
		return fmt.Sprintf("No documents found for %q", queryText)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Documents matching %q\n\nFound %d document", queryText, len(results))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, d := range results {
		fmt.Fprintf(&sb, "%d. **%s** (score: %.2f, %d chunks)\n", i+1, d.Path, d.Score, d.ChunkCount)
		if len(d.Keywords) > 0 {
			terms := make([]string, 0, len(d.Keywords))
			for _, k := range d.Keywords {
				terms = append(terms, k.Text)
			}
			fmt.Fprintf(&sb, "   keywords: %s\n", strings.Join(terms, ", "))
		}
	}

	return sb.String()
}

// FormatDocumentText renders a reconstructed document's text, noting
// truncation and any extraction warnings carried over from C2.
func FormatDocumentText(path string, text query.DocumentText) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", path)
	if len(text.ExtractionWarnings) > 0 {
		fmt.Fprintf(&sb, "> %s\n\n", strings.Join(text.ExtractionWarnings, "; "))
	}
	sb.WriteString(text.Text)
	if text.Truncated {
		fmt.Fprintf(&sb, "\n\n...(truncated, continue from offset %d)", text.NextOffset)
	}
	return sb.String()
}

// clampLimit ensures limit is within bounds.
func clampLimit(limit, defaultVal, min, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}
