// Package extract implements the format extractor (§2 C2): a pure function
// from (path, bytes) to plain text plus format metadata, the input the
// chunker (C3) and the rest of the indexing pipeline operate on.
package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Result is the extractor's output: plain text plus the warnings a lossy
// conversion produced (§4.8 get-document-text "extraction-warnings").
type Result struct {
	Text     string
	MimeType string
	Outline  []OutlineEntry
	Warnings []string
}

// OutlineEntry is one entry of a document's structural outline (headings for
// markdown, top-level declarations for code — best-effort, used by explore()
// and list-documents() previews).
type OutlineEntry struct {
	Title string
	Level int
	Line  int
}

// textualMimePrefixes lists MIME prefixes this extractor treats as "already
// plain text" — pass the bytes through unchanged (§4.8's "no extraction-
// warnings" path).
var textualMimePrefixes = []string{"text/", "application/json", "application/xml"}

// Extract implements C2: it never mutates input, never touches the
// filesystem, and always returns a Result with a nil error: an unsupported
// format or bytes that are not valid UTF-8 produce a warning, never a failure.
func Extract(path string, data []byte) (*Result, error) {
	mimeType := MimeTypeForPath(path)
	res := &Result{MimeType: mimeType}

	switch {
	case isTextual(mimeType):
		text, warn := decodeText(data)
		res.Text = text
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
		if mimeType == "text/markdown" {
			res.Outline = markdownOutline(text)
		}
	case strings.HasPrefix(mimeType, "application/pdf"):
		res.Warnings = append(res.Warnings, "pdf: tables and images are not extracted, text layout is flattened")
		text, warn := decodeText(data)
		res.Text = text
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
	case strings.Contains(mimeType, "spreadsheet") || strings.HasSuffix(path, ".xlsx") || strings.HasSuffix(path, ".csv"):
		res.Warnings = append(res.Warnings, "spreadsheet: formulas are flattened to their last computed value")
		text, warn := decodeText(data)
		res.Text = text
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
	default:
		text, warn := decodeText(data)
		res.Text = text
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: extracted as plain text, format-specific structure is not preserved", mimeType))
		}
	}

	return res, nil
}

func isTextual(mimeType string) bool {
	for _, prefix := range textualMimePrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// decodeText validates the bytes are valid UTF-8 text. Invalid sequences are
// replaced and a warning recorded rather than failing the whole document
// (§4.4 step 2: extractor errors skip the file, they never abort the folder).
func decodeText(data []byte) (string, string) {
	if utf8.Valid(data) {
		return string(data), ""
	}
	return strings.ToValidUTF8(string(data), "�"), "non-UTF-8 bytes were replaced during extraction"
}

// markdownOutline extracts a best-effort heading outline from markdown text.
func markdownOutline(text string) []OutlineEntry {
	var outline []OutlineEntry
	for i, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		if level == 0 || level > 6 {
			continue
		}
		if level >= len(trimmed) || trimmed[level] != ' ' {
			continue
		}
		title := strings.TrimSpace(trimmed[level:])
		if title == "" {
			continue
		}
		outline = append(outline, OutlineEntry{Title: title, Level: level, Line: i + 1})
	}
	return outline
}
