package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/folder-mcp/daemon/internal/query"
	"github.com/folder-mcp/daemon/internal/store"
)

func TestFormatSearchContentResults_Basic(t *testing.T) {
	results := []SearchContentResult{
		{
			Path:  "internal/auth/handler.go",
			Score: 0.95,
			Chunk: ChunkOutput{StartLine: 42, EndLine: 78, Content: "func AuthMiddleware() {}"},
		},
	}

	markdown := FormatSearchContentResults(results)

	assert.Contains(t, markdown, "## Search Results")
	assert.Contains(t, markdown, "Found 1 result")
	assert.Contains(t, markdown, "internal/auth/handler.go:42-78")
	assert.Contains(t, markdown, "score: 0.95")
	assert.Contains(t, markdown, "func AuthMiddleware()")
}

func TestFormatSearchContentResults_Empty(t *testing.T) {
	markdown := FormatSearchContentResults(nil)
	assert.Contains(t, markdown, "No matching chunks found")
}

func TestFormatSearchContentResults_MultipleResults(t *testing.T) {
	results := []SearchContentResult{
		{Path: "file1.go", Score: 0.9, Chunk: ChunkOutput{StartLine: 10, EndLine: 20, Content: "a"}},
		{Path: "file2.go", Score: 0.8, Chunk: ChunkOutput{StartLine: 30, EndLine: 40, Content: "b"}},
	}

	markdown := FormatSearchContentResults(results)

	assert.Contains(t, markdown, "Found 2 results")
	assert.Contains(t, markdown, "file1.go:10-20")
	assert.Contains(t, markdown, "file2.go:30-40")
}

func TestFormatFindDocumentsResults_Basic(t *testing.T) {
	results := []query.ScoredDocument{
		{
			Path: "docs/install.md", Score: 0.88, ChunkCount: 3,
			Keywords: []store.KeyPhrase{{Text: "installation"}, {Text: "setup"}},
		},
	}

	markdown := FormatFindDocumentsResults("installation", results)

	assert.Contains(t, markdown, "Documents matching")
	assert.Contains(t, markdown, "docs/install.md")
	assert.Contains(t, markdown, "installation, setup")
}

func TestFormatFindDocumentsResults_Empty(t *testing.T) {
	markdown := FormatFindDocumentsResults("nonexistent", nil)
	assert.Contains(t, markdown, "No documents found")
	assert.Contains(t, markdown, "nonexistent")
}

func TestFormatDocumentText_IncludesWarningsAndTruncation(t *testing.T) {
	text := query.DocumentText{
		Text:               "partial content",
		Truncated:          true,
		NextOffset:         100,
		ExtractionWarnings: []string{"PDF layout may lose table structure"},
	}

	markdown := FormatDocumentText("report.pdf", text)

	assert.Contains(t, markdown, "## report.pdf")
	assert.Contains(t, markdown, "PDF layout may lose table structure")
	assert.Contains(t, markdown, "partial content")
	assert.Contains(t, markdown, "truncated, continue from offset 100")
}

func TestFormatDocumentText_NoTruncation(t *testing.T) {
	text := query.DocumentText{Text: "full content", Truncated: false}

	markdown := FormatDocumentText("doc.txt", text)

	assert.Contains(t, markdown, "full content")
	assert.NotContains(t, markdown, "truncated")
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name       string
		limit      int
		defaultVal int
		min        int
		max        int
		want       int
	}{
		{"zero uses default", 0, 10, 1, 50, 10},
		{"negative uses default", -5, 10, 1, 50, 10},
		{"above max clamps to max", 100, 10, 1, 50, 50},
		{"valid value unchanged", 25, 10, 1, 50, 25},
		{"at min boundary", 1, 10, 1, 50, 1},
		{"at max boundary", 50, 10, 1, 50, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampLimit(tt.limit, tt.defaultVal, tt.min, tt.max)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStoreChunkToOutput_NilChunk(t *testing.T) {
	out := storeChunkToOutput(nil)
	assert.Empty(t, out.ID)
}

func TestStoreChunkToOutput_MapsFields(t *testing.T) {
	c := &store.Chunk{ID: "c1", ChunkIndex: 2, Content: "hello", StartLine: 1, EndLine: 3, HasCode: true}
	out := storeChunkToOutput(c)
	assert.Equal(t, "c1", out.ID)
	assert.Equal(t, 2, out.Index)
	assert.Equal(t, "hello", out.Content)
	assert.True(t, out.HasCode)
}
