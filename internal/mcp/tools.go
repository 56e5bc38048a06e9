package mcp

import "github.com/folder-mcp/daemon/internal/query"

// ProjectInfo contains information about the indexed project, detected from
// common project manifest files (go.mod, package.json, pyproject.toml).
type ProjectInfo struct {
	Name     string `json:"name"`
	RootPath string `json:"root_path"`
	Type     string `json:"type"`
}

// ListFoldersInput takes no parameters; each MCP server instance is bound to
// one folder, but list_folders still reports that folder's full FMDM entry.
type ListFoldersInput struct{}

// ListFoldersOutput wraps the bound folder's summary and its detected
// project metadata.
type ListFoldersOutput struct {
	Project ProjectInfo           `json:"project"`
	Folders []query.FolderSummary `json:"folders"`
}

// ExploreInput lists a subdirectory's immediate children.
type ExploreInput struct {
	Path              string `json:"path,omitempty" jsonschema:"subdirectory relative to the folder root, empty for the root"`
	ContinuationToken string `json:"continuation_token,omitempty"`
	Limit             int    `json:"limit,omitempty"`
}

// ExploreOutput mirrors query.ExploreResult.
type ExploreOutput = query.ExploreResult

// ListDocumentsInput lists indexed documents under a subdirectory.
type ListDocumentsInput struct {
	Path              string `json:"path,omitempty"`
	Recursive         bool   `json:"recursive,omitempty"`
	ContinuationToken string `json:"continuation_token,omitempty"`
	Limit             int    `json:"limit,omitempty"`
}

// ListDocumentsOutput paginates query.DocumentSummary.
type ListDocumentsOutput struct {
	Documents []query.DocumentSummary `json:"documents"`
	NextToken string                  `json:"next_token,omitempty"`
}

// GetDocumentMetadataInput retrieves chunk-level metadata for one document.
type GetDocumentMetadataInput struct {
	Path              string `json:"path" jsonschema:"document path relative to the folder root"`
	ContinuationToken string `json:"continuation_token,omitempty"`
	Limit             int    `json:"limit,omitempty"`
}

// GetDocumentMetadataOutput paginates query.ChunkSummary.
type GetDocumentMetadataOutput struct {
	Chunks    []query.ChunkSummary `json:"chunks"`
	NextToken string               `json:"next_token,omitempty"`
}

// GetChunksInput retrieves full chunk content by ID.
type GetChunksInput struct {
	Path     string   `json:"path"`
	ChunkIDs []string `json:"chunk_ids"`
}

// GetChunksOutput returns the requested chunks in full.
type GetChunksOutput struct {
	Chunks []ChunkOutput `json:"chunks"`
}

// ChunkOutput is the MCP-facing projection of store.Chunk; it omits the
// embedding vector and database bookkeeping fields.
type ChunkOutput struct {
	ID        string `json:"id"`
	Index     int    `json:"index"`
	Content   string `json:"content"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	HasCode   bool   `json:"has_code"`
}

// GetDocumentTextInput reconstructs a document's full text with pagination.
type GetDocumentTextInput struct {
	Path              string `json:"path"`
	MaxChars          int    `json:"max_chars,omitempty"`
	Offset            int    `json:"offset,omitempty"`
	ContinuationToken string `json:"continuation_token,omitempty"`
}

// GetDocumentTextOutput mirrors query.DocumentText.
type GetDocumentTextOutput = query.DocumentText

// SearchContentInput drives the hybrid semantic+exact chunk search.
type SearchContentInput struct {
	SemanticConcepts []string `json:"semantic_concepts,omitempty"`
	ExactTerms       []string `json:"exact_terms,omitempty"`
	MinScore         float64  `json:"min_score,omitempty"`
	Limit            int      `json:"limit,omitempty"`
}

// SearchContentOutput returns chunks ranked by combined semantic/exact score.
type SearchContentOutput struct {
	Results []SearchContentResult `json:"results"`
}

// SearchContentResult is the MCP-facing projection of query.ScoredChunk.
type SearchContentResult struct {
	Chunk ChunkOutput `json:"chunk"`
	Path  string      `json:"path"`
	Score float64     `json:"score"`
}

// FindDocumentsInput finds whole documents by semantic similarity to a query.
type FindDocumentsInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// FindDocumentsOutput returns documents ranked by similarity to the query.
type FindDocumentsOutput struct {
	Results []query.ScoredDocument `json:"results"`
}
