// Package mcp implements the Model Context Protocol (MCP) bridge for the
// daemon: a thin stdio transport over internal/query's C11 operations,
// bound to one folder per server instance (the terminal UI and other MCP
// clients dial in per-folder, the same way they would hit
// /api/v1/folders/{folderPath}/... over HTTP).
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/folder-mcp/daemon/internal/query"
	"github.com/folder-mcp/daemon/internal/store"
)

// ToolInfo describes a registered tool (used by diagnostics/tests, not the
// wire protocol itself).
type ToolInfo struct {
	Name        string
	Description string
}

// ResourceInfo describes a registered resource.
type ResourceInfo struct {
	URI      string
	Name     string
	MIMEType string
}

// ResourceContent is the content of a resource read.
type ResourceContent struct {
	URI      string
	Content  string
	MIMEType string
}

// Server bridges one indexed folder's query.Service onto the Model Context
// Protocol. folderPath identifies which folder's documents this instance
// exposes; query is shared across every folder the daemon tracks, but a
// given Server only ever asks it about folderPath.
type Server struct {
	mcp   *mcp.Server
	query *query.Service

	metadata   store.MetadataStore
	folderPath string
	projectID  string
	rootPath   string
	project    ProjectInfo

	logger *slog.Logger

	mu sync.RWMutex
}

// NewServer builds an MCP server bound to one folder. metadata and
// projectID back resource listing (RegisterResources); query drives every
// tool call.
func NewServer(q *query.Service, metadata store.MetadataStore, folderPath, projectID string, logger *slog.Logger) (*Server, error) {
	if q == nil {
		return nil, fmt.Errorf("mcp: query service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	impl := &mcp.Implementation{Name: "folder-mcp", Version: "1.0.0"}
	s := &Server{
		mcp:        mcp.NewServer(impl, nil),
		query:      q,
		metadata:   metadata,
		folderPath: folderPath,
		projectID:  projectID,
		rootPath:   folderPath,
		project:    *NewProjectDetector(folderPath, logger).Detect(),
		logger:     logger,
	}

	s.registerTools()
	return s, nil
}

// registerTools wires every C11 query operation as an MCP tool.
func (s *Server) registerTools() {
	s.logger.Debug("registering MCP tools")

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_folders",
		Description: "Report this folder's indexing state, document/chunk counts, and top keywords.",
	}, s.toolListFolders)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "explore",
		Description: "List the subdirectories and files directly under a path in the indexed folder.",
	}, s.toolExplore)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_documents",
		Description: "List indexed documents under a path, with keywords and readability.",
	}, s.toolListDocuments)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_document_metadata",
		Description: "Get chunk-level metadata (key phrases, previews, byte ranges) for one document.",
	}, s.toolGetDocumentMetadata)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_chunks",
		Description: "Retrieve the full content of specific chunks by ID.",
	}, s.toolGetChunks)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_document_text",
		Description: "Reconstruct a document's full text, paginated by character offset.",
	}, s.toolGetDocumentText)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_content",
		Description: "Hybrid semantic and exact-term search over chunks. Use semantic_concepts for meaning, exact_terms to boost literal matches.",
	}, s.toolSearchContent)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "find_documents",
		Description: "Find whole documents most similar in meaning to a query.",
	}, s.toolFindDocuments)

	s.logger.Info("MCP tools registered", slog.Int("count", 8))
}

func (s *Server) toolListFolders(ctx context.Context, _ *mcp.CallToolRequest, _ ListFoldersInput) (*mcp.CallToolResult, ListFoldersOutput, error) {
	folders, err := s.query.ListFolders(ctx)
	if err != nil {
		return nil, ListFoldersOutput{}, MapError(err)
	}
	return nil, ListFoldersOutput{Project: s.project, Folders: folders}, nil
}

func (s *Server) toolExplore(ctx context.Context, _ *mcp.CallToolRequest, input ExploreInput) (*mcp.CallToolResult, ExploreOutput, error) {
	limit := clampLimit(input.Limit, 50, 1, 200)
	result, err := s.query.Explore(ctx, s.folderPath, input.Path, input.ContinuationToken, limit)
	if err != nil {
		return nil, ExploreOutput{}, MapError(err)
	}
	return nil, result, nil
}

func (s *Server) toolListDocuments(ctx context.Context, _ *mcp.CallToolRequest, input ListDocumentsInput) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	limit := clampLimit(input.Limit, 50, 1, 200)
	docs, next, err := s.query.ListDocuments(ctx, s.folderPath, input.Path, input.Recursive, input.ContinuationToken, limit)
	if err != nil {
		return nil, ListDocumentsOutput{}, MapError(err)
	}
	return nil, ListDocumentsOutput{Documents: docs, NextToken: next}, nil
}

func (s *Server) toolGetDocumentMetadata(ctx context.Context, _ *mcp.CallToolRequest, input GetDocumentMetadataInput) (*mcp.CallToolResult, GetDocumentMetadataOutput, error) {
	if input.Path == "" {
		return nil, GetDocumentMetadataOutput{}, NewInvalidParamsError("path is required")
	}
	limit := clampLimit(input.Limit, 50, 1, 200)
	chunks, next, err := s.query.GetDocumentMetadata(ctx, s.folderPath, input.Path, input.ContinuationToken, limit)
	if err != nil {
		return nil, GetDocumentMetadataOutput{}, MapError(err)
	}
	return nil, GetDocumentMetadataOutput{Chunks: chunks, NextToken: next}, nil
}

func (s *Server) toolGetChunks(ctx context.Context, _ *mcp.CallToolRequest, input GetChunksInput) (*mcp.CallToolResult, GetChunksOutput, error) {
	if input.Path == "" || len(input.ChunkIDs) == 0 {
		return nil, GetChunksOutput{}, NewInvalidParamsError("path and chunk_ids are required")
	}
	chunks, err := s.query.GetChunks(ctx, s.folderPath, input.Path, input.ChunkIDs)
	if err != nil {
		return nil, GetChunksOutput{}, MapError(err)
	}
	out := make([]ChunkOutput, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, storeChunkToOutput(c))
	}
	return nil, GetChunksOutput{Chunks: out}, nil
}

func (s *Server) toolGetDocumentText(ctx context.Context, _ *mcp.CallToolRequest, input GetDocumentTextInput) (*mcp.CallToolResult, GetDocumentTextOutput, error) {
	if input.Path == "" {
		return nil, GetDocumentTextOutput{}, NewInvalidParamsError("path is required")
	}
	text, err := s.query.GetDocumentText(ctx, s.folderPath, input.Path, input.MaxChars, input.Offset, input.ContinuationToken)
	if err != nil {
		return nil, GetDocumentTextOutput{}, MapError(err)
	}
	return nil, text, nil
}

func (s *Server) toolSearchContent(ctx context.Context, _ *mcp.CallToolRequest, input SearchContentInput) (*mcp.CallToolResult, SearchContentOutput, error) {
	limit := clampLimit(input.Limit, 10, 1, 50)
	results, err := s.query.SearchContent(ctx, s.folderPath, query.SearchRequest{
		SemanticConcepts: input.SemanticConcepts,
		ExactTerms:       input.ExactTerms,
		MinScore:         input.MinScore,
		Limit:            limit,
	})
	if err != nil {
		return nil, SearchContentOutput{}, MapError(err)
	}

	out := make([]SearchContentResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchContentResult{
			Chunk: storeChunkToOutput(r.Chunk),
			Path:  r.Chunk.FilePath,
			Score: r.Score,
		})
	}
	return nil, SearchContentOutput{Results: out}, nil
}

func (s *Server) toolFindDocuments(ctx context.Context, _ *mcp.CallToolRequest, input FindDocumentsInput) (*mcp.CallToolResult, FindDocumentsOutput, error) {
	if input.Query == "" {
		return nil, FindDocumentsOutput{}, NewInvalidParamsError("query is required")
	}
	limit := clampLimit(input.Limit, 10, 1, 50)
	docs, err := s.query.FindDocuments(ctx, s.folderPath, input.Query, limit)
	if err != nil {
		return nil, FindDocumentsOutput{}, MapError(err)
	}
	return nil, FindDocumentsOutput{Results: docs}, nil
}

func storeChunkToOutput(c *store.Chunk) ChunkOutput {
	if c == nil {
		return ChunkOutput{}
	}
	return ChunkOutput{
		ID:        c.ID,
		Index:     c.ChunkIndex,
		Content:   c.Content,
		StartLine: c.StartLine,
		EndLine:   c.EndLine,
		HasCode:   c.HasCode,
	}
}

// Serve starts the server over stdio, blocking until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting MCP server", slog.String("folder", s.folderPath))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("MCP server stopped gracefully")
	return nil
}

// Close releases server resources; the MCP server itself stops when its
// context is cancelled.
func (s *Server) Close() error {
	return nil
}
