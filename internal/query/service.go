// Package query implements C11, the read-only surface served over HTTP and
// the MCP bridge: list-folders, explore, list-documents,
// get-document-metadata, get-chunks, get-document-text, search-content and
// find-documents (spec §4.8).
package query

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/folder-mcp/daemon/internal/chunk"
	"github.com/folder-mcp/daemon/internal/download"
	"github.com/folder-mcp/daemon/internal/embed"
	"github.com/folder-mcp/daemon/internal/fleet"
	"github.com/folder-mcp/daemon/internal/lifecycle"
	"github.com/folder-mcp/daemon/internal/scheduler"
	"github.com/folder-mcp/daemon/internal/store"
)

// TopKeywordsFolder and related list sizes are fixed by §4.8's operation
// descriptions.
const (
	folderKeywordCount   = 15
	documentKeywordCount = 5
	recentFileCount      = 5
	chunkPreviewChars    = 100
	maxDocumentTextChars = 50000
	defaultPageLimit     = 50
	maxSearchLimit       = 50
	searchExactBoost     = 1.5
	queryEmbedCacheSize  = 256
)

// FolderContext is everything the query service needs about one registered
// folder: its store, its embedding model, and the scheduler that serializes
// calls into that model (§4.3).
type FolderContext struct {
	Path      string
	ID        string
	RootPath  string
	Metadata  store.MetadataStore
	Registry  *embed.Registry
	Scheduler *scheduler.Scheduler
	ModelID   string
}

// Service answers every C11 operation across every registered folder.
type Service struct {
	fleet  *fleet.Aggregator
	issuer *download.Issuer

	mu      sync.RWMutex
	folders map[string]*FolderContext

	embedCache *lru.Cache[string, []float32]
}

// NewService constructs the query service. fleetAgg supplies runtime state
// for list-folders; issuer signs the download URLs every listing operation
// returns.
func NewService(fleetAgg *fleet.Aggregator, issuer *download.Issuer) *Service {
	cache, _ := lru.New[string, []float32](queryEmbedCacheSize)
	return &Service{
		fleet:      fleetAgg,
		issuer:     issuer,
		folders:    make(map[string]*FolderContext),
		embedCache: cache,
	}
}

// RegisterFolder makes a folder's store queryable.
func (s *Service) RegisterFolder(fc *FolderContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[fc.Path] = fc
}

// UnregisterFolder removes a folder, e.g. after lifecycle.Manager.Remove.
func (s *Service) UnregisterFolder(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders, path)
}

func (s *Service) folder(folderPath string) (*FolderContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fc, ok := s.folders[folderPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, folderPath)
	}
	return fc, nil
}

// ErrFolderNotFound is returned by every operation given an unregistered
// folder path (§6/§7: "Folder-not-found → 404").
var ErrFolderNotFound = fmt.Errorf("query: folder not registered")

// downloadURL signs a short-lived URL for one file, or "" if no issuer is
// configured (e.g. in unit tests exercising listing logic in isolation).
func (s *Service) downloadURL(folderPath, relativePath string) string {
	if s.issuer == nil {
		return ""
	}
	url, err := s.issuer.URL(folderPath, relativePath, download.DefaultTTL)
	if err != nil {
		return ""
	}
	return url
}

// --- 1. list-folders -------------------------------------------------------

// FolderSummary is one row of the list-folders response (§4.8 item 1).
type FolderSummary struct {
	Path          string               `json:"path"`
	State         lifecycle.State      `json:"state"`
	DocumentCount int                  `json:"documentCount"`
	ChunkCount    int                  `json:"chunkCount"`
	Keywords      []store.KeyPhrase    `json:"keywords"`
	Complexity    string               `json:"complexity"`
	RecentFiles   []RecentFile         `json:"recentFiles"`
}

// RecentFile is one entry of a folder's "recently modified" list.
type RecentFile struct {
	Path        string    `json:"path"`
	ModTime     time.Time `json:"modTime"`
	DownloadURL string    `json:"downloadUrl"`
}

// ListFolders returns every registered folder's runtime state plus a
// semantic preview (§4.8 item 1).
func (s *Service) ListFolders(ctx context.Context) ([]FolderSummary, error) {
	snap := s.fleet.Snapshot()
	runtimeByPath := make(map[string]lifecycle.RuntimeState, len(snap.Folders))
	for _, rs := range snap.Folders {
		runtimeByPath[rs.Path] = rs
	}

	s.mu.RLock()
	contexts := make([]*FolderContext, 0, len(s.folders))
	for _, fc := range s.folders {
		contexts = append(contexts, fc)
	}
	s.mu.RUnlock()

	sort.Slice(contexts, func(i, j int) bool { return contexts[i].Path < contexts[j].Path })

	out := make([]FolderSummary, 0, len(contexts))
	for _, fc := range contexts {
		summary := FolderSummary{Path: fc.Path, State: runtimeByPath[fc.Path].State}

		paths, err := fc.Metadata.GetFilePathsByProject(ctx, fc.ID)
		if err != nil {
			return nil, fmt.Errorf("query: list folders: %w", err)
		}
		summary.DocumentCount = len(paths)

		var keywords []store.KeyPhrase
		var readabilitySum float64
		var recents []RecentFile
		for _, p := range paths {
			f, err := fc.Metadata.GetFileByPath(ctx, fc.ID, p)
			if err != nil {
				continue
			}
			keywords = append(keywords, f.Keywords...)
			recents = append(recents, RecentFile{Path: p, ModTime: f.ModTime, DownloadURL: s.downloadURL(fc.Path, p)})
		}
		sort.Slice(recents, func(i, j int) bool { return recents[i].ModTime.After(recents[j].ModTime) })
		if len(recents) > recentFileCount {
			recents = recents[:recentFileCount]
		}
		summary.RecentFiles = recents
		summary.Keywords = DiverseKeyPhrases(keywords, folderKeywordCount)

		if len(paths) > 0 {
			chunks, err := s.allChunkReadability(ctx, fc, paths)
			if err == nil && len(chunks) > 0 {
				readabilitySum = average(chunks)
			}
		}
		summary.Complexity = Complexity(readabilitySum)
		out = append(out, summary)
	}
	return out, nil
}

func (s *Service) allChunkReadability(ctx context.Context, fc *FolderContext, paths []string) ([]float64, error) {
	var scores []float64
	for _, p := range paths {
		f, err := fc.Metadata.GetFileByPath(ctx, fc.ID, p)
		if err != nil {
			continue
		}
		chunks, err := fc.Metadata.GetChunksByFile(ctx, f.ID)
		if err != nil {
			continue
		}
		for _, c := range chunks {
			scores = append(scores, c.Readability)
		}
	}
	return scores, nil
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// --- 2. explore -------------------------------------------------------------

// ExploreEntry describes one subdirectory under the explored path.
type ExploreEntry struct {
	Name                 string            `json:"name"`
	RecursiveDocumentCount int             `json:"recursiveDocumentCount"`
	TopKeyPhrases        []store.KeyPhrase `json:"topKeyPhrases"`
}

// ExploreFile is one file directly inside the explored path.
type ExploreFile struct {
	Name        string `json:"name"`
	DownloadURL string `json:"downloadUrl"`
}

// ExploreResult is the directory-level view §4.8 item 2 describes.
type ExploreResult struct {
	Subdirectories []ExploreEntry `json:"subdirectories"`
	Files          []ExploreFile  `json:"files"`
	DocumentCount  int            `json:"documentCount"`
	NextToken      string         `json:"nextToken,omitempty"`
}

// Explore lists the immediate subdirectories and files under subPath
// (paginated over files), with recursive document counts per subdirectory.
func (s *Service) Explore(ctx context.Context, folderPath, subPath, continuationToken string, limit int) (ExploreResult, error) {
	fc, err := s.folder(folderPath)
	if err != nil {
		return ExploreResult{}, err
	}
	offset, err := decodeToken(continuationToken)
	if err != nil {
		return ExploreResult{}, err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}

	prefix := normalizeDirPrefix(subPath)
	allPaths, err := fc.Metadata.ListFilePathsUnder(ctx, fc.ID, prefix)
	if err != nil {
		return ExploreResult{}, fmt.Errorf("query: explore: %w", err)
	}

	subdirCounts := make(map[string]int)
	subdirKeywords := make(map[string][]store.KeyPhrase)
	var directFiles []string
	for _, p := range allPaths {
		rest := strings.TrimPrefix(p, prefix)
		if rest == p && prefix != "" {
			continue
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name := rest[:idx]
			subdirCounts[name]++
			if f, err := fc.Metadata.GetFileByPath(ctx, fc.ID, p); err == nil {
				subdirKeywords[name] = append(subdirKeywords[name], f.Keywords...)
			}
			continue
		}
		directFiles = append(directFiles, p)
	}

	var subdirs []ExploreEntry
	for name, count := range subdirCounts {
		subdirs = append(subdirs, ExploreEntry{
			Name:                   name,
			RecursiveDocumentCount: count,
			TopKeyPhrases:          DiverseKeyPhrases(subdirKeywords[name], documentKeywordCount),
		})
	}
	sort.Slice(subdirs, func(i, j int) bool { return subdirs[i].Name < subdirs[j].Name })

	sort.Strings(directFiles)
	end := offset + limit
	var nextToken string
	if end < len(directFiles) {
		nextToken = encodeToken(end)
	} else {
		end = len(directFiles)
	}
	if offset > len(directFiles) {
		offset = len(directFiles)
	}
	page := directFiles[offset:end]

	files := make([]ExploreFile, 0, len(page))
	for _, p := range page {
		files = append(files, ExploreFile{Name: path.Base(p), DownloadURL: s.downloadURL(folderPath, p)})
	}

	return ExploreResult{
		Subdirectories: subdirs,
		Files:          files,
		DocumentCount:  len(allPaths),
		NextToken:      nextToken,
	}, nil
}

func normalizeDirPrefix(subPath string) string {
	p := strings.Trim(subPath, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// --- 3. list-documents -------------------------------------------------------

// DocumentSummary is one row of list-documents (§4.8 item 3).
type DocumentSummary struct {
	Path        string            `json:"path"`
	Size        int64             `json:"size"`
	ModTime     time.Time         `json:"modTime"`
	KeyPhrases  []store.KeyPhrase `json:"keyPhrases"`
	Readability float64           `json:"readability"`
	DownloadURL string            `json:"downloadUrl"`
}

// ListDocuments lists every document under subPath (optionally recursive),
// paginated.
func (s *Service) ListDocuments(ctx context.Context, folderPath, subPath string, recursive bool, continuationToken string, limit int) ([]DocumentSummary, string, error) {
	fc, err := s.folder(folderPath)
	if err != nil {
		return nil, "", err
	}
	offset, err := decodeToken(continuationToken)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}

	prefix := normalizeDirPrefix(subPath)
	paths, err := fc.Metadata.ListFilePathsUnder(ctx, fc.ID, prefix)
	if err != nil {
		return nil, "", fmt.Errorf("query: list documents: %w", err)
	}

	var filtered []string
	for _, p := range paths {
		rest := strings.TrimPrefix(p, prefix)
		if !recursive && strings.Contains(rest, "/") {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.Strings(filtered)

	end := offset + limit
	var nextToken string
	if end < len(filtered) {
		nextToken = encodeToken(end)
	} else {
		end = len(filtered)
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}

	out := make([]DocumentSummary, 0, end-offset)
	for _, p := range filtered[offset:end] {
		f, err := fc.Metadata.GetFileByPath(ctx, fc.ID, p)
		if err != nil {
			continue
		}
		chunks, err := fc.Metadata.GetChunksByFile(ctx, f.ID)
		readability := 0.0
		if err == nil && len(chunks) > 0 {
			var sum float64
			for _, c := range chunks {
				sum += c.Readability
			}
			readability = sum / float64(len(chunks))
		}
		out = append(out, DocumentSummary{
			Path:        p,
			Size:        f.Size,
			ModTime:     f.ModTime,
			KeyPhrases:  DiverseKeyPhrases(f.Keywords, documentKeywordCount),
			Readability: readability,
			DownloadURL: s.downloadURL(folderPath, p),
		})
	}
	return out, nextToken, nil
}

// --- 4. get-document-metadata ------------------------------------------------

// ChunkSummary is one row of get-document-metadata (§4.8 item 4).
type ChunkSummary struct {
	ID          string            `json:"id"`
	Index       int               `json:"index"`
	KeyPhrases  []store.KeyPhrase `json:"keyPhrases"`
	HasCode     bool              `json:"hasCode"`
	Readability float64           `json:"readability"`
	StartByte   int               `json:"startByte"`
	EndByte     int               `json:"endByte"`
	Preview     string            `json:"preview"`
}

// GetDocumentMetadata returns chunk-level summaries for one document,
// paginated over chunks.
func (s *Service) GetDocumentMetadata(ctx context.Context, folderPath, filePath, continuationToken string, limit int) ([]ChunkSummary, string, error) {
	fc, err := s.folder(folderPath)
	if err != nil {
		return nil, "", err
	}
	f, err := fc.Metadata.GetFileByPath(ctx, fc.ID, filePath)
	if err != nil {
		return nil, "", fmt.Errorf("query: document not found: %s", filePath)
	}
	chunks, err := fc.Metadata.GetChunksByFile(ctx, f.ID)
	if err != nil {
		return nil, "", fmt.Errorf("query: get document metadata: %w", err)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })

	offset, err := decodeToken(continuationToken)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	end := offset + limit
	var nextToken string
	if end < len(chunks) {
		nextToken = encodeToken(end)
	} else {
		end = len(chunks)
	}
	if offset > len(chunks) {
		offset = len(chunks)
	}

	out := make([]ChunkSummary, 0, end-offset)
	for _, c := range chunks[offset:end] {
		out = append(out, ChunkSummary{
			ID:          c.ID,
			Index:       c.ChunkIndex,
			KeyPhrases:  topKeyPhrases(c.KeyPhrases, documentKeywordCount),
			HasCode:     c.HasCode,
			Readability: c.Readability,
			StartByte:   c.StartByte,
			EndByte:     c.EndByte,
			Preview:     preview(c.Content, chunkPreviewChars),
		})
	}
	return out, nextToken, nil
}

func topKeyPhrases(kps []store.KeyPhrase, n int) []store.KeyPhrase {
	sorted := append([]store.KeyPhrase(nil), kps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func preview(content string, n int) string {
	r := []rune(content)
	if len(r) <= n {
		return content
	}
	return string(r[:n])
}

// --- 5. get-chunks -----------------------------------------------------------

// GetChunks fetches full chunk contents for the requested chunk ids,
// validated against the document they are claimed to belong to.
func (s *Service) GetChunks(ctx context.Context, folderPath, filePath string, chunkIDs []string) ([]*store.Chunk, error) {
	fc, err := s.folder(folderPath)
	if err != nil {
		return nil, err
	}
	f, err := fc.Metadata.GetFileByPath(ctx, fc.ID, filePath)
	if err != nil {
		return nil, fmt.Errorf("query: document not found: %s", filePath)
	}

	chunks, err := fc.Metadata.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("query: get chunks: %w", err)
	}
	out := make([]*store.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.FileID != f.ID {
			return nil, fmt.Errorf("query: chunk %s does not belong to document %s", c.ID, filePath)
		}
		out = append(out, c)
	}
	return out, nil
}

// --- 6. get-document-text ----------------------------------------------------

// DocumentText is the result of get-document-text.
type DocumentText struct {
	Text                string   `json:"text"`
	NextOffset          int      `json:"nextOffset,omitempty"`
	Truncated           bool     `json:"truncated"`
	ExtractionWarnings  []string `json:"extractionWarnings,omitempty"`
}

// GetDocumentText returns maxChars of the overlap-reconstructed text
// starting at offset (or the offset decoded from a continuation token),
// capped at maxDocumentTextChars per call (§4.8 item 6).
func (s *Service) GetDocumentText(ctx context.Context, folderPath, filePath string, maxChars, offset int, continuationToken string) (DocumentText, error) {
	fc, err := s.folder(folderPath)
	if err != nil {
		return DocumentText{}, err
	}
	if continuationToken != "" {
		decoded, err := decodeToken(continuationToken)
		if err != nil {
			return DocumentText{}, err
		}
		offset = decoded
	}
	if maxChars <= 0 || maxChars > maxDocumentTextChars {
		maxChars = maxDocumentTextChars
	}

	f, err := fc.Metadata.GetFileByPath(ctx, fc.ID, filePath)
	if err != nil {
		return DocumentText{}, fmt.Errorf("query: document not found: %s", filePath)
	}
	chunks, err := fc.Metadata.GetChunksByFile(ctx, f.ID)
	if err != nil {
		return DocumentText{}, fmt.Errorf("query: get document text: %w", err)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })

	full := chunk.Reconstruct(chunks)
	runes := []rune(full)
	if offset < 0 {
		offset = 0
	}
	if offset > len(runes) {
		offset = len(runes)
	}
	end := offset + maxChars
	truncated := end < len(runes)
	if end > len(runes) {
		end = len(runes)
	}

	result := DocumentText{
		Text:               string(runes[offset:end]),
		Truncated:          truncated,
		ExtractionWarnings: extractionWarnings(f.MimeType),
	}
	if truncated {
		result.NextOffset = end
	}
	return result, nil
}

// extractionWarnings reports lossy-extraction caveats keyed by mime type
// (§4.8 item 6: "PDF → tables/images lost; spreadsheets → formulas
// flattened").
func extractionWarnings(mimeType string) []string {
	switch {
	case strings.Contains(mimeType, "pdf"):
		return []string{"pdf: embedded tables and images are not represented in extracted text"}
	case strings.Contains(mimeType, "spreadsheet") || strings.Contains(mimeType, "excel") || strings.Contains(mimeType, "csv"):
		return []string{"spreadsheet: formulas are flattened to their last computed value"}
	case strings.Contains(mimeType, "presentation") || strings.Contains(mimeType, "powerpoint"):
		return []string{"presentation: slide layout and embedded images are not represented"}
	default:
		return nil
	}
}

// --- 7. search-content -------------------------------------------------------

// ScoredChunk is one row of search-content.
type ScoredChunk struct {
	Chunk *store.Chunk `json:"chunk"`
	Score float64      `json:"score"`
}

// SearchRequest carries search-content's parameters (§4.8 item 7).
type SearchRequest struct {
	SemanticConcepts []string
	ExactTerms       []string
	MinScore         float64
	Limit            int
}

// ErrNoSearchCriteria is returned when neither semantic concepts nor exact
// terms are supplied (§4.8 item 7: "Reject requests with neither").
var ErrNoSearchCriteria = fmt.Errorf("query: search-content requires semantic concepts or exact terms")

// SearchContent performs chunk-level hybrid search: semantic nearest
// neighbor optionally boosted by exact-term matches, or exact-term-only
// matching when no semantic concepts are given.
func (s *Service) SearchContent(ctx context.Context, folderPath string, req SearchRequest) ([]ScoredChunk, error) {
	if len(req.SemanticConcepts) == 0 && len(req.ExactTerms) == 0 {
		return nil, ErrNoSearchCriteria
	}
	fc, err := s.folder(folderPath)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	var queryVec []float32
	if len(req.SemanticConcepts) > 0 {
		queryVec, err = s.embedQuery(ctx, fc, strings.Join(req.SemanticConcepts, " "))
		if err != nil {
			return nil, fmt.Errorf("query: embed search query: %w", err)
		}
	}

	allEmbeddings, err := fc.Metadata.GetAllEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: search-content: %w", err)
	}

	type candidate struct {
		id    string
		score float64
	}
	var candidates []candidate
	for id, vec := range allEmbeddings {
		semantic := 1.0
		if queryVec != nil {
			semantic = cosineSimilarity(queryVec, vec)
		}
		candidates = append(candidates, candidate{id: id, score: semantic})
	}

	out := make([]ScoredChunk, 0, len(candidates))
	for _, cand := range candidates {
		c, err := fc.Metadata.GetChunk(ctx, cand.id)
		if err != nil {
			continue
		}
		matches := countExactMatches(c.Content, req.ExactTerms)
		if len(req.ExactTerms) > 0 && queryVec == nil && matches == 0 {
			continue
		}
		final := cand.score * math.Pow(searchExactBoost, float64(matches))
		if final < req.MinScore {
			continue
		}
		out = append(out, ScoredChunk{Chunk: c, Score: final})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func countExactMatches(content string, terms []string) int {
	lower := strings.ToLower(content)
	count := 0
	for _, term := range terms {
		if term == "" {
			continue
		}
		count += strings.Count(lower, strings.ToLower(term))
	}
	return count
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// embedQuery embeds text through the folder's own model via the scheduler
// (C5), so query embeddings serialize alongside indexing embeddings on the
// same model worker (§4.3). Results are cached per (model, text) to avoid
// repeat embedding calls for repeated queries.
func (s *Service) embedQuery(ctx context.Context, fc *FolderContext, text string) ([]float32, error) {
	key := fc.ModelID + "\x00" + text
	if vec, ok := s.embedCache.Get(key); ok {
		return vec, nil
	}

	vectors, err := fc.Scheduler.SubmitBatchWithRetry(ctx, fc.ModelID, fc.Path, []string{text}, func(ctx context.Context, texts []string) ([][]float32, error) {
		embedder, err := fc.Registry.EnsureLoaded(ctx, fc.ModelID)
		if err != nil {
			return nil, err
		}
		return embedder.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("query: embedder returned no vector")
	}
	s.embedCache.Add(key, vectors[0])
	return vectors[0], nil
}

// --- 8. find-documents -------------------------------------------------------

// ScoredDocument is one row of find-documents (§4.8 item 8).
type ScoredDocument struct {
	Path        string            `json:"path"`
	Score       float64           `json:"score"`
	Keywords    []store.KeyPhrase `json:"keywords"`
	Readability float64           `json:"readability"`
	ChunkCount  int               `json:"chunkCount"`
	Size        int64             `json:"size"`
	ModTime     time.Time         `json:"modTime"`
	DownloadURL string            `json:"downloadUrl"`
}

// FindDocuments performs document-level nearest-neighbor search against
// document embeddings.
func (s *Service) FindDocuments(ctx context.Context, folderPath, queryText string, limit int) ([]ScoredDocument, error) {
	fc, err := s.folder(folderPath)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	queryVec, err := s.embedQuery(ctx, fc, queryText)
	if err != nil {
		return nil, fmt.Errorf("query: embed find-documents query: %w", err)
	}

	docEmbeddings, err := fc.Metadata.GetAllDocumentEmbeddings(ctx, fc.ID)
	if err != nil {
		return nil, fmt.Errorf("query: find-documents: %w", err)
	}

	out := make([]ScoredDocument, 0, len(docEmbeddings))
	for fileID, emb := range docEmbeddings {
		f, err := s.fileByID(ctx, fc, fileID)
		if err != nil {
			continue
		}
		chunks, err := fc.Metadata.GetChunksByFile(ctx, fileID)
		readability := 0.0
		if err == nil && len(chunks) > 0 {
			var sum float64
			for _, c := range chunks {
				sum += c.Readability
			}
			readability = sum / float64(len(chunks))
		}
		out = append(out, ScoredDocument{
			Path:        f.Path,
			Score:       cosineSimilarity(queryVec, emb.Vector),
			Keywords:    topKeyPhrases(f.Keywords, documentKeywordCount),
			Readability: readability,
			ChunkCount:  len(chunks),
			Size:        f.Size,
			ModTime:     f.ModTime,
			DownloadURL: s.downloadURL(folderPath, f.Path),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fileByID is a small linear helper: the store interface indexes files by
// path, not id, so document-embedding lookups (keyed by file id) resolve
// the path via the full project listing. Folder document counts are modest
// enough that this is not a hot path worth a dedicated index.
func (s *Service) fileByID(ctx context.Context, fc *FolderContext, fileID string) (*store.File, error) {
	paths, err := fc.Metadata.GetFilePathsByProject(ctx, fc.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		f, err := fc.Metadata.GetFileByPath(ctx, fc.ID, p)
		if err == nil && f.ID == fileID {
			return f, nil
		}
	}
	return nil, fmt.Errorf("query: file id %s not found", fileID)
}
