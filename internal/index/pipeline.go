package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/folder-mcp/daemon/internal/async"
	"github.com/folder-mcp/daemon/internal/chunk"
	"github.com/folder-mcp/daemon/internal/embed"
	"github.com/folder-mcp/daemon/internal/extract"
	"github.com/folder-mcp/daemon/internal/scheduler"
	"github.com/folder-mcp/daemon/internal/store"
)

// BatchTargetTexts and BatchTargetTokens bound how many chunk texts the
// pipeline submits to the scheduler in one embedding call (§4.4 step 4):
// whichever limit is hit first ends the batch.
const (
	BatchTargetTexts  = 32
	BatchTargetTokens = 8000
)

// ProgressMinInterval is the minimum gap between progress updates the
// pipeline reports through async.IndexProgress (§4.4 step 6's "rate-limited
// to at least every 250ms").
const ProgressMinInterval = 250 * time.Millisecond

// MaxBatchConcurrency bounds how many batches of one document are in flight
// against the scheduler at once (errgroup fan-out, §4.4 step 4).
const MaxBatchConcurrency = 4

// Pipeline implements the indexing pipeline (§2 C6): plan, extract, chunk,
// embed, persist, delete, drawn in a single per-document pass so a document
// either fully lands or is left untouched on failure.
type Pipeline struct {
	FolderID    string
	RootPath    string
	Metadata    store.MetadataStore
	Chunker     *chunk.OverlapChunker
	Registry    *embed.Registry
	Scheduler   *scheduler.Scheduler
	ModelID     string
	MaxFileSize int64

	// ContextGen, when set, prepends a short contextual description to each
	// chunk before it is embedded (CR-1 Contextual Retrieval). Nil disables
	// enrichment entirely.
	ContextGen ContextGenerator

	progress     *async.IndexProgress
	lastReported time.Time
}

// DefaultMaxFileSize mirrors the teacher's memory-exhaustion guard (BUG-002).
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// metadataDirName is the folder's own store subdirectory (§6 "On-disk
// layout"); discover must never treat its contents as indexable documents,
// mirroring the watcher's identical exclusion (§4.5).
const metadataDirName = ".folder-mcp"

func (p *Pipeline) maxFileSize() int64 {
	if p.MaxFileSize > 0 {
		return p.MaxFileSize
	}
	return DefaultMaxFileSize
}

// Progress returns the tracker the pipeline reports to, creating one lazily.
func (p *Pipeline) Progress() *async.IndexProgress {
	if p.progress == nil {
		p.progress = async.NewIndexProgress()
	}
	return p.progress
}

// Run performs a full pass over the folder: discover files in stable
// lexicographic order (§4.4 step 1), skip unchanged documents (idempotence),
// and index everything else.
func (p *Pipeline) Run(ctx context.Context) error {
	progress := p.Progress()
	paths, err := p.discover()
	if err != nil {
		progress.SetError(err.Error())
		return fmt.Errorf("discover files: %w", err)
	}

	progress.SetStage(async.StageScanning, len(paths))
	existing, err := p.Metadata.GetFilesForReconciliation(ctx, p.FolderID)
	if err != nil {
		progress.SetError(err.Error())
		return fmt.Errorf("load existing files: %w", err)
	}

	seen := make(map[string]bool, len(paths))
	var processed int
	for _, relPath := range paths {
		seen[relPath] = true
		if err := ctx.Err(); err != nil {
			return err
		}

		info, statErr := os.Lstat(filepath.Join(p.RootPath, relPath))
		if statErr != nil {
			slog.Warn("index: stat failed, skipping", slog.String("path", relPath), slog.String("error", statErr.Error()))
			continue
		}

		if prior, ok := existing[relPath]; ok && prior.ModTime.Equal(info.ModTime()) && prior.Size == info.Size() {
			// Idempotence: an unchanged document is neither re-extracted nor
			// re-embedded (§4.4 "unchanged folders require no embedding calls").
			processed++
			p.reportProgress(processed, len(paths))
			continue
		}

		if err := p.IndexFile(ctx, relPath); err != nil {
			slog.Warn("index: failed to index file, continuing", slog.String("path", relPath), slog.String("error", err.Error()))
		}
		processed++
		p.reportProgress(processed, len(paths))
	}

	// Delete documents no longer present on disk (§2 C6 "delete").
	for relPath := range existing {
		if !seen[relPath] {
			if err := p.RemoveFile(ctx, relPath); err != nil {
				slog.Warn("index: failed to remove stale file", slog.String("path", relPath), slog.String("error", err.Error()))
			}
		}
	}

	progress.SetReady()
	return nil
}

// discover walks the folder root and returns every regular file's
// folder-relative path, sorted lexicographically (§4.4 step 1's stable
// ordering, so repeated runs process documents in the same order).
func (p *Pipeline) discover() ([]string, error) {
	var paths []string
	err := filepath.Walk(p.RootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == metadataDirName && path != p.RootPath {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		rel, relErr := filepath.Rel(p.RootPath, path)
		if relErr != nil {
			return relErr
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (p *Pipeline) reportProgress(processed, total int) {
	progress := p.Progress()
	now := time.Now()
	if processed < total && now.Sub(p.lastReported) < ProgressMinInterval {
		return
	}
	p.lastReported = now
	progress.SetStage(async.StageIndexing, total)
	progress.UpdateFiles(processed)
}

// IndexFile extracts, chunks, embeds, and persists one document (§4.4 steps
// 2-5). A failure here leaves the document's prior index state untouched —
// ReplaceDocumentChunks only commits once every batch has embedded
// successfully.
func (p *Pipeline) IndexFile(ctx context.Context, relPath string) error {
	absPath := filepath.Join(p.RootPath, relPath)

	info, err := os.Lstat(absPath)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if info.Size() > p.maxFileSize() {
		slog.Warn("index: skipping oversized file", slog.String("path", relPath), slog.Int64("size", info.Size()))
		return nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	result, err := extract.Extract(relPath, data)
	if err != nil {
		// Extractor errors skip the file, they never abort the folder (§4.4 step 2).
		slog.Warn("index: extraction failed, skipping file", slog.String("path", relPath), slog.String("error", err.Error()))
		return nil
	}

	fileID := generateFileID(p.FolderID, relPath)
	contentType := classifyContentType(relPath)
	chunks, err := p.Chunker.ChunkText(ctx, fileID, relPath, []byte(result.Text), contentType, languageFor(relPath))
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	storeChunks := make([]*store.Chunk, len(chunks))
	for i, c := range chunks {
		storeChunks[i] = toStoreChunk(fileID, c)
	}
	p.enrichChunks(ctx, storeChunks)

	embeddings, docVector, err := p.embedChunks(ctx, storeChunks)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	keywords := chunk.AggregateKeyPhrases(chunks, 10)
	file := &store.File{
		ID:          fileID,
		ProjectID:   p.FolderID,
		Path:        relPath,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentHash: hashContent(data),
		Language:    languageFor(relPath),
		ContentType: string(contentType),
		MimeType:    result.MimeType,
		Keywords:    toStoreKeyPhrases(keywords),
		IndexedAt:   time.Now(),
	}

	var docEmbedding *store.DocumentEmbedding
	if docVector != nil {
		docEmbedding = &store.DocumentEmbedding{FileID: fileID, Vector: docVector, ModelID: p.ModelID}
	}

	if err := p.Metadata.ReplaceDocumentChunks(ctx, file, storeChunks, embeddings, docEmbedding); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

// RemoveFile deletes a document and its chunks/embeddings (§2 C6 "delete").
func (p *Pipeline) RemoveFile(ctx context.Context, relPath string) error {
	fileID := generateFileID(p.FolderID, relPath)
	return p.Metadata.DeleteFile(ctx, fileID)
}

// enrichChunks prepends a short contextual description to each chunk's
// content before embedding (CR-1 Contextual Retrieval). A failure here is
// non-fatal: the chunk is simply embedded without the contextual prefix.
func (p *Pipeline) enrichChunks(ctx context.Context, chunks []*store.Chunk) {
	if p.ContextGen == nil || len(chunks) == 0 {
		return
	}
	docContext := ExtractDocumentContext(chunks)
	contexts, err := p.ContextGen.GenerateBatch(ctx, chunks, docContext)
	if err != nil {
		slog.Debug("index: contextual enrichment failed, continuing without it", slog.String("error", err.Error()))
		return
	}
	for i, c := range chunks {
		if i < len(contexts) && contexts[i] != "" {
			EnrichChunkWithContext(c, contexts[i])
		}
	}
}

// embedChunks submits a document's chunk texts to the scheduler in
// BatchTargetTexts/BatchTargetTokens-bounded batches, awaiting every batch
// before returning (§4.4 step 4's "await all batches before committing a
// document"), then computes the document's weighted-mean embedding (§4.4
// step 5): each chunk vector is weighted by its content length in bytes and
// the mean is re-normalized to unit length.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []*store.Chunk) ([]store.ChunkEmbedding, []float32, error) {
	if _, err := p.Registry.EnsureLoaded(ctx, p.ModelID); err != nil {
		return nil, nil, fmt.Errorf("ensure model loaded: %w", err)
	}

	batches := batchChunks(chunks, BatchTargetTexts, BatchTargetTokens)
	results := make([][][]float32, len(batches))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(MaxBatchConcurrency)
	for i, batch := range batches {
		i, batch := i, batch
		group.Go(func() error {
			texts := make([]string, len(batch))
			for j, c := range batch {
				texts[j] = c.Content
			}
			vectors, err := p.Scheduler.SubmitBatchWithRetry(groupCtx, p.ModelID, p.FolderID, texts, func(ctx context.Context, texts []string) ([][]float32, error) {
				embedder, err := p.Registry.EnsureLoaded(ctx, p.ModelID)
				if err != nil {
					return nil, err
				}
				return embedder.EmbedBatch(ctx, texts)
			})
			if err != nil {
				return err
			}
			results[i] = vectors
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	embeddings := make([]store.ChunkEmbedding, 0, len(chunks))
	var sum []float32
	var totalWeight float32
	for bi, batch := range batches {
		for j, c := range batch {
			vec := results[bi][j]
			embeddings = append(embeddings, store.ChunkEmbedding{ChunkID: c.ID, Vector: vec, ModelID: p.ModelID})
			weight := float32(len(c.Content))
			if weight == 0 {
				weight = 1
			}
			sum = accumulate(sum, vec, weight)
			totalWeight += weight
		}
	}
	if totalWeight == 0 {
		return embeddings, nil, nil
	}
	mean := make([]float32, len(sum))
	var norm float64
	for i, v := range sum {
		mean[i] = v / totalWeight
		norm += float64(mean[i]) * float64(mean[i])
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range mean {
			mean[i] *= scale
		}
	}
	return embeddings, mean, nil
}

func accumulate(sum, vec []float32, weight float32) []float32 {
	if sum == nil {
		sum = make([]float32, len(vec))
	}
	for i, v := range vec {
		sum[i] += v * weight
	}
	return sum
}

// batchChunks groups chunks into runs bounded by BatchTargetTexts items and
// an estimated BatchTargetTokens (chunk.TokensPerChar characters per token).
func batchChunks(chunks []*store.Chunk, maxTexts, maxTokens int) [][]*store.Chunk {
	var batches [][]*store.Chunk
	var current []*store.Chunk
	tokens := 0

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			tokens = 0
		}
	}

	for _, c := range chunks {
		estTokens := len(c.Content) / chunk.TokensPerChar
		if len(current) >= maxTexts || (len(current) > 0 && tokens+estTokens > maxTokens) {
			flush()
		}
		current = append(current, c)
		tokens += estTokens
	}
	flush()
	return batches
}

func toStoreChunk(fileID string, c *chunk.Chunk) *store.Chunk {
	symbols := make([]*store.Symbol, len(c.Symbols))
	for i, s := range c.Symbols {
		symbols[i] = &store.Symbol{
			Name:       s.Name,
			Type:       store.SymbolType(s.Type),
			StartLine:  s.StartLine,
			EndLine:    s.EndLine,
			Signature:  s.Signature,
			DocComment: s.DocComment,
		}
	}
	return &store.Chunk{
		ID:          c.ID,
		FileID:      fileID,
		FilePath:    c.FilePath,
		ChunkIndex:  c.ChunkIndex,
		Content:     c.Content,
		RawContent:  c.RawContent,
		Context:     c.Context,
		ContentType: store.ContentType(c.ContentType),
		Language:    c.Language,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		StartByte:   c.StartByte,
		EndByte:     c.EndByte,
		KeyPhrases:  toStoreKeyPhrases(c.KeyPhrases),
		Readability: c.Readability,
		HasCode:     c.HasCode,
		Symbols:     symbols,
		Metadata:    c.Metadata,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func toStoreKeyPhrases(phrases []chunk.KeyPhrase) []store.KeyPhrase {
	out := make([]store.KeyPhrase, len(phrases))
	for i, kp := range phrases {
		out[i] = store.KeyPhrase{Text: kp.Text, Score: kp.Score}
	}
	return out
}

// classifyContentType picks a coarse content type from the file extension;
// the extractor's MIME type already drives actual text extraction, this only
// affects which chunker heuristics (code vs markdown vs text) apply.
func classifyContentType(path string) chunk.ContentType {
	switch filepath.Ext(path) {
	case ".md", ".markdown":
		return chunk.ContentTypeMarkdown
	case ".go", ".py", ".ts", ".tsx", ".js", ".jsx", ".rs", ".java", ".c", ".cc", ".cpp", ".h", ".hpp", ".rb", ".php", ".cs", ".swift", ".kt":
		return chunk.ContentTypeCode
	default:
		return chunk.ContentTypeText
	}
}

func languageFor(path string) string {
	switch filepath.Ext(path) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".md", ".markdown":
		return "markdown"
	default:
		return ""
	}
}

// generateFileID creates a deterministic document identity (folder + path).
func generateFileID(folderID, path string) string {
	input := fmt.Sprintf("%s:%s", folderID, path)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16]
}

// hashContent hashes raw file bytes for the idempotence check (§4.4).
func hashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
