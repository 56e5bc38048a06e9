package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// OverlapChunkerOptions configures OverlapChunker.
type OverlapChunkerOptions struct {
	// MaxChunkChars bounds a chunk's content length. Defaults to
	// DefaultMaxChunkTokens * TokensPerChar.
	MaxChunkChars int
	// OverlapChars is how much of the previous chunk's tail is repeated at the
	// start of the next chunk. Defaults to ~10% of MaxChunkChars.
	OverlapChars int
	// KeyPhrasesPerChunk bounds how many key phrases are attached to each chunk.
	KeyPhrasesPerChunk int
}

// DefaultOverlapChunkerOptions returns the spec's ~10% overlap sizing (§4.4 step 3).
func DefaultOverlapChunkerOptions() OverlapChunkerOptions {
	maxChars := DefaultMaxChunkTokens * TokensPerChar
	return OverlapChunkerOptions{
		MaxChunkChars:      maxChars,
		OverlapChars:       maxChars / 10,
		KeyPhrasesPerChunk: 5,
	}
}

// OverlapChunker splits extracted plain text into overlapping, byte-offset
// tracked chunks per §3/§4.4/§4.6: chunks are gapless in index, carry
// [StartByte, EndByte) into the extracted text, and overlap their predecessor
// by roughly OverlapChars so the §4.6 reconstruction rule round-trips exactly.
//
// Unlike CodeChunker/MarkdownChunker (symbol- and heading-bounded), this
// chunker is format-agnostic: it operates on the extractor's plain-text output
// and is the one the indexing pipeline (C6) drives directly. It still calls
// into tree-sitter (via HasCodeContent) to set the has-code flag and seed
// code-aware key phrases when the document's language is a parseable one.
type OverlapChunker struct {
	opts   OverlapChunkerOptions
	parser *Parser
}

// NewOverlapChunker creates a chunker with the given options. A nil/zero
// options value falls back to DefaultOverlapChunkerOptions.
func NewOverlapChunker(opts OverlapChunkerOptions) *OverlapChunker {
	if opts.MaxChunkChars <= 0 {
		opts = DefaultOverlapChunkerOptions()
	}
	if opts.OverlapChars <= 0 {
		opts.OverlapChars = opts.MaxChunkChars / 10
	}
	if opts.OverlapChars >= opts.MaxChunkChars {
		opts.OverlapChars = opts.MaxChunkChars / 10
	}
	if opts.KeyPhrasesPerChunk <= 0 {
		opts.KeyPhrasesPerChunk = 5
	}
	return &OverlapChunker{opts: opts, parser: NewParser()}
}

// Close releases the underlying tree-sitter parser.
func (c *OverlapChunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// ChunkText splits extracted text into chunks. fileID is the parent document's
// stable identity, used to derive content-addressable chunk IDs.
func (c *OverlapChunker) ChunkText(ctx context.Context, fileID, filePath string, text []byte, contentType ContentType, language string) ([]*Chunk, error) {
	if len(text) == 0 {
		return nil, nil
	}

	bounds := c.computeBounds(text)
	now := time.Now()
	chunks := make([]*Chunk, 0, len(bounds))

	for i, b := range bounds {
		content := string(text[b.start:b.end])
		hasCode, symbols := c.codeSignal(ctx, content, language)
		phrases := ExtractKeyPhrases(content, c.opts.KeyPhrasesPerChunk)

		chunk := &Chunk{
			ID:          generateOverlapChunkID(fileID, i, content),
			FilePath:    filePath,
			ChunkIndex:  i,
			Content:     content,
			RawContent:  content,
			ContentType: contentType,
			Language:    language,
			StartByte:   b.start,
			EndByte:     b.end,
			StartLine:   1 + strings.Count(string(text[:b.start]), "\n"),
			EndLine:     1 + strings.Count(string(text[:b.end]), "\n"),
			KeyPhrases:  phrases,
			Readability: FleschReadingEase(content),
			HasCode:     hasCode,
			Symbols:     symbols,
			Metadata:    map[string]string{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

type byteRange struct{ start, end int }

// computeBounds produces gapless, overlapping [start,end) windows over text.
// Window boundaries prefer whitespace so chunks don't split mid-word, but
// always advance by at least one byte and never exceed len(text), keeping the
// §4.6 reconstruction rule exact regardless of where a boundary lands.
func (c *OverlapChunker) computeBounds(text []byte) []byteRange {
	n := len(text)
	max := c.opts.MaxChunkChars
	overlap := c.opts.OverlapChars
	if max >= n {
		return []byteRange{{0, n}}
	}

	var bounds []byteRange
	start := 0
	for start < n {
		end := start + max
		if end >= n {
			end = n
		} else {
			end = preferWhitespaceBoundary(text, start, end)
		}
		bounds = append(bounds, byteRange{start, end})
		if end >= n {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return bounds
}

// preferWhitespaceBoundary nudges end backward to the nearest whitespace
// within a small lookback window, so chunk boundaries tend to land on word
// breaks without changing byte-reconstruction semantics.
func preferWhitespaceBoundary(text []byte, start, end int) int {
	const lookback = 64
	limit := end - lookback
	if limit < start+1 {
		limit = start + 1
	}
	for i := end; i > limit; i-- {
		if i < len(text) && unicode.IsSpace(rune(text[i])) {
			return i
		}
	}
	return end
}

func generateOverlapChunkID(fileID string, index int, content string) string {
	h := sha256.New()
	h.Write([]byte(fileID))
	h.Write([]byte(strconv.Itoa(index)))
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// codeSignal reports whether content looks like source code and, when a
// tree-sitter grammar is available for language, the symbols found in it.
func (c *OverlapChunker) codeSignal(ctx context.Context, content string, language string) (bool, []*Symbol) {
	if language == "" {
		return looksLikeCode(content), nil
	}
	tree, err := c.parser.Parse(ctx, []byte(content), language)
	if err != nil || tree == nil {
		return looksLikeCode(content), nil
	}
	if tree.Root != nil && tree.Root.HasError && !looksLikeCode(content) {
		return false, nil
	}
	return true, symbolsFromTree(tree, language)
}

// Reconstruct implements the §4.6 overlap-aware text reconstruction rule.
// Chunks must be supplied ordered by ChunkIndex.
func Reconstruct(chunks []*Chunk) string {
	var b strings.Builder
	lastEnd := 0
	for _, c := range chunks {
		if c.StartByte >= lastEnd {
			b.WriteString(c.Content)
		} else if lastEnd-c.StartByte < len(c.Content) {
			b.WriteString(c.Content[lastEnd-c.StartByte:])
		}
		lastEnd = c.EndByte
	}
	return b.String()
}
