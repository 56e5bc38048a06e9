package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver (no CGO), default build
)

// SQLiteMetadataStore is the document/chunk/embedding persistence layer for one
// folder (spec §2 C1). One instance is opened per folder store and shared between
// the indexing pipeline (writer) and the query service (readers); see spec §5.
type SQLiteMetadataStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteMetadataStore opens (and migrates) the document store at path.
// A corrupt store is never silently recreated (§7) — callers get an error and the
// folder lifecycle transitions to `error`.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	dsn := path
	if path != "" {
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate document store: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetadataStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		project_type TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		file_count INTEGER NOT NULL DEFAULT 0,
		indexed_at TIMESTAMP,
		version TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		mod_time TIMESTAMP,
		content_hash TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		keywords_json TEXT NOT NULL DEFAULT '[]',
		indexed_at TIMESTAMP,
		UNIQUE(project_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		raw_content TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		start_line INTEGER NOT NULL DEFAULT 0,
		end_line INTEGER NOT NULL DEFAULT 0,
		start_byte INTEGER NOT NULL DEFAULT 0,
		end_byte INTEGER NOT NULL DEFAULT 0,
		key_phrases_json TEXT NOT NULL DEFAULT '[]',
		readability REAL NOT NULL DEFAULT 0,
		has_code INTEGER NOT NULL DEFAULT 0,
		symbols_json TEXT NOT NULL DEFAULT '[]',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_file_index ON chunks(file_id, chunk_index);

	CREATE TABLE IF NOT EXISTS chunk_embeddings (
		chunk_id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		vector BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS document_embeddings (
		file_id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		vector BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("check schema_version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteMetadataStore) Close() error {
	return s.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// --- Project operations ---

func (s *SQLiteMetadataStore) SaveProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, root_path=excluded.root_path, project_type=excluded.project_type,
			chunk_count=excluded.chunk_count, file_count=excluded.file_count,
			indexed_at=excluded.indexed_at, version=excluded.version
	`, p.ID, p.Name, p.RootPath, p.ProjectType, p.ChunkCount, p.FileCount, p.IndexedAt, p.Version)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (s *SQLiteMetadataStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	var indexedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.ChunkCount, &p.FileCount, &indexedAt, &p.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.IndexedAt = indexedAt.Time
	return p, nil
}

func (s *SQLiteMetadataStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?
	`, fileCount, chunkCount, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update project stats: %w", err)
	}
	return nil
}

func (s *SQLiteMetadataStore) RefreshProjectStats(ctx context.Context, id string) error {
	var fileCount, chunkCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE project_id = ?`, id).Scan(&fileCount); err != nil {
		return fmt.Errorf("count files: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)
	`, id).Scan(&chunkCount); err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	return s.UpdateProjectStats(ctx, id, fileCount, chunkCount)
}

// --- File (Document) operations ---

func (s *SQLiteMetadataStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (id, project_id, path, size, mod_time, content_hash, language, content_type, mime_type, keywords_json, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path=excluded.path, size=excluded.size, mod_time=excluded.mod_time,
			content_hash=excluded.content_hash, language=excluded.language,
			content_type=excluded.content_type, mime_type=excluded.mime_type,
			keywords_json=excluded.keywords_json, indexed_at=excluded.indexed_at
	`)
	if err != nil {
		return fmt.Errorf("prepare file upsert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		kwJSON, err := json.Marshal(f.Keywords)
		if err != nil {
			return fmt.Errorf("marshal keywords: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size, f.ModTime,
			f.ContentHash, f.Language, f.ContentType, f.MimeType, string(kwJSON), f.IndexedAt); err != nil {
			return fmt.Errorf("upsert file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

func scanFile(row interface {
	Scan(dest ...any) error
}) (*File, error) {
	f := &File{}
	var modTime, indexedAt sql.NullTime
	var kwJSON string
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash,
		&f.Language, &f.ContentType, &f.MimeType, &kwJSON, &indexedAt); err != nil {
		return nil, err
	}
	f.ModTime = modTime.Time
	f.IndexedAt = indexedAt.Time
	_ = json.Unmarshal([]byte(kwJSON), &f.Keywords)
	return f, nil
}

const fileColumns = `id, project_id, path, size, mod_time, content_hash, language, content_type, mime_type, keywords_json, indexed_at`

func (s *SQLiteMetadataStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE project_id = ? AND path = ?`, projectID, path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file by path: %w", err)
	}
	return f, nil
}

func (s *SQLiteMetadataStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE project_id = ? AND mod_time > ? ORDER BY path`, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("query changed files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*File, string, error) {
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		offset = parsed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE project_id = ? ORDER BY path LIMIT ? OFFSET ?`,
		projectID, limit+1, offset)
	if err != nil {
		return nil, "", fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = strconv.Itoa(offset + limit)
	}
	return out, next, nil
}

func (s *SQLiteMetadataStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query file paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query files for reconciliation: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*File)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out[f.Path] = f
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ? AND path LIKE ? ORDER BY path`,
		projectID, dirPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list file paths under: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteFile removes a document and cascades to its chunks and embeddings
// (§3 invariant: a chunk's lifetime never outlives its document).
func (s *SQLiteMetadataStore) DeleteFile(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteChunksByFileTx(ctx, tx, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_embeddings WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete document embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("list files to delete: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.DeleteFile(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// --- Chunk operations ---

func deleteChunksByFileTx(ctx context.Context, tx *sql.Tx, fileID string) error {
	chunkRows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("list chunks to delete: %w", err)
	}
	var ids []string
	for chunkRows.Next() {
		var id string
		if err := chunkRows.Scan(&id); err != nil {
			chunkRows.Close()
			return err
		}
		ids = append(ids, id)
	}
	chunkRows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("delete chunk embedding: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// SaveChunks persists chunks and, when embeddings are supplied via
// SaveChunkEmbeddings in the same logical unit, keeps the §3 invariant that a
// chunk exists iff its embedding exists — callers must always pair a SaveChunks
// call for one document with a SaveChunkEmbeddings call before committing further
// reads, which is why ReplaceDocumentChunks exists for the pipeline's single-
// transaction requirement (§4.4 step 5).
func (s *SQLiteMetadataStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := saveChunksTx(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

func saveChunksTx(ctx context.Context, tx *sql.Tx, chunks []*Chunk) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, file_id, file_path, chunk_index, content, raw_content, context,
			content_type, language, start_line, end_line, start_byte, end_byte,
			key_phrases_json, readability, has_code, symbols_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, raw_content=excluded.raw_content, context=excluded.context,
			content_type=excluded.content_type, language=excluded.language,
			start_line=excluded.start_line, end_line=excluded.end_line,
			start_byte=excluded.start_byte, end_byte=excluded.end_byte,
			key_phrases_json=excluded.key_phrases_json, readability=excluded.readability,
			has_code=excluded.has_code, symbols_json=excluded.symbols_json,
			metadata_json=excluded.metadata_json, updated_at=excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		kpJSON, _ := json.Marshal(c.KeyPhrases)
		symJSON, _ := json.Marshal(c.Symbols)
		metaJSON, _ := json.Marshal(c.Metadata)
		hasCode := 0
		if c.HasCode {
			hasCode = 1
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.FileID, c.FilePath, c.ChunkIndex, c.Content, c.RawContent,
			c.Context, string(c.ContentType), c.Language, c.StartLine, c.EndLine, c.StartByte, c.EndByte,
			string(kpJSON), c.Readability, hasCode, string(symJSON), string(metaJSON), c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// ReplaceDocumentChunks deletes a document's existing chunks/embeddings and
// inserts the new set, plus their embeddings, in one transaction — the exact
// unit §4.4 step 5 requires ("delete old chunks + embeddings, insert new
// document, chunks, chunk embeddings").
func (s *SQLiteMetadataStore) ReplaceDocumentChunks(ctx context.Context, file *File, chunks []*Chunk, embeddings []ChunkEmbedding, docEmbedding *DocumentEmbedding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteChunksByFileTx(ctx, tx, file.ID); err != nil {
		return err
	}

	kwJSON, _ := json.Marshal(file.Keywords)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO files (id, project_id, path, size, mod_time, content_hash, language, content_type, mime_type, keywords_json, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path=excluded.path, size=excluded.size, mod_time=excluded.mod_time,
			content_hash=excluded.content_hash, language=excluded.language,
			content_type=excluded.content_type, mime_type=excluded.mime_type,
			keywords_json=excluded.keywords_json, indexed_at=excluded.indexed_at
	`, file.ID, file.ProjectID, file.Path, file.Size, file.ModTime, file.ContentHash,
		file.Language, file.ContentType, file.MimeType, string(kwJSON), file.IndexedAt); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if len(chunks) > 0 {
		if err := saveChunksTx(ctx, tx, chunks); err != nil {
			return err
		}
	}

	embStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_embeddings (chunk_id, model, vector) VALUES (?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET model=excluded.model, vector=excluded.vector
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk embedding upsert: %w", err)
	}
	for _, e := range embeddings {
		if _, err := embStmt.ExecContext(ctx, e.ChunkID, e.ModelID, encodeVector(e.Vector)); err != nil {
			embStmt.Close()
			return fmt.Errorf("upsert chunk embedding: %w", err)
		}
	}
	embStmt.Close()

	if docEmbedding != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_embeddings (file_id, model, vector) VALUES (?, ?, ?)
			ON CONFLICT(file_id) DO UPDATE SET model=excluded.model, vector=excluded.vector
		`, docEmbedding.FileID, docEmbedding.ModelID, encodeVector(docEmbedding.Vector)); err != nil {
			return fmt.Errorf("upsert document embedding: %w", err)
		}
	}

	return tx.Commit()
}

func scanChunk(row interface{ Scan(dest ...any) error }) (*Chunk, error) {
	c := &Chunk{}
	var createdAt, updatedAt sql.NullTime
	var kpJSON, symJSON, metaJSON string
	var hasCode int
	if err := row.Scan(&c.ID, &c.FileID, &c.FilePath, &c.ChunkIndex, &c.Content, &c.RawContent, &c.Context,
		&c.ContentType, &c.Language, &c.StartLine, &c.EndLine, &c.StartByte, &c.EndByte,
		&kpJSON, &c.Readability, &hasCode, &symJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.HasCode = hasCode != 0
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time
	_ = json.Unmarshal([]byte(kpJSON), &c.KeyPhrases)
	_ = json.Unmarshal([]byte(symJSON), &c.Symbols)
	_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
	return c, nil
}

const chunkColumns = `id, file_id, file_path, chunk_index, content, raw_content, context, content_type,
	language, start_line, end_line, start_byte, end_byte, key_phrases_json, readability, has_code,
	symbols_json, metadata_json, created_at, updated_at`

func (s *SQLiteMetadataStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return c, nil
}

func (s *SQLiteMetadataStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM chunks WHERE id IN (%s)`, chunkColumns, joinComma(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *SQLiteMetadataStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? ORDER BY chunk_index`, fileID)
	if err != nil {
		return nil, fmt.Errorf("get chunks by file: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("delete chunk embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete chunk: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := deleteChunksByFileTx(ctx, tx, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Symbol search ---

func (s *SQLiteMetadataStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbols_json FROM chunks WHERE symbols_json LIKE ?`, "%"+name+"%")
	if err != nil {
		return nil, fmt.Errorf("search symbols: %w", err)
	}
	defer rows.Close()

	var out []*Symbol
	for rows.Next() {
		var symJSON string
		if err := rows.Scan(&symJSON); err != nil {
			return nil, err
		}
		var syms []*Symbol
		_ = json.Unmarshal([]byte(symJSON), &syms)
		for _, sym := range syms {
			if containsFold(sym.Name, name) {
				out = append(out, sym)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, rows.Err()
}

// --- State (key-value) operations ---

func (s *SQLiteMetadataStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return value, nil
}

func (s *SQLiteMetadataStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// --- Embedding operations ---

func (s *SQLiteMetadataStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunkIDs/embeddings length mismatch: %d vs %d", len(chunkIDs), len(embeddings))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_embeddings (chunk_id, model, vector) VALUES (?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET model=excluded.model, vector=excluded.vector
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, id, model, encodeVector(embeddings[i])); err != nil {
			return fmt.Errorf("save chunk embedding %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, vector FROM chunk_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("get all embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var buf []byte
		if err := rows.Scan(&id, &buf); err != nil {
			return nil, err
		}
		out[id] = decodeVector(buf)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) GetEmbeddingStats(ctx context.Context) (int, int, error) {
	var withEmbedding, total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("count chunks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_embeddings`).Scan(&withEmbedding); err != nil {
		return 0, 0, fmt.Errorf("count embeddings: %w", err)
	}
	return withEmbedding, total - withEmbedding, nil
}

func (s *SQLiteMetadataStore) SaveDocumentEmbedding(ctx context.Context, emb *DocumentEmbedding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_embeddings (file_id, model, vector) VALUES (?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET model=excluded.model, vector=excluded.vector
	`, emb.FileID, emb.ModelID, encodeVector(emb.Vector))
	if err != nil {
		return fmt.Errorf("save document embedding: %w", err)
	}
	return nil
}

func (s *SQLiteMetadataStore) GetDocumentEmbedding(ctx context.Context, fileID string) (*DocumentEmbedding, error) {
	var model string
	var buf []byte
	err := s.db.QueryRowContext(ctx, `SELECT model, vector FROM document_embeddings WHERE file_id = ?`, fileID).Scan(&model, &buf)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document embedding: %w", err)
	}
	return &DocumentEmbedding{FileID: fileID, ModelID: model, Vector: decodeVector(buf)}, nil
}

func (s *SQLiteMetadataStore) GetAllDocumentEmbeddings(ctx context.Context, projectID string) (map[string]*DocumentEmbedding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT de.file_id, de.model, de.vector FROM document_embeddings de
		JOIN files f ON f.id = de.file_id
		WHERE f.project_id = ?
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get all document embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*DocumentEmbedding)
	for rows.Next() {
		var id, model string
		var buf []byte
		if err := rows.Scan(&id, &model, &buf); err != nil {
			return nil, err
		}
		out[id] = &DocumentEmbedding{FileID: id, ModelID: model, Vector: decodeVector(buf)}
	}
	return out, rows.Err()
}

// --- Checkpoint operations ---

func (s *SQLiteMetadataStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	fields := map[string]string{
		StateKeyCheckpointStage:         stage,
		StateKeyCheckpointTotal:         strconv.Itoa(total),
		StateKeyCheckpointEmbedded:      strconv.Itoa(embeddedCount),
		StateKeyCheckpointTimestamp:     time.Now().Format(time.RFC3339),
		StateKeyCheckpointEmbedderModel: embedderModel,
	}
	for k, v := range fields {
		if err := s.SetState(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteMetadataStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	stage, _ := s.GetState(ctx, StateKeyCheckpointStage)
	if stage == "" {
		return nil, nil
	}
	totalStr, _ := s.GetState(ctx, StateKeyCheckpointTotal)
	embeddedStr, _ := s.GetState(ctx, StateKeyCheckpointEmbedded)
	tsStr, _ := s.GetState(ctx, StateKeyCheckpointTimestamp)
	model, _ := s.GetState(ctx, StateKeyCheckpointEmbedderModel)

	total, _ := strconv.Atoi(totalStr)
	embedded, _ := strconv.Atoi(embeddedStr)
	ts, _ := time.Parse(time.RFC3339, tsStr)

	return &IndexCheckpoint{
		Stage:         stage,
		Total:         total,
		EmbeddedCount: embedded,
		Timestamp:     ts,
		EmbedderModel: model,
	}, nil
}

func (s *SQLiteMetadataStore) ClearIndexCheckpoint(ctx context.Context) error {
	keys := []string{
		StateKeyCheckpointStage, StateKeyCheckpointTotal, StateKeyCheckpointEmbedded,
		StateKeyCheckpointTimestamp, StateKeyCheckpointEmbedderModel,
	}
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, k); err != nil {
			return fmt.Errorf("clear checkpoint key %s: %w", k, err)
		}
	}
	return nil
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
