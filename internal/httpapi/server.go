// Package httpapi implements the versioned HTTP API and `/download` route
// (spec §6): the external interface C11 (query) and C12 (download tokens)
// are actually served through.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/folder-mcp/daemon/internal/download"
	"github.com/folder-mcp/daemon/internal/fleet"
	"github.com/folder-mcp/daemon/internal/query"
	"github.com/folder-mcp/daemon/pkg/version"
)

// Server wires the query service and download issuer behind `/api/v1` and
// `/download` (§6). Folder path segments are the absolute host path,
// percent-encoded as a single segment (slashes escaped to %2F) — the
// contract §6 describes as "all path segments are percent-decoded; folder
// paths are absolute host paths".
type Server struct {
	mux     *http.ServeMux
	query   *query.Service
	issuer  *download.Issuer
	fleet   *fleet.Aggregator
	logger  *slog.Logger
	started time.Time
}

// NewServer builds the HTTP handler. wsHandler serves the WebSocket
// channel (C10); it is mounted at `/ws`, which §6 doesn't number among the
// REST routes but is the transport the "WebSocket channel" paragraph
// describes.
func NewServer(q *query.Service, issuer *download.Issuer, agg *fleet.Aggregator, wsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		query:   q,
		issuer:  issuer,
		fleet:   agg,
		logger:  logger,
		started: time.Now(),
	}
	s.routes(wsHandler)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes(wsHandler http.Handler) {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /server/info", s.handleServerInfo)
	s.mux.HandleFunc("GET /api/v1/folders", s.handleListFolders)
	s.mux.HandleFunc("GET /api/v1/folders/{folderPath}/explore", s.handleExplore)
	s.mux.HandleFunc("GET /api/v1/folders/{folderPath}/documents", s.handleListDocuments)
	s.mux.HandleFunc("GET /api/v1/folders/{folderPath}/documents/{file}/metadata", s.handleDocumentMetadata)
	s.mux.HandleFunc("POST /api/v1/folders/{folderPath}/documents/{file}/chunks", s.handleGetChunks)
	s.mux.HandleFunc("GET /api/v1/folders/{folderPath}/documents/{file}/text", s.handleDocumentText)
	s.mux.HandleFunc("POST /api/v1/folders/{folderPath}/search_content", s.handleSearchContent)
	s.mux.HandleFunc("POST /api/v1/folders/{folderPath}/find-documents", s.handleFindDocuments)
	s.mux.HandleFunc("GET /download", s.handleDownload)
	if wsHandler != nil {
		s.mux.Handle("GET /ws", wsHandler)
	}
}

// --- helpers -----------------------------------------------------------------

// apiError is the `{error, message, timestamp, path}` envelope §6 mandates.
type apiError struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Error: code, Message: message, Timestamp: time.Now(), Path: r.URL.Path})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a query-service error to the transport status §7 assigns.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, query.ErrFolderNotFound):
		return http.StatusNotFound, "folder_not_found"
	case errors.Is(err, query.ErrNoSearchCriteria):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// folderPathFromRequest decodes the percent-encoded absolute folder path
// segment.
func folderPathFromRequest(r *http.Request) (string, error) {
	return url.PathUnescape(r.PathValue("folderPath"))
}

func fileFromRequest(r *http.Request) (string, error) {
	return url.PathUnescape(r.PathValue("file"))
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func boolParam(r *http.Request, name string) bool {
	return r.URL.Query().Get(name) == "true"
}

// --- handlers -----------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.started).String(),
		"version":   version.Version,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	snap := s.fleet.Snapshot()
	writeJSON(w, map[string]any{
		"version":      version.Version,
		"folderCount":  len(snap.Folders),
		"modelCount":   len(snap.Models),
		"pid":          snap.Daemon.PID,
		"uptime":       snap.Daemon.Uptime().String(),
		"endpoints": []string{
			"GET /health", "GET /server/info", "GET /api/v1/folders",
			"GET /api/v1/folders/{folderPath}/explore",
			"GET /api/v1/folders/{folderPath}/documents",
			"GET /api/v1/folders/{folderPath}/documents/{file}/metadata",
			"POST /api/v1/folders/{folderPath}/documents/{file}/chunks",
			"GET /api/v1/folders/{folderPath}/documents/{file}/text",
			"POST /api/v1/folders/{folderPath}/search_content",
			"POST /api/v1/folders/{folderPath}/find-documents",
			"GET /download", "GET /ws",
		},
	})
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.query.ListFolders(r.Context())
	if err != nil {
		status, code := statusFor(err)
		writeError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, map[string]any{"folders": folders})
}

func (s *Server) handleExplore(w http.ResponseWriter, r *http.Request) {
	folderPath, err := folderPathFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed folder path")
		return
	}
	result, err := s.query.Explore(r.Context(), folderPath, r.URL.Query().Get("subPath"), r.URL.Query().Get("continuationToken"), intParam(r, "limit", 0))
	if err != nil {
		status, code := statusFor(err)
		writeError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	folderPath, err := folderPathFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed folder path")
		return
	}
	docs, next, err := s.query.ListDocuments(r.Context(), folderPath, r.URL.Query().Get("subPath"), boolParam(r, "recursive"), r.URL.Query().Get("continuationToken"), intParam(r, "limit", 0))
	if err != nil {
		status, code := statusFor(err)
		writeError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, map[string]any{"documents": docs, "nextToken": next})
}

func (s *Server) handleDocumentMetadata(w http.ResponseWriter, r *http.Request) {
	folderPath, err := folderPathFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed folder path")
		return
	}
	file, err := fileFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed file path")
		return
	}
	chunks, next, err := s.query.GetDocumentMetadata(r.Context(), folderPath, file, r.URL.Query().Get("continuationToken"), intParam(r, "limit", 0))
	if err != nil {
		status, code := statusFor(err)
		writeError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, map[string]any{"chunks": chunks, "nextToken": next})
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	folderPath, err := folderPathFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed folder path")
		return
	}
	file, err := fileFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed file path")
		return
	}
	var body struct {
		ChunkIDs []string `json:"chunk_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}
	chunks, err := s.query.GetChunks(r.Context(), folderPath, file, body.ChunkIDs)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, map[string]any{"chunks": chunks})
}

func (s *Server) handleDocumentText(w http.ResponseWriter, r *http.Request) {
	folderPath, err := folderPathFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed folder path")
		return
	}
	file, err := fileFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed file path")
		return
	}
	result, err := s.query.GetDocumentText(r.Context(), folderPath, file, intParam(r, "maxChars", 0), intParam(r, "offset", 0), r.URL.Query().Get("continuationToken"))
	if err != nil {
		status, code := statusFor(err)
		writeError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleSearchContent(w http.ResponseWriter, r *http.Request) {
	folderPath, err := folderPathFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed folder path")
		return
	}
	var body struct {
		SemanticConcepts []string `json:"semantic_concepts"`
		ExactTerms       []string `json:"exact_terms"`
		MinScore         float64  `json:"min_score"`
		Limit            int      `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}
	results, err := s.query.SearchContent(r.Context(), folderPath, query.SearchRequest{
		SemanticConcepts: body.SemanticConcepts,
		ExactTerms:       body.ExactTerms,
		MinScore:         body.MinScore,
		Limit:            body.Limit,
	})
	if err != nil {
		status, code := statusFor(err)
		writeError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleFindDocuments(w http.ResponseWriter, r *http.Request) {
	folderPath, err := folderPathFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed folder path")
		return
	}
	var body struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}
	docs, err := s.query.FindDocuments(r.Context(), folderPath, body.Query, body.Limit)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, map[string]any{"documents": docs})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing token")
		return
	}
	decoded, resolvedPath, err := s.issuer.Validate(token)
	if err != nil {
		if errors.Is(err, download.ErrPathEscape) {
			writeError(w, r, http.StatusForbidden, "forbidden", "resolved path escapes folder root")
			return
		}
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
		return
	}

	f, err := os.Open(resolvedPath)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "not_found", "file not found")
		return
	}
	defer f.Close()

	filename := decoded.FilePath
	if idx := strings.LastIndexByte(filename, '/'); idx >= 0 {
		filename = filename[idx+1:]
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename*=UTF-8''%s`, url.PathEscape(filename)))
	http.ServeContent(w, r, filename, time.Time{}, f)
}
