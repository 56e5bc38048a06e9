package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/daemon/internal/chunk"
	"github.com/folder-mcp/daemon/internal/download"
	"github.com/folder-mcp/daemon/internal/embed"
	"github.com/folder-mcp/daemon/internal/fleet"
	"github.com/folder-mcp/daemon/internal/index"
	"github.com/folder-mcp/daemon/internal/query"
	"github.com/folder-mcp/daemon/internal/scheduler"
	"github.com/folder-mcp/daemon/internal/store"
)

func setupTestServer(t *testing.T) (*httptest.Server, string, *download.Issuer) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.txt"), []byte("hybrid search combines semantic and keyword signals."), 0o644))

	metadata, err := store.NewSQLiteMetadataStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = metadata.Close() })
	require.NoError(t, metadata.SaveProject(context.Background(), &store.Project{ID: "f1", Name: "f1", RootPath: root}))

	registry := embed.NewRegistry(func(ctx context.Context, id string) (embed.Embedder, store.ModelKind, error) {
		return embed.NewStaticEmbedder(), store.ModelKindCPU, nil
	})
	sched := scheduler.New(registry)
	chunker := chunk.NewOverlapChunker(chunk.DefaultOverlapChunkerOptions())
	t.Cleanup(chunker.Close)

	p := &index.Pipeline{
		FolderID: "f1", RootPath: root, Metadata: metadata, Chunker: chunker,
		Registry: registry, Scheduler: sched, ModelID: "static:test",
		ContextGen: index.NewPatternContextGenerator(nil),
	}
	require.NoError(t, p.Run(context.Background()))

	agg := fleet.NewAggregator("v-test", nil)
	issuer := download.NewIssuerWithSecret([]byte("test-secret-test-secret-test-32"))
	svc := query.NewService(agg, issuer)
	svc.RegisterFolder(&query.FolderContext{
		Path: root, ID: "f1", RootPath: root,
		Metadata: metadata, Registry: registry, Scheduler: sched, ModelID: "static:test",
	})

	handler := NewServer(svc, issuer, agg, nil, nil)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, root, issuer
}

func TestServer_Health_ReturnsOK(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ListFolders_ReturnsRegisteredFolder(t *testing.T) {
	srv, root, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/folders")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Folders []struct {
			Path string `json:"path"`
		} `json:"folders"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Folders, 1)
	assert.Equal(t, root, body.Folders[0].Path)
}

func TestServer_Explore_RoundTripsPercentEncodedFolderPath(t *testing.T) {
	srv, root, _ := setupTestServer(t)

	reqURL := srv.URL + "/api/v1/folders/" + url.PathEscape(root) + "/explore"
	resp, err := http.Get(reqURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Explore_UnknownFolder_Returns404(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	reqURL := srv.URL + "/api/v1/folders/" + url.PathEscape("/no/such/folder") + "/explore"
	resp, err := http.Get(reqURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Download_StreamsFileForValidToken(t *testing.T) {
	srv, root, issuer := setupTestServer(t)

	signedURL, err := issuer.URL(root, "doc.txt", time.Minute)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + signedURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "doc.txt")
}

func TestServer_Download_RejectsMissingToken(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/download")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_Download_RejectsPathEscape(t *testing.T) {
	srv, root, issuer := setupTestServer(t)

	signedURL, err := issuer.URL(root, "../../../etc/passwd", time.Minute)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + signedURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
