package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/daemon/internal/daemon"
)

func newStubDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/server/info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version": "9.9.9", "pid": 777, "uptime": "2h0m0s",
			"folderCount": 1, "modelCount": 1,
		})
	})
	mux.HandleFunc("/api/v1/folders", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"path": "/tmp/proj", "state": "ready", "documentCount": 10, "chunkCount": 50},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func clientForStub(srv *httptest.Server) *daemon.Client {
	cfg := daemon.DefaultConfig()
	cfg.HTTPAddr = srv.Listener.Addr().String()
	return daemon.NewClient(cfg)
}

func TestCollectStatus_DaemonNotRunning(t *testing.T) {
	cfg := daemon.DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:1"
	client := daemon.NewClient(cfg)

	info, err := collectStatus(context.Background(), client)

	require.NoError(t, err)
	assert.False(t, info.Running)
}

func TestCollectStatus_DaemonRunning(t *testing.T) {
	srv := newStubDaemon(t)
	client := clientForStub(srv)

	info, err := collectStatus(context.Background(), client)

	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, 777, info.PID)
	assert.Equal(t, "9.9.9", info.Version)
	require.Len(t, info.Folders, 1)
	assert.Equal(t, "/tmp/proj", info.Folders[0].Path)
	assert.Equal(t, "ready", info.Folders[0].State)
	assert.Equal(t, 10, info.Folders[0].DocumentCount)
	assert.Equal(t, 50, info.Folders[0].ChunkCount)
}

func TestRunStatus_JSON(t *testing.T) {
	srv := newStubDaemon(t)
	client := clientForStub(srv)

	info, err := collectStatus(context.Background(), client)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(info))
	assert.Contains(t, buf.String(), `"running":true`)
}

func TestStatusCmd_HasJSONFlag(t *testing.T) {
	cmd := newStatusCmd()
	flag := cmd.Flags().Lookup("json")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}
