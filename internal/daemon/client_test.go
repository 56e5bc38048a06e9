package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStubDaemonServer(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if !healthy {
			status = "degraded"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	mux.HandleFunc("GET /server/info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version":     "1.2.3",
			"folderCount": 2,
			"modelCount":  1,
			"pid":         4242,
			"uptime":      "1h0m0s",
		})
	})
	return httptest.NewServer(mux)
}

func clientFor(srv *httptest.Server) *Client {
	cfg := DefaultConfig()
	cfg.HTTPAddr = srv.Listener.Addr().String()
	return NewClient(cfg)
}

func TestClient_IsRunning_Healthy(t *testing.T) {
	srv := newStubDaemonServer(t, true)
	defer srv.Close()

	assert.True(t, clientFor(srv).IsRunning())
}

func TestClient_IsRunning_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond
	assert.False(t, NewClient(cfg).IsRunning())
}

func TestClient_Ping_DegradedStatus(t *testing.T) {
	srv := newStubDaemonServer(t, false)
	defer srv.Close()

	err := clientFor(srv).Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded")
}

func TestClient_Status(t *testing.T) {
	srv := newStubDaemonServer(t, true)
	defer srv.Close()

	status, err := clientFor(srv).Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 4242, status.PID)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, 2, status.FolderCount)
	assert.Equal(t, 1, status.ModelCount)
}
