package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client talks to an already-running daemon over its HTTP transport (§6),
// the way CLI commands like `status` and `daemon status` check on it
// without opening every folder's store themselves.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new daemon client.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL: cfg.baseURL(),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// IsRunning reports whether the daemon answers /health.
func (c *Client) IsRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()
	return c.Ping(ctx) == nil
}

// Ping hits /health and returns an error if the daemon isn't reachable or
// reports an unhealthy status.
func (c *Client) Ping(ctx context.Context) error {
	var health struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/health", &health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("daemon reported status %q", health.Status)
	}
	return nil
}

// StatusResult summarizes a running daemon for `daemon status`/`status`.
type StatusResult struct {
	Running     bool   `json:"running"`
	PID         int    `json:"pid"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	FolderCount int    `json:"folder_count"`
	ModelCount  int    `json:"model_count"`
}

// Status retrieves daemon status from /server/info.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var info struct {
		Version     string `json:"version"`
		FolderCount int    `json:"folderCount"`
		ModelCount  int    `json:"modelCount"`
		PID         int    `json:"pid"`
		Uptime      string `json:"uptime"`
	}
	if err := c.get(ctx, "/server/info", &info); err != nil {
		return nil, err
	}
	return &StatusResult{
		Running:     true,
		PID:         info.PID,
		Version:     info.Version,
		Uptime:      info.Uptime,
		FolderCount: info.FolderCount,
		ModelCount:  info.ModelCount,
	}, nil
}

// FolderStatus mirrors the fields of query.FolderSummary the CLI needs,
// decoded independently so cmd/ doesn't have to import internal/query just
// for a status table.
type FolderStatus struct {
	Path          string `json:"path"`
	State         string `json:"state"`
	DocumentCount int    `json:"documentCount"`
	ChunkCount    int    `json:"chunkCount"`
}

// Folders lists every folder the daemon is tracking, via GET /api/v1/folders.
func (c *Client) Folders(ctx context.Context) ([]FolderStatus, error) {
	var folders []FolderStatus
	if err := c.get(ctx, "/api/v1/folders", &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
