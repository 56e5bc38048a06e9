package ui

import (
	"encoding/json"
	"fmt"
	"io"
)

// FolderStatus is one row of the FMDM status table: enough of a folder's
// runtime state (C9) to show a human at a glance, independent of any
// particular transport's wire shape.
type FolderStatus struct {
	Path          string `json:"path"`
	State         string `json:"state"`
	DocumentCount int    `json:"documentCount"`
	ChunkCount    int    `json:"chunkCount"`
}

// StatusInfo is the daemon-wide snapshot `status`/`daemon status` renders.
type StatusInfo struct {
	Running bool           `json:"running"`
	PID     int            `json:"pid,omitempty"`
	Version string         `json:"version,omitempty"`
	Uptime  string         `json:"uptime,omitempty"`
	Folders []FolderStatus `json:"folders,omitempty"`
}

// StatusRenderer displays the daemon's FMDM snapshot.
type StatusRenderer struct {
	out     io.Writer
	styles  Styles
	noColor bool
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:     out,
		styles:  GetStyles(noColor),
		noColor: noColor,
	}
}

// Render displays the daemon status and its tracked folders to the terminal.
func (r *StatusRenderer) Render(info StatusInfo) error {
	if !info.Running {
		_, _ = fmt.Fprintf(r.out, "%s\n", r.styles.Warning.Render("Daemon is not running"))
		return nil
	}

	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Daemon Status"))
	_, _ = fmt.Fprintf(r.out, "  Version: %s\n", info.Version)
	_, _ = fmt.Fprintf(r.out, "  PID:     %d\n", info.PID)
	_, _ = fmt.Fprintf(r.out, "  Uptime:  %s\n", info.Uptime)
	_, _ = fmt.Fprintln(r.out)

	if len(info.Folders) == 0 {
		_, _ = fmt.Fprintln(r.out, "  No folders tracked")
		return nil
	}

	_, _ = fmt.Fprintln(r.out, "  Folders:")
	for _, f := range info.Folders {
		_, _ = fmt.Fprintf(r.out, "    %-40s %-12s docs=%-6d chunks=%d\n",
			f.Path, r.renderStatus(string(f.State)), f.DocumentCount, f.ChunkCount)
	}

	return nil
}

// RenderJSON outputs status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

// renderStatus formats a lifecycle state string with color.
func (r *StatusRenderer) renderStatus(state string) string {
	switch state {
	case "ready", "scanning", "indexing":
		return r.styles.Success.Render(state)
	case "pending", "downloading-model":
		return r.styles.Warning.Render(state)
	case "error":
		return r.styles.Error.Render(state)
	default:
		return state
	}
}

// FormatBytes formats bytes to human-readable format.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
