package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/daemon/internal/daemon"
	"github.com/folder-mcp/daemon/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and folder status",
		Long: `Display the running daemon's status: PID, version, uptime, and
every tracked folder's lifecycle state (C9 FMDM), document count, and
chunk count.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	cfg := daemon.DefaultConfig()
	client := daemon.NewClient(cfg)

	info, err := collectStatus(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to collect status: %w", err)
	}

	noColor := ui.DetectNoColor()
	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor)

	if jsonOutput {
		return renderer.RenderJSON(info)
	}

	return renderer.Render(info)
}

func collectStatus(ctx context.Context, client *daemon.Client) (ui.StatusInfo, error) {
	if !client.IsRunning() {
		return ui.StatusInfo{Running: false}, nil
	}

	status, err := client.Status(ctx)
	if err != nil {
		return ui.StatusInfo{}, fmt.Errorf("failed to reach daemon: %w", err)
	}

	folders, err := client.Folders(ctx)
	if err != nil {
		return ui.StatusInfo{}, fmt.Errorf("failed to list folders: %w", err)
	}

	info := ui.StatusInfo{
		Running: true,
		PID:     status.PID,
		Version: status.Version,
		Uptime:  status.Uptime,
		Folders: make([]ui.FolderStatus, len(folders)),
	}
	for i, f := range folders {
		info.Folders[i] = ui.FolderStatus{
			Path:          f.Path,
			State:         f.State,
			DocumentCount: f.DocumentCount,
			ChunkCount:    f.ChunkCount,
		}
	}

	return info, nil
}
