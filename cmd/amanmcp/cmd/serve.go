package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/daemon/internal/daemon"
	"github.com/folder-mcp/daemon/internal/lifecycle"
	"github.com/folder-mcp/daemon/internal/mcp"
)

func newServeCmd() *cobra.Command {
	var (
		folder     string
		modelID    string
		serveDebug bool
		transport  string
		session    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bridge one folder to an MCP client over stdio",
		Long: `Index a single folder (or reuse its existing .folder-mcp store)
and bridge the Model Context Protocol's tools and resources to a client over
stdio. Unlike 'daemon start', this does not track multiple folders or stay
resident once the client disconnects.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), folder, modelID, transport, session, serveDebug)
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "Folder to index and serve (default: current directory)")
	cmd.Flags().StringVar(&modelID, "model", "", "Embedding model ID to use (default: registry default)")
	cmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable verbose logging to stderr")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport to bridge MCP over (only stdio is supported)")
	cmd.Flags().StringVar(&session, "session", "", "Session label, surfaced in logs only")

	return cmd
}

func runServe(ctx context.Context, folder, modelID, transport, session string, debug bool) error {
	if transport != "stdio" {
		return fmt.Errorf("serve: unsupported transport %q (only stdio)", transport)
	}
	if folder == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("serve: resolve current directory: %w", err)
		}
		folder = cwd
	}

	if err := verifyStdinForMCP(); err != nil {
		slog.Warn("stdin check failed, continuing anyway", "error", err, "session", session)
	}

	// The stdio transport carries JSON-RPC on stdout; every log line must go
	// to stderr so it never corrupts the protocol stream.
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root := daemon.NewRoot(logger)
	if err := root.AddFolder(ctx, daemon.FolderSpec{Path: folder, ModelID: modelID}); err != nil {
		return fmt.Errorf("serve: register folder: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), daemon.DefaultConfig().ShutdownGracePeriod)
		defer cancel()
		root.Shutdown(shutdownCtx)
	}()

	metadata, ok := root.Metadata(folder)
	if !ok {
		return fmt.Errorf("serve: folder %s was not registered", folder)
	}

	srv, err := mcp.NewServer(root.Query, metadata, folder, lifecycle.ProjectID(folder), logger)
	if err != nil {
		return fmt.Errorf("serve: build MCP server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	if err := srv.RegisterResources(ctx); err != nil {
		logger.Warn("failed to register MCP resources", "error", err)
	}

	return srv.Serve(ctx)
}

// verifyStdinForMCP warns when stdin looks like an interactive terminal
// rather than a pipe, the most common reason an MCP client never gets a
// handshake response.
func verifyStdinForMCP() error {
	info, err := os.Stdin.Stat()
	if err != nil {
		return fmt.Errorf("serve: stat stdin: %w", err)
	}
	if (info.Mode() & os.ModeCharDevice) != 0 {
		return fmt.Errorf("serve: stdin is a terminal, expected a pipe from an MCP client")
	}
	return nil
}
