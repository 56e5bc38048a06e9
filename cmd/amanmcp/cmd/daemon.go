package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/daemon/internal/daemon"
	"github.com/folder-mcp/daemon/internal/logging"
	"github.com/folder-mcp/daemon/internal/output"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background indexing daemon",
		Long: `The daemon indexes and watches one or more folders, keeping their
embedding models loaded and serving queries over HTTP+WebSocket (§6).

Commands:
  start [folders...]   Start the daemon (runs in background by default)
  stop                 Stop the running daemon
  status               Show daemon status and health

Examples:
  folder-mcp daemon start ~/code/project-a ~/code/project-b
  folder-mcp daemon start -f .      # run in foreground (for debugging)
  folder-mcp daemon status
  folder-mcp daemon stop`,
	}

	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())

	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	var foreground bool
	var modelID string
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "start [folders...]",
		Short: "Start the background daemon",
		Long: `Start the daemon tracking one or more folders. Defaults to the
current directory when no folders are given. By default it runs in the
background; use --foreground for debugging or to see logs in real-time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStart(cmd.Context(), cmd, args, foreground, modelID, httpAddr)
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	cmd.Flags().StringVar(&modelID, "model", "", "Embedding model ID to use for every folder (defaults to the registry default)")
	cmd.Flags().StringVar(&httpAddr, "addr", "", "HTTP+WebSocket listen address (default 127.0.0.1:7848)")
	return cmd
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Long:  `Sends SIGTERM to the daemon process for graceful shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStop(cmd)
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  `Displays whether the daemon is running, its PID, uptime, and how many folders/models it has loaded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func resolveFolders(args []string) ([]daemon.FolderSpec, error) {
	paths := args
	if len(paths) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current directory: %w", err)
		}
		paths = []string{cwd}
	}

	folders := make([]daemon.FolderSpec, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		folders = append(folders, daemon.FolderSpec{Path: abs})
	}
	return folders, nil
}

func runDaemonStart(ctx context.Context, cmd *cobra.Command, args []string, foreground bool, modelID, httpAddr string) error {
	out := output.New(cmd.OutOrStdout())
	cfg := daemon.DefaultConfig()
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	client := daemon.NewClient(cfg)
	if client.IsRunning() {
		out.Status("", "Daemon is already running")
		return nil
	}

	folders, err := resolveFolders(args)
	if err != nil {
		return err
	}
	for i := range folders {
		folders[i].ModelID = modelID
	}

	if foreground {
		logCfg := logging.DefaultConfig()
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
		if logger, cleanup, err := logging.Setup(logCfg); err == nil {
			slog.SetDefault(logger)
			defer cleanup()
		}

		out.Status("", "Starting daemon in foreground...")
		out.Status("", fmt.Sprintf("Listening on: %s", cfg.HTTPAddr))
		out.Status("", fmt.Sprintf("Logs: %s", logging.DefaultLogPath()))
		out.Status("", "Press Ctrl+C to stop")
		out.Newline()

		slog.Info("daemon starting in foreground mode",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("log_file", logging.DefaultLogPath()))

		d, err := daemon.NewDaemon(cfg, folders)
		if err != nil {
			slog.Error("failed to create daemon", slog.String("error", err.Error()))
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		return d.Start(ctx)
	}

	out.Status("", "Starting daemon in background...")

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	bgArgs := append([]string{"daemon", "start", "--foreground"}, args...)
	if modelID != "" {
		bgArgs = append(bgArgs, "--model", modelID)
	}
	if httpAddr != "" {
		bgArgs = append(bgArgs, "--addr", httpAddr)
	}

	bgCmd := exec.Command(execPath, bgArgs...)
	bgCmd.Stdout = nil
	bgCmd.Stderr = nil
	bgCmd.Stdin = nil
	bgCmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := bgCmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- bgCmd.Wait() }()

	for i := 0; i < 50; i++ {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon process exited unexpectedly: %w", err)
			}
			return fmt.Errorf("daemon process exited unexpectedly with code 0")
		default:
		}

		time.Sleep(100 * time.Millisecond)
		if client.IsRunning() {
			out.Success(fmt.Sprintf("Daemon started (pid: %d)", bgCmd.Process.Pid))
			return nil
		}
	}

	return fmt.Errorf("daemon failed to start within timeout")
}

func runDaemonStop(cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())
	cfg := daemon.DefaultConfig()

	pidFile := daemon.NewPIDFile(cfg.PIDPath)

	if !pidFile.IsRunning() {
		out.Status("", "Daemon is not running")
		return nil
	}

	pid, err := pidFile.Read()
	if err != nil {
		return fmt.Errorf("failed to read PID: %w", err)
	}

	if err := pidFile.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if !pidFile.IsRunning() {
			out.Success(fmt.Sprintf("Daemon stopped (was pid: %d)", pid))
			return nil
		}
	}

	out.Status("", "Daemon not responding, sending SIGKILL...")
	if err := pidFile.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill daemon: %w", err)
	}

	out.Success("Daemon killed")
	return nil
}

func runDaemonStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	out := output.New(cmd.OutOrStdout())
	cfg := daemon.DefaultConfig()

	client := daemon.NewClient(cfg)

	if !client.IsRunning() {
		if jsonOutput {
			status := daemon.StatusResult{Running: false}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}
		out.Status("", "Daemon is not running")
		out.Status("", "Run 'folder-mcp daemon start' to start it")
		return nil
	}

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	out.Status("", "Daemon is running")
	out.Status("", fmt.Sprintf("  PID:     %d", status.PID))
	out.Status("", fmt.Sprintf("  Version: %s", status.Version))
	out.Status("", fmt.Sprintf("  Uptime:  %s", status.Uptime))
	out.Status("", fmt.Sprintf("  Folders: %d", status.FolderCount))
	out.Status("", fmt.Sprintf("  Models:  %d", status.ModelCount))
	out.Status("", fmt.Sprintf("  Address: %s", cfg.HTTPAddr))

	return nil
}
