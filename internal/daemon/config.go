// Package daemon wires the composition root (Root, root.go) to a long-running
// process: PID file, HTTP+WebSocket transport, and a thin client CLI commands
// use to talk to an already-running daemon over HTTP instead of re-opening
// every folder's store themselves.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds configuration for the daemon process.
type Config struct {
	// HTTPAddr is the address the HTTP+WebSocket transport (§6) listens on.
	// Default: 127.0.0.1:7848
	HTTPAddr string

	// PIDPath is the file path for storing the daemon's process ID.
	// Default: ~/.folder-mcp/daemon.pid
	PIDPath string

	// Timeout is the maximum duration for client-daemon HTTP calls.
	// Default: 30s
	Timeout time.Duration

	// ShutdownGracePeriod is the time to wait for graceful shutdown.
	// Default: 5s, matching Root.Shutdown's deadline.
	ShutdownGracePeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}

	stateDir := filepath.Join(home, ".folder-mcp")

	return Config{
		HTTPAddr:            "127.0.0.1:7848",
		PIDPath:             filepath.Join(stateDir, "daemon.pid"),
		Timeout:             30 * time.Second,
		ShutdownGracePeriod: 5 * time.Second,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP address cannot be empty")
	}
	if c.PIDPath == "" {
		return fmt.Errorf("PID path cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	return nil
}

// EnsureDir creates the directory for the PID file if it doesn't exist.
func (c Config) EnsureDir() error {
	if err := os.MkdirAll(filepath.Dir(c.PIDPath), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	return nil
}

// baseURL derives the client's HTTP base URL from the configured listen
// address. An address with no host (":7848") is dialed via loopback.
func (c Config) baseURL() string {
	addr := c.HTTPAddr
	if len(addr) > 0 && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
