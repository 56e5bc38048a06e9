package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/folder-mcp/daemon/internal/httpapi"
)

// Daemon is the long-running process: a composition Root plus the
// HTTP+WebSocket transport (§6) that serves it, and the folder set it was
// started with.
type Daemon struct {
	cfg     Config
	folders []FolderSpec
	logger  *slog.Logger

	root *Root
}

// NewDaemon builds a daemon for the given folders. The folders aren't
// indexed yet; call Start to wire the composition root and begin serving.
func NewDaemon(cfg Config, folders []FolderSpec) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid daemon config: %w", err)
	}
	return &Daemon{
		cfg:     cfg,
		folders: folders,
		logger:  slog.Default(),
	}, nil
}

// Start wires the composition root, registers every configured folder, and
// blocks serving HTTP+WebSocket until ctx is cancelled (§5 shutdown).
func (d *Daemon) Start(ctx context.Context) error {
	d.root = NewRoot(d.logger)

	for _, f := range d.folders {
		if err := d.root.AddFolder(ctx, f); err != nil {
			return fmt.Errorf("daemon: add folder %s: %w", f.Path, err)
		}
	}

	handler := httpapi.NewServer(d.root.Query, d.root.Issuer, d.root.Fleet, d.root.Hub, d.logger)

	d.logger.Info("daemon listening", slog.String("addr", d.cfg.HTTPAddr), slog.Int("folders", len(d.folders)))

	serveErr := d.root.ServeHTTP(ctx, d.cfg.HTTPAddr, handler)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGracePeriod)
	defer cancel()
	d.root.Shutdown(shutdownCtx)

	return serveErr
}

// Root returns the daemon's composition root, once Start has wired it.
func (d *Daemon) Root() *Root {
	return d.root
}
