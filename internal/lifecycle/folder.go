package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/folder-mcp/daemon/internal/chunk"
	"github.com/folder-mcp/daemon/internal/embed"
	"github.com/folder-mcp/daemon/internal/errors"
	"github.com/folder-mcp/daemon/internal/index"
	"github.com/folder-mcp/daemon/internal/scheduler"
	"github.com/folder-mcp/daemon/internal/store"
	"github.com/folder-mcp/daemon/internal/watcher"
)

// State is one state of the per-folder lifecycle state machine (§4.1).
type State string

// watcherStartGrace bounds how long startWatching waits for an early setup
// error from the watcher's blocking Start call before proceeding with
// reconciliation anyway.
const watcherStartGrace = 200 * time.Millisecond

const (
	StatePending          State = "pending"
	StateDownloadingModel State = "downloading-model"
	StateScanning         State = "scanning"
	StateReady            State = "ready"
	StateIndexing         State = "indexing"
	StateIndexed          State = "indexed"
	StateWatching         State = "watching"
	StateError            State = "error"
	StateRemoved          State = "removed"
)

// rank gives the monotonic ordering §8 requires of FMDM observers: a client
// must never see a folder's state regress, only repeat or advance. error and
// removed sit outside the happy-path ordering entirely.
var rank = map[State]int{
	StatePending:          0,
	StateDownloadingModel: 1,
	StateScanning:         2,
	StateReady:            3,
	StateIndexing:         4,
	StateIndexed:          5,
	StateWatching:         6,
}

// Notification is a per-document or per-chunk transient failure recorded
// against a folder without failing the folder itself (§4.1, §7: "a single
// chunk-level failure does not transition to error").
type Notification struct {
	Path    string
	Message string
	At      time.Time
}

// RuntimeState is the "Folder runtime state" value of §3, mutated only by
// the Manager that owns it.
type RuntimeState struct {
	Path          string
	ModelID       string
	State         State
	Progress      *float64
	LastError     string
	LastIndexedAt time.Time
	DocumentCount int
	ChunkCount    int
	Notifications []Notification
}

func (s RuntimeState) clone() RuntimeState {
	out := s
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	out.Notifications = append([]Notification(nil), s.Notifications...)
	return out
}

// ModelInstaller performs the downloading-model state's side effect:
// ensuring a folder's configured embedding model is installed and usable,
// reporting fractional [0,1] progress as it goes. Implementations may be a
// no-op for models that are always installed (e.g. bundled accelerated
// models) or may shell out to an external runtime (e.g. Ollama, §9).
type ModelInstaller interface {
	EnsureInstalled(ctx context.Context, modelID string, progress func(fraction float64)) error
}

// noopInstaller is used for models whose descriptor already reports
// Installed == true: the registry will load them lazily on first use, there
// is no separate download step.
type noopInstaller struct{}

func (noopInstaller) EnsureInstalled(context.Context, string, func(float64)) error { return nil }

// OllamaModelInstaller adapts an OllamaManager to ModelInstaller for models
// backed by a local Ollama runtime (§4.1 "downloading-model" ↔ ollama.go's
// EnsureReady: check install → start → wait-ready → pull, with streaming
// progress).
type OllamaModelInstaller struct {
	mgr *OllamaManager
}

// NewOllamaModelInstaller wraps mgr (or a default-constructed one if nil).
func NewOllamaModelInstaller(mgr *OllamaManager) *OllamaModelInstaller {
	if mgr == nil {
		mgr = NewOllamaManager()
	}
	return &OllamaModelInstaller{mgr: mgr}
}

func (o *OllamaModelInstaller) EnsureInstalled(ctx context.Context, modelID string, progress func(float64)) error {
	opts := DefaultEnsureOpts()
	opts.Stdout = io.Discard
	opts.Stderr = io.Discard
	opts.ProgressFunc = func(p PullProgress) {
		if progress == nil {
			return
		}
		if p.Total > 0 {
			progress(p.Percent / 100)
		}
	}
	return o.mgr.EnsureReady(ctx, modelID, opts)
}

// Config is the static wiring a Manager needs to drive one folder through
// its lifecycle. Fields shared across folders (Registry, Scheduler) are
// owned by the daemon root and passed down by reference, never back-referenced
// (REDESIGN FLAGS: no component holds a pointer to its owner).
type Config struct {
	FolderPath string
	DataDir    string
	ModelID    string

	Metadata   store.MetadataStore
	Registry   *embed.Registry
	Scheduler  *scheduler.Scheduler
	Chunker    *chunk.OverlapChunker
	ContextGen index.ContextGenerator
	Installer  ModelInstaller

	WatcherFactory func(opts watcher.Options) (watcher.Watcher, error)

	// OnChange is called after every runtime-state mutation, in order, on
	// the Manager's own goroutine; it must not block. nil is valid before
	// anything (C9) is listening.
	OnChange func(RuntimeState)

	Clock func() time.Time
}

// Manager is the per-folder lifecycle state machine (§2 C8). It composes
// the document store (C1), the indexing pipeline (C6), the file watcher
// (C7), and the model-download side effect into the single state machine
// described in §4.1.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	state RuntimeState

	pipeline    *index.Pipeline
	coordinator *index.Coordinator
	watch       watcher.Watcher

	cancel context.CancelFunc
	done   chan struct{}
}

// ProjectID derives the store-facing identifier for path the way §3's
// Project.ID comment specifies: SHA256 of the absolute path.
func ProjectID(path string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	return hex.EncodeToString(sum[:])
}

// NewManager constructs a Manager for one folder, in StatePending. Call Run
// to drive it; Run blocks until the folder reaches removed or ctx is
// cancelled.
func NewManager(cfg Config) *Manager {
	if cfg.Installer == nil {
		cfg.Installer = noopInstaller{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		cfg: cfg,
		state: RuntimeState{
			Path:    cfg.FolderPath,
			ModelID: cfg.ModelID,
			State:   StatePending,
		},
	}
}

// State returns a snapshot of the current runtime state. Safe for
// concurrent use; the returned value shares no mutable state with the
// Manager (query callers, §2 C11, read this without synchronizing on the
// lifecycle routine).
func (m *Manager) State() RuntimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// transition mutates the runtime state and notifies OnChange. Callers hold
// no lock; transition takes and releases mu itself so OnChange never runs
// while mu is held.
func (m *Manager) transition(mutate func(*RuntimeState)) {
	m.mu.Lock()
	mutate(&m.state)
	snapshot := m.state.clone()
	m.mu.Unlock()

	if m.cfg.OnChange != nil {
		m.cfg.OnChange(snapshot)
	}
}

func (m *Manager) setState(s State) {
	m.transition(func(rs *RuntimeState) { rs.State = s })
}

func (m *Manager) fail(err error) {
	slog.Error("folder lifecycle entered error state",
		slog.String("path", m.cfg.FolderPath),
		slog.String("error", err.Error()))
	m.transition(func(rs *RuntimeState) {
		rs.State = StateError
		rs.LastError = err.Error()
	})
}

// Run drives the folder from its current state to watching (or error), then
// keeps it there reacting to watcher events until ctx is cancelled or Remove
// is called. It is intended to run on its own goroutine, one per folder
// (§5's "one lifecycle routine per folder").
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()
	defer close(m.done)

	if err := m.recoverOnStartup(runCtx); err != nil {
		m.fail(err)
		return err
	}

	for {
		current := m.State().State
		switch current {
		case StatePending:
			if err := m.runDownloadModel(runCtx); err != nil {
				m.fail(err)
				return err
			}
		case StateDownloadingModel:
			// Only reached if recoverOnStartup or a retry leaves us here;
			// re-drive from the top of the download step.
			if err := m.downloadModel(runCtx); err != nil {
				m.fail(err)
				return err
			}
			m.setState(StateScanning)
		case StateScanning:
			if err := m.openStore(runCtx); err != nil {
				m.fail(err)
				return err
			}
			m.setState(StateReady)
		case StateReady:
			m.setState(StateIndexing)
		case StateIndexing:
			m.runIndexing(runCtx)
			// runIndexing never fails the folder for per-document errors
			// (§4.1); it transitions to indexed itself, or to error only
			// for a fatal pipeline failure, which already returned above.
			if m.State().State == StateError {
				return fmt.Errorf("folder %s: indexing failed", m.cfg.FolderPath)
			}
		case StateIndexed:
			m.setState(StateWatching)
			if err := m.startWatching(runCtx); err != nil {
				m.fail(err)
				return err
			}
		case StateWatching:
			// Blocks until context cancellation, removal, or a watcher
			// event moves us back to indexing.
			if err := m.watchLoop(runCtx); err != nil {
				if runCtx.Err() != nil {
					return nil
				}
				m.fail(err)
				return err
			}
		case StateError, StateRemoved:
			return nil
		default:
			return fmt.Errorf("folder %s: unknown lifecycle state %q", m.cfg.FolderPath, current)
		}

		select {
		case <-runCtx.Done():
			return nil
		default:
		}
	}
}

// recoverOnStartup implements §4.1's restart recovery: if the folder's
// store already has documents, skip straight to reconciling filesystem
// drift rather than re-downloading a model that is plainly already in use.
func (m *Manager) recoverOnStartup(ctx context.Context) error {
	if m.cfg.Metadata == nil {
		return nil
	}
	project, err := m.cfg.Metadata.GetProject(ctx, ProjectID(m.cfg.FolderPath))
	if err != nil {
		// Not found (or any lookup failure) just means "no prior state";
		// the normal pending → downloading-model path applies.
		return nil
	}
	if project.FileCount > 0 {
		m.transition(func(rs *RuntimeState) {
			rs.State = StateScanning
			rs.DocumentCount = project.FileCount
			rs.ChunkCount = project.ChunkCount
			rs.LastIndexedAt = project.IndexedAt
		})
	}
	return nil
}

// runDownloadModel enters downloading-model (unless the model is already
// installed, in which case it's skipped entirely) then advances to scanning.
func (m *Manager) runDownloadModel(ctx context.Context) error {
	installed := m.cfg.Registry == nil || m.cfg.Registry.ProbeInstalled(m.cfg.ModelID)
	if installed {
		m.setState(StateScanning)
		return nil
	}

	m.setState(StateDownloadingModel)
	if err := m.downloadModel(ctx); err != nil {
		return err
	}
	m.setState(StateScanning)
	return nil
}

func (m *Manager) downloadModel(ctx context.Context) error {
	var lastReport time.Time
	err := m.cfg.Installer.EnsureInstalled(ctx, m.cfg.ModelID, func(fraction float64) {
		now := m.cfg.Clock()
		if now.Sub(lastReport) < index.ProgressMinInterval {
			return
		}
		lastReport = now
		m.transition(func(rs *RuntimeState) { rs.Progress = &fraction })
	})
	if err != nil {
		return errors.New(errors.ErrCodeModelDownload, fmt.Sprintf("install model %s", m.cfg.ModelID), err)
	}
	m.transition(func(rs *RuntimeState) { rs.Progress = nil })
	return nil
}

// openStore opens (and implicitly migrates, via the constructor) the
// folder's document store, enumerates its current file set, and builds the
// pipeline/coordinator pair that the rest of the lifecycle drives. A
// failure here is fatal (§7: "migration/open failure... corrupt store is
// never silently recreated").
func (m *Manager) openStore(ctx context.Context) error {
	retryCfg := errors.DefaultRetryConfig()
	retryCfg.MaxRetries = 2

	err := errors.Retry(ctx, retryCfg, func() error {
		if m.cfg.Metadata == nil {
			return fmt.Errorf("no metadata store configured for folder %s", m.cfg.FolderPath)
		}
		project, lookupErr := m.cfg.Metadata.GetProject(ctx, ProjectID(m.cfg.FolderPath))
		if lookupErr != nil {
			project = &store.Project{
				ID:       ProjectID(m.cfg.FolderPath),
				Name:     filepath.Base(m.cfg.FolderPath),
				RootPath: m.cfg.FolderPath,
				Version:  "1",
			}
			return m.cfg.Metadata.SaveProject(ctx, project)
		}
		return nil
	})
	if err != nil {
		return errors.New(errors.ErrCodeCorruptIndex, "open/migrate folder store", err)
	}

	m.pipeline = &index.Pipeline{
		FolderID:   ProjectID(m.cfg.FolderPath),
		RootPath:   m.cfg.FolderPath,
		Metadata:   m.cfg.Metadata,
		Chunker:    m.cfg.Chunker,
		Registry:   m.cfg.Registry,
		Scheduler:  m.cfg.Scheduler,
		ModelID:    m.cfg.ModelID,
		ContextGen: m.cfg.ContextGen,
	}
	m.coordinator = index.NewCoordinator(index.CoordinatorConfig{
		ProjectID: ProjectID(m.cfg.FolderPath),
		RootPath:  m.cfg.FolderPath,
		DataDir:   m.cfg.DataDir,
		Pipeline:  m.pipeline,
		Metadata:  m.cfg.Metadata,
	})
	return nil
}

// runIndexing runs the pipeline's full plan→extract→chunk→embed→persist
// pass, polling its progress tracker at the §4.1-mandated ≥250ms cadence and
// forwarding fractional progress to OnChange. A per-document failure inside
// Pipeline.Run is recorded by the pipeline itself and does not reach here as
// an error (§4.4 step 2, §7); only a fatal pipeline error does.
func (m *Manager) runIndexing(ctx context.Context) {
	if m.pipeline == nil {
		m.fail(fmt.Errorf("folder %s: indexing requested before store was opened", m.cfg.FolderPath))
		return
	}

	progressDone := make(chan struct{})
	go m.reportIndexingProgress(ctx, progressDone)

	runErr := m.pipeline.Run(ctx)
	close(progressDone)

	if runErr != nil {
		m.fail(errors.New(errors.ErrCodeIndexFailed, "indexing pipeline", runErr))
		return
	}

	snap := m.pipeline.Progress().Snapshot()
	m.transition(func(rs *RuntimeState) {
		rs.State = StateIndexed
		rs.Progress = nil
		rs.DocumentCount = snap.FilesProcessed
		rs.ChunkCount = snap.ChunksIndexed
		rs.LastIndexedAt = m.cfg.Clock()
	})
}

func (m *Manager) reportIndexingProgress(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(index.ProgressMinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			snap := m.pipeline.Progress().Snapshot()
			fraction := snap.ProgressPct / 100
			m.transition(func(rs *RuntimeState) {
				rs.Progress = &fraction
				rs.DocumentCount = snap.FilesProcessed
				rs.ChunkCount = snap.ChunksIndexed
			})
		}
	}
}

// startWatching constructs the folder's watcher, pausing it for the
// duration of ReconcileFilesOnStartup so the live event stream can't race
// the initial reconciliation pass (§4.5's "must be pausable... drained when
// it ends"), then resumes it.
func (m *Manager) startWatching(ctx context.Context) error {
	if m.cfg.WatcherFactory == nil {
		return nil
	}
	w, err := m.cfg.WatcherFactory(watcher.DefaultOptions())
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.Pause()

	// Start blocks for the watcher's lifetime (it returns when ctx is
	// cancelled or Stop is called), so it runs on its own goroutine; only
	// setup failures occurring within the grace window are surfaced here,
	// matching §5's "one watcher routine per folder".
	startErr := make(chan error, 1)
	go func() { startErr <- w.Start(ctx, m.cfg.FolderPath) }()

	select {
	case err := <-startErr:
		if err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	case <-time.After(watcherStartGrace):
	}

	if m.coordinator != nil {
		if err := m.coordinator.ReconcileFilesOnStartup(ctx); err != nil {
			slog.Warn("startup reconciliation failed", slog.String("path", m.cfg.FolderPath), slog.String("error", err.Error()))
		}
	}
	w.Resume()

	m.mu.Lock()
	m.watch = w
	m.mu.Unlock()
	return nil
}

// watchLoop consumes debounced batches from the watcher and hands them to
// the coordinator, reporting back into indexing whenever a batch lands so
// observers see the watching→indexing→indexed cycle §4.1 describes. It
// returns when the watcher's channels close or ctx is cancelled.
func (m *Manager) watchLoop(ctx context.Context) error {
	m.mu.Lock()
	w := m.watch
	m.mu.Unlock()
	if w == nil {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case events, ok := <-w.Events():
			if !ok {
				return nil
			}
			m.setState(StateIndexing)
			if m.coordinator != nil {
				if err := m.coordinator.HandleEvents(ctx, events); err != nil {
					m.transition(func(rs *RuntimeState) {
						rs.Notifications = append(rs.Notifications, Notification{
							Message: err.Error(),
							At:      m.cfg.Clock(),
						})
					})
				}
			}
			m.setState(StateIndexed)
			m.setState(StateWatching)
		case err, ok := <-w.Errors():
			if !ok {
				continue
			}
			slog.Warn("watcher error", slog.String("path", m.cfg.FolderPath), slog.String("error", err.Error()))
		}
	}
}

// Remove transitions the folder to removed from any state: it stops the
// watcher, cancels outstanding scheduler tasks tagged with this folder,
// closes the store, and returns once the lifecycle routine has exited
// (§4.1's "any state → removed").
func (m *Manager) Remove() {
	m.mu.Lock()
	w := m.watch
	cancel := m.cancel
	done := m.done
	metadata := m.cfg.Metadata
	m.mu.Unlock()

	if w != nil {
		_ = w.Stop()
	}
	if m.cfg.Scheduler != nil {
		m.cfg.Scheduler.CancelFolder(ProjectID(m.cfg.FolderPath))
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if metadata != nil {
		_ = metadata.Close()
	}

	m.transition(func(rs *RuntimeState) {
		rs.State = StateRemoved
		rs.Progress = nil
	})
}

// Rank reports the monotonic ordering position of s for observers verifying
// §8's "FMDM snapshots observed by a single client are monotonic per
// folder" invariant. error and removed report -1: they are terminal, not
// part of the ordered progression.
func Rank(s State) int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}
