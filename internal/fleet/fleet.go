// Package fleet aggregates every folder's runtime state and the embedding
// model registry into a single FMDM snapshot (spec §4.7): the one structure
// C10's broadcaster fans out to WebSocket clients and C11 reads folder
// summaries from.
package fleet

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/folder-mcp/daemon/internal/lifecycle"
	"github.com/folder-mcp/daemon/internal/store"
)

// DaemonInfo is the `daemon` field of the FMDM (§4.7).
type DaemonInfo struct {
	PID     int       `json:"pid"`
	Version string    `json:"version"`
	Started time.Time `json:"started"`
}

// Uptime reports how long the daemon has been running, as of now.
func (d DaemonInfo) Uptime() time.Duration {
	return time.Since(d.Started)
}

// Snapshot is the FMDM: `{ folders, models, daemon }` (§4.7). It is
// replaced atomically on every mutation; holders of a Snapshot value never
// see it change underneath them (copy-on-write, §5 "Shared-resource policy").
type Snapshot struct {
	Folders []lifecycle.RuntimeState `json:"folders"`
	Models  []store.ModelDescriptor  `json:"models"`
	Daemon  DaemonInfo               `json:"daemon"`
}

// ModelLister reports the embedding models currently known to C4.
type ModelLister func() []store.ModelDescriptor

// Aggregator owns the FMDM. It subscribes to every folder's lifecycle
// callback (the OnChange seam of internal/lifecycle) and to the model
// registry's listing, and republishes a fresh Snapshot after each change.
type Aggregator struct {
	mu      sync.Mutex
	folders map[string]lifecycle.RuntimeState // keyed by folder path
	models  ModelLister
	daemon  DaemonInfo

	current atomic.Pointer[Snapshot]

	subMu sync.Mutex
	subs  map[int]chan Snapshot
	nextSub int
}

// NewAggregator constructs an Aggregator. modelLister may be nil, in which
// case the FMDM always reports an empty model list.
func NewAggregator(version string, modelLister ModelLister) *Aggregator {
	if modelLister == nil {
		modelLister = func() []store.ModelDescriptor { return nil }
	}
	a := &Aggregator{
		folders: make(map[string]lifecycle.RuntimeState),
		models:  modelLister,
		daemon: DaemonInfo{
			PID:     os.Getpid(),
			Version: version,
			Started: time.Now(),
		},
		subs: make(map[int]chan Snapshot),
	}
	a.publish()
	return a
}

// OnChange returns a callback suitable for lifecycle.Config.OnChange: every
// folder registered through this method feeds the shared FMDM.
func (a *Aggregator) OnChange(path string) func(lifecycle.RuntimeState) {
	return func(rs lifecycle.RuntimeState) {
		a.mu.Lock()
		a.folders[path] = rs
		a.mu.Unlock()
		a.publish()
	}
}

// Forget removes a folder from the FMDM, e.g. after lifecycle.Manager.Remove.
func (a *Aggregator) Forget(path string) {
	a.mu.Lock()
	delete(a.folders, path)
	a.mu.Unlock()
	a.publish()
}

// Snapshot returns the current FMDM. Safe for concurrent use; the returned
// value is never mutated in place.
func (a *Aggregator) Snapshot() Snapshot {
	if s := a.current.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// Subscribe registers for a copy of every future snapshot. The returned
// channel is buffered so a slow consumer cannot block publish(); it drops
// (never blocks) when full, matching §4.7's "coalescing intermediate states
// is allowed" guarantee. cancel unsubscribes and closes the channel.
func (a *Aggregator) Subscribe() (ch <-chan Snapshot, cancel func()) {
	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	c := make(chan Snapshot, 8)
	a.subs[id] = c
	a.subMu.Unlock()

	return c, func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if existing, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(existing)
		}
	}
}

func (a *Aggregator) publish() {
	a.mu.Lock()
	folders := make([]lifecycle.RuntimeState, 0, len(a.folders))
	for _, rs := range a.folders {
		folders = append(folders, rs)
	}
	a.mu.Unlock()

	snap := &Snapshot{
		Folders: folders,
		Models:  a.models(),
		Daemon:  a.daemon,
	}
	a.current.Store(snap)

	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, c := range a.subs {
		select {
		case c <- *snap:
		default:
			// Slow consumer: drop this update, it will see the next one or
			// can re-sync via Snapshot(). Monotonicity per folder still
			// holds because RuntimeState itself never regresses (C8 §8).
		}
	}
}
