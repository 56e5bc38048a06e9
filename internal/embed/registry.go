package embed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/folder-mcp/daemon/internal/store"
)

// handleState tracks a registry entry's lifecycle so EnsureLoaded never
// returns a handle that is mid-construction.
type handleState int

const (
	stateLoading handleState = iota
	stateReady
)

// modelHandle is the registry's internal record for one loaded model (§2 C4:
// "owns the set of loaded models, their readiness, and an exclusive-access
// lock per model").
type modelHandle struct {
	id       string
	kind     store.ModelKind
	embedder Embedder
	state    handleState
	lastUsed time.Time
	// ready is closed once the handle transitions to stateReady, letting
	// concurrent EnsureLoaded callers that lost the singleflight race wait
	// for the winner without polling.
	ready chan struct{}
	err   error
}

// ModelFactory constructs an Embedder for a given model id. Swappable for
// tests; production wiring passes a closure around NewEmbedder.
type ModelFactory func(ctx context.Context, id string) (Embedder, store.ModelKind, error)

// Registry is the embedding model registry (§2 C4). It is the sole owner of
// loaded Embedder instances: callers never construct one directly, they call
// EnsureLoaded and get back a handle backed by exactly one live embedder per
// model id, with construction exclusive to one caller even under concurrent
// EnsureLoaded calls for the same id.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*modelHandle
	sf      singleflight.Group
	factory ModelFactory
}

// NewRegistry creates a registry that builds embedders via factory.
func NewRegistry(factory ModelFactory) *Registry {
	return &Registry{
		handles: make(map[string]*modelHandle),
		factory: factory,
	}
}

// EnsureLoaded returns the embedder for id, constructing it if necessary.
// Two-phase locking (§5): the mutex is held only to read/install the handle
// map entry, never across the actual model construction, which can involve
// network I/O (Ollama or MLX server health checks). Concurrent
// callers for the same id are collapsed onto a single construction via
// singleflight.
func (r *Registry) EnsureLoaded(ctx context.Context, id string) (Embedder, error) {
	r.mu.Lock()
	if h, ok := r.handles[id]; ok {
		r.mu.Unlock()
		<-h.ready
		if h.err != nil {
			return nil, h.err
		}
		r.touch(id)
		return h.embedder, nil
	}
	h := &modelHandle{id: id, state: stateLoading, ready: make(chan struct{})}
	r.handles[id] = h
	r.mu.Unlock()

	_, err, _ := r.sf.Do(id, func() (interface{}, error) {
		embedder, kind, ferr := r.factory(ctx, id)

		r.mu.Lock()
		defer r.mu.Unlock()
		if ferr != nil {
			h.err = ferr
			h.state = stateReady
			delete(r.handles, id) // allow a future retry to re-attempt construction
			close(h.ready)
			return nil, ferr
		}
		h.embedder = embedder
		h.kind = kind
		h.state = stateReady
		h.lastUsed = time.Now()
		close(h.ready)
		return embedder, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", id, err)
	}
	return h.embedder, nil
}

// touch refreshes a handle's last-used timestamp (scheduler keep-alive, §4.3 rule 3).
func (r *Registry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		h.lastUsed = time.Now()
	}
}

// ProbeInstalled reports whether id is currently loaded, without triggering a load.
func (r *Registry) ProbeInstalled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return ok && h.state == stateReady && h.err == nil
}

// Unload releases a model's embedder (scheduler idle-eviction, §4.3 rule 3, or
// a worker-crash failure-isolation path, §4.3 rule 6). Safe to call on an
// already-unloaded id.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.handles, id)
	r.mu.Unlock()

	<-h.ready
	if h.embedder == nil {
		return nil
	}
	return h.embedder.Close()
}

// IdleSince reports how long id has sat unused, for the scheduler's keep-alive
// timer (§4.3 rule 3, default 5 min window). Returns false if id isn't loaded.
func (r *Registry) IdleSince(id string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok || h.state != stateReady {
		return 0, false
	}
	return time.Since(h.lastUsed), true
}

// List returns a descriptor for every currently loaded model (§3 ModelDescriptor).
// The FMDM aggregator reads it as its model lister.
func (r *Registry) List() []store.ModelDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]store.ModelDescriptor, 0, len(r.handles))
	for _, h := range r.handles {
		if h.state != stateReady || h.err != nil {
			continue
		}
		out = append(out, store.ModelDescriptor{
			ID:         h.id,
			Kind:       h.kind,
			Dimensions: h.embedder.Dimensions(),
			Installed:  true,
			LastUsed:   h.lastUsed,
		})
	}
	return out
}

// DefaultModelFactory adapts the package's NewEmbedder to the ModelFactory
// shape the registry drives, classifying providers into the two §9 model
// kinds: MLX is labelled "on-device-accelerated", Ollama and the hash-based
// static embedder "on-device-cpu". Both MLX and Ollama are HTTP clients of a
// separately running local server; the registry neither loads a model
// in-process nor starts or reaps a child process.
func DefaultModelFactory(ctx context.Context, id string) (Embedder, store.ModelKind, error) {
	provider, model := parseModelID(id)
	embedder, err := NewEmbedder(ctx, provider, model)
	if err != nil {
		return nil, "", err
	}
	kind := store.ModelKindCPU
	if provider == ProviderMLX {
		kind = store.ModelKindAccelerated
	}
	return embedder, kind, nil
}

// parseModelID splits a registry model id of the form "<provider>:<model>"
// into its provider/model parts, defaulting to provider auto-detection
// (empty ProviderType, see NewEmbedder) when no provider prefix is given.
func parseModelID(id string) (ProviderType, string) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return ProviderType(id[:i]), id[i+1:]
		}
	}
	return "", id
}
