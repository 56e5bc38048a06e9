// Package scheduler implements the model scheduler / task queue (§2 C5): one
// cooperative worker per model, serializing all compute against that model
// and distinguishing interactive `search` tasks from batch `index` tasks.
package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	amanerrors "github.com/folder-mcp/daemon/internal/errors"
)

// TaskKind distinguishes the two task shapes §4.3 defines.
type TaskKind string

const (
	// TaskSearch is a single caller-provided closure — interactive, short.
	TaskSearch TaskKind = "search"
	// TaskIndex is a submitted batch of texts to embed — batch, long.
	TaskIndex TaskKind = "index"
)

// DefaultIdleWindow is the keep-alive idle-eviction window (§4.3 rule 3).
const DefaultIdleWindow = 5 * time.Minute

// DefaultIndexQueueWatermark bounds queued index batches before C6 must
// suspend submission (§4.3 rule 4).
const DefaultIndexQueueWatermark = 8

// DefaultMaxRetries mirrors the teacher's default retry budget (§4.3 rule 6).
const DefaultMaxRetries = 3

// errCodeEmbeddingFailed reuses the teacher's error taxonomy (internal/errors)
// rather than minting a new code for this package.
const errCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"

// SearchFunc is the caller-provided closure for a `search` task.
type SearchFunc func(ctx context.Context) error

// EmbedFunc embeds a batch of texts against the task's model.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Unloader requests that C4 release a model (keep-alive eviction and
// failure-isolation both call this).
type Unloader interface {
	Unload(id string) error
}

type task struct {
	kind     TaskKind
	folder   string
	texts    []string
	search   SearchFunc
	embed    EmbedFunc
	resultCh chan taskResult
}

type taskResult struct {
	vectors [][]float32
	err     error
}

// modelWorker owns the single cooperative goroutine for one model.
type modelWorker struct {
	id       string
	mu       sync.Mutex
	searchQ  *list.List // FIFO of *task, TaskSearch
	indexQ   *list.List // FIFO of *task, TaskIndex
	wake     chan struct{}
	lastUsed time.Time
	quota    chan struct{} // buffered; a token must be held to queue an index task
	done     chan struct{}
}

// Scheduler is the C5 model scheduler/task queue: one modelWorker per model
// id, created lazily on first submission.
type Scheduler struct {
	mu          sync.Mutex
	workers     map[string]*modelWorker
	unloader    Unloader
	idleWindow  time.Duration
	watermark   int
	retryConfig amanerrors.RetryConfig
	now         func() time.Time
}

// New creates a Scheduler. unloader is called when a model's idle timer
// expires or a worker crashes (§4.3 rules 3 and 6).
func New(unloader Unloader) *Scheduler {
	return &Scheduler{
		workers:     make(map[string]*modelWorker),
		unloader:    unloader,
		idleWindow:  DefaultIdleWindow,
		watermark:   DefaultIndexQueueWatermark,
		retryConfig: amanerrors.DefaultRetryConfig(),
		now:         time.Now,
	}
}

func (s *Scheduler) worker(id string) *modelWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		w = &modelWorker{
			id:       id,
			searchQ:  list.New(),
			indexQ:   list.New(),
			wake:     make(chan struct{}, 1),
			quota:    make(chan struct{}, s.watermark),
			done:     make(chan struct{}),
			lastUsed: s.now(),
		}
		for i := 0; i < s.watermark; i++ {
			w.quota <- struct{}{}
		}
		s.workers[id] = w
		go s.run(w)
	}
	return w
}

// Submit runs f exclusively against model id, pre-empting ahead of any
// queued index batches for that model (§4.3 rule 2), and resets the model's
// idle timer (§4.3 rule 3).
func (s *Scheduler) Submit(ctx context.Context, modelID string, f SearchFunc) error {
	w := s.worker(modelID)
	t := &task{kind: TaskSearch, search: f, resultCh: make(chan taskResult, 1)}

	w.mu.Lock()
	w.searchQ.PushBack(t)
	w.lastUsed = s.now()
	w.mu.Unlock()
	s.poke(w)

	select {
	case r := <-t.resultCh:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitBatch enqueues an `index` batch for model id, tagged with folder for
// cancellation (§4.3 rule 5). Blocks until a quota slot is available
// (backpressure, §4.3 rule 4) or ctx is cancelled.
func (s *Scheduler) SubmitBatch(ctx context.Context, modelID, folder string, texts []string, embed EmbedFunc) ([][]float32, error) {
	w := s.worker(modelID)

	select {
	case <-w.quota:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t := &task{kind: TaskIndex, folder: folder, texts: texts, embed: embed, resultCh: make(chan taskResult, 1)}
	w.mu.Lock()
	w.indexQ.PushBack(t)
	w.mu.Unlock()
	s.poke(w)

	select {
	case r := <-t.resultCh:
		w.quota <- struct{}{}
		return r.vectors, r.err
	case <-ctx.Done():
		w.quota <- struct{}{}
		return nil, ctx.Err()
	}
}

// SubmitBatchWithRetry wraps SubmitBatch with the scheduler's retry budget
// (§4.3 rule 6: up to DefaultMaxRetries attempts, exponential backoff). It is
// the entry point C6 should use; SubmitBatch itself stays a single attempt so
// callers that already manage their own retry loop aren't double-retried.
func (s *Scheduler) SubmitBatchWithRetry(ctx context.Context, modelID, folder string, texts []string, embed EmbedFunc) ([][]float32, error) {
	return amanerrors.RetryWithResult(ctx, s.retryConfig, func() ([][]float32, error) {
		return s.SubmitBatch(ctx, modelID, folder, texts, embed)
	})
}

// QuotaAvailable reports whether model id currently has index-submission
// headroom (§4.3 rule 4's "quota available" signal).
func (s *Scheduler) QuotaAvailable(modelID string) bool {
	w := s.worker(modelID)
	return len(w.quota) > 0
}

// CancelFolder removes all pending (not yet started) index tasks tagged with
// folder from every model's queue. In-flight tasks run to completion (§4.3
// rule 5).
func (s *Scheduler) CancelFolder(folder string) {
	s.mu.Lock()
	workers := make([]*modelWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		var next *list.Element
		for e := w.indexQ.Front(); e != nil; e = next {
			next = e.Next()
			if t := e.Value.(*task); t.folder == folder {
				w.indexQ.Remove(e)
				t.resultCh <- taskResult{err: fmt.Errorf("folder %s removed: task cancelled", folder)}
			}
		}
		w.mu.Unlock()
	}
}

func (s *Scheduler) poke(w *modelWorker) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run is the per-model cooperative worker loop: mutual exclusion falls out
// of running one task at a time in one goroutine (§4.3 rule 1).
func (s *Scheduler) run(w *modelWorker) {
	idleTimer := time.NewTimer(s.idleWindow)
	defer idleTimer.Stop()

	for {
		select {
		case <-w.wake:
			idleTimer.Reset(s.idleWindow)
			s.drain(w)
		case <-idleTimer.C:
			if s.isIdle(w) {
				if s.unloader != nil {
					_ = s.unloader.Unload(w.id)
				}
			}
			idleTimer.Reset(s.idleWindow)
		case <-w.done:
			return
		}
	}
}

func (s *Scheduler) isIdle(w *modelWorker) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return s.now().Sub(w.lastUsed) >= s.idleWindow
}

// drain executes every currently queued task, always preferring `search`
// tasks over `index` tasks (§4.3 rule 2) but never interrupting a batch
// already in flight — drain only pops the next task once the previous one
// has fully returned.
func (s *Scheduler) drain(w *modelWorker) {
	for {
		t := s.nextTask(w)
		if t == nil {
			return
		}
		s.execute(w, t)
	}
}

func (s *Scheduler) nextTask(w *modelWorker) *task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e := w.searchQ.Front(); e != nil {
		w.searchQ.Remove(e)
		return e.Value.(*task)
	}
	if e := w.indexQ.Front(); e != nil {
		w.indexQ.Remove(e)
		return e.Value.(*task)
	}
	return nil
}

func (s *Scheduler) execute(w *modelWorker, t *task) {
	ctx := context.Background()
	w.mu.Lock()
	w.lastUsed = s.now()
	w.mu.Unlock()

	switch t.kind {
	case TaskSearch:
		err := s.runWithRecover(func() error { return t.search(ctx) })
		t.resultCh <- taskResult{err: err}
	case TaskIndex:
		// Failure isolation (§4.3 rule 6): the task is handed a single attempt;
		// on failure the model is unloaded (a worker crash invalidates the
		// handle) and the caller gets back a typed, Retryable error. Callers
		// (C6) resubmit up to DefaultMaxRetries times using amanerrors.Retry
		// for the exponential backoff, rather than the worker blocking other
		// queued tasks while it backs off in place.
		var vectors [][]float32
		err := s.runWithRecover(func() error {
			v, e := t.embed(ctx, t.texts)
			vectors = v
			return e
		})
		if err != nil {
			if s.unloader != nil {
				_ = s.unloader.Unload(w.id)
			}
			err = amanerrors.New(errCodeEmbeddingFailed, "embedding batch failed", err).WithDetail("model", w.id)
		}
		t.resultCh <- taskResult{vectors: vectors, err: err}
	}
}

// runWithRecover converts a worker-goroutine panic into a typed failure and
// marks the model un-loaded for the caller's benefit (§4.3 rule 6: "a worker
// crash marks the model un-loaded").
func (s *Scheduler) runWithRecover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn()
}
