package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loom-run/loom/internal/engine"
	"github.com/loom-run/loom/internal/types"
)

// WorkflowRegistry holds the workflow definitions the server can run,
// keyed by workflow id. Registration happens at startup; lookups happen on
// every request.
type WorkflowRegistry struct {
	mu        sync.RWMutex
	workflows map[string]*engine.Workflow
}

// NewWorkflowRegistry creates an empty registry.
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{workflows: make(map[string]*engine.Workflow)}
}

// Register adds a workflow. Re-registering an id is an error; definitions
// are immutable once exposed.
func (r *WorkflowRegistry) Register(wf *engine.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[wf.ID()]; exists {
		return fmt.Errorf("workflow %q is already registered", wf.ID())
	}
	r.workflows[wf.ID()] = wf
	return nil
}

// Get returns the workflow for id, or nil.
func (r *WorkflowRegistry) Get(id string) *engine.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflows[id]
}

// IDs returns the registered workflow ids, sorted.
func (r *WorkflowRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// runEntry tracks one run and its latest reported result.
type runEntry struct {
	run        *engine.Run
	mu         sync.Mutex
	lastResult *engine.RunResult
	finishedAt time.Time
}

func (e *runEntry) setResult(result *engine.RunResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastResult = result
	if result.Status.IsTerminal() {
		e.finishedAt = time.Now()
	}
}

func (e *runEntry) result() *engine.RunResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// RunRegistry keeps live and recently finished runs addressable by id so
// that resume and status requests can find them. Finished runs are evicted
// after the retention window.
type RunRegistry struct {
	mu        sync.RWMutex
	runs      map[types.ID]*runEntry
	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewRunRegistry creates a registry evicting finished runs after retention.
func NewRunRegistry(retention time.Duration) *RunRegistry {
	r := &RunRegistry{
		runs:      make(map[types.ID]*runEntry),
		retention: retention,
		stop:      make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Add registers a run and returns its entry.
func (r *RunRegistry) Add(run *engine.Run) *runEntry {
	entry := &runEntry{run: run}
	r.mu.Lock()
	r.runs[run.ID()] = entry
	r.mu.Unlock()
	return entry
}

// Get returns the entry for a run id, or nil.
func (r *RunRegistry) Get(id types.ID) *runEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs[id]
}

// Len returns the number of tracked runs.
func (r *RunRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Close stops the eviction sweeper.
func (r *RunRegistry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *RunRegistry) sweep() {
	interval := r.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.evict(now)
		}
	}
}

func (r *RunRegistry) evict(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.runs {
		entry.mu.Lock()
		expired := !entry.finishedAt.IsZero() && now.Sub(entry.finishedAt) > r.retention
		entry.mu.Unlock()
		if expired {
			delete(r.runs, id)
		}
	}
}
