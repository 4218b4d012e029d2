package engine

import "sync"

// Store is a key/value space scoped to one run and visible to every step of
// that run. Sequential steps never touch it concurrently; during a
// concurrent-group fan-out all children share the same Store, so concurrent
// writes to the same key are the caller's hazard to manage even though
// individual operations are mutex-guarded.
type Store struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewStore creates an empty run-scoped store.
func NewStore() *Store {
	return &Store{m: make(map[string]any)}
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Set stores value under key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Keys returns a snapshot of the stored keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

// Metadata is the mutable per-run metadata map. It starts as a structural
// deep copy of the workflow defaults (or the caller's override) so that no
// two runs ever share metadata state.
type Metadata struct {
	mu sync.RWMutex
	m  map[string]any
}

func newMetadata(src map[string]any) *Metadata {
	copied, _ := deepCopyValue(src).(map[string]any)
	if copied == nil {
		copied = make(map[string]any)
	}
	return &Metadata{m: copied}
}

// Get returns the value for key and whether it was present.
func (md *Metadata) Get(key string) (any, bool) {
	md.mu.RLock()
	defer md.mu.RUnlock()
	v, ok := md.m[key]
	return v, ok
}

// Set stores value under key.
func (md *Metadata) Set(key string, value any) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.m[key] = value
}

// Snapshot returns a deep copy of the current metadata, safe to attach to
// events and results without aliasing the live map.
func (md *Metadata) Snapshot() map[string]any {
	md.mu.RLock()
	defer md.mu.RUnlock()
	copied, _ := deepCopyValue(md.m).(map[string]any)
	return copied
}

// deepCopyValue structurally copies maps and slices; scalars and any other
// values (including pointers the caller chose to store) pass through as-is.
func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = deepCopyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}

// StepIO is the last recorded input/output pair for a step id, kept so that
// later steps (human request builders in particular) can summarize what has
// already happened in the run.
type StepIO struct {
	Input  any `json:"input,omitempty"`
	Output any `json:"output,omitempty"`
}
