// Package registry holds the process-wide mapping from call id to live session.
package registry

import (
	"sort"
	"sync"
)

// Registry is a concurrency-safe map keyed by call id. It never holds two
// entries for the same id; removal is compare-and-delete so a stale owner
// cannot evict a newer session.
type Registry[T comparable] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// New creates an empty registry.
func New[T comparable]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]T)}
}

// Insert adds v under id if no entry exists. It returns false (and leaves the
// existing entry in place) when id is already registered.
func (r *Registry[T]) Insert(id string, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]T)
	}
	if _, exists := r.entries[id]; exists {
		return false
	}
	r.entries[id] = v
	return true
}

// Get returns the entry for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	return v, ok
}

// RemoveIf deletes id only while it still maps to v. Reports whether it deleted.
func (r *Registry[T]) RemoveIf(id string, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[id]
	if !ok || cur != v {
		return false
	}
	delete(r.entries, id)
	return true
}

// Count returns the number of live entries.
func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the live entries ordered by id.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id])
	}
	r.mu.RUnlock()
	return out
}
