package image

import (
	"fmt"
	"sort"
	"sync"
)

// Entry pairs a mount path with its canonical handle.
type Entry struct {
	MountPath string
	Handle    Handle
}

// Registry is the ordered mapping from mount path to image handle. It is
// the single source of truth every pipeline phase after mounting consults.
// Entries are appended during the mount phase and only removed during the
// final unmount.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Handle
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Handle)}
}

// Add records a mounted image. Within one job no two concurrently mounted
// entities may share a handle; duplicates are rejected.
func (r *Registry) Add(mountPath string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[mountPath]; ok {
		return fmt.Errorf("mount path %s already registered", mountPath)
	}
	key := h.String()
	for _, existing := range r.entries {
		if existing.String() == key {
			return fmt.Errorf("image handle %s already registered", key)
		}
	}
	r.entries[mountPath] = h
	return nil
}

// Remove drops an entry during final unmount.
func (r *Registry) Remove(mountPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, mountPath)
}

// Entries returns all entries sorted by handle string, so downstream
// iteration order is deterministic.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for path, h := range r.entries {
		out = append(out, Entry{MountPath: path, Handle: h})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Handle.String() < out[j].Handle.String()
	})
	return out
}

// Len returns the number of registered images.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
