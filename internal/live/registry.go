// Package live tracks the in-memory, not-yet-persisted editor buffers of
// open sections and notes, keyed by section or note id. The deletion
// cascade patches these buffers in place so an open editor reflects a
// stripped reference without a reload.
package live

import (
	"sync"

	"fabula/api/internal/content"
)

type Registry struct {
	mu      sync.Mutex
	buffers map[string]content.Tree
	// owners maps a story id to the buffer keys it owns so a whole
	// story's buffers can be dropped at once.
	owners map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		buffers: make(map[string]content.Tree),
		owners:  make(map[string]map[string]struct{}),
	}
}

// Get returns the live buffer for a section or note id, if one is open.
func (r *Registry) Get(id string) (content.Tree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree, ok := r.buffers[id]
	return tree, ok
}

// Set stores the live buffer for a section or note id.
func (r *Registry) Set(storyID, id string, tree content.Tree) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[id] = tree
	keys, ok := r.owners[storyID]
	if !ok {
		keys = make(map[string]struct{})
		r.owners[storyID] = keys
	}
	keys[id] = struct{}{}
}

// Delete drops one live buffer.
func (r *Registry) Delete(storyID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, id)
	if keys, ok := r.owners[storyID]; ok {
		delete(keys, id)
	}
}

// DropStory drops every live buffer belonging to a story.
func (r *Registry) DropStory(storyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.owners[storyID] {
		delete(r.buffers, id)
	}
	delete(r.owners, storyID)
}
