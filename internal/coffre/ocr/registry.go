package ocr

import (
	"sort"
	"sync"
)

// Registry is the set of in-flight tasks, keyed by document id. It is safe
// for concurrent use.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
	gen   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Add registers t, replacing any task for the same document, and returns the
// stored copy.
func (r *Registry) Add(t Task) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	t.gen = r.gen
	r.tasks[t.ResourceID] = &t
	return t
}

// Increment bumps the attempt count of id and returns the updated task. ok is
// false when id is not tracked.
func (r *Registry) Increment(id string) (t Task, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	cur.Attempts++
	return *cur, true
}

// Get returns the task for id.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *cur, true
}

// Remove drops id and reports whether it was tracked.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return false
	}
	delete(r.tasks, id)
	return true
}

// Current reports whether t is still the registered task for its document,
// i.e. it has been neither removed nor restarted.
func (r *Registry) Current(t Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.ResourceID]
	return ok && cur.gen == t.gen
}

// Finish removes t if it is still the registered task for its document. Only
// one caller can finish a given task.
func (r *Registry) Finish(t Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.ResourceID]
	if !ok || cur.gen != t.gen {
		return false
	}
	delete(r.tasks, t.ResourceID)
	return true
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Snapshot returns copies of all tasks ordered by start time, then id.
func (r *Registry) Snapshot() []Task {
	r.mu.Lock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}
