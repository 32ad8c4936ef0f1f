package task

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry keeps tasks addressable by ID so that callers on another
// connection can poll or cancel them.
type Registry[T any] struct {
	mu    sync.RWMutex
	tasks map[string]*Task[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{tasks: make(map[string]*Task[T])}
}

// Start runs fn as a new task under a fresh ID and registers it.
func (r *Registry[T]) Start(ctx context.Context, fn Func[T]) *Task[T] {
	return r.StartWithID(ctx, uuid.NewString(), fn)
}

// StartWithID is Start for callers that need to know the ID before fn runs,
// for example to key other records by it.
func (r *Registry[T]) StartWithID(ctx context.Context, id string, fn Func[T]) *Task[T] {
	t := start(ctx, id, fn)
	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()
	return t
}

func (r *Registry[T]) Get(id string) (*Task[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns all tasks, oldest first.
func (r *Registry[T]) List() []*Task[T] {
	r.mu.RLock()
	out := make([]*Task[T], 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Task[T]) int { return a.started.Compare(b.started) })
	return out
}

// Prune drops finished tasks that ended before cutoff and returns how many
// were removed.
func (r *Registry[T]) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tasks {
		s := t.Status()
		if s.State != Running && s.Finished.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}

// CancelAll cancels every running task.
func (r *Registry[T]) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		t.Cancel()
	}
}
