package notify

import (
	"context"
	"sync"
)

// Subscriber is a live consumer of change events.
type Subscriber interface {
	ID() string
	// Send attempts delivery of one event. A non-nil error marks the
	// subscriber as dead; it is removed after the current broadcast.
	Send(ctx context.Context, event ChangeEvent) error
}

// Registry is the authoritative set of live subscribers, kept in
// registration order. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	order []string
	subs  map[string]Subscriber
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Subscriber)}
}

// Add registers sub. Adding an ID that is already present is a no-op.
func (r *Registry) Add(sub Subscriber) {
	if sub == nil {
		return
	}
	id := sub.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[id]; exists {
		return
	}
	r.subs[id] = sub
	r.order = append(r.order, id)
}

// Remove unregisters id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[id]; !exists {
		return false
	}
	delete(r.subs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns the subscribers registered at this instant, in
// registration order. Later Add or Remove calls do not affect the copy.
func (r *Registry) Snapshot() []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscriber, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id])
	}
	return out
}

// Len reports the number of live subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
