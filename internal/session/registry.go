package session

import "sync"

// Registry hands out the singleton actor per session id.
type Registry struct {
	deps Deps

	mu        sync.Mutex
	instances map[string]*Actor
}

// NewRegistry creates an empty registry over the given dependencies.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps.withDefaults(), instances: make(map[string]*Actor)}
}

// Get returns the actor for a session, creating it on first use. Persisted
// state is restored lazily on the first operation.
func (r *Registry) Get(sessionID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.instances[sessionID]; ok {
		return a
	}
	a := newActor(sessionID, r.deps)
	r.instances[sessionID] = a
	return a
}

// Close releases every actor's timer.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.instances {
		a.Close()
	}
	r.instances = make(map[string]*Actor)
}
