package orchestrator

import (
	"context"
	"sync"
)

// Registry hands out the singleton orchestrator per buildId, restoring
// persisted builds on demand so status and cancel survive a restart.
type Registry struct {
	deps Deps

	mu        sync.Mutex
	instances map[string]*Orchestrator
}

// NewRegistry creates an empty registry over the given dependencies.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps.withDefaults(), instances: make(map[string]*Orchestrator)}
}

// Create returns the orchestrator for a new build id. The instance holds no
// state until Start is called.
func (r *Registry) Create(buildID string) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.instances[buildID]; ok {
		return o
	}
	o := newOrchestrator(buildID, r.deps)
	r.instances[buildID] = o
	return o
}

// Get returns the orchestrator for an existing build, loading it from
// storage when this process has not seen it yet. The second return is false
// when no such build exists.
func (r *Registry) Get(ctx context.Context, buildID string) (*Orchestrator, bool, error) {
	r.mu.Lock()
	if o, ok := r.instances[buildID]; ok {
		r.mu.Unlock()
		// An instance created but never started has no build yet.
		if _, started := o.Status(); !started {
			if found, err := o.restore(ctx); err != nil || !found {
				return nil, false, err
			}
		}
		return o, true, nil
	}
	r.mu.Unlock()

	o := newOrchestrator(buildID, r.deps)
	found, err := o.restore(ctx)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[buildID]; ok {
		o.Close()
		return existing, true, nil
	}
	r.instances[buildID] = o
	return o, true, nil
}

// Close releases every instance's timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.instances {
		o.Close()
	}
	r.instances = make(map[string]*Orchestrator)
}
