package breaker

import "sync"

// Registry hands out one breaker per logical backend so every call path
// for the same profile shares circuit state.
type Registry struct {
	defaults Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. The config acts as a template; the Name
// field is replaced by the backend name on each breaker.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the named backend, creating it on first use.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg := r.defaults
	cfg.Name = name

	b := New(cfg)
	r.breakers[name] = b

	return b
}

// Snapshots reports the state of every breaker created so far.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snaps := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		snaps[name] = b.Snapshot()
	}

	return snaps
}
