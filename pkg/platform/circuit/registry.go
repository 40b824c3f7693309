package circuit

import "sync"

// Registry holds one breaker per logical endpoint. It is constructed once at
// process start and injected into clients, so breaker state stays shared
// across concurrent callers without ambient globals.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewRegistry creates a registry whose breakers all share the given options.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Get returns the breaker for the named endpoint, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.opts...)
	r.breakers[name] = b
	return b
}

// ResetAll force-closes every breaker. Used by tests and admin tooling.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
