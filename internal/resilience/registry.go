package resilience

import (
	"sync"
	"time"
)

// Registry holds one circuit breaker per provider name. A single
// registry is shared by all concurrent review executions in the
// process and is always injected, never global.
type Registry struct {
	mu          sync.Mutex
	breakers    map[string]*Breaker
	maxFailures int
	timeout     time.Duration
	onOpen      func(providerName string)
}

// NewRegistry creates a registry whose breakers open after maxFailures
// consecutive failures and stay open for the given recovery timeout.
func NewRegistry(maxFailures int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		timeout:     timeout,
	}
}

// OnOpen registers a callback fired with the provider name every time
// one of the registry's breakers transitions into the open state.
func (r *Registry) OnOpen(fn func(providerName string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = fn
}

// For returns the breaker for a provider, creating it on first use.
func (r *Registry) For(providerName string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[providerName]
	if !ok {
		b = NewBreaker(r.maxFailures, r.timeout)
		name := providerName
		b.onOpen = func() {
			r.mu.Lock()
			fn := r.onOpen
			r.mu.Unlock()
			if fn != nil {
				fn(name)
			}
		}
		r.breakers[providerName] = b
	}
	return b
}

// States returns a snapshot of breaker states by provider name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		snap[name] = b.State()
	}
	return snap
}
