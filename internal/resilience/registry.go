package resilience

import (
	"sort"
	"sync"
	"time"
)

// Registry hands out one circuit breaker per delivery endpoint.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewRegistry creates a registry whose breakers share config.
func NewRegistry(config CircuitBreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// SetClock overrides the time source for existing and future breakers.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	for _, cb := range r.breakers {
		cb.SetClock(now)
	}
}

// Get returns or creates the circuit breaker for name.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := NewCircuitBreaker(name, r.config)
	if r.now != nil {
		cb.now = r.now
	}
	r.breakers[name] = cb
	return cb
}

// AllStats returns statistics for all circuit breakers, sorted by name.
func (r *Registry) AllStats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// ResetAll closes every circuit.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
