// Package timers provides named one-shot timer bookkeeping for a single
// owning entity (one registry per guild session, one per relay instance).
//
// Arming a name always clears any previous timer under that name first, so
// "clear before arm" is structural rather than a convention each call site
// must remember. Typical usage:
//
//	t := timers.NewRegistry()
//	t.Arm("idle-disconnect", 5*time.Minute, teardown)
//	...
//	t.Clear("idle-disconnect")
//
// The package is intentionally minimal: no periodic tickers, no
// persistence. Fired timers remove themselves from the registry.
package timers

import (
	"sync"
	"time"
)

// Registry tracks the active one-shot timers of one entity.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{timers: make(map[string]*time.Timer)}
}

// Arm schedules fn to run after d under the given name. Any timer already
// armed under that name is stopped first.
func (r *Registry) Arm(name string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[name]; ok {
		t.Stop()
	}

	r.timers[name] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, name)
		r.mu.Unlock()
		fn()
	})
}

// Clear stops and removes the named timer. Reports whether a timer was
// armed under that name.
func (r *Registry) Clear(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[name]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, name)
	return true
}

// Active reports whether a timer is currently armed under name.
func (r *Registry) Active(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[name]
	return ok
}

// ClearAll stops every armed timer. Called on entity teardown so no timer
// outlives its owner.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, t := range r.timers {
		t.Stop()
		delete(r.timers, name)
	}
}

// Len returns the number of armed timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
