package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Factory builds a new Driver instance on first use.
type Factory func() (Driver, error)

// Registry maps an ADDRESS target name to a driver factory, constructing
// drivers lazily (and only once) on first lookup. Lookup is
// case-insensitive. A driver whose construction or initial probe fails
// poisons the slot until Reconfigure is called for that target.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	built     map[string]*slot
}

type slot struct {
	once   sync.Once
	driver Driver
	err    error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		built:     make(map[string]*slot),
	}
}

// Register associates target with a driver factory. Re-registering a target
// replaces its factory and clears any previously built (or poisoned) slot.
func (r *Registry) Register(target string, f Factory) {
	key := strings.ToLower(strings.TrimSpace(target))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
	delete(r.built, key)
}

// Get constructs (on first use) and probes the driver for target, returning
// a *Error with Kind ErrBackendUnavail if no driver is registered or the
// probe fails.
func (r *Registry) Get(ctx context.Context, target string) (Driver, error) {
	key := strings.ToLower(strings.TrimSpace(target))
	r.mu.Lock()
	f, ok := r.factories[key]
	if !ok {
		r.mu.Unlock()
		return nil, New(ErrBackendUnavail, "no driver registered for target %q", target)
	}
	s, ok := r.built[key]
	if !ok {
		s = &slot{}
		r.built[key] = s
	}
	r.mu.Unlock()

	s.once.Do(func() {
		d, err := f()
		if err != nil {
			s.err = Wrap(ErrBackendUnavail, "", err)
			return
		}
		if _, err := d.Probe(ctx); err != nil {
			s.err = Wrap(ErrBackendUnavail, "", fmt.Errorf("probe failed: %w", err))
			return
		}
		s.driver = d
	})
	if s.err != nil {
		return nil, s.err
	}
	return s.driver, nil
}

// Reconfigure clears a poisoned (or stale) slot so the next Get retries
// construction and probing.
func (r *Registry) Reconfigure(target string) {
	key := strings.ToLower(strings.TrimSpace(target))
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.built, key)
}

// Targets returns the registered ADDRESS target names.
func (r *Registry) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}
