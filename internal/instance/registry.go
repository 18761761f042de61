// Package instance implements the per-driver in-process instance table: the
// Instance record, its lifecycle state machine, and the mutex-guarded
// registry (C4) that owns it for the engine's process lifetime.
package instance

import (
	"fmt"
	"sync"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

// Instance is an isolation unit tracked by the engine, independent of which
// backend created it.
type Instance struct {
	Name         string
	ID           string
	Image        string
	Status       driver.Status
	Interactive  bool
	Memory       int64
	CPUs         float64
	Volumes      []driver.VolumeMount
	Environment  map[string]string
	CreatedAt    time.Time
	StartedAt    time.Time
	RexxDeployed bool
	RexxPath     string
	BaseRef      string
}

// Registry is a single driver's name->Instance table plus its per-instance
// mutexes, auto-naming counter, and capacity cap. One Registry exists per
// configured driver.
type Registry struct {
	mu           sync.Mutex
	driverName   string
	instances    map[string]*Instance
	locks        map[string]*sync.Mutex
	counter      int
	maxInstances int
}

const defaultMaxInstances = 20

// NewRegistry returns an empty registry for one driver, with the given soft
// instance cap (0 means use the default of 20).
func NewRegistry(driverName string, maxInstances int) *Registry {
	if maxInstances <= 0 {
		maxInstances = defaultMaxInstances
	}
	return &Registry{
		driverName:   driverName,
		instances:    make(map[string]*Instance),
		locks:        make(map[string]*sync.Mutex),
		maxInstances: maxInstances,
	}
}

// NextName returns an auto-generated name following "<driver>-container-<n>".
func (r *Registry) NextName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	return fmt.Sprintf("%s-container-%d", r.driverName, r.counter)
}

// Reserve registers a brand-new Instance, failing with a driver.Error kind
// ErrConflict if the name already exists, or ErrCapacityExceeded if the
// registry is at its soft cap. The instance is created with Status
// StatusCreated before any backend operation is attempted, per the
// spec's registry invariant that create fails fast on a duplicate name
// before touching the backend.
func (r *Registry) Reserve(name string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[name]; exists {
		return nil, driver.New(driver.ErrConflict, "instance %q already exists", name)
	}
	if len(r.instances) >= r.maxInstances {
		return nil, driver.New(driver.ErrCapacityExceeded, "driver %q is at capacity (%d instances)", r.driverName, r.maxInstances)
	}
	inst := &Instance{
		Name:      name,
		Status:    driver.StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	r.instances[name] = inst
	r.locks[name] = &sync.Mutex{}
	return inst, nil
}

// Get returns the tracked instance, or ErrNotFound.
func (r *Registry) Get(name string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return nil, driver.New(driver.ErrNotFound, "instance %q not found", name)
	}
	return inst, nil
}

// List returns a snapshot of all tracked instances.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		copied := *inst
		out = append(out, &copied)
	}
	return out
}

// Lock returns the per-instance mutex for name, creating it if needed. All
// operations on a single instance are serialized through this mutex; it's
// released (and forgotten) once the instance is removed.
func (r *Registry) Lock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// Transition enforces the lifecycle state machine described in spec.md §4.4:
//
//	created --start--> running
//	running --stop---> stopped
//	stopped --start--> running
//	any non-removed --remove--> removed
//
// start/stop on an instance already in the target state succeeds
// idempotently. Any other transition is a conflict.
func (r *Registry) Transition(name string, to driver.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return driver.New(driver.ErrNotFound, "instance %q not found", name)
	}
	if inst.Status == driver.StatusRemoved {
		return driver.New(driver.ErrConflict, "instance %q is already removed", name)
	}
	switch to {
	case driver.StatusRunning:
		if inst.Status != driver.StatusCreated && inst.Status != driver.StatusStopped && inst.Status != driver.StatusRunning {
			return driver.New(driver.ErrConflict, "cannot start instance %q from state %q", name, inst.Status)
		}
		if inst.Status != driver.StatusRunning {
			inst.StartedAt = time.Now().UTC()
		}
		inst.Status = driver.StatusRunning
	case driver.StatusStopped:
		if inst.Status != driver.StatusRunning && inst.Status != driver.StatusStopped {
			return driver.New(driver.ErrConflict, "cannot stop instance %q from state %q", name, inst.Status)
		}
		inst.Status = driver.StatusStopped
	case driver.StatusRemoved:
		inst.Status = driver.StatusRemoved
	default:
		return driver.New(driver.ErrInvalidArgument, "invalid target state %q", to)
	}
	return nil
}

// RequireRunning returns ErrConflict unless the instance is currently
// running; used to gate exec/copy/logs/deploy_rexx/execute_rexx.
func (r *Registry) RequireRunning(name string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return nil, driver.New(driver.ErrNotFound, "instance %q not found", name)
	}
	if inst.Status != driver.StatusRunning {
		return nil, driver.New(driver.ErrConflict, "instance %q is not running (status %q)", name, inst.Status)
	}
	return inst, nil
}

// Evict deletes an instance's registry entry and forgets its lock. Called
// only after the backend confirms removal.
func (r *Registry) Evict(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, name)
	delete(r.locks, name)
}

// Update mutates the tracked instance under the registry lock via fn. fn
// must not block.
func (r *Registry) Update(name string, fn func(*Instance)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return driver.New(driver.ErrNotFound, "instance %q not found", name)
	}
	fn(inst)
	return nil
}
