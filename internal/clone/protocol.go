// Package clone implements the copy-on-write base/clone protocol (C5): base
// registration, snapshot-and-clone bookkeeping, and the concurrency rules
// from spec.md §4.5/§5 — registration serializes against concurrent clones
// of the same base name via a writer lock, clones from distinct bases (or
// concurrent clones of the same base) proceed independently under a reader
// lock, and base deletion requires the writer lock and an empty clone
// count (absent force=true).
package clone

import (
	"context"
	"sync"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

type baseEntry struct {
	mu    sync.RWMutex
	image driver.BaseImage
	count int
}

// Registry tracks BaseImages for one driver.
type Registry struct {
	mu    sync.Mutex
	bases map[string]*baseEntry
}

// NewRegistry returns an empty base registry.
func NewRegistry() *Registry {
	return &Registry{bases: make(map[string]*baseEntry)}
}

func (r *Registry) entryFor(name string) *baseEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bases[name]
	if !ok {
		e = &baseEntry{}
		r.bases[name] = e
	}
	return e
}

func (r *Registry) existing(name string) (*baseEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bases[name]
	return e, ok
}

// RegisterBase registers name as a snapshot-backed base, delegating the
// actual snapshot mechanics to d. Idempotent by (name, source): calling it
// again with the same source returns the existing BaseImage without
// re-snapshotting.
func (r *Registry) RegisterBase(ctx context.Context, d driver.Driver, name, source string, autoStop bool) (driver.BaseImage, error) {
	entry := r.entryFor(name)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.image.Name == name && entry.image.Source == source {
		return entry.image, nil
	}
	if entry.image.Name != "" {
		return driver.BaseImage{}, driver.New(driver.ErrConflict, "base %q already registered from a different source", name)
	}

	img, err := d.RegisterBase(ctx, name, source, autoStop)
	if err != nil {
		return driver.BaseImage{}, err
	}
	img.CreatedAt = timeNow()
	entry.image = img
	return img, nil
}

// CloneFromBase clones a new instance from base. Multiple clones of the
// same base proceed concurrently (reader lock); registration of a new base
// under the same name is excluded while any clone is in flight (writer
// lock in RegisterBase/DeleteBase).
//
// On driver failure, no clone bookkeeping is recorded: the base's clone
// count is left untouched so no orphaned record survives a failed clone.
func (r *Registry) CloneFromBase(ctx context.Context, d driver.Driver, base, name string) (driver.CloneResult, error) {
	entry, ok := r.existing(base)
	if !ok {
		return driver.CloneResult{}, driver.New(driver.ErrNotFound, "base %q not registered", base)
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if entry.image.Name == "" {
		return driver.CloneResult{}, driver.New(driver.ErrNotFound, "base %q not registered", base)
	}

	start := timeNow()
	result, err := d.CloneFromBase(ctx, base, name)
	if err != nil {
		return driver.CloneResult{}, err
	}
	if result.CloneTimeMS == 0 {
		result.CloneTimeMS = timeNow().Sub(start).Milliseconds()
	}

	r.mu.Lock()
	entry.count++
	r.mu.Unlock()
	return result, nil
}

// ListBases returns a snapshot of all registered bases with their current
// clone counts.
func (r *Registry) ListBases() []driver.BaseImage {
	r.mu.Lock()
	names := make([]*baseEntry, 0, len(r.bases))
	for _, e := range r.bases {
		names = append(names, e)
	}
	r.mu.Unlock()

	out := make([]driver.BaseImage, 0, len(names))
	for _, e := range names {
		e.mu.RLock()
		if e.image.Name != "" {
			img := e.image
			img.CloneCount = e.count
			out = append(out, img)
		}
		e.mu.RUnlock()
	}
	return out
}

// DeleteBase removes a base. Requires the writer lock, which blocks until
// any in-flight clone completes, and refuses if the base has outstanding
// clones unless force is set.
func (r *Registry) DeleteBase(ctx context.Context, d driver.Driver, name string, force bool) error {
	entry, ok := r.existing(name)
	if !ok {
		return driver.New(driver.ErrNotFound, "base %q not registered", name)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.count > 0 && !force {
		return driver.New(driver.ErrConflict, "base %q has %d outstanding clones", name, entry.count)
	}
	if err := d.DeleteBase(ctx, name, force); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.bases, name)
	r.mu.Unlock()
	return nil
}

// timeNow is a thin indirection so tests can't accidentally depend on wall
// clock ordering across fast operations.
func timeNow() time.Time { return time.Now().UTC() }
