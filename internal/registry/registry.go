package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/devghori1264/gpupool/internal/clock"
	"github.com/devghori1264/gpupool/internal/models"
	"github.com/devghori1264/gpupool/internal/storage"
	"github.com/google/uuid"
)

// Registry is the authoritative record of GPU instance identity, capability
// and lifecycle state. Instances are mutated only through validated
// transitions; compound transitions (booking + state) go through the
// allocator, which persists both rows and calls Put to refresh the cache.
type Registry struct {
	store storage.Store
	clock clock.Clock

	mu sync.RWMutex
	// in-memory cache of instances to avoid hot DB on reads; persisted in store.
	cache map[string]*models.Instance
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State        models.InstanceState
	ComputeClass string
	MinMemoryMB  int
}

func New(store storage.Store, clk clock.Clock) *Registry {
	return &Registry{
		store: store,
		clock: clk,
		cache: make(map[string]*models.Instance),
	}
}

// Register adds a new instance in the Available state. Names are unique.
func (r *Registry) Register(ctx context.Context, name string, capability models.Capability) (*models.Instance, error) {
	if name == "" {
		return nil, errors.New("name required")
	}
	if _, err := r.store.GetInstanceByName(ctx, name); err == nil {
		return nil, fmt.Errorf("instance %q: %w", name, models.ErrExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := r.clock.Now()
	inst := &models.Instance{
		ID:         uuid.NewString(),
		Name:       name,
		Capability: capability,
		State:      models.InstanceAvailable,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	r.put(inst)
	return inst, nil
}

// Get returns an instance by id (from cache or store).
func (r *Registry) Get(ctx context.Context, id string) (*models.Instance, error) {
	r.mu.RLock()
	if inst, ok := r.cache[id]; ok {
		r.mu.RUnlock()
		return inst, nil
	}
	r.mu.RUnlock()

	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	r.put(inst)
	return inst, nil
}

// SetState applies a validated lifecycle transition and persists it. Used for
// administrative changes (decommission, repair); booking-driven transitions
// are persisted by the allocator together with the ledger row.
func (r *Registry) SetState(ctx context.Context, id string, to models.InstanceState) (*models.Instance, error) {
	inst, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := inst.WithState(to, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("instance %s %s -> %s: %w", id, inst.State, to, err)
	}
	if err := r.store.SaveInstance(ctx, next); err != nil {
		return nil, err
	}
	r.put(next)
	return next, nil
}

// List returns instances matching the filter. The slice is a fresh snapshot;
// callers may range over it repeatedly.
func (r *Registry) List(ctx context.Context, f Filter) ([]*models.Instance, error) {
	all, err := r.store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Instance, 0, len(all))
	for _, inst := range all {
		if f.State != "" && inst.State != f.State {
			continue
		}
		if f.ComputeClass != "" && inst.Capability.ComputeClass != f.ComputeClass {
			continue
		}
		if f.MinMemoryMB > 0 && inst.Capability.MemoryMB < f.MinMemoryMB {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// Put refreshes the cache with an instance persisted elsewhere.
func (r *Registry) Put(inst *models.Instance) { r.put(inst) }

func (r *Registry) put(inst *models.Instance) {
	r.mu.Lock()
	r.cache[inst.ID] = inst
	r.mu.Unlock()
}
