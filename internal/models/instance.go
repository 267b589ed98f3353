package models

import "time"

// InstanceState is the lifecycle state of a GPU instance.
type InstanceState string

const (
	InstanceAvailable   InstanceState = "available"
	InstanceReserved    InstanceState = "reserved"
	InstanceInUse       InstanceState = "in_use"
	InstanceUnavailable InstanceState = "unavailable"
)

// Capability describes what a GPU instance can do.
type Capability struct {
	ComputeClass string `json:"compute_class"`
	MemoryMB     int    `json:"memory_mb"`
}

// Instance is the core domain object representing a single bookable GPU.
// Shared between the registry, allocator and storage layers.
type Instance struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Capability Capability    `json:"capability"`
	State      InstanceState `json:"state"`
	Version    int64         `json:"version"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// instanceTransitions lists the legal state edges. Unavailable is reachable
// from every state (failure or decommission); the reverse edge models repair.
var instanceTransitions = map[InstanceState][]InstanceState{
	InstanceAvailable:   {InstanceReserved, InstanceInUse, InstanceUnavailable},
	InstanceReserved:    {InstanceInUse, InstanceAvailable, InstanceUnavailable},
	InstanceInUse:       {InstanceAvailable, InstanceUnavailable},
	InstanceUnavailable: {InstanceAvailable},
}

// ValidInstanceTransition reports whether from -> to is a legal edge.
// A same-state transition is treated as a no-op and allowed.
func ValidInstanceTransition(from, to InstanceState) bool {
	if from == to {
		return true
	}
	for _, next := range instanceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WithState returns a copy of the instance moved to the given state, with the
// version bumped. The caller persists the copy; the receiver is not mutated.
func (i *Instance) WithState(to InstanceState, at time.Time) (*Instance, error) {
	if !ValidInstanceTransition(i.State, to) {
		return nil, ErrInvalidTransition
	}
	out := *i
	out.State = to
	out.Version++
	out.UpdatedAt = at
	return &out, nil
}
