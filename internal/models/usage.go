package models

import "time"

// UsageScope selects which dimension a usage record aggregates over.
type UsageScope string

const (
	ScopeInstance UsageScope = "instance"
	ScopeUser     UsageScope = "user"
)

// UsageRecord holds monotonically non-decreasing utilization counters for one
// instance or one user. Derived entirely from booking lifecycle events; never
// written directly by callers.
type UsageRecord struct {
	Scope           UsageScope `json:"scope"`
	Key             string     `json:"key"`
	ReservedSeconds float64    `json:"reserved_seconds"`
	ActiveSeconds   float64    `json:"active_seconds"`
	Bookings        int64      `json:"bookings"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
