package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/gpupool/internal/models"
	"github.com/devghori1264/gpupool/internal/storage"
)

// Aggregator consumes booking lifecycle events and maintains running
// utilization counters per instance and per user. Counters only grow until an
// explicit Reset; they are derived entirely from events and never written
// directly.
type Aggregator struct {
	store storage.Store
	log   *zap.Logger

	// serializes read-modify-write of usage rows; readers go straight to the
	// store and never block on it.
	mu sync.Mutex
}

func New(store storage.Store, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{store: store, log: log}
}

// OnTransition implements the allocator sink. Malformed deltas (out-of-order
// delivery, clock skew producing negative durations) are discarded with a
// warning rather than corrupting the counters.
func (a *Aggregator) OnTransition(b *models.Booking, from, to models.BookingStatus, at time.Time) {
	var reserved, active time.Duration
	var bookings int64

	switch {
	case from == "" && to == models.BookingPending:
		bookings = 1
	case from == models.BookingPending:
		// Leaving Pending closes the reserved span.
		reserved = at.Sub(b.CreatedAt)
	case from == models.BookingActive && to.Terminal():
		if b.StartedAt.IsZero() {
			a.log.Warn("usage event out of order: terminal before active start",
				zap.String("booking_id", b.ID),
				zap.String("from", string(from)), zap.String("to", string(to)))
			discardedEvents.Inc()
			return
		}
		// Reserved span was already credited when the booking left Pending.
		active = at.Sub(b.StartedAt)
	default:
		return
	}

	if reserved < 0 || active < 0 {
		a.log.Warn("usage event produced negative delta, discarding",
			zap.String("booking_id", b.ID),
			zap.Duration("reserved", reserved), zap.Duration("active", active))
		discardedEvents.Inc()
		return
	}

	a.apply(models.ScopeInstance, b.InstanceID, reserved, active, bookings, at)
	a.apply(models.ScopeUser, b.UserID, reserved, active, bookings, at)
	if active > 0 {
		activeSecondsTotal.Add(active.Seconds())
	}
}

func (a *Aggregator) apply(scope models.UsageScope, key string, reserved, active time.Duration, bookings int64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx := context.Background()
	rec, err := a.store.GetUsage(ctx, scope, key)
	if errors.Is(err, storage.ErrNotFound) {
		rec = &models.UsageRecord{Scope: scope, Key: key}
	} else if err != nil {
		a.log.Warn("usage read failed, dropping delta",
			zap.String("scope", string(scope)), zap.String("key", key), zap.Error(err))
		return
	}

	rec.ReservedSeconds += reserved.Seconds()
	rec.ActiveSeconds += active.Seconds()
	rec.Bookings += bookings
	rec.UpdatedAt = at
	if err := a.store.SaveUsage(ctx, rec); err != nil {
		a.log.Warn("usage write failed, dropping delta",
			zap.String("scope", string(scope)), zap.String("key", key), zap.Error(err))
	}
}

// StatsFor returns a snapshot of the counters for one instance or user. A
// key with no recorded usage yields a zero record, not an error.
func (a *Aggregator) StatsFor(ctx context.Context, scope models.UsageScope, key string) (*models.UsageRecord, error) {
	rec, err := a.store.GetUsage(ctx, scope, key)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.UsageRecord{Scope: scope, Key: key}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Reset zeroes the counters for a key.
func (a *Aggregator) Reset(ctx context.Context, scope models.UsageScope, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.SaveUsage(ctx, &models.UsageRecord{
		Scope:     scope,
		Key:       key,
		UpdatedAt: time.Now().UTC(),
	})
}

// Report summarizes an instance's bookings created within the look-back
// window ending at now.
type Report struct {
	InstanceID      string  `json:"instance_id"`
	Window          string  `json:"window"`
	Bookings        int     `json:"bookings"`
	ReservedSeconds float64 `json:"reserved_seconds"`
	ActiveSeconds   float64 `json:"active_seconds"`
}

func (a *Aggregator) ReportFor(ctx context.Context, instanceID string, window time.Duration, now time.Time) (*Report, error) {
	all, err := a.store.ListBookingsByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	since := now.Add(-window)
	rep := &Report{InstanceID: instanceID, Window: window.String()}
	for _, b := range all {
		if b.CreatedAt.Before(since) {
			continue
		}
		rep.Bookings++
		if !b.StartedAt.IsZero() {
			rep.ReservedSeconds += b.StartedAt.Sub(b.CreatedAt).Seconds()
			end := b.EndedAt
			if end.IsZero() {
				end = now
			}
			rep.ActiveSeconds += end.Sub(b.StartedAt).Seconds()
		} else if !b.EndedAt.IsZero() {
			rep.ReservedSeconds += b.EndedAt.Sub(b.CreatedAt).Seconds()
		}
	}
	return rep, nil
}
