package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/devghori1264/gpupool/internal/models"
	"github.com/devghori1264/gpupool/internal/storage"
)

// Ledger is the append-style record of booking intervals per instance and the
// source of truth for overlap checks. Rows are never deleted; terminal
// bookings are retained for usage history.
//
// The ledger itself does no locking. Callers that compose a conflict check
// with an insert (the allocator) must hold the per-instance lock across both.
type Ledger struct {
	store storage.Store
}

func New(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// Conflicts reports whether any Pending or Active booking on the instance
// overlaps the half-open interval.
func (l *Ledger) Conflicts(ctx context.Context, instanceID string, iv models.Interval) (bool, error) {
	existing, err := l.store.ListBookingsByInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	for _, b := range existing {
		if b.Status.Terminal() {
			continue
		}
		if b.Interval.Overlaps(iv) {
			return true, nil
		}
	}
	return false, nil
}

// Insert stores a Pending booking, failing with ErrSlotConflict if the
// interval overlaps an open booking at insertion time.
func (l *Ledger) Insert(ctx context.Context, b *models.Booking) error {
	conflict, err := l.Conflicts(ctx, b.InstanceID, b.Interval)
	if err != nil {
		return err
	}
	if conflict {
		return fmt.Errorf("instance %s %v: %w", b.InstanceID, b.Interval, models.ErrSlotConflict)
	}
	b.Status = models.BookingPending
	return l.store.SaveBooking(ctx, b)
}

// UpdateStatus applies a validated booking status transition and persists it.
// Terminal statuses are immutable; illegal edges fail with
// ErrInvalidTransition. Reason is recorded on cancellations and revocations.
func (l *Ledger) UpdateStatus(ctx context.Context, bookingID string, to models.BookingStatus, at time.Time, reason string) (*models.Booking, error) {
	b, err := l.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	next, err := b.WithStatus(to, at)
	if err != nil {
		return nil, fmt.Errorf("booking %s %s -> %s: %w", bookingID, b.Status, to, err)
	}
	if reason != "" {
		next.Reason = reason
	}
	if err := l.store.SaveBooking(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Get returns a booking by id.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Booking, error) {
	return l.store.GetBooking(ctx, id)
}

// ListByInstance returns every booking ever made against an instance.
func (l *Ledger) ListByInstance(ctx context.Context, instanceID string) ([]*models.Booking, error) {
	return l.store.ListBookingsByInstance(ctx, instanceID)
}

// ListByUser returns every booking a user has made.
func (l *Ledger) ListByUser(ctx context.Context, userID string) ([]*models.Booking, error) {
	return l.store.ListBookingsByUser(ctx, userID)
}

// OverlapsForUser reports whether the user already holds an open booking, on
// any instance, overlapping the interval. Policy hook for fairness rules; the
// allocator does not reject on it.
func (l *Ledger) OverlapsForUser(ctx context.Context, userID string, iv models.Interval) (bool, error) {
	existing, err := l.store.ListBookingsByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, b := range existing {
		if b.Status.Terminal() {
			continue
		}
		if b.Interval.Overlaps(iv) {
			return true, nil
		}
	}
	return false, nil
}
