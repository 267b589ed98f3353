package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/gpupool/internal/clock"
	"github.com/devghori1264/gpupool/internal/ledger"
	"github.com/devghori1264/gpupool/internal/models"
	"github.com/devghori1264/gpupool/internal/registry"
	"github.com/devghori1264/gpupool/internal/storage"
	"github.com/google/uuid"
)

// Sink receives booking lifecycle transitions after they are committed. The
// usage aggregator and the NATS publisher both implement it. A creation is
// delivered with an empty "from" status.
type Sink interface {
	OnTransition(b *models.Booking, from, to models.BookingStatus, at time.Time)
}

// Allocator is the only component that composes Registry and Ledger into
// atomic decisions. Every check-then-write sequence runs under a per-instance
// mutex; bookings on different instances never contend.
type Allocator struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	store    storage.Store
	clock    clock.Clock
	log      *zap.Logger
	sinks    []Sink
	tracer   trace.Tracer

	// operations mutex per instance id
	opMu sync.Map
}

func New(reg *registry.Registry, led *ledger.Ledger, store storage.Store, clk clock.Clock, log *zap.Logger, sinks ...Sink) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{
		registry: reg,
		ledger:   led,
		store:    store,
		clock:    clk,
		log:      log,
		sinks:    sinks,
		tracer:   otel.Tracer("gpupool/allocator"),
	}
}

// Book grants a user an exclusive claim on an instance for [Start, End).
// Exactly one of any set of concurrent conflicting calls succeeds; the rest
// observe ErrSlotConflict.
func (a *Allocator) Book(ctx context.Context, userID, instanceID string, iv models.Interval) (*models.Booking, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.Book",
		trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	now := a.clock.Now()
	if userID == "" || instanceID == "" {
		return nil, fmt.Errorf("user and instance required: %w", models.ErrBadInterval)
	}
	if !iv.Valid() || !iv.End.After(now) {
		return nil, fmt.Errorf("interval must be non-empty and end in the future: %w", models.ErrBadInterval)
	}

	a.acquireOpLock(instanceID)
	defer a.releaseOpLock(instanceID)

	inst, err := a.registry.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, models.ErrInstanceUnavailable)
		}
		return nil, err
	}
	if inst.State == models.InstanceUnavailable {
		return nil, fmt.Errorf("instance %s: %w", instanceID, models.ErrInstanceUnavailable)
	}

	conflict, err := a.ledger.Conflicts(ctx, instanceID, iv)
	if err != nil {
		return nil, err
	}
	if conflict {
		slotConflictsTotal.Inc()
		return nil, fmt.Errorf("instance %s: %w", instanceID, models.ErrSlotConflict)
	}

	// Fairness hook: a user holding overlapping bookings on other instances
	// is allowed, but noted.
	if dup, derr := a.ledger.OverlapsForUser(ctx, userID, iv); derr == nil && dup {
		a.log.Info("user double-books across instances",
			zap.String("user_id", userID), zap.String("instance_id", instanceID))
	}

	b := &models.Booking{
		ID:         uuid.NewString(),
		UserID:     userID,
		InstanceID: instanceID,
		Interval:   iv,
		Status:     models.BookingPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if !iv.Start.After(now) && inst.State == models.InstanceAvailable {
		// Interval already running: reserve the instance in the same
		// transaction as the ledger row.
		next, terr := inst.WithState(models.InstanceReserved, now)
		if terr != nil {
			return nil, terr
		}
		if err := a.store.SaveBookingAndInstance(ctx, b, next); err != nil {
			return nil, err
		}
		a.registry.Put(next)
	} else {
		if err := a.ledger.Insert(ctx, b); err != nil {
			return nil, err
		}
	}

	bookingsTotal.Inc()
	span.SetAttributes(attribute.String("booking.id", b.ID))
	a.emit(b, "", models.BookingPending, now)
	return b, nil
}

// Begin moves a booking Pending -> Active and the instance into InUse. Fails
// with ErrNotReady outside [Start, End) or when the booking is not Pending;
// a booking whose window closed unswept is left for the expiry sweep.
func (a *Allocator) Begin(ctx context.Context, bookingID string) error {
	ctx, span := a.tracer.Start(ctx, "allocator.Begin",
		trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer span.End()

	b, err := a.ledger.Get(ctx, bookingID)
	if err != nil {
		return err
	}

	a.acquireOpLock(b.InstanceID)
	defer a.releaseOpLock(b.InstanceID)

	// Reload under the lock; a sweep or cancel may have landed first.
	b, err = a.ledger.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	now := a.clock.Now()
	if b.Status != models.BookingPending || now.Before(b.Interval.Start) || !now.Before(b.Interval.End) {
		return fmt.Errorf("booking %s (%s): %w", bookingID, b.Status, models.ErrNotReady)
	}

	inst, err := a.registry.Get(ctx, b.InstanceID)
	if err != nil {
		return err
	}
	if inst.State == models.InstanceUnavailable {
		return fmt.Errorf("instance %s: %w", b.InstanceID, models.ErrInstanceUnavailable)
	}

	next, err := b.WithStatus(models.BookingActive, now)
	if err != nil {
		return err
	}
	instNext, err := inst.WithState(models.InstanceInUse, now)
	if err != nil {
		return err
	}
	if err := a.store.SaveBookingAndInstance(ctx, next, instNext); err != nil {
		return err
	}
	a.registry.Put(instNext)
	a.emit(next, models.BookingPending, models.BookingActive, now)
	return nil
}

// Release completes an active booking, or cancels one that never started, and
// returns the instance to Available. Idempotent: releasing an already-terminal
// booking is a no-op, not an error.
func (a *Allocator) Release(ctx context.Context, bookingID string) error {
	ctx, span := a.tracer.Start(ctx, "allocator.Release",
		trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer span.End()

	b, err := a.ledger.Get(ctx, bookingID)
	if err != nil {
		return err
	}

	a.acquireOpLock(b.InstanceID)
	defer a.releaseOpLock(b.InstanceID)

	b, err = a.ledger.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return nil
	}
	to := models.BookingCompleted
	reason := ""
	if b.Status == models.BookingPending {
		to = models.BookingCancelled
		reason = "released before start"
	}
	return a.finishLocked(ctx, b, to, reason, a.clock.Now())
}

// Cancel moves a Pending or Active booking to Cancelled and frees the
// instance. Idempotent on terminal bookings.
func (a *Allocator) Cancel(ctx context.Context, bookingID, reason string) error {
	ctx, span := a.tracer.Start(ctx, "allocator.Cancel",
		trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer span.End()

	b, err := a.ledger.Get(ctx, bookingID)
	if err != nil {
		return err
	}

	a.acquireOpLock(b.InstanceID)
	defer a.releaseOpLock(b.InstanceID)

	b, err = a.ledger.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return nil
	}
	return a.finishLocked(ctx, b, models.BookingCancelled, reason, a.clock.Now())
}

// ExpireDue sweeps every Pending or Active booking whose end has passed into
// Expired and frees the instances. Safe to run concurrently with Book, Begin
// and Release; whichever transition lands first wins and the loser no-ops.
// Returns the number of bookings expired.
func (a *Allocator) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.ExpireDue")
	defer span.End()

	all, err := a.store.ListBookings(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, b := range all {
		if b.Status.Terminal() || b.Interval.End.After(now) {
			continue
		}
		if err := a.expireOne(ctx, b.ID, now); err != nil {
			a.log.Warn("sweep transition failed",
				zap.String("booking_id", b.ID), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		expiredTotal.Add(float64(expired))
	}
	span.SetAttributes(attribute.Int("bookings.expired", expired))
	return expired, nil
}

func (a *Allocator) expireOne(ctx context.Context, bookingID string, now time.Time) error {
	b, err := a.ledger.Get(ctx, bookingID)
	if err != nil {
		return err
	}

	a.acquireOpLock(b.InstanceID)
	defer a.releaseOpLock(b.InstanceID)

	b, err = a.ledger.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	// An explicit release or cancel racing the sweep wins; both drive toward
	// a compatible terminal state.
	if b.Status.Terminal() || b.Interval.End.After(now) {
		return nil
	}
	return a.finishLocked(ctx, b, models.BookingExpired, "interval elapsed", now)
}

// RevokeInstance decommissions an instance: open bookings are cancelled with
// the given reason and the instance is parked in Unavailable.
func (a *Allocator) RevokeInstance(ctx context.Context, instanceID, reason string) error {
	ctx, span := a.tracer.Start(ctx, "allocator.RevokeInstance",
		trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	a.acquireOpLock(instanceID)
	defer a.releaseOpLock(instanceID)

	inst, err := a.registry.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	now := a.clock.Now()

	open, err := a.ledger.ListByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, b := range open {
		if b.Status.Terminal() {
			continue
		}
		from := b.Status
		next, terr := b.WithStatus(models.BookingCancelled, now)
		if terr != nil {
			return terr
		}
		next.Reason = reason
		if err := a.store.SaveBooking(ctx, next); err != nil {
			return err
		}
		a.emit(next, from, models.BookingCancelled, now)
	}

	instNext, err := inst.WithState(models.InstanceUnavailable, now)
	if err != nil {
		return err
	}
	if err := a.store.SaveInstance(ctx, instNext); err != nil {
		return err
	}
	a.registry.Put(instNext)
	return nil
}

// finishLocked applies a terminal booking transition and frees the instance
// when no other open booking still holds it. Caller holds the instance op
// lock and has verified the booking is open.
func (a *Allocator) finishLocked(ctx context.Context, b *models.Booking, to models.BookingStatus, reason string, now time.Time) error {
	from := b.Status
	next, err := b.WithStatus(to, now)
	if err != nil {
		return err
	}
	if reason != "" {
		next.Reason = reason
	}

	inst, err := a.registry.Get(ctx, b.InstanceID)
	if err != nil {
		return err
	}
	free := inst.State == models.InstanceReserved || inst.State == models.InstanceInUse
	if free {
		occupied, oerr := a.occupiedByOther(ctx, b, now)
		if oerr != nil {
			return oerr
		}
		free = !occupied
	}
	if free {
		instNext, terr := inst.WithState(models.InstanceAvailable, now)
		if terr != nil {
			return terr
		}
		if err := a.store.SaveBookingAndInstance(ctx, next, instNext); err != nil {
			return err
		}
		a.registry.Put(instNext)
	} else {
		if _, err := a.ledger.UpdateStatus(ctx, b.ID, to, now, reason); err != nil {
			return err
		}
	}
	a.emit(next, from, to, now)
	return nil
}

// occupiedByOther reports whether an open booking other than b currently
// holds the instance: one that is Active, or Pending with a begun and not yet
// elapsed interval. Finishing b must not free an instance such a booking owns.
func (a *Allocator) occupiedByOther(ctx context.Context, b *models.Booking, now time.Time) (bool, error) {
	others, err := a.ledger.ListByInstance(ctx, b.InstanceID)
	if err != nil {
		return false, err
	}
	for _, o := range others {
		if o.ID == b.ID || o.Status.Terminal() {
			continue
		}
		if o.Status == models.BookingActive {
			return true, nil
		}
		if !o.Interval.Start.After(now) && o.Interval.End.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (a *Allocator) emit(b *models.Booking, from, to models.BookingStatus, at time.Time) {
	for _, s := range a.sinks {
		s.OnTransition(b, from, to, at)
	}
}

// acquireOpLock ensures only one op per instance at a time.
func (a *Allocator) acquireOpLock(id string) {
	v, _ := a.opMu.LoadOrStore(id, &sync.Mutex{})
	v.(*sync.Mutex).Lock()
}

// releaseOpLock releases the op lock.
func (a *Allocator) releaseOpLock(id string) {
	v, ok := a.opMu.Load(id)
	if !ok {
		return
	}
	v.(*sync.Mutex).Unlock()
}
