package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devghori1264/gpupool/internal/ledger"
	"github.com/devghori1264/gpupool/internal/models"
	"github.com/devghori1264/gpupool/internal/storage"
	"github.com/google/uuid"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return ledger.New(store)
}

func booking(user, instance string, start, end time.Time) *models.Booking {
	return &models.Booking{
		ID:         uuid.NewString(),
		UserID:     user,
		InstanceID: instance,
		Interval:   models.Interval{Start: start, End: end},
		Status:     models.BookingPending,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
}

func TestConflictsHalfOpen(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	if err := l.Insert(ctx, booking("userA", "gpu-1", base, base.Add(time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cases := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"contained", base.Add(30 * time.Minute), base.Add(45 * time.Minute), true},
		{"overlapping tail", base.Add(45 * time.Minute), base.Add(90 * time.Minute), true},
		{"covering", base.Add(-time.Hour), base.Add(2 * time.Hour), true},
		{"back to back after", base.Add(time.Hour), base.Add(2 * time.Hour), false},
		{"back to back before", base.Add(-time.Hour), base, false},
		{"disjoint", base.Add(3 * time.Hour), base.Add(4 * time.Hour), false},
	}
	for _, tc := range cases {
		got, err := l.Conflicts(ctx, "gpu-1", models.Interval{Start: tc.start, End: tc.end})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: conflicts = %v, want %v", tc.name, got, tc.want)
		}
	}

	// Other instances never conflict.
	got, err := l.Conflicts(ctx, "gpu-2", models.Interval{Start: base, End: base.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("conflict reported for a different instance")
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	if err := l.Insert(ctx, booking("userA", "gpu-1", base, base.Add(time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := l.Insert(ctx, booking("userB", "gpu-1", base.Add(30*time.Minute), base.Add(45*time.Minute)))
	if !errors.Is(err, models.ErrSlotConflict) {
		t.Fatalf("want ErrSlotConflict, got %v", err)
	}
}

func TestTerminalBookingsDoNotConflict(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	b := booking("userA", "gpu-1", base, base.Add(time.Hour))
	if err := l.Insert(ctx, b); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := l.UpdateStatus(ctx, b.ID, models.BookingCancelled, base.Add(time.Minute), "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := l.Insert(ctx, booking("userB", "gpu-1", base, base.Add(time.Hour))); err != nil {
		t.Fatalf("insert over cancelled booking: %v", err)
	}
}

func TestUpdateStatusStateMachine(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	b := booking("userA", "gpu-1", base, base.Add(time.Hour))
	if err := l.Insert(ctx, b); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Pending cannot jump straight to Completed.
	if _, err := l.UpdateStatus(ctx, b.ID, models.BookingCompleted, base, ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("pending->completed: want ErrInvalidTransition, got %v", err)
	}

	active, err := l.UpdateStatus(ctx, b.ID, models.BookingActive, base.Add(5*time.Minute), "")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if active.StartedAt.IsZero() {
		t.Error("StartedAt not stamped on activation")
	}

	done, err := l.UpdateStatus(ctx, b.ID, models.BookingCompleted, base.Add(30*time.Minute), "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.EndedAt.IsZero() {
		t.Error("EndedAt not stamped on completion")
	}

	// Terminal states are immutable.
	for _, to := range []models.BookingStatus{models.BookingActive, models.BookingCancelled, models.BookingExpired} {
		if _, err := l.UpdateStatus(ctx, b.ID, to, base.Add(time.Hour), ""); !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("completed->%s: want ErrInvalidTransition, got %v", to, err)
		}
	}
}

func TestOverlapsForUser(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	if err := l.Insert(ctx, booking("userA", "gpu-1", base, base.Add(time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup, err := l.OverlapsForUser(ctx, "userA", models.Interval{Start: base.Add(30 * time.Minute), End: base.Add(90 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("expected overlap for same user across instances")
	}

	dup, err = l.OverlapsForUser(ctx, "userB", models.Interval{Start: base, End: base.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("unexpected overlap for different user")
	}
}
