package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/devghori1264/gpupool/internal/models"
	"github.com/devghori1264/gpupool/internal/storage"
	"github.com/devghori1264/gpupool/internal/usage"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newAggregator(t *testing.T) *usage.Aggregator {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return usage.New(store, nil)
}

func sampleBooking() *models.Booking {
	return &models.Booking{
		ID:         "b-1",
		UserID:     "alice",
		InstanceID: "gpu-1",
		Interval:   models.Interval{Start: base, End: base.Add(time.Hour)},
		Status:     models.BookingPending,
		CreatedAt:  base,
	}
}

func TestAccumulatesReservedAndActive(t *testing.T) {
	agg := newAggregator(t)
	ctx := context.Background()
	b := sampleBooking()

	agg.OnTransition(b, "", models.BookingPending, base)

	activated := *b
	activated.Status = models.BookingActive
	activated.StartedAt = base.Add(10 * time.Minute)
	agg.OnTransition(&activated, models.BookingPending, models.BookingActive, activated.StartedAt)

	completed := activated
	completed.Status = models.BookingCompleted
	completed.EndedAt = base.Add(40 * time.Minute)
	agg.OnTransition(&completed, models.BookingActive, models.BookingCompleted, completed.EndedAt)

	for _, tc := range []struct {
		scope models.UsageScope
		key   string
	}{
		{models.ScopeInstance, "gpu-1"},
		{models.ScopeUser, "alice"},
	} {
		rec, err := agg.StatsFor(ctx, tc.scope, tc.key)
		if err != nil {
			t.Fatalf("%s stats: %v", tc.scope, err)
		}
		if rec.Bookings != 1 {
			t.Errorf("%s bookings = %d, want 1", tc.scope, rec.Bookings)
		}
		if rec.ReservedSeconds != 600 {
			t.Errorf("%s reserved = %v, want 600", tc.scope, rec.ReservedSeconds)
		}
		if rec.ActiveSeconds != 1800 {
			t.Errorf("%s active = %v, want 1800", tc.scope, rec.ActiveSeconds)
		}
	}
}

func TestOutOfOrderEventDiscarded(t *testing.T) {
	agg := newAggregator(t)
	ctx := context.Background()

	// Completed delivered before the booking ever recorded an Active start:
	// the delta is malformed and must not touch the counters.
	b := sampleBooking()
	agg.OnTransition(b, models.BookingActive, models.BookingCompleted, base.Add(time.Hour))

	rec, err := agg.StatsFor(ctx, models.ScopeInstance, "gpu-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ActiveSeconds != 0 || rec.ReservedSeconds != 0 || rec.Bookings != 0 {
		t.Fatalf("counters moved on malformed event: %+v", rec)
	}
}

func TestNegativeDeltaDiscarded(t *testing.T) {
	agg := newAggregator(t)
	ctx := context.Background()

	// Clock skew: activation timestamp precedes creation.
	b := sampleBooking()
	agg.OnTransition(b, models.BookingPending, models.BookingActive, base.Add(-time.Minute))

	rec, err := agg.StatsFor(ctx, models.ScopeUser, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ReservedSeconds != 0 {
		t.Fatalf("negative reserved delta applied: %+v", rec)
	}
}

func TestStatsForUnknownKeyIsZero(t *testing.T) {
	agg := newAggregator(t)
	rec, err := agg.StatsFor(context.Background(), models.ScopeInstance, "never-seen")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if rec.ActiveSeconds != 0 || rec.Bookings != 0 {
		t.Fatalf("zero record expected, got %+v", rec)
	}
}

func TestReset(t *testing.T) {
	agg := newAggregator(t)
	ctx := context.Background()
	b := sampleBooking()

	agg.OnTransition(b, "", models.BookingPending, base)
	if err := agg.Reset(ctx, models.ScopeUser, "alice"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	rec, err := agg.StatsFor(ctx, models.ScopeUser, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Bookings != 0 {
		t.Fatalf("counters survived reset: %+v", rec)
	}
}

func TestReportWindow(t *testing.T) {
	store, err := storage.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	agg := usage.New(store, nil)
	ctx := context.Background()

	old := sampleBooking()
	old.ID = "b-old"
	old.CreatedAt = base.Add(-48 * time.Hour)
	old.StartedAt = old.CreatedAt.Add(time.Minute)
	old.EndedAt = old.CreatedAt.Add(time.Hour)
	old.Status = models.BookingCompleted
	if err := store.SaveBooking(ctx, old); err != nil {
		t.Fatal(err)
	}

	recent := sampleBooking()
	recent.StartedAt = base.Add(5 * time.Minute)
	recent.EndedAt = base.Add(35 * time.Minute)
	recent.Status = models.BookingCompleted
	if err := store.SaveBooking(ctx, recent); err != nil {
		t.Fatal(err)
	}

	rep, err := agg.ReportFor(ctx, "gpu-1", 24*time.Hour, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.Bookings != 1 {
		t.Fatalf("window caught %d bookings, want 1", rep.Bookings)
	}
	if rep.ActiveSeconds != 1800 {
		t.Fatalf("active seconds = %v, want 1800", rep.ActiveSeconds)
	}
}
