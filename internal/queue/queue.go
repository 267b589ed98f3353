package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/devghori1264/gpupool/internal/clock"
	"github.com/devghori1264/gpupool/internal/models"
	"github.com/devghori1264/gpupool/internal/storage"
	"github.com/google/uuid"
)

// Waitlist is the FIFO queue for users waiting on GPU capacity. Ordering is
// by request time; a user holds at most one Waiting entry.
type Waitlist struct {
	store storage.Store
	clock clock.Clock
	mu    sync.Mutex
}

func New(store storage.Store, clk clock.Clock) *Waitlist {
	return &Waitlist{store: store, clock: clk}
}

// Join adds the user to the queue and returns the entry with its 1-based
// position. Joining twice returns the existing entry.
func (w *Waitlist) Join(ctx context.Context, userID string) (*models.QueueEntry, int, error) {
	if userID == "" {
		return nil, 0, errors.New("user id required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	waiting, err := w.waiting(ctx)
	if err != nil {
		return nil, 0, err
	}
	for i, e := range waiting {
		if e.UserID == userID {
			return e, i + 1, nil
		}
	}

	now := w.clock.Now()
	entry := &models.QueueEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		Status:      models.QueueWaiting,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	if err := w.store.SaveQueueEntry(ctx, entry); err != nil {
		return nil, 0, err
	}
	return entry, len(waiting) + 1, nil
}

// Position returns the 1-based place of a Waiting entry, or 0 when the entry
// is no longer waiting.
func (w *Waitlist) Position(ctx context.Context, entryID string) (int, error) {
	waiting, err := w.waiting(ctx)
	if err != nil {
		return 0, err
	}
	for i, e := range waiting {
		if e.ID == entryID {
			return i + 1, nil
		}
	}
	if _, err := w.store.GetQueueEntry(ctx, entryID); err != nil {
		return 0, err
	}
	return 0, nil
}

// Next returns the oldest Waiting entry, or ErrNotFound when the queue is
// empty.
func (w *Waitlist) Next(ctx context.Context) (*models.QueueEntry, error) {
	waiting, err := w.waiting(ctx)
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		return nil, fmt.Errorf("queue empty: %w", models.ErrNotFound)
	}
	return waiting[0], nil
}

// Cancel withdraws a Waiting entry. Allocated entries cannot be cancelled.
func (w *Waitlist) Cancel(ctx context.Context, entryID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setStatus(ctx, entryID, models.QueueCancelled)
}

// MarkAllocated records that the entry's user received capacity.
func (w *Waitlist) MarkAllocated(ctx context.Context, entryID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setStatus(ctx, entryID, models.QueueAllocated)
}

func (w *Waitlist) setStatus(ctx context.Context, entryID string, to models.QueueStatus) error {
	e, err := w.store.GetQueueEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if e.Status != models.QueueWaiting {
		return fmt.Errorf("queue entry %s is %s: %w", entryID, e.Status, models.ErrInvalidTransition)
	}
	e.Status = to
	e.UpdatedAt = w.clock.Now()
	return w.store.SaveQueueEntry(ctx, e)
}

// List returns every entry, oldest first.
func (w *Waitlist) List(ctx context.Context) ([]*models.QueueEntry, error) {
	all, err := w.store.ListQueueEntries(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].RequestedAt.Before(all[j].RequestedAt)
	})
	return all, nil
}

func (w *Waitlist) waiting(ctx context.Context) ([]*models.QueueEntry, error) {
	all, err := w.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Status == models.QueueWaiting {
			out = append(out, e)
		}
	}
	return out, nil
}
