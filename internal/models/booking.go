package models

import "time"

// BookingStatus is the state of a booking's own lifecycle.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingActive    BookingStatus = "active"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
	BookingExpired   BookingStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingCompleted, BookingCancelled, BookingExpired:
		return true
	}
	return false
}

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending: {BookingActive, BookingCancelled, BookingExpired},
	BookingActive:  {BookingCompleted, BookingCancelled, BookingExpired},
}

// ValidBookingTransition reports whether from -> to is a legal edge.
func ValidBookingTransition(from, to BookingStatus) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Interval is a half-open time window [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps uses the half-open comparison: touching endpoints do not overlap,
// so back-to-back bookings are legal.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Duration is the length of the window.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Valid reports whether Start strictly precedes End.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

// Booking is a user's claim on an instance for a time interval. Bookings are
// never deleted; terminal rows are retained for usage history.
type Booking struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	InstanceID string        `json:"instance_id"`
	Interval   Interval      `json:"interval"`
	Status     BookingStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	EndedAt    time.Time     `json:"ended_at,omitzero"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// WithStatus returns a copy moved to the given status, stamping StartedAt on
// activation and EndedAt on reaching a terminal status. The receiver is not
// mutated.
func (b *Booking) WithStatus(to BookingStatus, at time.Time) (*Booking, error) {
	if !ValidBookingTransition(b.Status, to) {
		return nil, ErrInvalidTransition
	}
	out := *b
	out.Status = to
	out.UpdatedAt = at
	if to == BookingActive {
		out.StartedAt = at
	}
	if to.Terminal() {
		out.EndedAt = at
	}
	return &out, nil
}
