package models

import "time"

// QueueStatus is the state of a waitlist entry.
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueAllocated QueueStatus = "allocated"
	QueueCancelled QueueStatus = "cancelled"
)

// QueueEntry is a user's place in the FIFO waitlist for GPU capacity.
type QueueEntry struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Status      QueueStatus `json:"status"`
	RequestedAt time.Time   `json:"requested_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
