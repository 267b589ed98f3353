package models

import "errors"

// Every error here is a normal outcome of concurrent competition for a scarce
// resource, returned to the caller rather than raised as a fault. Callers
// match with errors.Is after any wrapping.
var (
	ErrNotFound            = errors.New("not found")
	ErrExists              = errors.New("already exists")
	ErrInstanceUnavailable = errors.New("instance unavailable")
	ErrSlotConflict        = errors.New("slot conflict")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrNotReady            = errors.New("not ready")
	ErrBadInterval         = errors.New("bad interval")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)
