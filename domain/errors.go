package domain

import "errors"

var (
	// ErrMoveConflict indicates the server rejected a move because a concurrent
	// change invalidated the ordering the client assumed.
	ErrMoveConflict = errors.New("move conflict")
	// ErrNotFound is returned when a work order does not exist.
	ErrNotFound = errors.New("work order not found")
	// ErrInvalidStatus is returned for a status outside the board's buckets.
	ErrInvalidStatus = errors.New("invalid status")
)
