package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConcurrentModification is returned by storage when the record changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDuplicateNumber: a counter-issued booking number is already taken, the counter fell behind.
	ErrDuplicateNumber = errors.New("booking number already taken")
	// ErrAgentAssigned: the agent still serves a booking; only the booking's own transition may free it.
	ErrAgentAssigned = errors.New("agent is assigned to a booking")
)
