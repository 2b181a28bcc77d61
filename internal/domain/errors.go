package domain

import "errors"

var (
	// ErrValidation marks bad input rejected synchronously, never queued.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a state transition rejected by a concurrent change.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyTerminal marks an operation on a job that already reached a
	// terminal state, e.g. cancelling a sent job.
	ErrAlreadyTerminal = errors.New("job already terminal")
)
