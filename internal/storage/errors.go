package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrIdempotencyMismatch is returned when an idempotency key is reused
	// with a different simulation config.
	ErrIdempotencyMismatch = errors.New("storage: idempotency key reused with different config")

	// ErrNotCancellable is returned when cancellation is requested for a
	// job that already reached a terminal status.
	ErrNotCancellable = errors.New("storage: job is not cancellable")
)
