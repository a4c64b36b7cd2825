// Package errs defines the sentinel errors shared across confluo-core.
//
// Every package in this module returns one of these (wrapped with
// fmt.Errorf's %w) rather than a bespoke error type, so callers can
// classify failures with errors.Is regardless of which package raised
// them.
package errs

import "errors"

var (
	// ErrOutOfMemory is returned when the storage allocator's cap remains
	// exceeded after the bounded cleanup-callback retries.
	ErrOutOfMemory = errors.New("confluo: out of memory")

	// ErrIO is returned when an open/mmap/truncate/write syscall fails.
	ErrIO = errors.New("confluo: io error")

	// ErrInvalidState is returned for an operation attempted on an empty
	// swappable slot, a second swap, or an illegal encoding tag.
	ErrInvalidState = errors.New("confluo: invalid state")

	// ErrCorruptArchive is returned when a reloader finds a transaction-log
	// entry whose data region is incomplete or whose size disagrees with
	// the record.
	ErrCorruptArchive = errors.New("confluo: corrupt archive")

	// ErrStaleUpdate is returned when an update/invalidate CAS loses the
	// race against a concurrent updater. Callers may retry.
	ErrStaleUpdate = errors.New("confluo: stale update")

	// ErrOutOfBounds is returned when a read targets a position at or
	// beyond the log's current tail.
	ErrOutOfBounds = errors.New("confluo: out of bounds")
)
