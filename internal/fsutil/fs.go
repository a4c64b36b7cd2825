// Package fsutil provides the filesystem abstraction confluo/archival runs
// every disk operation through: a plain passthrough to [os] in production,
// and a fault-injecting wrapper for crash-recovery testing.
//
// The archival pipeline (the incremental data-file writer, the transaction
// log, and the per-structure exclusive lock) never touches [os] directly;
// it depends only on [FS], so a test can swap in [Chaos] and exercise the
// same commit/replay code a real crash mid-write would exercise.
//
// The main types are:
//   - [FS]: the filesystem surface the confluo/archival package uses
//   - [File]: an open file handle (satisfied by [os.File])
//   - [Real]: production implementation backed by [os]
//   - [Chaos]: testing implementation that injects random I/O failures
package fsutil

import (
	"io"
	"os"
)

// File represents an open file descriptor.
//
// This interface is satisfied by [os.File] and can be used with all
// standard library functions that accept [io.Reader], [io.Writer],
// [io.Seeker], or [io.Closer].
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor, used by [Real.Lock] for flock(2).
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync]. The
	// incremental data-file writer calls this after every bucket append so a
	// reloader never has to trust bytes the kernel hasn't flushed yet.
	Sync() error
}

// Locker represents a held file lock. Call [Locker.Close] to release it.
type Locker interface {
	io.Closer
}

// FS defines the filesystem operations the archival pipeline needs: opening
// and writing the rotating data files and transaction log, reading them
// back on replay, and taking the exclusive per-structure lock that keeps
// two archiver instances from writing the same directory concurrently.
//
// Two implementations are provided:
//   - [Real]: production use, wraps [os]
//   - [Chaos]: testing use, injects random failures
type FS interface {
	// OpenFile opens a file with specified flags and permissions. See
	// [os.OpenFile]. The archival writer uses this for both creating a new
	// data/transaction-log file and reopening one to resume appending.
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile]. Used to
	// replay a transaction log and to read back a data cursor's current file.
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic writes data to a file atomically via a temp file plus
	// rename, so a crash mid-write never leaves a torn transaction log.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// ReadDir reads a directory and returns its entries, sorted by name. See
	// [os.ReadDir]. Used to discover which rotated data file a writer should
	// resume into, and to enumerate them on replay/truncation.
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll]. No
	// error if the directory already exists.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat]. Returns [os.ErrNotExist] if the
	// file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists. Returns (false,
	// nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file. See [os.Remove]. Used to discard a rotated data
	// file past a reloader's resume point.
	Remove(path string) error

	// Lock acquires an exclusive lock on path, blocking until it is
	// available or a timeout expires. Call [Locker.Close] to release it.
	// One archiver instance per structure holds this for its whole
	// lifetime, enforcing at the process level that its archive directory
	// has exactly one writer.
	Lock(path string) (Locker, error)
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
