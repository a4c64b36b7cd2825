// Package storage implements the shared storage substrate: reference
// counting, the pointer metadata header, the storage allocator, and the
// swappable/encoded/read-only pointer family.
//
// Grounded on the original's confluo/storage/storage_allocator.h,
// swappable_ptr.h, ptr_metadata.h and ptr_aux_block.h, and on the mmap
// idiom used by pkg/slotcache/open.go (syscall.Mmap directly) — here
// upgraded to golang.org/x/sys/unix.
package storage

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ucbrise/confluo-core/confluo/errs"
)

// maxCleanupAttempts bounds how many times Alloc invokes the registered
// cleanup callback before giving up.
const maxCleanupAttempts = 3

// Allocation is a single managed region of memory: a Metadata header plus
// its payload. Data is the payload only; Metadata is tracked alongside it
// rather than physically prepended, since Go slices can't be addressed by
// negative offset the way the original's `ptr_metadata::get` does with
// pointer arithmetic.
type Allocation struct {
	Meta Metadata
	Data []byte

	mapped []byte // full mmap region including any page-alignment slack; nil for heap
}

// Allocator is a memory and mmap allocator enforcing a memory cap with an
// eviction callback. Unlike the original's module-level singleton, each
// caller constructs its own instance with NewAllocator, and the cap
// applies per instance.
type Allocator struct {
	residentBytes atomic.Int64
	mmapBytes     atomic.Int64
	maxMemory     int64

	mu       sync.Mutex
	cleanups []func()
}

// NewAllocator returns an Allocator that fails heap allocations once
// resident memory reaches maxMemory bytes (after cleanup retries).
func NewAllocator(maxMemory int64) *Allocator {
	return &Allocator{maxMemory: maxMemory}
}

// RegisterCleanupCallback installs a hook invoked when Alloc finds
// resident memory at or above the cap, before it gives up with
// errs.ErrOutOfMemory. Multiple callbacks may be registered; all run on
// each cleanup attempt.
func (a *Allocator) RegisterCleanupCallback(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cleanups = append(a.cleanups, f)
}

// ResidentBytes returns the current heap-backed allocation total.
func (a *Allocator) ResidentBytes() int64 { return a.residentBytes.Load() }

// MmapBytes returns the current mmap-backed allocation total.
func (a *Allocator) MmapBytes() int64 { return a.mmapBytes.Load() }

// Alloc reserves size bytes of zero-initialized heap memory tagged with
// aux. If resident memory is at or above the cap, registered cleanup
// callbacks run up to maxCleanupAttempts times before Alloc fails with
// errs.ErrOutOfMemory.
func (a *Allocator) Alloc(size int, aux AuxBlock) (*Allocation, error) {
	if a.maxMemory > 0 {
		for attempt := 0; a.residentBytes.Load() >= a.maxMemory && attempt < maxCleanupAttempts; attempt++ {
			a.runCleanups()
		}

		if a.residentBytes.Load() >= a.maxMemory {
			return nil, fmt.Errorf("alloc %d bytes over %d byte cap: %w", size, a.maxMemory, errs.ErrOutOfMemory)
		}
	}

	a.residentBytes.Add(int64(size))

	return &Allocation{
		Meta: Metadata{DataSize: uint32(size), AllocKind: AllocHeap, Aux: aux},
		Data: make([]byte, size),
	}, nil
}

func (a *Allocator) runCleanups() {
	a.mu.Lock()
	cbs := append([]func(){}, a.cleanups...)
	a.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Mmap creates (or truncates and reopens) the file at path, maps
// size bytes of it, and tags the mapping with aux. The returned
// Allocation's Data is the full mapped region.
func (a *Allocator) Mmap(path string, size int64, aux AuxBlock) (*Allocation, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, errs.ErrIO)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("truncate %s to %d: %w", path, size, errs.ErrIO)
	}

	region, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, errs.ErrIO)
	}

	a.mmapBytes.Add(size)

	return &Allocation{
		Meta:   Metadata{DataSize: uint32(size), AllocKind: AllocMmap, Aux: aux},
		Data:   region,
		mapped: region,
	}, nil
}

// MmapRegion maps part of an existing file at a (not necessarily
// page-aligned) byte offset. The alignment slack is recorded in
// Metadata.Offset so Dealloc can recover the true mapping base.
func (a *Allocator) MmapRegion(path string, offset int64, size int64, aux AuxBlock) (*Allocation, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, errs.ErrIO)
	}
	defer f.Close()

	pageSize := int64(os.Getpagesize())
	alignedOffset := offset - offset%pageSize
	slack := offset - alignedOffset
	mapSize := size + slack

	region, err := unix.Mmap(int(f.Fd()), alignedOffset, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s at %d: %w", path, offset, errs.ErrIO)
	}

	a.mmapBytes.Add(mapSize)

	return &Allocation{
		Meta:   Metadata{DataSize: uint32(size), AllocKind: AllocMmap, Aux: aux, Offset: uint16(slack)},
		Data:   region[slack:],
		mapped: region,
	}, nil
}

// Dealloc releases an allocation. Heap allocations are left for the
// garbage collector (their resident-byte accounting is simply decremented);
// mmap allocations are unmapped.
func (a *Allocator) Dealloc(alloc *Allocation) error {
	switch alloc.Meta.AllocKind {
	case AllocHeap:
		a.residentBytes.Add(-int64(alloc.Meta.DataSize))

		return nil
	case AllocMmap:
		size := int64(len(alloc.mapped))
		if err := unix.Munmap(alloc.mapped); err != nil {
			return fmt.Errorf("munmap: %w", errs.ErrIO)
		}

		a.mmapBytes.Add(-size)

		return nil
	default:
		return fmt.Errorf("dealloc: unknown alloc kind %d: %w", alloc.Meta.AllocKind, errs.ErrInvalidState)
	}
}
