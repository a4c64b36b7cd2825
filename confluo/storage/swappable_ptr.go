package storage

import (
	"fmt"
	"sync/atomic"

	"github.com/ucbrise/confluo-core/confluo/errs"
)

// SwappablePtr is an atomically swappable, reference-counted slot carrying
// at most one EncodedPtr at a time, through the state machine
// empty -> in_memory -> archived.
//
// Grounded on the original's storage::swappable_ptr<T> (storage/swappable_ptr.h).
// The original supports only one swap (in_memory -> archived); this port
// enforces that with an explicit flag rather than leaving it as caller
// discipline.
type SwappablePtr struct {
	refs      *RefCounts
	ptr       atomic.Pointer[EncodedPtr]
	swapped   atomic.Bool
	allocator *Allocator
}

// NewSwappablePtr returns an empty slot. alloc is used to deallocate
// superseded payloads once their last reader drops.
func NewSwappablePtr(alloc *Allocator) *SwappablePtr {
	return &SwappablePtr{refs: NewRefCounts(), allocator: alloc}
}

// AtomicInit installs p as the slot's payload if the slot is currently
// empty. Returns false if another writer already initialized it.
func (s *SwappablePtr) AtomicInit(p EncodedPtr) bool {
	return s.ptr.CompareAndSwap(nil, &p)
}

// AtomicLoad returns the current payload, or nil if the slot is empty.
// It is unsafe to dereference the returned pointer's payload past a
// concurrent SwapPtr/Dealloc race — callers that need to outlive a single
// operation must use AtomicCopy.
func (s *SwappablePtr) AtomicLoad() *EncodedPtr {
	return s.ptr.Load()
}

// SwapPtr replaces the current payload with newPtr, which must already
// carry Aux.State == StateArchived. Only one swap is ever permitted; a
// second call returns errs.ErrInvalidState. Outstanding ReadOnlyPtr copies
// of the in-memory payload keep it alive via counter A until they drop.
func (s *SwappablePtr) SwapPtr(newPtr EncodedPtr) error {
	if newPtr.alloc == nil {
		return fmt.Errorf("swap to nil payload: %w", errs.ErrInvalidState)
	}

	if newPtr.State() != StateArchived {
		return fmt.Errorf("swap payload must be archived: %w", errs.ErrInvalidState)
	}

	if !s.swapped.CompareAndSwap(false, true) {
		return fmt.Errorf("swappable ptr already swapped: %w", errs.ErrInvalidState)
	}

	old := s.ptr.Load()
	s.ptr.Store(&newPtr)

	if s.refs.DecrementAAndTestOne() {
		if old != nil {
			return s.allocator.Dealloc(old.alloc)
		}
	}

	return nil
}

// AtomicCopy produces a ReadOnlyPtr snapshot of the current payload and
// increments the matching reference counter, guaranteeing the payload
// cannot be deallocated out from under the copy regardless of a
// concurrently racing SwapPtr. Returns (nil, nil) if the slot is empty.
//
// Implements a double-increment race-avoidance protocol: both counters
// are incremented before the pointer is loaded, so a swap landing
// between the increment and the load cannot drop the payload; the
// counter that doesn't match the observed state is then corrected back
// down.
func (s *SwappablePtr) AtomicCopy(offset uint64) (*ReadOnlyPtr, error) {
	s.refs.IncrementBoth()

	p := s.ptr.Load()
	if p == nil {
		s.refs.DecrementBoth()

		return nil, nil
	}

	switch p.State() {
	case StateInMemory:
		s.refs.DecrementB()
	case StateArchived:
		s.refs.DecrementA()
	default:
		return nil, fmt.Errorf("unsupported pointer state during copy: %w", errs.ErrInvalidState)
	}

	return &ReadOnlyPtr{ptr: *p, offset: offset, refs: s.refs, allocator: s.allocator}, nil
}

// ReadOnlyPtr is a lifetime-bound copy handed out by SwappablePtr.AtomicCopy.
// It carries the encoded pointer, a logical offset into its decoded data,
// and a back-reference to the parent's ref-count pair. Callers must call
// Close exactly once when done.
//
// Grounded on the original's storage::read_only_ptr<T>.
type ReadOnlyPtr struct {
	ptr       EncodedPtr
	offset    uint64
	refs      *RefCounts
	allocator *Allocator
	closed    atomic.Bool
}

// Ptr returns the underlying encoded pointer.
func (r *ReadOnlyPtr) Ptr() EncodedPtr { return r.ptr }

// Offset returns the logical offset into the decoded data this copy is
// rooted at.
func (r *ReadOnlyPtr) Offset() uint64 { return r.offset }

// Close decrements the matching reference counter (matching the state the
// payload was in when this copy was created, not the slot's current
// state) and, if that brings it to zero, destroys and deallocates the
// payload.
func (r *ReadOnlyPtr) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var zero bool

	switch r.ptr.State() {
	case StateInMemory:
		zero = r.refs.DecrementAAndTestOne()
	case StateArchived:
		zero = r.refs.DecrementBAndTestOne()
	default:
		return fmt.Errorf("close: unsupported pointer state: %w", errs.ErrInvalidState)
	}

	if zero {
		return r.allocator.Dealloc(r.ptr.alloc)
	}

	return nil
}
