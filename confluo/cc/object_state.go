// Package cc implements two concurrency-control tail schemes: write-stalled
// (strict linearization of write completions) and read-stalled (readers
// pause while a snapshot is in progress), plus the per-object state tag
// both schemes rely on to represent an update chain.
//
// Grounded on the original's datastore/concurrency_control.h and
// datastore/object.h.
package cc

import "sync/atomic"

// Object state sentinels. A state value below Updating is not a sentinel
// at all: it is the index of the record that superseded this one via an
// update, forming a chain a reader follows to find the version visible as
// of its snapshot. Matches the original's exact numeric scheme so that a
// state value's magnitude alone disambiguates sentinel from chain-link.
const (
	StateUninitialized uint64 = ^uint64(0)
	StateInitialized   uint64 = ^uint64(0) - 1
	StateUpdating      uint64 = ^uint64(0) - 2
)

// IsValid reports whether state is a terminal sentinel (uninitialized,
// initialized, or mid-update) rather than a chain link to another object.
func IsValid(state uint64) bool {
	return state == StateUninitialized || state == StateInitialized || state == StateUpdating
}

// ObjectState is the tagged-union state field attached to every record a
// tail scheme tracks: uninitialized, initialized, updating, or updated
// (holding the index of the record that replaced it).
type ObjectState struct {
	state atomic.Uint64
}

// NewObjectState returns a state initialized to StateUninitialized.
func NewObjectState() *ObjectState {
	s := &ObjectState{}
	s.state.Store(StateUninitialized)

	return s
}

// Initialize transitions the state to StateInitialized unconditionally;
// used by read-stalled's init_object once any in-progress snapshot has
// cleared.
func (s *ObjectState) Initialize() {
	s.state.Store(StateInitialized)
}

// MarkUpdating attempts to CAS the state from expected to StateUpdating,
// returning whether it won the race.
func (s *ObjectState) MarkUpdating(expected uint64) bool {
	return s.state.CompareAndSwap(expected, StateUpdating)
}

// Update stores newID, turning this object into a chain link pointing at
// the record that superseded it.
func (s *ObjectState) Update(newID uint64) {
	s.state.Store(newID)
}

// Get returns the current state value.
func (s *ObjectState) Get() uint64 {
	return s.state.Load()
}

// ResolveChain follows an update chain starting at id until it reaches a
// terminal state, or a chain link whose version is already >= maxVersion
// (not yet visible as of the caller's snapshot, so not worth following
// further). getState/getVersion look up the state/version of a given id.
//
// Grounded on the original's log_store_base::ptr(id, max_version).
func ResolveChain(id uint64, maxVersion uint64, getState func(id uint64) uint64, getVersion func(id uint64) uint64) uint64 {
	for {
		state := getState(id)
		if IsValid(state) || getVersion(state) >= maxVersion {
			return id
		}

		id = state
	}
}
