package cc

import "sync/atomic"

// ReadStalled stalls object initialization (not reads generally) while a
// snapshot is in progress: start_write_op just reserves a slot, and
// init_object spins until the in-progress flag clears before marking the
// object initialized, so a snapshot never observes a half-initialized
// object appearing partway through.
//
// Grounded on the original's datastore::read_stalled.
type ReadStalled struct {
	tail         atomic.Uint64
	snapshotting atomic.Bool
}

// NewReadStalled returns a tail scheme with the tail at zero and no
// snapshot in progress.
func NewReadStalled() *ReadStalled { return &ReadStalled{} }

// StartWriteOp reserves the next write slot.
func (r *ReadStalled) StartWriteOp() uint64 {
	return r.tail.Add(1) - 1
}

// EndWriteOp is a no-op: read-stalled has no completion-ordering
// requirement on writers, only on object initialization.
func (r *ReadStalled) EndWriteOp(uint64) {}

// InitObject spins while a snapshot is in progress, then marks obj
// initialized.
func (r *ReadStalled) InitObject(obj *ObjectState) {
	for r.snapshotting.Load() {
	}

	obj.Initialize()
}

// StartUpdateOp claims obj for update from StateInitialized.
func (r *ReadStalled) StartUpdateOp(obj *ObjectState) bool {
	return obj.MarkUpdating(StateInitialized)
}

// EndUpdateOp points obj at newID.
func (r *ReadStalled) EndUpdateOp(obj *ObjectState, newID uint64) {
	obj.Update(newID)
}

// GetTail returns the current write tail.
func (r *ReadStalled) GetTail() uint64 {
	return r.tail.Load()
}

// StartSnapshot raises the snapshotting flag and returns the tail it is
// anchored at.
func (r *ReadStalled) StartSnapshot() uint64 {
	r.snapshotting.Store(true)

	return r.GetTail()
}

// EndSnapshot clears the snapshotting flag. Always succeeds: read-stalled
// has no way for a snapshot to be invalidated after the fact.
func (r *ReadStalled) EndSnapshot(uint64) bool {
	r.snapshotting.Store(false)

	return true
}
