package cc

import "sync/atomic"

const (
	hiBit  = uint64(1) << 63
	rtMask = ^hiBit
)

// WriteStalled linearizes write completions: end_write_op spins until the
// read tail has advanced to exactly this write's start position, so
// completions become visible in the same order writes started, at the
// cost of a writer stalling behind a slower concurrent writer.
//
// Grounded on the original's datastore::write_stalled.
type WriteStalled struct {
	readTail  atomic.Uint64
	writeTail atomic.Uint64
}

// NewWriteStalled returns a tail scheme with both tails at zero.
func NewWriteStalled() *WriteStalled { return &WriteStalled{} }

// StartWriteOp reserves the next write slot.
func (w *WriteStalled) StartWriteOp() uint64 {
	return w.writeTail.Add(1) - 1
}

// InitObject is a no-op for write-stalled: objects are considered valid
// for update from StateUninitialized directly, no separate init step.
func (w *WriteStalled) InitObject(*ObjectState) {}

// EndWriteOp spins until the read tail transitions from tail to tail+1,
// forcing completion order to equal start order. A snapshot-in-progress
// bit on the read tail is carried over unchanged.
func (w *WriteStalled) EndWriteOp(tail uint64) {
	for {
		cur := w.readTail.Load()
		if cur&rtMask == tail && w.readTail.CompareAndSwap(cur, (tail+1)|(cur&hiBit)) {
			return
		}
	}
}

// StartUpdateOp claims obj for update directly from StateUninitialized.
func (w *WriteStalled) StartUpdateOp(obj *ObjectState) bool {
	return obj.MarkUpdating(StateUninitialized)
}

// EndUpdateOp points obj at newID.
func (w *WriteStalled) EndUpdateOp(obj *ObjectState, newID uint64) {
	obj.Update(newID)
}

// GetTail returns the read tail with the snapshot-in-progress bit masked
// off.
func (w *WriteStalled) GetTail() uint64 {
	return w.readTail.Load() & rtMask
}

// StartSnapshot sets the read tail's high bit to mark a snapshot in
// progress and returns the tail it is anchored at.
func (w *WriteStalled) StartSnapshot() uint64 {
	for {
		tail := w.GetTail()
		if w.readTail.CompareAndSwap(tail, tail|hiBit) {
			return tail
		}
	}
}

// EndSnapshot clears the snapshot-in-progress bit. It fails (returns
// false) if a concurrent write advanced the read tail in the interim,
// meaning the snapshot missed a completion it should have seen; the bit is
// cleared either way.
func (w *WriteStalled) EndSnapshot(tail uint64) bool {
	expected := tail | hiBit
	if w.readTail.CompareAndSwap(expected, tail) {
		return true
	}

	for {
		cur := w.readTail.Load()
		if w.readTail.CompareAndSwap(cur, cur&rtMask) {
			return false
		}
	}
}
