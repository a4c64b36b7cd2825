package cc

// Tail is the interface both concurrency-control schemes implement,
// letting the engine depend on whichever discipline a given log was
// configured with.
type Tail interface {
	// StartWriteOp reserves a write slot and returns its tail value.
	StartWriteOp() uint64
	// EndWriteOp marks the write started at tail as complete.
	EndWriteOp(tail uint64)
	// InitObject transitions obj from uninitialized to initialized,
	// respecting any snapshot in progress.
	InitObject(obj *ObjectState)
	// StartUpdateOp attempts to claim obj for an update.
	StartUpdateOp(obj *ObjectState) bool
	// EndUpdateOp completes an update, pointing obj at newID.
	EndUpdateOp(obj *ObjectState, newID uint64)
	// GetTail returns a monotonically non-decreasing count of
	// operations safe to read.
	GetTail() uint64
	// StartSnapshot begins a snapshot and returns the tail value it is
	// anchored at.
	StartSnapshot() uint64
	// EndSnapshot ends a snapshot anchored at tail, reporting whether no
	// concurrent write invalidated it.
	EndSnapshot(tail uint64) bool
}
