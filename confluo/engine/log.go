// Package engine wires the lower-level primitives (a monolog.Log, a cc.Tail
// discipline, a radix.Tree, and the archival package) into the operations
// exposed to external collaborators: append/read on the log, snapshot
// begin/end, lookup/range-lookup by key, and archive-up-to-offset.
//
// Nothing here is grounded directly on one lower-level file the way
// confluo/monolog or confluo/cc are — this is the composition root, wiring
// an embedded storage engine's collaborators together rather than
// reimplementing one of them. The composition follows the same idiom as the
// rest of the module: exported types hold unexported fields, construction
// takes every collaborator explicitly, and errors wrap confluo/errs
// sentinels.
package engine

import (
	"fmt"
	"sync"

	"github.com/ucbrise/confluo-core/confluo/archival"
	"github.com/ucbrise/confluo-core/confluo/cc"
	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/monolog"
	"github.com/ucbrise/confluo-core/confluo/storage"
	fsutil "github.com/ucbrise/confluo-core/internal/fsutil"
)

// tombstoneID marks a record invalidated via Log.Invalidate. It is picked
// well outside any position a real log will ever reach, just below the
// three cc.ObjectState terminal sentinels. cc.IsValid does not recognize
// it, so Log.resolve special-cases it to make a chain walk stop there as a
// dead end rather than follow it as a further link.
const tombstoneID = cc.StateUpdating - 1

// Log is a record-oriented MonoLog: append/read/update/invalidate plus
// begin/end-snapshot, gated by a cc.Tail discipline and backed by a
// monolog.Log for storage.
//
// One Log owns exactly one archival.LogArchiver's data stream: each
// archiver instance holds an exclusive lock on its archive directory for
// its lifetime, so only one Log may archive a given structure at a time.
type Log struct {
	data     monolog.Log
	tail     cc.Tail
	elemSize int

	statesMu sync.Mutex // guards creation races on states; reads/writes on a *cc.ObjectState itself stay lock-free
	states   sync.Map    // map[uint64]*cc.ObjectState

	archiver     *archival.LogArchiver
	archivalTail uint64
}

// NewLog constructs a Log over data, gated by tail, with no archiver
// attached (archival.not wired until AttachArchiver is called).
func NewLog(data monolog.Log, tail cc.Tail) *Log {
	return &Log{data: data, tail: tail, elemSize: data.ElemSize()}
}

// AttachArchiver wires dirPath/name as this log's archival directory,
// opening (or resuming) a archival.LogArchiver that encodes committed
// buckets with codecTag.
func (l *Log) AttachArchiver(fsys fsutil.FS, alloc *storage.Allocator, dirPath, name string, maxFileSize int64, codecTag storage.Encoding) error {
	arc, err := archival.NewLogArchiver(fsys, alloc, dirPath, name, maxFileSize, l.data, codecTag)
	if err != nil {
		return err
	}

	l.archiver = arc

	return nil
}

// LoadFromArchive reconstructs data's buckets from dirPath/name's archived
// files and transaction log, replaying it to the last fully-committed
// action. Call this before any Append/AttachArchiver when resuming an
// existing log.
func LoadFromArchive(fsys fsutil.FS, alloc *storage.Allocator, dirPath, name string, data monolog.Log) (uint64, error) {
	return archival.LoadLog(fsys, alloc, dirPath, name, data)
}

func (l *Log) objectState(pos uint64) *cc.ObjectState {
	if v, ok := l.states.Load(pos); ok {
		return v.(*cc.ObjectState)
	}

	l.statesMu.Lock()
	defer l.statesMu.Unlock()

	if v, ok := l.states.Load(pos); ok {
		return v.(*cc.ObjectState)
	}

	st := cc.NewObjectState()
	l.states.Store(pos, st)

	return st
}

// Append writes one elemSize-byte record and returns the position it was
// assigned. The position is reserved through tail rather than through
// data's own internal counter, so cc.Tail.GetTail()'s visibility guarantee
// lines up exactly with the positions Append hands out.
func (l *Log) Append(record []byte) (uint64, error) {
	if len(record) != l.elemSize {
		return 0, fmt.Errorf("engine: record is %d bytes, want %d: %w", len(record), l.elemSize, errs.ErrInvalidState)
	}

	pos := l.tail.StartWriteOp()

	if err := l.data.Set(pos, record); err != nil {
		return 0, err
	}

	st := l.objectState(pos)
	l.tail.InitObject(st)
	l.tail.EndWriteOp(pos)

	// Keep data's own tail advancing so archival's defensive log.Size()
	// bound (on top of the caller-supplied read tail) catches up with what
	// has actually been reserved here. Ordered after EndWriteOp so it
	// only ever lags the true visible extent, never leads it.
	l.data.Reserve(1)

	return pos, nil
}

// AppendObject encodes obj via encode and appends the result.
func (l *Log) AppendObject(obj any, encode func(any) ([]byte, error)) (uint64, error) {
	record, err := encode(obj)
	if err != nil {
		return 0, err
	}

	return l.Append(record)
}

// checkBounds reports errs.ErrOutOfBounds if pos is at or past the
// currently visible tail.
func (l *Log) checkBounds(pos uint64) error {
	if pos >= l.tail.GetTail() {
		return fmt.Errorf("engine: position %d at or past tail: %w", pos, errs.ErrOutOfBounds)
	}

	return nil
}

// resolve follows pos's update chain to the record actually visible as of
// maxVersion, per cc.ResolveChain, recognizing tombstoneID as a terminal
// "invalidated" marker rather than a further chain link.
func (l *Log) resolve(pos, maxVersion uint64) uint64 {
	return cc.ResolveChain(pos, maxVersion,
		func(id uint64) uint64 {
			if id == tombstoneID {
				return cc.StateUpdating
			}

			st := l.objectState(id)

			return st.Get()
		},
		func(state uint64) uint64 {
			if state == tombstoneID {
				// Always below any maxVersion, so a chain that points at
				// the tombstone is always followed into it rather than
				// stopping one hop early because the "update" appears not
				// yet visible.
				return 0
			}

			return state
		},
	)
}

// Read copies count records starting at the version of position visible as
// of the log's current tail into a fresh buffer.
func (l *Log) Read(position uint64, count int) ([]byte, error) {
	if err := l.checkBounds(position); err != nil {
		return nil, err
	}

	resolved := l.resolve(position, l.tail.GetTail())
	if resolved == tombstoneID {
		return nil, fmt.Errorf("engine: position %d was invalidated: %w", position, errs.ErrOutOfBounds)
	}

	return l.data.Read(resolved, count)
}

// Get returns the single record visible at position.
func (l *Log) Get(position uint64) ([]byte, error) {
	return l.Read(position, 1)
}

// Update claims position's object state through the tail's StartUpdateOp
// (a CAS to updating, from initialized under read-stalled or from
// uninitialized under write-stalled), appends newRecord like any other
// write, then points position at the new record's position. It returns
// errs.ErrStaleUpdate if a concurrent updater already won the CAS.
func (l *Log) Update(position uint64, newRecord []byte) (uint64, error) {
	if err := l.checkBounds(position); err != nil {
		return 0, err
	}

	st := l.objectState(position)
	if !l.tail.StartUpdateOp(st) {
		return 0, fmt.Errorf("engine: update at %d lost the CAS race: %w", position, errs.ErrStaleUpdate)
	}

	newPos, err := l.Append(newRecord)
	if err != nil {
		return 0, err
	}

	l.tail.EndUpdateOp(st, newPos)

	return newPos, nil
}

// Invalidate marks position as deleted: subsequent Get/Read calls resolving
// to it return errs.ErrOutOfBounds. Returns errs.ErrStaleUpdate if a
// concurrent update or invalidate already claimed position.
func (l *Log) Invalidate(position uint64) error {
	if err := l.checkBounds(position); err != nil {
		return err
	}

	st := l.objectState(position)
	if !l.tail.StartUpdateOp(st) {
		return fmt.Errorf("engine: invalidate at %d lost the CAS race: %w", position, errs.ErrStaleUpdate)
	}

	l.tail.EndUpdateOp(st, tombstoneID)

	return nil
}

// BeginSnapshot returns a tail a caller can pass to EndSnapshot once it has
// finished reading everything below it.
func (l *Log) BeginSnapshot() uint64 { return l.tail.StartSnapshot() }

// EndSnapshot reports whether the snapshot anchored at tail saw no writer
// complete in the interim.
func (l *Log) EndSnapshot(tail uint64) bool { return l.tail.EndSnapshot(tail) }

// Archive migrates buckets up to min(upToOffset, GetTail()) into this
// log's attached archiver, advancing ArchivalTail. It is a no-op (returns
// nil) if no archiver has been attached yet.
func (l *Log) Archive(upToOffset uint64) error {
	if l.archiver == nil {
		return nil
	}

	if err := l.archiver.Archive(upToOffset, l.tail.GetTail()); err != nil {
		return err
	}

	l.archivalTail = l.archiver.ArchivalTail()

	return nil
}

// ArchivalTail returns how far this log has been archived so far.
func (l *Log) ArchivalTail() uint64 { return l.archivalTail }

// Close releases the attached archiver's file handles, if any.
func (l *Log) Close() error {
	if l.archiver == nil {
		return nil
	}

	return l.archiver.Close()
}
