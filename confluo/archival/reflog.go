package archival

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/monolog"
	"github.com/ucbrise/confluo-core/confluo/storage"
	fsutil "github.com/ucbrise/confluo-core/internal/fsutil"
)

// ReflogArchiver migrates a keyed reflog's (a radix-tree leaf's
// monolog.Linear of record offsets) in-memory buckets to archived ones,
// recording one ActionReflogBucket per committed bucket against the
// reflog's own key.
//
// Grounded on the original's confluo/archival/radix_tree_archival_utils.h
// and archival_actions.h's filter/index archival actions; one
// ReflogArchiver instance owns its own data stream and transaction log,
// exclusively, for its (filter|index|data-log) structure.
type ReflogArchiver struct {
	lock       fsutil.Locker
	dataWriter *incrementalFileWriter
	txLog      *transactionLog
	alloc      *storage.Allocator
	codecTag   storage.Encoding
}

// NewReflogArchiver opens (or resumes) a reflog archiver writing under
// dirPath/name, taking an exclusive lock on dirPath/name for its lifetime
// (see LogArchiver's matching lock for the rationale).
func NewReflogArchiver(fsys fsutil.FS, alloc *storage.Allocator, dirPath, name string, maxFileSize int64, codecTag storage.Encoding) (*ReflogArchiver, error) {
	lock, err := fsys.Lock(dirPath + "/" + name)
	if err != nil {
		return nil, fmt.Errorf("archival: lock %s/%s: %w", dirPath, name, errs.ErrIO)
	}

	dataWriter, err := newIncrementalFileWriter(fsys, dirPath, name, ".dat", maxFileSize)
	if err != nil {
		lock.Close()

		return nil, err
	}

	txLog, err := newTransactionLog(fsys, dirPath, name)
	if err != nil {
		dataWriter.Close()
		lock.Close()

		return nil, err
	}

	return &ReflogArchiver{lock: lock, dataWriter: dataWriter, txLog: txLog, alloc: alloc, codecTag: codecTag}, nil
}

// Close releases the archiver's open file handles and its exclusive lock.
func (a *ReflogArchiver) Close() error {
	if err := a.txLog.Close(); err != nil {
		return err
	}

	if err := a.dataWriter.Close(); err != nil {
		return err
	}

	return a.lock.Close()
}

// ArchiveReflog archives reflog's fully-written, in-memory buckets
// starting at startIndex (a bucket-aligned element index) whose maximum
// stored record offset is below dataLogCutoff — i.e. buckets whose
// contents are entirely consistent with the data log up to that cutoff.
// A partially-filled final bucket is left unarchived: only buckets lying
// wholly below the reflog's size counter are visited, and a bucket whose
// last slot still holds the all-0xFF sentinel (reserved but not yet
// written) stops the pass. It returns
// the bucket-aligned index reached, to resume from on the next call.
func (a *ReflogArchiver) ArchiveReflog(key []byte, reflog *monolog.Linear, startIndex uint64, dataLogCutoff uint64) (uint64, error) {
	bucketSize := uint64(reflog.BucketSize())
	elemSize := reflog.ElemSize()
	pos := startIndex

	for pos+bucketSize <= reflog.Size() {
		rp, err := reflog.Ptr(pos)
		if err != nil {
			return pos, err
		}

		if rp.Ptr().State() == storage.StateArchived {
			rp.Close()
			pos += bucketSize

			continue
		}

		raw, err := rp.Ptr().DecodeRange(0, int(bucketSize), int(bucketSize))
		if err != nil {
			rp.Close()

			return pos, err
		}

		lastOffset := binary.LittleEndian.Uint64(raw[len(raw)-8:])
		if lastOffset == math.MaxUint64 || lastOffset >= dataLogCutoff {
			rp.Close()

			break
		}

		newIndex := pos + bucketSize

		if err := a.commitBucket(key, raw, elemSize, newIndex, dataLogCutoff, reflog, pos); err != nil {
			rp.Close()

			return pos, err
		}

		rp.Close()
		pos = newIndex
	}

	return pos, nil
}

func (a *ReflogArchiver) commitBucket(key, raw []byte, elemSize int, newIndex, dataLogCutoff uint64, reflog *monolog.Linear, bucketStart uint64) error {
	codec, err := storage.CodecFor(a.codecTag)
	if err != nil {
		return err
	}

	encoded, err := codec.Encode(raw, elemSize)
	if err != nil {
		return err
	}

	meta := storage.Metadata{
		DataSize: uint32(len(encoded)),
		Aux:      storage.AuxBlock{State: storage.StateArchived, Encoding: a.codecTag},
	}

	path, off, err := a.dataWriter.Append(meta, encoded)
	if err != nil {
		return err
	}

	if err := a.txLog.Append(Action{Kind: ActionReflogBucket, Key: key, Tail: newIndex, DataLogOffset: dataLogCutoff}); err != nil {
		return err
	}

	mmapAlloc, err := a.alloc.MmapRegion(path, off+storage.HeaderSize, int64(len(encoded)), meta.Aux)
	if err != nil {
		return err
	}

	return reflog.SwapBucketPtr(bucketStart, storage.NewEncodedPtr(mmapAlloc, elemSize))
}

// MarkAggregatesFlushed records that aggregates derived from the reflog at
// key have been written to disk, letting a reloader skip recomputing them.
func (a *ReflogArchiver) MarkAggregatesFlushed(key []byte) error {
	return a.txLog.Append(Action{Kind: ActionReflogAggregates, Key: key})
}

// LoadReflogs replays a reflog archiver's transaction log and reconnects
// each keyed reflog's archived buckets via reattach, which must return the
// already-allocated monolog.Linear for the reflog identified by key (the
// caller owns key-to-reflog resolution, typically through a radix.Tree).
// It returns, per key, the bucket-aligned index the reflog was loaded up
// to and the data-log cutoff it is now consistent with.
func LoadReflogs(fsys fsutil.FS, alloc *storage.Allocator, dirPath, name string, reattach func(key []byte) (*monolog.Linear, error)) (map[string]ReflogLoadState, error) {
	actions, goodLen, err := replayTransactionLog(fsys, dirPath, name)
	if err != nil {
		return nil, err
	}

	if err := truncateTransactionLog(fsys, dirPath, name, goodLen); err != nil {
		return nil, err
	}

	states := make(map[string]ReflogLoadState)

	if len(actions) == 0 {
		return states, nil
	}

	cursor, err := newDataCursor(fsys, dirPath, name, ".dat")
	if err != nil {
		return nil, err
	}

	for _, action := range actions {
		if action.Kind == ActionReflogAggregates {
			st := states[string(action.Key)]
			st.AggregatesFlushed = true
			states[string(action.Key)] = st

			continue
		}

		reflog, err := reattach(action.Key)
		if err != nil {
			return states, err
		}

		meta, payload, path, headerOffset, err := cursor.next()
		if err != nil {
			return states, err
		}

		st := states[string(action.Key)]

		mmapAlloc, err := alloc.MmapRegion(path, headerOffset+storage.HeaderSize, int64(len(payload)), meta.Aux)
		if err != nil {
			return states, err
		}

		if err := reflog.InitBucketPtr(st.ArchivedIndex, storage.NewEncodedPtr(mmapAlloc, reflog.ElemSize())); err != nil {
			return states, err
		}

		st.ArchivedIndex = action.Tail
		st.DataLogCutoff = action.DataLogOffset
		states[string(action.Key)] = st
	}

	if err := truncateDataTail(fsys, dirPath, name, cursor); err != nil {
		return states, err
	}

	return states, nil
}

// ReflogLoadState reports, for one reflog key, how far its archival
// replay reached.
type ReflogLoadState struct {
	ArchivedIndex     uint64
	DataLogCutoff     uint64
	AggregatesFlushed bool
}
