package archival

import (
	"fmt"

	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/monolog"
	"github.com/ucbrise/confluo-core/confluo/storage"
	fsutil "github.com/ucbrise/confluo-core/internal/fsutil"
)

// LogArchiver migrates a plain monolog.Log's (the data log, or any
// unkeyed log) in-memory buckets to archived, mmap'd ones, recording one
// ActionMonologTail per committed bucket.
//
// Grounded on the original's confluo/archival/monolog_linear_archiver.h
// and monolog_archival_utils.h::archive, generalized to any monolog.Log
// rather than just monolog_linear.
type LogArchiver struct {
	lock         fsutil.Locker
	dataWriter   *incrementalFileWriter
	txLog        *transactionLog
	alloc        *storage.Allocator
	log          monolog.Log
	codecTag     storage.Encoding
	archivalTail uint64
}

// NewLogArchiver opens (or resumes) an archiver writing under
// dirPath/name, archiving log's buckets with codecTag. It takes an
// exclusive lock on dirPath/name for the archiver's lifetime, enforcing
// at the process level that an archive file stream is owned exclusively
// by one archiver instance.
func NewLogArchiver(fsys fsutil.FS, alloc *storage.Allocator, dirPath, name string, maxFileSize int64, log monolog.Log, codecTag storage.Encoding) (*LogArchiver, error) {
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

	return &LogArchiver{lock: lock, dataWriter: dataWriter, txLog: txLog, alloc: alloc, log: log, codecTag: codecTag}, nil
}

// ArchivalTail returns the logical offset the log has been archived up to
// so far.
func (a *LogArchiver) ArchivalTail() uint64 { return a.archivalTail }

// Archive migrates whole buckets from the current archival tail up to
// min(readTail, offset), one commit per bucket (a five-step protocol:
// encode, append to data stream, append+flush to the transaction log,
// mmap, swap).
func (a *LogArchiver) Archive(offset, readTail uint64) error {
	stop := offset
	if readTail < stop {
		stop = readTail
	}

	if size := a.log.Size(); size < stop {
		stop = size
	}

	for a.archivalTail+uint64(a.log.BucketSize()) <= stop {
		if err := a.archiveBucket(a.archivalTail); err != nil {
			return err
		}
	}

	return nil
}

func (a *LogArchiver) archiveBucket(pos uint64) error {
	bucketSize := a.log.BucketSize()
	elemSize := a.log.ElemSize()
	bucketStart := (pos / uint64(bucketSize)) * uint64(bucketSize)
	newTail := bucketStart + uint64(bucketSize)

	rp, err := a.log.Ptr(bucketStart)
	if err != nil {
		return err
	}
	defer rp.Close()

	if rp.Ptr().State() == storage.StateArchived {
		a.archivalTail = newTail

		return nil
	}

	raw, err := rp.Ptr().DecodeRange(0, bucketSize, bucketSize)
	if err != nil {
		return err
	}

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

	if err := a.txLog.Append(Action{Kind: ActionMonologTail, Tail: newTail}); err != nil {
		return err
	}

	mmapAlloc, err := a.alloc.MmapRegion(path, off+storage.HeaderSize, int64(len(encoded)), meta.Aux)
	if err != nil {
		return err
	}

	if err := a.log.SwapBucketPtr(bucketStart, storage.NewEncodedPtr(mmapAlloc, elemSize)); err != nil {
		return err
	}

	a.archivalTail = newTail

	return nil
}

// Close releases the archiver's open file handles and its exclusive lock.
func (a *LogArchiver) Close() error {
	if err := a.txLog.Close(); err != nil {
		return err
	}

	if err := a.dataWriter.Close(); err != nil {
		return err
	}

	return a.lock.Close()
}

// LoadLog reconstructs log from an archiver's directory: it replays the
// transaction log, truncating any uncommitted tail action, then walks the
// data stream in lockstep with the replayed actions, mmap'ing each
// committed bucket back into log and trimming any data bytes written
// after the last committed action. It returns the archival tail the log
// was loaded up to.
//
// Grounded on the original's monolog_archival_utils.h::load, adapted to
// read through the transaction log rather than relying solely on a
// separate archival-metadata sidecar record.
func LoadLog(fsys fsutil.FS, alloc *storage.Allocator, dirPath, name string, log monolog.Log) (uint64, error) {
	actions, goodLen, err := replayTransactionLog(fsys, dirPath, name)
	if err != nil {
		return 0, err
	}

	if err := truncateTransactionLog(fsys, dirPath, name, goodLen); err != nil {
		return 0, err
	}

	if len(actions) == 0 {
		return 0, nil
	}

	cursor, err := newDataCursor(fsys, dirPath, name, ".dat")
	if err != nil {
		return 0, err
	}

	elemSize := log.ElemSize()

	var tail uint64

	for _, action := range actions {
		if action.Kind != ActionMonologTail {
			return tail, fmt.Errorf("archival: unexpected action kind %d loading %s: %w", action.Kind, dirPath, errs.ErrCorruptArchive)
		}

		meta, payload, path, headerOffset, err := cursor.next()
		if err != nil {
			return tail, err
		}

		mmapAlloc, err := alloc.MmapRegion(path, headerOffset+storage.HeaderSize, int64(len(payload)), meta.Aux)
		if err != nil {
			return tail, err
		}

		if err := log.InitBucketPtr(tail, storage.NewEncodedPtr(mmapAlloc, elemSize)); err != nil {
			return tail, err
		}

		tail = action.Tail
	}

	if err := truncateDataTail(fsys, dirPath, name, cursor); err != nil {
		return tail, err
	}

	return tail, nil
}
