package engine

import (
	"encoding/binary"

	"github.com/ucbrise/confluo-core/confluo/archival"
	"github.com/ucbrise/confluo-core/confluo/monolog"
	"github.com/ucbrise/confluo-core/confluo/radix"
	"github.com/ucbrise/confluo-core/confluo/storage"
	fsutil "github.com/ucbrise/confluo-core/internal/fsutil"
)

// Index is the radix-tree-backed secondary index exposing insert/lookup/
// range-lookup: a byte-keyed tree whose leaves are
// reflogs of data-log positions, with its own attachable archiver so a
// reflog's buckets migrate to archived storage independently of the data
// log they point into.
type Index struct {
	tree     *radix.Tree
	archiver *archival.ReflogArchiver

	// progress tracks each reflog's archival progress, keyed by
	// the string form of its radix key (reflogs aren't directly
	// comparable/hashable any other way).
	progress map[string]archival.ReflogLoadState
}

// NewIndex returns an empty index over keySize-byte keys; its reflogs use
// reflogAlloc and are bounded to reflogMaxBuckets buckets of
// reflogBucketSize offsets each.
func NewIndex(keySize int, reflogAlloc *storage.Allocator, reflogBucketSize, reflogMaxBuckets int) *Index {
	return &Index{
		tree:     radix.NewTree(keySize, reflogAlloc, reflogBucketSize, reflogMaxBuckets),
		progress: make(map[string]archival.ReflogLoadState),
	}
}

// AttachArchiver wires dirPath/name as this index's reflog archival
// directory.
func (idx *Index) AttachArchiver(fsys fsutil.FS, alloc *storage.Allocator, dirPath, name string, maxFileSize int64, codecTag storage.Encoding) error {
	arc, err := archival.NewReflogArchiver(fsys, alloc, dirPath, name, maxFileSize, codecTag)
	if err != nil {
		return err
	}

	idx.archiver = arc

	return nil
}

// LoadFromArchive reattaches previously archived reflog buckets for every
// key the archiver's transaction log recorded commits against, creating
// each reflog in the tree via GetOrCreate before InitBucketPtr installs its
// archived buckets.
func (idx *Index) LoadFromArchive(fsys fsutil.FS, alloc *storage.Allocator, dirPath, name string) error {
	states, err := archival.LoadReflogs(fsys, alloc, dirPath, name, func(key []byte) (*monolog.Linear, error) {
		return idx.tree.GetOrCreate(key)
	})
	if err != nil {
		return err
	}

	for key, st := range states {
		idx.progress[key] = st
	}

	return nil
}

// Insert appends position to the reflog at key, creating the reflog on
// first use.
func (idx *Index) Insert(key []byte, position uint64) error {
	reflog, err := idx.tree.GetOrCreate(key)
	if err != nil {
		return err
	}

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], position)

	_, err = reflog.PushBack(buf[:])

	return err
}

// Lookup returns the reflog at key, or (nil, false) if nothing has been
// inserted under it yet.
func (idx *Index) Lookup(key []byte) (*monolog.Linear, bool, error) {
	return idx.tree.Lookup(key)
}

// RangeLookup returns every reflog whose key falls in [lo, hi], in
// ascending key order.
func (idx *Index) RangeLookup(lo, hi []byte) ([]radix.Entry, error) {
	return idx.tree.RangeLookup(lo, hi)
}

// Archive migrates key's reflog buckets up to dataLogCutoff into the
// attached archiver, tracking per-key replay progress for a later
// LoadFromArchive. It is a no-op if no archiver has been attached.
func (idx *Index) Archive(key []byte, reflog *monolog.Linear, dataLogCutoff uint64) error {
	if idx.archiver == nil {
		return nil
	}

	st := idx.progress[string(key)]

	newIndex, err := idx.archiver.ArchiveReflog(key, reflog, st.ArchivedIndex, dataLogCutoff)
	if err != nil {
		return err
	}

	st.ArchivedIndex = newIndex
	st.DataLogCutoff = dataLogCutoff
	idx.progress[string(key)] = st

	return nil
}

// Close releases the attached reflog archiver's file handles, if any.
func (idx *Index) Close() error {
	if idx.archiver == nil {
		return nil
	}

	return idx.archiver.Close()
}
