// Package monolog implements the lock-free, append-only indexed log: a
// logical sequence of fixed-stride elements addressed as (container,
// bucket, offset-in-bucket), with lazy per-bucket
// allocation under CAS and per-bucket swappable pointers so the archiver can
// replace an in-memory bucket with an archived one without readers
// observing torn state.
//
// Grounded on the original's confluo/container/monolog/monolog_exp2_linear.h
// and monolog_linear.h.
package monolog

import (
	"fmt"

	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/storage"
)

// Log is the surface both Exp2Linear and Linear implement, letting callers
// outside this package (the archival package, and the engine package's
// record log) depend on whichever layout backs a given log without caring
// which one it is.
type Log interface {
	Reserve(count uint64) uint64
	Size() uint64
	BucketSize() int
	ElemSize() int
	PushBack(val []byte) (uint64, error)
	Append(data []byte) (uint64, error)
	Set(idx uint64, val []byte) error
	Write(idx uint64, data []byte) error
	Get(idx uint64) ([]byte, error)
	Read(idx uint64, count int) ([]byte, error)
	Ptr(idx uint64) (*storage.ReadOnlyPtr, error)
	SwapBucketPtr(idx uint64, newPtr storage.EncodedPtr) error
	InitBucketPtr(idx uint64, newPtr storage.EncodedPtr) error
}

var (
	_ Log = (*Exp2Linear)(nil)
	_ Log = (*Linear)(nil)
)

// bucketFillByte is written across a freshly allocated bucket so that any
// position a reader reaches before it is written reads back as the
// "not present" sentinel.
const bucketFillByte = 0xFF

// bucketContainer is one level of the exp2-linear container array: a slice
// of bucket slots, each an independently swappable/archivable pointer.
type bucketContainer struct {
	buckets []*storage.SwappablePtr
}

// allocBucket reserves a fresh, sentinel-filled bucket of bucketElems
// elements (each elemSize bytes) and wraps it as an unencoded, in-memory
// EncodedPtr ready for SwappablePtr.AtomicInit.
func allocBucket(alloc *storage.Allocator, elemSize, bucketElems int) (storage.EncodedPtr, error) {
	aux := storage.AuxBlock{State: storage.StateInMemory, Encoding: storage.EncodingUnencoded}

	a, err := alloc.Alloc(bucketElems*elemSize, aux)
	if err != nil {
		return storage.EncodedPtr{}, err
	}

	for i := range a.Data {
		a.Data[i] = bucketFillByte
	}

	return storage.NewEncodedPtr(a, elemSize), nil
}

// getOrAllocBucket returns slot's payload, allocating and racing a CAS
// install if it is currently empty. Losers of the race release their
// allocation through Dealloc (for a heap allocation this only adjusts the
// resident-byte count; the memory itself is left to the garbage collector)
// and defer to the winner's payload.
func getOrAllocBucket(alloc *storage.Allocator, slot *storage.SwappablePtr, elemSize, bucketElems int) (*storage.EncodedPtr, error) {
	if p := slot.AtomicLoad(); p != nil {
		return p, nil
	}

	ep, err := allocBucket(alloc, elemSize, bucketElems)
	if err != nil {
		return nil, err
	}

	if !slot.AtomicInit(ep) {
		if err := alloc.Dealloc(ep.Allocation()); err != nil {
			return nil, err
		}
	}

	return slot.AtomicLoad(), nil
}

// writeInto copies val into bucket at element offset bucketOff, failing if
// the bucket is not an unencoded in-memory payload (an archiver already
// swapped it).
func writeInto(bucket *storage.EncodedPtr, bucketOff int, val []byte) error {
	return bucket.EncodeAt(uint64(bucketOff), val)
}

func errShortRead(have, want int) error {
	return fmt.Errorf("monolog: read %d of %d requested bytes: %w", have, want, errs.ErrOutOfBounds)
}
