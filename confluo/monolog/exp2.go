package monolog

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/storage"
)

// firstContainerBuckets (FCB in the original) is the bucket count of
// container 0; container i holds firstContainerBuckets * 2^i buckets.
const firstContainerBuckets = 16

// firstContainerBucketsHibit is log2(firstContainerBuckets).
const firstContainerBucketsHibit = 4

// numContainers bounds how many containers the exp2 layout ever grows
// into; the containers together hold firstContainerBuckets*(2^32-1)
// buckets (about 7*10^13 positions at BucketSize=1024), matching the
// original's default template parameter.
const numContainers = 32

// Exp2Linear is the lock-free, lazily-growing MonoLog layout: positions
// route to an exponentially larger container the further they are from
// the origin, so the log never pre-allocates more than it has been
// written into.
//
// Grounded on the original's monolog_exp2_linear / monolog_exp2_linear_base.
type Exp2Linear struct {
	alloc      *storage.Allocator
	elemSize   int
	bucketSize int // elements per bucket

	fcsHibit   int
	tail       atomic.Uint64
	containers [numContainers]atomic.Pointer[bucketContainer]
}

// NewExp2Linear returns an empty log whose elements are elemSize bytes and
// whose buckets hold bucketSize elements each.
func NewExp2Linear(alloc *storage.Allocator, elemSize, bucketSize int) *Exp2Linear {
	fcs := firstContainerBuckets * bucketSize

	return &Exp2Linear{
		alloc:      alloc,
		elemSize:   elemSize,
		bucketSize: bucketSize,
		fcsHibit:   bits.Len64(uint64(fcs)) - 1,
	}
}

// locate resolves a logical position into (container index, bucket index,
// offset within the bucket), per the original's "highest cleared bit"
// routing in monolog_exp2_linear_base::set.
func (m *Exp2Linear) locate(pos uint64) (containerIdx, bucketIdx, bucketOff int) {
	p := pos + uint64(firstContainerBuckets*m.bucketSize)
	hibit := bits.Len64(p) - 1
	highestCleared := p ^ (uint64(1) << uint(hibit))

	return hibit - m.fcsHibit, int(highestCleared / uint64(m.bucketSize)), int(highestCleared % uint64(m.bucketSize))
}

func containerBucketCount(containerIdx int) int {
	return 1 << uint(containerIdx+firstContainerBucketsHibit)
}

// getOrAllocContainer returns the container at containerIdx, allocating and
// CAS-installing a fresh one (all its bucket slots empty) if absent. Losers
// of the allocation race simply discard their candidate container; it holds
// no external resources yet, so there is nothing to unwind.
func (m *Exp2Linear) getOrAllocContainer(containerIdx int) (*bucketContainer, error) {
	if containerIdx < 0 || containerIdx >= numContainers {
		return nil, fmt.Errorf("monolog: container index %d out of range: %w", containerIdx, errs.ErrOutOfBounds)
	}

	slot := &m.containers[containerIdx]
	if c := slot.Load(); c != nil {
		return c, nil
	}

	n := containerBucketCount(containerIdx)
	candidate := &bucketContainer{buckets: make([]*storage.SwappablePtr, n)}

	for i := range candidate.buckets {
		candidate.buckets[i] = storage.NewSwappablePtr(m.alloc)
	}

	if slot.CompareAndSwap(nil, candidate) {
		return candidate, nil
	}

	return slot.Load(), nil
}

func (m *Exp2Linear) bucketSlot(containerIdx, bucketIdx int) (*storage.SwappablePtr, error) {
	c, err := m.getOrAllocContainer(containerIdx)
	if err != nil {
		return nil, err
	}

	if bucketIdx < 0 || bucketIdx >= len(c.buckets) {
		return nil, fmt.Errorf("monolog: bucket index %d out of range: %w", bucketIdx, errs.ErrOutOfBounds)
	}

	return c.buckets[bucketIdx], nil
}

// Reserve atomically advances the tail by count and returns the first
// position reserved. It does not allocate any bucket memory.
func (m *Exp2Linear) Reserve(count uint64) uint64 {
	return m.tail.Add(count) - count
}

// Size returns the current tail (one past the highest reserved position).
func (m *Exp2Linear) Size() uint64 { return m.tail.Load() }

// PushBack reserves one position, writes val there (allocating the bucket
// if necessary), and returns the position.
func (m *Exp2Linear) PushBack(val []byte) (uint64, error) {
	idx := m.Reserve(1)

	return idx, m.Set(idx, val)
}

// Append reserves len(data)/elemSize positions and streams data across
// however many buckets that spans, allocating each bucket lazily, and
// returns the first position.
func (m *Exp2Linear) Append(data []byte) (uint64, error) {
	if len(data)%m.elemSize != 0 {
		return 0, fmt.Errorf("monolog: append data not a multiple of elemSize: %w", errs.ErrInvalidState)
	}

	count := uint64(len(data) / m.elemSize)
	idx := m.Reserve(count)

	return idx, m.Write(idx, data)
}

// Set writes val (one element) at idx without advancing the tail, used by
// replay and bulk load.
func (m *Exp2Linear) Set(idx uint64, val []byte) error {
	if len(val) != m.elemSize {
		return fmt.Errorf("monolog: set value is %d bytes, want %d: %w", len(val), m.elemSize, errs.ErrInvalidState)
	}

	containerIdx, bucketIdx, bucketOff := m.locate(idx)

	slot, err := m.bucketSlot(containerIdx, bucketIdx)
	if err != nil {
		return err
	}

	bucket, err := getOrAllocBucket(m.alloc, slot, m.elemSize, m.bucketSize)
	if err != nil {
		return err
	}

	return writeInto(bucket, bucketOff, val)
}

// Write streams data across however many buckets it spans, starting at
// idx, without advancing the tail. Crossing a bucket boundary re-enters
// the allocation path for each new bucket.
func (m *Exp2Linear) Write(idx uint64, data []byte) error {
	if len(data)%m.elemSize != 0 {
		return fmt.Errorf("monolog: write data not a multiple of elemSize: %w", errs.ErrInvalidState)
	}

	pos := idx
	off := 0

	for off < len(data) {
		containerIdx, bucketIdx, bucketOff := m.locate(pos)

		slot, err := m.bucketSlot(containerIdx, bucketIdx)
		if err != nil {
			return err
		}

		bucket, err := getOrAllocBucket(m.alloc, slot, m.elemSize, m.bucketSize)
		if err != nil {
			return err
		}

		elemsInBucket := m.bucketSize - bucketOff
		remaining := (len(data) - off) / m.elemSize

		n := elemsInBucket
		if remaining < n {
			n = remaining
		}

		chunk := data[off : off+n*m.elemSize]
		if err := bucket.EncodeRange(uint64(bucketOff), chunk); err != nil {
			return err
		}

		off += n * m.elemSize
		pos += uint64(n)
	}

	return nil
}

// Get returns a fresh copy of the element at idx.
func (m *Exp2Linear) Get(idx uint64) ([]byte, error) {
	return m.Read(idx, 1)
}

// Read returns a fresh copy of count elements starting at idx. The read
// may span multiple buckets, each decoded independently (archived buckets
// pay the codec cost only for the buckets actually touched).
func (m *Exp2Linear) Read(idx uint64, count int) ([]byte, error) {
	out := make([]byte, 0, count*m.elemSize)

	pos := idx
	remaining := count

	for remaining > 0 {
		containerIdx, bucketIdx, bucketOff := m.locate(pos)

		slot, err := m.bucketSlot(containerIdx, bucketIdx)
		if err != nil {
			return nil, err
		}

		bucket := slot.AtomicLoad()
		if bucket == nil {
			return nil, fmt.Errorf("monolog: read unallocated bucket at %d: %w", pos, errs.ErrOutOfBounds)
		}

		n := m.bucketSize - bucketOff
		if remaining < n {
			n = remaining
		}

		chunk, err := bucket.DecodeRange(uint64(bucketOff), n, m.bucketSize)
		if err != nil {
			return nil, err
		}

		out = append(out, chunk...)
		remaining -= n
		pos += uint64(n)
	}

	if len(out) != count*m.elemSize {
		return nil, errShortRead(len(out), count*m.elemSize)
	}

	return out, nil
}

// Ptr hands out a read-only pointer rooted at the bucket containing idx,
// the only sanctioned way for a caller to hold decoded data beyond a
// single operation's duration (it pins the bucket's ref count until
// Close).
func (m *Exp2Linear) Ptr(idx uint64) (*storage.ReadOnlyPtr, error) {
	containerIdx, bucketIdx, bucketOff := m.locate(idx)

	slot, err := m.bucketSlot(containerIdx, bucketIdx)
	if err != nil {
		return nil, err
	}

	rp, err := slot.AtomicCopy(uint64(bucketOff))
	if err != nil {
		return nil, err
	}

	if rp == nil {
		return nil, fmt.Errorf("monolog: ptr into unallocated bucket at %d: %w", idx, errs.ErrOutOfBounds)
	}

	return rp, nil
}

// SwapBucketPtr installs newPtr (which must be an archived payload) in
// place of the bucket containing idx. Reserved for the archiver.
func (m *Exp2Linear) SwapBucketPtr(idx uint64, newPtr storage.EncodedPtr) error {
	containerIdx, bucketIdx, _ := m.locate(idx)

	slot, err := m.bucketSlot(containerIdx, bucketIdx)
	if err != nil {
		return err
	}

	return slot.SwapPtr(newPtr)
}

// InitBucketPtr installs newPtr as the bucket containing idx, for use only
// while loading a log from archived files into a fresh instance (the slot
// must still be empty). Reserved for the archival loader.
func (m *Exp2Linear) InitBucketPtr(idx uint64, newPtr storage.EncodedPtr) error {
	containerIdx, bucketIdx, _ := m.locate(idx)

	slot, err := m.bucketSlot(containerIdx, bucketIdx)
	if err != nil {
		return err
	}

	if !slot.AtomicInit(newPtr) {
		return fmt.Errorf("monolog: bucket at %d already initialized: %w", idx, errs.ErrInvalidState)
	}

	return nil
}

// BucketSize returns the number of elements held per bucket.
func (m *Exp2Linear) BucketSize() int { return m.bucketSize }

// ElemSize returns the byte stride of one element.
func (m *Exp2Linear) ElemSize() int { return m.elemSize }
