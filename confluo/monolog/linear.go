package monolog

import (
	"fmt"
	"sync/atomic"

	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/storage"
)

// Linear is the fixed-array MonoLog layout: maxBuckets buckets of
// bucketSize elements each, addressed by plain division/modulo rather than
// the exp2 layout's bit-routing. Suited to logs whose upper bound on size
// is known up front (radix-tree reflogs use it), trading away unbounded
// growth for simpler addressing.
//
// Grounded on the original's monolog_linear_base / monolog_linear.
type Linear struct {
	alloc      *storage.Allocator
	elemSize   int
	bucketSize int
	maxBuckets int

	tail    atomic.Uint64
	buckets []*storage.SwappablePtr
}

// NewLinear returns an empty log with maxBuckets buckets of bucketSize
// elemSize-byte elements each. Bucket slots are allocated eagerly (they are
// cheap SwappablePtr shells); the backing memory for each bucket is still
// allocated lazily on first write.
func NewLinear(alloc *storage.Allocator, elemSize, bucketSize, maxBuckets int) *Linear {
	buckets := make([]*storage.SwappablePtr, maxBuckets)
	for i := range buckets {
		buckets[i] = storage.NewSwappablePtr(alloc)
	}

	return &Linear{
		alloc:      alloc,
		elemSize:   elemSize,
		bucketSize: bucketSize,
		maxBuckets: maxBuckets,
		buckets:    buckets,
	}
}

func (m *Linear) locate(pos uint64) (bucketIdx, bucketOff int) {
	return int(pos / uint64(m.bucketSize)), int(pos % uint64(m.bucketSize))
}

func (m *Linear) bucketSlot(bucketIdx int) (*storage.SwappablePtr, error) {
	if bucketIdx < 0 || bucketIdx >= len(m.buckets) {
		return nil, fmt.Errorf("monolog: bucket index %d exceeds max buckets %d: %w", bucketIdx, m.maxBuckets, errs.ErrOutOfBounds)
	}

	return m.buckets[bucketIdx], nil
}

// Reserve atomically advances the tail by count and returns the first
// position reserved.
func (m *Linear) Reserve(count uint64) uint64 {
	return m.tail.Add(count) - count
}

// Size returns the current tail.
func (m *Linear) Size() uint64 { return m.tail.Load() }

// PushBack reserves one position, writes val, and returns the position.
func (m *Linear) PushBack(val []byte) (uint64, error) {
	idx := m.Reserve(1)

	return idx, m.Set(idx, val)
}

// Append reserves len(data)/elemSize positions and streams data across
// them, returning the first position.
func (m *Linear) Append(data []byte) (uint64, error) {
	if len(data)%m.elemSize != 0 {
		return 0, fmt.Errorf("monolog: append data not a multiple of elemSize: %w", errs.ErrInvalidState)
	}

	count := uint64(len(data) / m.elemSize)
	idx := m.Reserve(count)

	return idx, m.Write(idx, data)
}

// Set writes val at idx without advancing the tail.
func (m *Linear) Set(idx uint64, val []byte) error {
	if len(val) != m.elemSize {
		return fmt.Errorf("monolog: set value is %d bytes, want %d: %w", len(val), m.elemSize, errs.ErrInvalidState)
	}

	bucketIdx, bucketOff := m.locate(idx)

	slot, err := m.bucketSlot(bucketIdx)
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
// idx, without advancing the tail.
func (m *Linear) Write(idx uint64, data []byte) error {
	if len(data)%m.elemSize != 0 {
		return fmt.Errorf("monolog: write data not a multiple of elemSize: %w", errs.ErrInvalidState)
	}

	pos := idx
	off := 0

	for off < len(data) {
		bucketIdx, bucketOff := m.locate(pos)

		slot, err := m.bucketSlot(bucketIdx)
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
func (m *Linear) Get(idx uint64) ([]byte, error) {
	return m.Read(idx, 1)
}

// Read returns a fresh copy of count elements starting at idx.
func (m *Linear) Read(idx uint64, count int) ([]byte, error) {
	out := make([]byte, 0, count*m.elemSize)

	pos := idx
	remaining := count

	for remaining > 0 {
		bucketIdx, bucketOff := m.locate(pos)

		slot, err := m.bucketSlot(bucketIdx)
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

// Ptr hands out a read-only pointer rooted at the bucket containing idx.
func (m *Linear) Ptr(idx uint64) (*storage.ReadOnlyPtr, error) {
	bucketIdx, bucketOff := m.locate(idx)

	slot, err := m.bucketSlot(bucketIdx)
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

// SwapBucketPtr installs newPtr in place of the bucket containing idx.
// Reserved for the archiver.
func (m *Linear) SwapBucketPtr(idx uint64, newPtr storage.EncodedPtr) error {
	bucketIdx, _ := m.locate(idx)

	slot, err := m.bucketSlot(bucketIdx)
	if err != nil {
		return err
	}

	return slot.SwapPtr(newPtr)
}

// InitBucketPtr installs newPtr as the bucket containing idx, for use only
// while loading a log from archived files into a fresh instance (the slot
// must still be empty). Reserved for the archival loader.
func (m *Linear) InitBucketPtr(idx uint64, newPtr storage.EncodedPtr) error {
	bucketIdx, _ := m.locate(idx)

	slot, err := m.bucketSlot(bucketIdx)
	if err != nil {
		return err
	}

	if !slot.AtomicInit(newPtr) {
		return fmt.Errorf("monolog: bucket at %d already initialized: %w", idx, errs.ErrInvalidState)
	}

	return nil
}

// BucketAt returns the swappable pointer slot for the bucket at bucketIdx,
// addressing buckets directly rather than by logical element position.
func (m *Linear) BucketAt(bucketIdx int) (*storage.SwappablePtr, error) {
	return m.bucketSlot(bucketIdx)
}

// BucketSize returns the number of elements held per bucket.
func (m *Linear) BucketSize() int { return m.bucketSize }

// ElemSize returns the byte stride of one element.
func (m *Linear) ElemSize() int { return m.elemSize }

// MaxBuckets returns the fixed bucket-array capacity.
func (m *Linear) MaxBuckets() int { return m.maxBuckets }
