package storage

import (
	"fmt"

	"github.com/ucbrise/confluo-core/confluo/errs"
)

// EncodedPtr is a non-owning handle over an Allocation's payload, aware of
// the fixed element stride used to interpret that payload. Encode/decode
// operate according to the allocation's aux-block encoding: unencoded
// buffers are read/written in place; encoded (archived) buffers decode
// into a caller-owned buffer.
//
// Grounded on the original's storage::encoded_ptr<T> (storage/encoded_ptr.h),
// generalized from a C++ template over T to an explicit elemSize since Go
// has no pointer-arithmetic-over-T equivalent.
type EncodedPtr struct {
	alloc    *Allocation
	elemSize int
}

// NewEncodedPtr wraps alloc for access as a sequence of elemSize-byte
// elements.
func NewEncodedPtr(alloc *Allocation, elemSize int) EncodedPtr {
	return EncodedPtr{alloc: alloc, elemSize: elemSize}
}

// Allocation returns the wrapped allocation.
func (p EncodedPtr) Allocation() *Allocation { return p.alloc }

// State reports whether the underlying payload is in-memory or archived.
func (p EncodedPtr) State() State { return p.alloc.Meta.Aux.State }

// Encoding reports the codec tag applied to the underlying payload.
func (p EncodedPtr) Encoding() Encoding { return p.alloc.Meta.Aux.Encoding }

// EncodeAt writes val (exactly elemSize bytes) at logical index idx.
// Only valid for unencoded in-memory payloads; archived or encoded
// payloads are immutable once written (callers must re-archive to change
// them).
func (p EncodedPtr) EncodeAt(idx uint64, val []byte) error {
	if p.Encoding() != EncodingUnencoded || p.State() != StateInMemory {
		return fmt.Errorf("encode into %v payload: %w", p.Encoding(), errs.ErrInvalidState)
	}

	if len(val) != p.elemSize {
		return fmt.Errorf("encode: val is %d bytes, want %d: %w", len(val), p.elemSize, errs.ErrInvalidState)
	}

	off := int(idx) * p.elemSize
	if off+p.elemSize > len(p.alloc.Data) {
		return fmt.Errorf("encode at %d: %w", idx, errs.ErrOutOfBounds)
	}

	copy(p.alloc.Data[off:off+p.elemSize], val)

	return nil
}

// EncodeRange writes data (a whole number of elemSize-sized elements)
// starting at logical index idx. Like EncodeAt, only valid for unencoded
// in-memory payloads.
func (p EncodedPtr) EncodeRange(idx uint64, data []byte) error {
	if p.Encoding() != EncodingUnencoded || p.State() != StateInMemory {
		return fmt.Errorf("encode into %v payload: %w", p.Encoding(), errs.ErrInvalidState)
	}

	if len(data)%p.elemSize != 0 {
		return fmt.Errorf("encode range: %d bytes not a multiple of elemSize %d: %w", len(data), p.elemSize, errs.ErrInvalidState)
	}

	off := int(idx) * p.elemSize
	if off+len(data) > len(p.alloc.Data) {
		return fmt.Errorf("encode range at %d len %d: %w", idx, len(data), errs.ErrOutOfBounds)
	}

	copy(p.alloc.Data[off:off+len(data)], data)

	return nil
}

// DecodeAt returns the elemSize bytes at logical index idx, decoding the
// whole elemCount-element buffer through the active codec if the payload
// is archived/encoded (elemCount is the bucket's fixed capacity, since
// that is what archival encoded as a unit).
func (p EncodedPtr) DecodeAt(idx uint64, elemCount int) ([]byte, error) {
	buf, err := p.decodeAll(elemCount)
	if err != nil {
		return nil, err
	}

	off := int(idx) * p.elemSize
	if off+p.elemSize > len(buf) {
		return nil, fmt.Errorf("decode at %d: %w", idx, errs.ErrOutOfBounds)
	}

	out := make([]byte, p.elemSize)
	copy(out, buf[off:off+p.elemSize])

	return out, nil
}

// DecodeRange decodes count elements starting at logical index idx into a
// freshly allocated buffer of count*elemSize bytes.
func (p EncodedPtr) DecodeRange(idx uint64, count, elemCount int) ([]byte, error) {
	buf, err := p.decodeAll(elemCount)
	if err != nil {
		return nil, err
	}

	off := int(idx) * p.elemSize
	end := off + count*p.elemSize

	if end > len(buf) {
		return nil, fmt.Errorf("decode range at %d len %d: %w", idx, count, errs.ErrOutOfBounds)
	}

	out := make([]byte, count*p.elemSize)
	copy(out, buf[off:end])

	return out, nil
}

func (p EncodedPtr) decodeAll(elemCount int) ([]byte, error) {
	if p.Encoding() == EncodingUnencoded {
		return p.alloc.Data, nil
	}

	codec, err := CodecFor(p.Encoding())
	if err != nil {
		return nil, err
	}

	return codec.Decode(p.alloc.Data, p.elemSize, elemCount)
}
