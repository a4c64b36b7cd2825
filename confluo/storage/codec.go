package storage

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/pierrec/lz4/v4"

	"github.com/ucbrise/confluo-core/confluo/errs"
)

// Codec encodes/decodes a bucket's worth of fixed-stride elements to/from
// its archived representation. Dynamic dispatch over encoding is modeled
// as a small tagged dispatch table rather than per-element virtual calls
// — archival only encodes/decodes whole buckets, never single elements,
// so there is no hot-path dispatch cost.
type Codec interface {
	Tag() Encoding
	// Encode compresses elems (elemCount*elemSize bytes) into a freshly
	// allocated buffer.
	Encode(elems []byte, elemSize int) ([]byte, error)
	// Decode materializes elemCount elements of elemSize bytes each from
	// encoded into a freshly allocated buffer.
	Decode(encoded []byte, elemSize, elemCount int) ([]byte, error)
}

// CodecFor returns the Codec registered for tag.
func CodecFor(tag Encoding) (Codec, error) {
	switch tag {
	case EncodingUnencoded:
		return identityCodec{}, nil
	case EncodingLZ4:
		return lz4Codec{}, nil
	case EncodingEliasGamma:
		return eliasGammaCodec{}, nil
	default:
		return nil, fmt.Errorf("codec tag %d: %w", tag, errs.ErrInvalidState)
	}
}

// identityCodec is the unencoded pass-through codec; Encode/Decode operate
// in place conceptually (a copy is still made so callers may treat the
// result as independently owned, matching the archived-pointer contract).
type identityCodec struct{}

func (identityCodec) Tag() Encoding { return EncodingUnencoded }

func (identityCodec) Encode(elems []byte, _ int) ([]byte, error) {
	out := make([]byte, len(elems))
	copy(out, elems)

	return out, nil
}

func (identityCodec) Decode(encoded []byte, elemSize, elemCount int) ([]byte, error) {
	want := elemSize * elemCount
	if len(encoded) < want {
		return nil, fmt.Errorf("identity decode: want %d bytes, have %d: %w", want, len(encoded), errs.ErrCorruptArchive)
	}

	out := make([]byte, want)
	copy(out, encoded[:want])

	return out, nil
}

// lz4Codec wraps github.com/pierrec/lz4/v4's block API. Treated as a
// black-box general-purpose byte compressor; used for both data-log and
// reflog buckets.
type lz4Codec struct{}

func (lz4Codec) Tag() Encoding { return EncodingLZ4 }

func (lz4Codec) Encode(elems []byte, _ int) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(elems)))

	var c lz4.Compressor

	n, err := c.CompressBlock(elems, buf)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", errs.ErrIO)
	}

	if n == 0 {
		// Incompressible input: pierrec/lz4 returns n==0 rather than error.
		// Fall back to storing the raw bytes with a length-prefix sentinel
		// of 0 compressed length so Decode can detect and handle it.
		return append([]byte{0, 0, 0, 0}, elems...), nil
	}

	prefixed := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(prefixed, uint32(len(elems)))
	copy(prefixed[4:], buf[:n])

	return prefixed, nil
}

func (lz4Codec) Decode(encoded []byte, elemSize, elemCount int) ([]byte, error) {
	if len(encoded) < 4 {
		return nil, fmt.Errorf("lz4 decode: truncated header: %w", errs.ErrCorruptArchive)
	}

	rawLen := binary.LittleEndian.Uint32(encoded)
	want := elemSize * elemCount

	if rawLen == 0 {
		// Incompressible sentinel: payload is raw bytes.
		out := make([]byte, want)
		copy(out, encoded[4:])

		return out, nil
	}

	out := make([]byte, rawLen)

	n, err := lz4.UncompressBlock(encoded[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", errs.ErrCorruptArchive)
	}

	if n != int(rawLen) || int(rawLen) < want {
		return nil, fmt.Errorf("lz4 decode: size mismatch: %w", errs.ErrCorruptArchive)
	}

	return out[:want], nil
}

// eliasGammaCodec encodes a slice of uint64 values with Elias-gamma coding,
// a simple, self-contained bit-packing scheme with no ecosystem library in
// the example corpus (see DESIGN.md) — only valid for elemSize==8 (reflog
// offsets).
type eliasGammaCodec struct{}

func (eliasGammaCodec) Tag() Encoding { return EncodingEliasGamma }

func (eliasGammaCodec) Encode(elems []byte, elemSize int) ([]byte, error) {
	if elemSize != 8 {
		return nil, fmt.Errorf("elias-gamma: elemSize %d != 8: %w", elemSize, errs.ErrInvalidState)
	}

	if len(elems)%8 != 0 {
		return nil, fmt.Errorf("elias-gamma: elems not a multiple of 8 bytes: %w", errs.ErrInvalidState)
	}

	var w bitWriter

	for i := 0; i+8 <= len(elems); i += 8 {
		v := binary.LittleEndian.Uint64(elems[i:])
		w.writeGamma(v + 1) // gamma coding requires values >= 1
	}

	return w.bytes(), nil
}

func (eliasGammaCodec) Decode(encoded []byte, elemSize, elemCount int) ([]byte, error) {
	if elemSize != 8 {
		return nil, fmt.Errorf("elias-gamma: elemSize %d != 8: %w", elemSize, errs.ErrInvalidState)
	}

	r := bitReader{buf: encoded}
	out := make([]byte, elemCount*8)

	for i := 0; i < elemCount; i++ {
		v, err := r.readGamma()
		if err != nil {
			return nil, fmt.Errorf("elias-gamma decode elem %d: %w", i, errs.ErrCorruptArchive)
		}

		binary.LittleEndian.PutUint64(out[i*8:], v-1)
	}

	return out, nil
}

// bitWriter accumulates bits MSB-first into bytes.
type bitWriter struct {
	buf     []byte
	cur     byte
	nbits   int
	written int
}

func (w *bitWriter) writeBit(b uint8) {
	w.cur = w.cur<<1 | (b & 1)
	w.nbits++

	if w.nbits == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur = 0
		w.nbits = 0
	}
}

// writeGamma writes v (v >= 1) as Elias-gamma: (N zero bits) then the
// N+1-bit binary representation of v, where N = floor(log2(v)).
func (w *bitWriter) writeGamma(v uint64) {
	n := bits.Len64(v) - 1
	for i := 0; i < n; i++ {
		w.writeBit(0)
	}

	for i := n; i >= 0; i-- {
		w.writeBit(uint8(v>>i) & 1)
	}
}

func (w *bitWriter) bytes() []byte {
	if w.nbits > 0 {
		w.buf = append(w.buf, w.cur<<(8-w.nbits))
	}

	return w.buf
}

type bitReader struct {
	buf  []byte
	pos  int // bit position
	errd bool
}

func (r *bitReader) readBit() (uint8, error) {
	byteIdx := r.pos / 8
	if byteIdx >= len(r.buf) {
		return 0, fmt.Errorf("elias-gamma: read past end")
	}

	bit := (r.buf[byteIdx] >> (7 - uint(r.pos%8))) & 1
	r.pos++

	return bit, nil
}

func (r *bitReader) readGamma() (uint64, error) {
	n := 0

	for {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}

		if b == 1 {
			break
		}

		n++
	}

	v := uint64(1)

	for i := 0; i < n; i++ {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}

		v = v<<1 | uint64(b)
	}

	return v, nil
}
