package storage

import "encoding/binary"

// AllocKind identifies how a managed allocation's payload was obtained.
type AllocKind uint8

const (
	// AllocHeap means the payload lives in process heap memory.
	AllocHeap AllocKind = iota
	// AllocMmap means the payload is backed by an mmap'd file region.
	AllocMmap
)

// State is the archival state carried in a pointer's aux block.
type State uint8

const (
	// StateInMemory marks a payload that has not yet been archived.
	StateInMemory State = iota
	// StateArchived marks a payload migrated to its (optionally
	// compressed) on-disk representation.
	StateArchived
)

// Encoding identifies the codec applied to an archived payload. Data-log
// buckets only ever use EncodingUnencoded or EncodingLZ4; reflog buckets
// may additionally use EncodingEliasGamma.
type Encoding uint8

const (
	EncodingUnencoded  Encoding = 0
	EncodingLZ4        Encoding = 1
	EncodingEliasGamma Encoding = 2
)

// AuxBlock packs State (1 bit) and Encoding (3 bits) into the 4 low bits of
// one byte, matching the original's storage::ptr_aux_block.
type AuxBlock struct {
	State    State
	Encoding Encoding
}

// Pack encodes the aux block into a single byte for persistence.
func (a AuxBlock) Pack() uint8 {
	return uint8(a.State) | uint8(a.Encoding)<<1
}

// UnpackAuxBlock decodes a byte produced by AuxBlock.Pack.
func UnpackAuxBlock(b uint8) AuxBlock {
	return AuxBlock{
		State:    State(b & 0x1),
		Encoding: Encoding((b >> 1) & 0x7),
	}
}

// HeaderSize is the fixed, on-disk size in bytes of the 8-byte pointer
// metadata header.
const HeaderSize = 8

// Metadata is the fixed header describing every allocation made by
// Allocator. In memory it travels alongside the payload as Allocation.Meta
// rather than being prepended to it; in an archived data file it is
// written immediately before each payload.
//
// Layout (8 bytes, little-endian): data_size u32 | alloc_kind u8 |
// aux u8 (state:1, encoding:3) | offset u16.
type Metadata struct {
	DataSize  uint32
	AllocKind AllocKind
	Aux       AuxBlock
	// Offset is the number of bytes between the start of the backing mmap
	// region and the payload, used to recover the page-aligned base of a
	// partial-file mmap on deallocation.
	Offset uint16
}

// Encode writes the 8-byte on-disk representation of m into buf, which
// must be at least HeaderSize bytes.
func (m Metadata) Encode(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], m.DataSize)
	buf[4] = byte(m.AllocKind)
	buf[5] = m.Aux.Pack()
	binary.LittleEndian.PutUint16(buf[6:8], m.Offset)
}

// DecodeMetadata parses the 8-byte on-disk representation produced by
// Metadata.Encode.
func DecodeMetadata(buf []byte) Metadata {
	_ = buf[HeaderSize-1]

	return Metadata{
		DataSize:  binary.LittleEndian.Uint32(buf[0:4]),
		AllocKind: AllocKind(buf[4]),
		Aux:       UnpackAuxBlock(buf[5]),
		Offset:    binary.LittleEndian.Uint16(buf[6:8]),
	}
}
