// Package radix implements a fixed-fan-out, fixed-depth byte-keyed tree: a
// path from root to leaf consumes one byte per level (256-way fan-out),
// and each leaf slot holds a lazily created reflog — a MonoLog of 64-bit
// record offsets.
//
// Grounded on the original's index::tiered_index/indexlet
// (libdialog/dialog/tiered_index.h) for the get-or-create CAS idiom,
// generalized from a fixed two/three-level tiered index to an arbitrary
// fixed-width byte-keyed path.
package radix

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/monolog"
	"github.com/ucbrise/confluo-core/confluo/storage"
)

const fanout = 256

// node is one level of the tree. Only one of its two slot arrays is ever
// used by a given node, decided by its depth: internal nodes (above the
// last level) populate next; the last internal level populates leaf
// directly with reflogs instead of descending through one more node,
// since a reflog already is the fixed-fanout unit the last key byte
// indexes into.
type node struct {
	next [fanout]atomic.Pointer[node]
	leaf [fanout]atomic.Pointer[monolog.Linear]
}

// Tree is a fixed key-width radix index whose leaves are reflogs.
type Tree struct {
	keySize int // bytes; tree depth

	reflogAlloc      *storage.Allocator
	reflogBucketSize int
	reflogMaxBuckets int

	root *node
}

// NewTree returns an empty tree over keySize-byte keys. Reflogs created at
// the leaves use reflogAlloc and are bounded to reflogMaxBuckets buckets
// of reflogBucketSize 64-bit offsets each.
func NewTree(keySize int, reflogAlloc *storage.Allocator, reflogBucketSize, reflogMaxBuckets int) *Tree {
	if keySize < 1 {
		panic("radix: key size must be at least 1 byte")
	}

	return &Tree{
		keySize:          keySize,
		reflogAlloc:      reflogAlloc,
		reflogBucketSize: reflogBucketSize,
		reflogMaxBuckets: reflogMaxBuckets,
		root:             &node{},
	}
}

// KeySize returns the fixed key width in bytes.
func (t *Tree) KeySize() int { return t.keySize }

func (t *Tree) checkKey(key []byte) error {
	if len(key) != t.keySize {
		return fmt.Errorf("radix: key is %d bytes, want %d: %w", len(key), t.keySize, errs.ErrInvalidState)
	}

	return nil
}

func getOrCreateChild(slot *atomic.Pointer[node]) *node {
	if c := slot.Load(); c != nil {
		return c
	}

	candidate := &node{}
	if slot.CompareAndSwap(nil, candidate) {
		return candidate
	}

	return slot.Load()
}

// GetOrCreate descends the tree along key, CAS-installing any missing
// internal nodes and, at the leaf, the reflog itself. Concurrent creators
// race via CAS; every loser observes and returns the winner's reflog, so a
// leaf reflog is created at most once.
func (t *Tree) GetOrCreate(key []byte) (*monolog.Linear, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}

	cur := t.root

	for level := 0; level < t.keySize-1; level++ {
		cur = getOrCreateChild(&cur.next[key[level]])
	}

	lastByte := key[t.keySize-1]
	slot := &cur.leaf[lastByte]

	if rl := slot.Load(); rl != nil {
		return rl, nil
	}

	candidate := monolog.NewLinear(t.reflogAlloc, 8, t.reflogBucketSize, t.reflogMaxBuckets)
	if slot.CompareAndSwap(nil, candidate) {
		return candidate, nil
	}

	return slot.Load(), nil
}

// Lookup returns the reflog at key, or (nil, false) if no writer has ever
// created it.
func (t *Tree) Lookup(key []byte) (*monolog.Linear, bool, error) {
	if err := t.checkKey(key); err != nil {
		return nil, false, err
	}

	cur := t.root

	for level := 0; level < t.keySize-1; level++ {
		cur = cur.next[key[level]].Load()
		if cur == nil {
			return nil, false, nil
		}
	}

	rl := cur.leaf[key[t.keySize-1]].Load()

	return rl, rl != nil, nil
}

// Entry is one result of a RangeLookup: the key a reflog was created
// under, and the reflog itself.
type Entry struct {
	Key    []byte
	Reflog *monolog.Linear
}

// RangeLookup returns every existing reflog whose key falls in [lo, hi]
// (inclusive), in ascending key order. Only populated branches are
// descended, so cost is proportional to the number of keys actually
// created plus the bound-pruned fan-out at each level, not the full key
// space.
func (t *Tree) RangeLookup(lo, hi []byte) ([]Entry, error) {
	if err := t.checkKey(lo); err != nil {
		return nil, fmt.Errorf("range_lookup lo: %w", err)
	}

	if err := t.checkKey(hi); err != nil {
		return nil, fmt.Errorf("range_lookup hi: %w", err)
	}

	if bytes.Compare(lo, hi) > 0 {
		return nil, fmt.Errorf("range_lookup: lo > hi: %w", errs.ErrInvalidState)
	}

	var out []Entry

	t.walk(t.root, 0, nil, lo, hi, true, true, &out)

	return out, nil
}

func (t *Tree) walk(n *node, level int, prefix, lo, hi []byte, loBound, hiBound bool, out *[]Entry) {
	start, end := 0, fanout-1
	if loBound {
		start = int(lo[level])
	}

	if hiBound {
		end = int(hi[level])
	}

	if level == t.keySize-1 {
		for b := start; b <= end; b++ {
			rl := n.leaf[b].Load()
			if rl == nil {
				continue
			}

			key := make([]byte, len(prefix)+1)
			copy(key, prefix)
			key[len(prefix)] = byte(b)

			*out = append(*out, Entry{Key: key, Reflog: rl})
		}

		return
	}

	for b := start; b <= end; b++ {
		child := n.next[b].Load()
		if child == nil {
			continue
		}

		t.walk(child, level+1, append(append([]byte{}, prefix...), byte(b)), lo, hi, loBound && b == int(lo[level]), hiBound && b == int(hi[level]), out)
	}
}

// BigEndianKey encodes v as a width-byte big-endian key, so that lexical
// byte order equals numeric order.
func BigEndianKey(v uint64, width int) []byte {
	key := make([]byte, width)

	for i := width - 1; i >= 0; i-- {
		key[i] = byte(v)
		v >>= 8
	}

	return key
}
