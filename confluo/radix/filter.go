package radix

import "encoding/binary"

// Filter pairs a predicate with a radix index keyed by a fixed-resolution
// timestamp block: updating a filter with a record evaluates the
// predicate and, if true, appends the record's offset into the reflog
// keyed by that record's time block.
//
// The predicate/index pairing itself has no direct original_source
// analogue (filters are schema-level constructs in the original, and
// schema/expression evaluation is out of scope here), so only the
// indexing mechanics this package owns are implemented.
type Filter struct {
	predicate     func(record []byte) bool
	index         *Tree
	timeBlockSize uint64
}

// NewFilter returns a filter that indexes records satisfying predicate,
// keyed by timestamp/timeBlockSize.
func NewFilter(predicate func(record []byte) bool, index *Tree, timeBlockSize uint64) *Filter {
	if timeBlockSize == 0 {
		timeBlockSize = 1
	}

	return &Filter{predicate: predicate, index: index, timeBlockSize: timeBlockSize}
}

// Update evaluates the filter's predicate against record and, if it
// matches, appends recordOffset to the reflog keyed by ts's time block.
func (f *Filter) Update(ts uint64, recordOffset uint64, record []byte) error {
	if !f.predicate(record) {
		return nil
	}

	block := ts / f.timeBlockSize

	rl, err := f.index.GetOrCreate(BigEndianKey(block, f.index.KeySize()))
	if err != nil {
		return err
	}

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], recordOffset)

	_, err = rl.PushBack(buf[:])

	return err
}

// Lookup returns the reflog for ts's time block, if one has been created.
func (f *Filter) Lookup(ts uint64) (*Entry, error) {
	block := ts / f.timeBlockSize
	key := BigEndianKey(block, f.index.KeySize())

	rl, ok, err := f.index.Lookup(key)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	return &Entry{Key: key, Reflog: rl}, nil
}

// RangeLookup returns every time block's reflog between the blocks
// containing [loTs, hiTs].
func (f *Filter) RangeLookup(loTs, hiTs uint64) ([]Entry, error) {
	lo := BigEndianKey(loTs/f.timeBlockSize, f.index.KeySize())
	hi := BigEndianKey(hiTs/f.timeBlockSize, f.index.KeySize())

	return f.index.RangeLookup(lo, hi)
}
