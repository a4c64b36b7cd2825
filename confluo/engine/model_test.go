package engine_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ucbrise/confluo-core/confluo/cc"
	"github.com/ucbrise/confluo-core/confluo/engine"
)

// This file models Log's PUBLICLY observable behavior (append/get/update/
// invalidate) against a deliberately simple in-memory reference, then
// applies identical operation sequences to both and asserts the results and
// observable state match. It is not a persistence/archival compliance test.

// refModel is the simple reference: each position is appended exactly once
// with a base value, and may be touched exactly once more after that by
// either an update (chaining it to a freshly appended position) or an
// invalidate (marking it a dead end) — mirroring the real Log's
// CAS-once-per-position cc.ObjectState discipline.
type refModel struct {
	baseValue   map[uint64]uint64
	next        map[uint64]uint64
	invalidated map[uint64]bool
	count       uint64
}

func newRefModel() *refModel {
	return &refModel{
		baseValue:   make(map[uint64]uint64),
		next:        make(map[uint64]uint64),
		invalidated: make(map[uint64]bool),
	}
}

func (m *refModel) append(v uint64) uint64 {
	pos := m.count
	m.count++
	m.baseValue[pos] = v

	return pos
}

func (m *refModel) touched(pos uint64) bool {
	_, chained := m.next[pos]

	return chained || m.invalidated[pos]
}

func (m *refModel) resolve(pos uint64) (uint64, bool) {
	if _, ok := m.baseValue[pos]; !ok {
		return 0, false
	}

	for {
		if m.invalidated[pos] {
			return 0, false
		}

		n, chained := m.next[pos]
		if !chained {
			return m.baseValue[pos], true
		}

		pos = n
	}
}

func (m *refModel) get(pos uint64) (uint64, bool) {
	return m.resolve(pos)
}

func (m *refModel) update(pos, newVal uint64) (uint64, bool) {
	if _, ok := m.baseValue[pos]; !ok || m.touched(pos) {
		return 0, false
	}

	newPos := m.append(newVal)
	m.next[pos] = newPos

	return newPos, true
}

func (m *refModel) invalidate(pos uint64) bool {
	if _, ok := m.baseValue[pos]; !ok || m.touched(pos) {
		return false
	}

	m.invalidated[pos] = true

	return true
}

type opKind int

const (
	opAppend opKind = iota
	opGet
	opUpdate
	opInvalidate
)

type observed struct {
	Value   uint64
	Present bool
}

func applyModel(m *refModel, kind opKind, target, val uint64) observed {
	switch kind {
	case opAppend:
		m.append(val)

		return observed{}
	case opGet:
		v, ok := m.get(target)

		return observed{Value: v, Present: ok}
	case opUpdate:
		_, ok := m.update(target, val)

		return observed{Present: ok}
	case opInvalidate:
		ok := m.invalidate(target)

		return observed{Present: ok}
	default:
		panic("unreachable")
	}
}

func applyReal(t *testing.T, log *engine.Log, kind opKind, target, val uint64) observed {
	t.Helper()

	switch kind {
	case opAppend:
		if _, err := log.Append(u64(val)); err != nil {
			t.Fatalf("append: %v", err)
		}

		return observed{}
	case opGet:
		got, err := log.Get(target)
		if err != nil {
			return observed{Present: false}
		}

		return observed{Value: asU64(got), Present: true}
	case opUpdate:
		_, err := log.Update(target, u64(val))

		return observed{Present: err == nil}
	case opInvalidate:
		err := log.Invalidate(target)

		return observed{Present: err == nil}
	default:
		panic("unreachable")
	}
}

func Test_Log_Matches_Model_Property(t *testing.T) {
	t.Parallel()

	const seedCount = 20
	const opsPerSeed = 150

	for i := 0; i < seedCount; i++ {
		seed := int64(i + 1)

		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewSource(seed))

			model := newRefModel()
			log := newTestLog(cc.NewWriteStalled())

			var appended int

			for op := 0; op < opsPerSeed; op++ {
				kind := opKind(rng.Intn(4))

				var target uint64
				if appended > 0 {
					target = uint64(rng.Intn(appended))
				}

				val := rng.Uint64()

				wantObs := applyModel(model, kind, target, val)
				gotObs := applyReal(t, log, kind, target, val)

				if kind == opAppend {
					appended++
				}

				if kind == opGet {
					if diff := cmp.Diff(wantObs, gotObs); diff != "" {
						t.Fatalf("op %d (get %d) mismatch (-want +got):\n%s", op, target, diff)
					}
				} else if wantObs.Present != gotObs.Present {
					t.Fatalf("op %d (kind=%d target=%d): model.present=%v real.present=%v", op, kind, target, wantObs.Present, gotObs.Present)
				}
			}
		})
	}
}
