package cc_test

import (
	"sync"
	"testing"

	"github.com/ucbrise/confluo-core/confluo/cc"
)

func Test_ObjectState_Starts_Uninitialized(t *testing.T) {
	t.Parallel()

	s := cc.NewObjectState()
	if s.Get() != cc.StateUninitialized {
		t.Fatalf("new state = %d, want StateUninitialized", s.Get())
	}
}

func Test_ObjectState_MarkUpdating_Fails_On_Wrong_Expected(t *testing.T) {
	t.Parallel()

	s := cc.NewObjectState()
	if s.MarkUpdating(cc.StateInitialized) {
		t.Fatal("mark_updating from wrong expected state should fail")
	}

	if !s.MarkUpdating(cc.StateUninitialized) {
		t.Fatal("mark_updating from StateUninitialized should succeed")
	}

	if s.Get() != cc.StateUpdating {
		t.Fatalf("state after mark_updating = %d, want StateUpdating", s.Get())
	}
}

func Test_ObjectState_Update_Becomes_Chain_Link(t *testing.T) {
	t.Parallel()

	s := cc.NewObjectState()
	s.Update(42)

	if s.Get() != 42 {
		t.Fatalf("state after update = %d, want 42", s.Get())
	}

	if cc.IsValid(s.Get()) {
		t.Fatal("a chain-link state must not report as valid/terminal")
	}
}

func Test_ResolveChain_Stops_At_First_Valid_State(t *testing.T) {
	t.Parallel()

	states := map[uint64]uint64{0: cc.StateInitialized}
	versions := map[uint64]uint64{}

	got := cc.ResolveChain(0, 100, func(id uint64) uint64 { return states[id] }, func(id uint64) uint64 { return versions[id] })
	if got != 0 {
		t.Fatalf("resolve_chain = %d, want 0", got)
	}
}

func Test_ResolveChain_Follows_Links_Until_Visible_Version(t *testing.T) {
	t.Parallel()

	// 0 was updated to 1, which was updated to 2 (terminal, version 5).
	states := map[uint64]uint64{0: 1, 1: 2, 2: cc.StateInitialized}
	versions := map[uint64]uint64{1: 3, 2: 5}

	got := cc.ResolveChain(0, 10, func(id uint64) uint64 { return states[id] }, func(id uint64) uint64 { return versions[id] })
	if got != 2 {
		t.Fatalf("resolve_chain = %d, want 2 (terminal link)", got)
	}

	// With a max version below the intermediate link's version, the
	// chain stops early since that link is not yet visible.
	got = cc.ResolveChain(0, 2, func(id uint64) uint64 { return states[id] }, func(id uint64) uint64 { return versions[id] })
	if got != 0 {
		t.Fatalf("resolve_chain with low max_version = %d, want 0 (stop before unreadable link)", got)
	}
}

func testTailSequencing(t *testing.T, tail cc.Tail) {
	t.Helper()

	t0 := tail.StartWriteOp()
	t1 := tail.StartWriteOp()

	if t1 != t0+1 {
		t.Fatalf("second start_write_op = %d, want %d", t1, t0+1)
	}

	tail.EndWriteOp(t0)
	tail.EndWriteOp(t1)

	if tail.GetTail() != t1+1 {
		t.Fatalf("get_tail = %d, want %d", tail.GetTail(), t1+1)
	}
}

func Test_WriteStalled_Sequencing(t *testing.T) {
	t.Parallel()

	testTailSequencing(t, cc.NewWriteStalled())
}

func Test_ReadStalled_Sequencing(t *testing.T) {
	t.Parallel()

	testTailSequencing(t, cc.NewReadStalled())
}

func Test_WriteStalled_EndWriteOp_Enforces_Completion_Order(t *testing.T) {
	t.Parallel()

	w := cc.NewWriteStalled()

	t0 := w.StartWriteOp()
	t1 := w.StartWriteOp()

	var order []uint64

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		w.EndWriteOp(t1)
		order = append(order, t1)
	}()

	// Give the goroutine a chance to spin on t1 before t0 completes;
	// it must not advance the tail until EndWriteOp(t0) runs.
	if w.GetTail() != 0 {
		t.Fatalf("tail advanced before either write finished: %d", w.GetTail())
	}

	w.EndWriteOp(t0)
	order = append(order, t0)

	wg.Wait()

	if len(order) != 2 || order[0] != t0 {
		t.Fatalf("completion order = %v, want [%d, %d]", order, t0, t1)
	}

	if w.GetTail() != t1+1 {
		t.Fatalf("final tail = %d, want %d", w.GetTail(), t1+1)
	}
}

func Test_WriteStalled_Snapshot_Succeeds_Without_Concurrent_Write(t *testing.T) {
	t.Parallel()

	w := cc.NewWriteStalled()

	t0 := w.StartWriteOp()
	w.EndWriteOp(t0)

	tail := w.StartSnapshot()
	if tail != 1 {
		t.Fatalf("start_snapshot tail = %d, want 1", tail)
	}

	if !w.EndSnapshot(tail) {
		t.Fatal("end_snapshot should succeed when no write raced the snapshot")
	}

	if w.GetTail() != 1 {
		t.Fatalf("tail after snapshot = %d, want 1", w.GetTail())
	}
}

func Test_WriteStalled_Snapshot_Fails_If_Write_Completes_During_Snapshot(t *testing.T) {
	t.Parallel()

	w := cc.NewWriteStalled()

	tail := w.StartSnapshot()

	t0 := w.StartWriteOp()
	w.EndWriteOp(t0)

	if w.EndSnapshot(tail) {
		t.Fatal("end_snapshot should fail: a write completed while the snapshot was in progress")
	}
}

func Test_ReadStalled_InitObject_Waits_For_Snapshot_To_Clear(t *testing.T) {
	t.Parallel()

	r := cc.NewReadStalled()
	obj := cc.NewObjectState()

	tail := r.StartSnapshot()

	done := make(chan struct{})

	go func() {
		r.InitObject(obj)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("init_object returned while snapshot was still in progress")
	default:
	}

	r.EndSnapshot(tail)
	<-done

	if obj.Get() != cc.StateInitialized {
		t.Fatalf("object state after init = %d, want StateInitialized", obj.Get())
	}
}
