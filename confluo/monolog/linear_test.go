package monolog_test

import (
	"testing"

	"github.com/ucbrise/confluo-core/confluo/monolog"
	"github.com/ucbrise/confluo-core/confluo/storage"
)

func newLinear(t *testing.T, elemSize, bucketSize, maxBuckets int) *monolog.Linear {
	t.Helper()

	alloc := storage.NewAllocator(0)

	return monolog.NewLinear(alloc, elemSize, bucketSize, maxBuckets)
}

func Test_Linear_PushBack_Then_Get_Roundtrips_Across_Buckets(t *testing.T) {
	t.Parallel()

	m := newLinear(t, 8, 4, 8)

	for i := uint64(0); i < 17; i++ {
		idx, err := m.PushBack(u64(i))
		if err != nil {
			t.Fatalf("push_back %d: %v", i, err)
		}

		if idx != i {
			t.Fatalf("push_back %d returned idx %d", i, idx)
		}
	}

	for i := uint64(0); i < 17; i++ {
		got, err := m.Get(i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}

		if asU64(got) != i {
			t.Fatalf("get %d = %d, want %d", i, asU64(got), i)
		}
	}
}

func Test_Linear_Write_Beyond_MaxBuckets_Fails(t *testing.T) {
	t.Parallel()

	m := newLinear(t, 8, 4, 2)

	if err := m.Set(8, u64(1)); err == nil {
		t.Fatal("set beyond max buckets: want error, got nil")
	}
}

func Test_Linear_BucketAt_Exposes_Slot_For_Archival(t *testing.T) {
	t.Parallel()

	m := newLinear(t, 8, 4, 4)

	if _, err := m.PushBack(u64(7)); err != nil {
		t.Fatalf("push_back: %v", err)
	}

	slot, err := m.BucketAt(0)
	if err != nil {
		t.Fatalf("bucket_at: %v", err)
	}

	if slot.AtomicLoad() == nil {
		t.Fatal("bucket_at(0) should be allocated after a write")
	}

	empty, err := m.BucketAt(1)
	if err != nil {
		t.Fatalf("bucket_at: %v", err)
	}

	if empty.AtomicLoad() != nil {
		t.Fatal("bucket_at(1) should be unallocated (no write yet)")
	}
}
