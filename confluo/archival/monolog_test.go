package archival_test

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/ucbrise/confluo-core/confluo/archival"
	"github.com/ucbrise/confluo-core/confluo/monolog"
	"github.com/ucbrise/confluo-core/confluo/storage"
	fsutil "github.com/ucbrise/confluo-core/internal/fsutil"
)

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)

	return b
}

func asU64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func Test_LogArchiver_Archive_Then_Get_Returns_Same_Values(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fsys := fsutil.NewStrictTestFS(t, fsutil.StrictTestFSOptions{FS: fsutil.NewReal()})
	alloc := storage.NewAllocator(0)

	log := monolog.NewLinear(alloc, 8, 4, 64)

	for i := uint64(0); i < 16; i++ {
		if _, err := log.PushBack(u64(i)); err != nil {
			t.Fatalf("push_back: %v", err)
		}
	}

	arc, err := archival.NewLogArchiver(fsys, alloc, dir, "data", 1<<20, log, storage.EncodingUnencoded)
	if err != nil {
		t.Fatalf("new_log_archiver: %v", err)
	}

	if err := arc.Archive(16, 16); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if arc.ArchivalTail() != 16 {
		t.Fatalf("archival_tail = %d, want 16", arc.ArchivalTail())
	}

	for i := uint64(0); i < 16; i++ {
		got, err := log.Get(i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}

		if asU64(got) != i {
			t.Fatalf("get %d = %d, want %d", i, asU64(got), i)
		}
	}

	if err := arc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func Test_LogArchiver_Load_Reconstructs_Archived_Buckets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fsys := fsutil.NewStrictTestFS(t, fsutil.StrictTestFSOptions{FS: fsutil.NewReal()})
	alloc := storage.NewAllocator(0)

	log := monolog.NewLinear(alloc, 8, 4, 64)

	for i := uint64(0); i < 12; i++ {
		if _, err := log.PushBack(u64(i * 2)); err != nil {
			t.Fatalf("push_back: %v", err)
		}
	}

	arc, err := archival.NewLogArchiver(fsys, alloc, dir, "data", 1<<20, log, storage.EncodingLZ4)
	if err != nil {
		t.Fatalf("new_log_archiver: %v", err)
	}

	if err := arc.Archive(12, 12); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if err := arc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded := monolog.NewLinear(storage.NewAllocator(0), 8, 4, 64)

	tail, err := archival.LoadLog(fsys, storage.NewAllocator(0), dir, "data", reloaded)
	if err != nil {
		t.Fatalf("load_log: %v", err)
	}

	if tail != 12 {
		t.Fatalf("loaded tail = %d, want 12", tail)
	}

	for i := uint64(0); i < 12; i++ {
		got, err := reloaded.Get(i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}

		if asU64(got) != i*2 {
			t.Fatalf("get %d = %d, want %d", i, asU64(got), i*2)
		}
	}
}

func Test_ReflogArchiver_ArchiveReflog_Skips_Partial_Final_Bucket(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fsys := fsutil.NewStrictTestFS(t, fsutil.StrictTestFSOptions{FS: fsutil.NewReal()})
	alloc := storage.NewAllocator(0)

	reflog := monolog.NewLinear(alloc, 8, 4, 16)

	for i := uint64(0); i < 6; i++ {
		if _, err := reflog.PushBack(u64(i * 10)); err != nil {
			t.Fatalf("push_back: %v", err)
		}
	}

	arc, err := archival.NewReflogArchiver(fsys, alloc, dir, "reflog", 1<<20, storage.EncodingUnencoded)
	if err != nil {
		t.Fatalf("new_reflog_archiver: %v", err)
	}
	defer arc.Close()

	key := []byte{0x01, 0x02}

	newIndex, err := arc.ArchiveReflog(key, reflog, 0, 1000)
	if err != nil {
		t.Fatalf("archive_reflog: %v", err)
	}

	if newIndex != 4 {
		t.Fatalf("archive_reflog reached %d, want 4 (the partial second bucket stays unarchived)", newIndex)
	}

	for i := uint64(0); i < 4; i++ {
		got, err := reflog.Get(i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}

		if asU64(got) != i*10 {
			t.Fatalf("get %d = %d, want %d", i, asU64(got), i*10)
		}
	}
}

func Test_ReflogArchiver_ArchiveReflog_Respects_DataLogCutoff(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fsys := fsutil.NewStrictTestFS(t, fsutil.StrictTestFSOptions{FS: fsutil.NewReal()})
	alloc := storage.NewAllocator(0)

	reflog := monolog.NewLinear(alloc, 8, 4, 16)

	offsets := []uint64{1, 2, 3, 100}
	for _, o := range offsets {
		if _, err := reflog.PushBack(u64(o)); err != nil {
			t.Fatalf("push_back: %v", err)
		}
	}

	arc, err := archival.NewReflogArchiver(fsys, alloc, dir, "reflog", 1<<20, storage.EncodingUnencoded)
	if err != nil {
		t.Fatalf("new_reflog_archiver: %v", err)
	}
	defer arc.Close()

	newIndex, err := arc.ArchiveReflog([]byte{0x09}, reflog, 0, 50)
	if err != nil {
		t.Fatalf("archive_reflog: %v", err)
	}

	if newIndex != 0 {
		t.Fatalf("archive_reflog reached %d, want 0 (bucket's last offset 100 >= cutoff 50)", newIndex)
	}
}

func Test_LoadLog_Truncates_Uncommitted_Tail_After_Simulated_Crash(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fsys := fsutil.NewStrictTestFS(t, fsutil.StrictTestFSOptions{FS: fsutil.NewReal()})
	alloc := storage.NewAllocator(0)

	log := monolog.NewLinear(alloc, 8, 4, 64)

	for i := uint64(0); i < 8; i++ {
		if _, err := log.PushBack(u64(i)); err != nil {
			t.Fatalf("push_back: %v", err)
		}
	}

	arc, err := archival.NewLogArchiver(fsys, alloc, dir, "data", 1<<20, log, storage.EncodingUnencoded)
	if err != nil {
		t.Fatalf("new_log_archiver: %v", err)
	}

	if err := arc.Archive(8, 8); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if err := arc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-append of a third action: a length prefix
	// announcing more bytes than were actually written before the process
	// died.
	txPath := dir + "/data_transaction_log.dat"

	raw, err := os.ReadFile(txPath)
	if err != nil {
		t.Fatalf("read transaction log: %v", err)
	}

	truncatedAppend := append(append([]byte{}, raw...), 0xFF, 0xFF, 0xFF, 0xFF, 0x01, 0x02)
	if err := os.WriteFile(txPath, truncatedAppend, 0o644); err != nil {
		t.Fatalf("write transaction log: %v", err)
	}

	reloaded := monolog.NewLinear(storage.NewAllocator(0), 8, 4, 64)

	tail, err := archival.LoadLog(fsys, storage.NewAllocator(0), dir, "data", reloaded)
	if err != nil {
		t.Fatalf("load_log: %v", err)
	}

	if tail != 8 {
		t.Fatalf("loaded tail = %d, want 8 (the dangling partial action must be discarded)", tail)
	}

	for i := uint64(0); i < 8; i++ {
		got, err := reloaded.Get(i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}

		if asU64(got) != i {
			t.Fatalf("get %d = %d, want %d", i, asU64(got), i)
		}
	}

	fixedRaw, err := os.ReadFile(txPath)
	if err != nil {
		t.Fatalf("read transaction log after load: %v", err)
	}

	if len(fixedRaw) != len(raw) {
		t.Fatalf("transaction log after load is %d bytes, want %d (truncated tail removed)", len(fixedRaw), len(raw))
	}
}
