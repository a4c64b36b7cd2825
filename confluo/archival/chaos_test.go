package archival_test

import (
	"errors"
	"testing"

	"github.com/ucbrise/confluo-core/confluo/archival"
	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/monolog"
	"github.com/ucbrise/confluo-core/confluo/storage"
	fsutil "github.com/ucbrise/confluo-core/internal/fsutil"
)

// Test_Archive_Recovers_From_Injected_Write_Failures drives an archive run
// under a fault-injecting filesystem: whenever a bucket commit fails
// partway through (exactly the "process died mid-write" scenario the
// transaction log and LoadLog's trim-on-replay exist for), the archiver is
// discarded and replaced the way a restarting process would — reload
// through LoadLog on a clean filesystem, then open a fresh archiver and
// keep going — until every bucket is archived.
func Test_Archive_Recovers_From_Injected_Write_Failures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fsutil.NewReal()
	alloc := storage.NewAllocator(0)

	const bucketSize = 4
	const buckets = 6
	const total = bucketSize * buckets

	log := monolog.NewLinear(alloc, 8, bucketSize, buckets+1)

	for i := uint64(0); i < total; i++ {
		if _, err := log.PushBack(u64(i)); err != nil {
			t.Fatalf("push_back: %v", err)
		}
	}

	chaosCfg := fsutil.ChaosConfig{WriteFailRate: 0.35, PartialWriteRate: 0.15, ShortWriteRate: 0.5}

	const maxAttempts = 200

	attempt := 0

	for {
		attempt++
		if attempt > maxAttempts {
			t.Fatalf("archive did not complete after %d attempts (chaos rates too aggressive?)", maxAttempts)
		}

		chaosFS := fsutil.NewChaos(real, int64(attempt), chaosCfg)

		arc, err := archival.NewLogArchiver(chaosFS, alloc, dir, "data", 1<<20, log, storage.EncodingUnencoded)
		if err != nil {
			t.Fatalf("new_log_archiver (attempt %d): %v", attempt, err)
		}

		archiveErr := arc.Archive(total, total)
		closeErr := arc.Close()

		if archiveErr == nil && closeErr == nil {
			break
		}

		// The archival package wraps its open, write, sync and mmap
		// failures (the ones this config injects) in errs.ErrIO — that's
		// the only thing this test can assert about the failure's shape.
		if archiveErr != nil && !errors.Is(archiveErr, errs.ErrIO) {
			t.Fatalf("archive failed with an unexpected error (attempt %d): %v", attempt, archiveErr)
		}

		if closeErr != nil && !errors.Is(closeErr, errs.ErrIO) {
			t.Fatalf("close failed with an unexpected error (attempt %d): %v", attempt, closeErr)
		}

		// Recover exactly as a restarting process would: replay the
		// transaction log against a clean (non-chaos) filesystem view,
		// discarding whatever the failed attempt half-wrote.
		reloaded := monolog.NewLinear(storage.NewAllocator(0), 8, bucketSize, buckets+1)
		if _, err := archival.LoadLog(real, storage.NewAllocator(0), dir, "data", reloaded); err != nil {
			t.Fatalf("load_log after failed attempt %d: %v", attempt, err)
		}
	}

	reloaded := monolog.NewLinear(storage.NewAllocator(0), 8, bucketSize, buckets+1)

	tail, err := archival.LoadLog(real, storage.NewAllocator(0), dir, "data", reloaded)
	if err != nil {
		t.Fatalf("final load_log: %v", err)
	}

	if tail != total {
		t.Fatalf("archival tail = %d, want %d", tail, total)
	}

	for i := uint64(0); i < total; i++ {
		got, err := reloaded.Get(i)
		if err != nil {
			t.Fatalf("get(%d): %v", i, err)
		}

		if asU64(got) != i {
			t.Fatalf("get(%d) = %d, want %d", i, asU64(got), i)
		}
	}
}
