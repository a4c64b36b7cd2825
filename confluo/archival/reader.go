package archival

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/storage"
	fsutil "github.com/ucbrise/confluo-core/internal/fsutil"
)

// dataCursor walks a rotating "{prefix}_{n}{suffix}" data-file sequence
// one (metadata, payload) record at a time, advancing to the next file
// once the current one is exhausted. Replay relies on the data stream and
// the transaction log having been written in lockstep, one record per
// action, so a cursor position always corresponds to exactly the actions
// already consumed.
type dataCursor struct {
	fsys    fsutil.FS
	dirPath string
	prefix  string
	suffix  string

	fileNum int
	buf     []byte
	pos     int
}

func newDataCursor(fsys fsutil.FS, dirPath, prefix, suffix string) (*dataCursor, error) {
	c := &dataCursor{fsys: fsys, dirPath: dirPath, prefix: prefix, suffix: suffix}

	if err := c.loadFile(0); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *dataCursor) path() string {
	return filepath.Join(c.dirPath, fileName(c.prefix, c.fileNum, c.suffix))
}

func (c *dataCursor) loadFile(n int) error {
	path := filepath.Join(c.dirPath, fileName(c.prefix, n, c.suffix))

	buf, err := c.fsys.ReadFile(path)
	if err != nil {
		return fmt.Errorf("archival: read data file %s: %w", path, errs.ErrCorruptArchive)
	}

	c.fileNum = n
	c.buf = buf
	c.pos = 0

	return nil
}

// next reads the record at the cursor's current position, rotating to the
// next data file first if the current one has no more header-sized bytes
// left.
func (c *dataCursor) next() (meta storage.Metadata, payload []byte, path string, headerOffset int64, err error) {
	if c.pos+storage.HeaderSize > len(c.buf) {
		if err := c.loadFile(c.fileNum + 1); err != nil {
			return storage.Metadata{}, nil, "", 0, err
		}
	}

	meta = storage.DecodeMetadata(c.buf[c.pos : c.pos+storage.HeaderSize])
	headerOffset = int64(c.pos)
	path = c.path()

	bodyStart := c.pos + storage.HeaderSize
	bodyEnd := bodyStart + int(meta.DataSize)

	if bodyEnd > len(c.buf) {
		return storage.Metadata{}, nil, "", 0, fmt.Errorf("archival: truncated data record in %s: %w", path, errs.ErrCorruptArchive)
	}

	payload = c.buf[bodyStart:bodyEnd]
	c.pos = bodyEnd

	return meta, payload, path, headerOffset, nil
}

// truncateDataTail removes data files past the cursor's current file and
// trims the current file to the cursor's position, discarding bytes
// written by a commit whose data-stream append completed but whose
// transaction-log append did not (a crash mid-commit).
func truncateDataTail(fsys fsutil.FS, dirPath, prefix string, cursor *dataCursor) error {
	entries, err := fsys.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("archival: readdir %s: %w", dirPath, errs.ErrIO)
	}

	want := prefix + "_"

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, want) || !strings.HasSuffix(name, ".dat") {
			continue
		}

		numStr := strings.TrimSuffix(strings.TrimPrefix(name, want), ".dat")

		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue // not a "{prefix}_{n}.dat" file (e.g. the transaction log)
		}

		path := filepath.Join(dirPath, name)

		switch {
		case n > cursor.fileNum:
			if err := fsys.Remove(path); err != nil {
				return fmt.Errorf("archival: remove uncommitted data file %s: %w", path, errs.ErrIO)
			}
		case n == cursor.fileNum && cursor.pos < len(cursor.buf):
			if err := fsys.WriteFileAtomic(path, cursor.buf[:cursor.pos], 0o644); err != nil {
				return fmt.Errorf("archival: truncate data file %s: %w", path, errs.ErrIO)
			}
		}
	}

	return nil
}
