package archival

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ucbrise/confluo-core/confluo/errs"
	fsutil "github.com/ucbrise/confluo-core/internal/fsutil"
)

// ActionKind tags which of the three archive transaction action kinds a
// record holds.
type ActionKind uint8

const (
	// ActionMonologTail commits a data-log (or any plain monolog) bucket:
	// Tail is the logical offset the log is now archived up to.
	ActionMonologTail ActionKind = iota
	// ActionReflogBucket commits one archived bucket of a keyed reflog.
	// Key identifies the reflog (its radix-tree key); Tail is the reflog
	// index immediately after the archived bucket; DataLogOffset is the
	// data-log offset up to which the reflog is now consistent.
	ActionReflogBucket
	// ActionReflogAggregates marks that aggregates derived from the
	// reflog at Key have been flushed to disk.
	ActionReflogAggregates
)

// Action is one committed step of the archival transaction log, grounded
// on archival_actions.h's monolog_linear_archival_metadata,
// filter_archival_action/index_archival_action, and
// filter_aggregate_archival_action.
type Action struct {
	Kind          ActionKind
	Key           []byte
	Tail          uint64
	DataLogOffset uint64
}

// actionFixedSize is the fixed on-disk size of one action's body (kind +
// 2-byte key length + two uint64 fields); the key itself is
// variable-length and appended after this fixed prefix.
const actionFixedSize = 1 + 2 + 8 + 8

func encodeAction(a Action) []byte {
	body := make([]byte, actionFixedSize+len(a.Key))
	body[0] = byte(a.Kind)
	binary.LittleEndian.PutUint16(body[1:3], uint16(len(a.Key)))
	binary.LittleEndian.PutUint64(body[3:11], a.Tail)
	binary.LittleEndian.PutUint64(body[11:19], a.DataLogOffset)
	copy(body[actionFixedSize:], a.Key)

	record := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(record[:4], uint32(len(body)))
	copy(record[4:], body)

	return record
}

func decodeActionBody(body []byte) (Action, error) {
	if len(body) < actionFixedSize {
		return Action{}, fmt.Errorf("archival: action body too short: %w", errs.ErrCorruptArchive)
	}

	keyLen := int(binary.LittleEndian.Uint16(body[1:3]))
	if actionFixedSize+keyLen != len(body) {
		return Action{}, fmt.Errorf("archival: action key length mismatch: %w", errs.ErrCorruptArchive)
	}

	key := make([]byte, keyLen)
	copy(key, body[actionFixedSize:])

	return Action{
		Kind:          ActionKind(body[0]),
		Key:           key,
		Tail:          binary.LittleEndian.Uint64(body[3:11]),
		DataLogOffset: binary.LittleEndian.Uint64(body[11:19]),
	}, nil
}

// transactionLog is the single append-only "{prefix}_transaction_log.dat"
// file recording one length-prefixed Action per committed bucket.
type transactionLog struct {
	fsys fsutil.FS
	path string
	f    fsutil.File
}

func newTransactionLog(fsys fsutil.FS, dirPath, prefix string) (*transactionLog, error) {
	path := dirPath + "/" + prefix + "_transaction_log.dat"

	if err := fsys.MkdirAll(dirPath, 0o755); err != nil {
		return nil, fmt.Errorf("archival: mkdir %s: %w", dirPath, errs.ErrIO)
	}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archival: open %s: %w", path, errs.ErrIO)
	}

	return &transactionLog{fsys: fsys, path: path, f: f}, nil
}

// Append writes a, flushing before returning so the commit is durable
// before the caller proceeds to mmap and swap the archived bucket in.
func (t *transactionLog) Append(a Action) error {
	if _, err := t.f.Write(encodeAction(a)); err != nil {
		return fmt.Errorf("archival: append action to %s: %w", t.path, errs.ErrIO)
	}

	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("archival: flush %s: %w", t.path, errs.ErrIO)
	}

	return nil
}

func (t *transactionLog) Close() error {
	return t.f.Close()
}

// replayTransactionLog reads a "{prefix}_transaction_log.dat" file
// start-to-end, stopping at the first truncated or malformed record
// (rather than erroring), since a crash can leave a final record
// half-written. It returns
// the well-formed actions and the byte length of the log up to and
// including the last good record, so the caller can truncate away any
// uncommitted tail.
func replayTransactionLog(fsys fsutil.FS, dirPath, prefix string) ([]Action, int64, error) {
	path := dirPath + "/" + prefix + "_transaction_log.dat"

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, 0, fmt.Errorf("archival: stat %s: %w", path, errs.ErrIO)
	}

	if !exists {
		return nil, 0, nil
	}

	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("archival: read %s: %w", path, errs.ErrIO)
	}

	var (
		actions []Action
		pos     int
	)

	for {
		if pos+4 > len(raw) {
			break
		}

		bodyLen := int(binary.LittleEndian.Uint32(raw[pos : pos+4]))
		if pos+4+bodyLen > len(raw) {
			break
		}

		action, err := decodeActionBody(raw[pos+4 : pos+4+bodyLen])
		if err != nil {
			break
		}

		actions = append(actions, action)
		pos += 4 + bodyLen
	}

	return actions, int64(pos), nil
}

// truncateTransactionLog rewrites the transaction log to its first
// goodLength bytes, atomically, discarding any uncommitted tail left by a
// crash mid-append.
func truncateTransactionLog(fsys fsutil.FS, dirPath, prefix string, goodLength int64) error {
	path := dirPath + "/" + prefix + "_transaction_log.dat"

	raw, err := fsys.ReadFile(path)
	if err != nil {
		return fmt.Errorf("archival: read %s: %w", path, errs.ErrIO)
	}

	if int64(len(raw)) == goodLength {
		return nil
	}

	if err := fsys.WriteFileAtomic(path, raw[:goodLength], 0o644); err != nil {
		return fmt.Errorf("archival: truncate %s: %w", path, errs.ErrIO)
	}

	return nil
}
