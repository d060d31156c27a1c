package nomos

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/finallevel/nomos/pkg/fs"
)

// topLevelIO owns the two open segment file handles a top-level appends to,
// plus the rotation bookkeeping for each. The mutex is acquired with
// TryLock so a sync worker that finds the I/O already busy (another worker
// racing the same top-level, or a pack() in progress) re-enqueues instead
// of blocking (§5).
type topLevelIO struct {
	mu sync.Mutex

	// limit overrides maxFileSize when non-zero; only tests set it.
	limit int64

	dataFile   fs.File
	dataName   string
	dataSize   int64
	dataSeq    uint32
	headerFile fs.File
	headerName string
	headerSize int64
	headerSeq  uint32
}

// takePending atomically swaps out both pending queues.
func (t *TopLevelIndex) takePending() (data, header []Entry) {
	t.packetMu.Lock()
	data = t.pendingData
	header = t.pendingHeader
	t.pendingData = nil
	t.pendingHeader = nil
	t.packetMu.Unlock()

	return data, header
}

// Sync flushes every pending data/header entry queued since the last call.
// It returns (false, nil) without error when another goroutine currently
// holds the I/O lock — the caller (the sync worker pool) is expected to
// re-enqueue the top-level in that case rather than treat it as failure.
func (t *TopLevelIndex) Sync(now time.Time) (synced bool, err error) {
	data, header := t.takePending()

	if len(data) == 0 && len(header) == 0 {
		return true, nil
	}

	if !t.io.mu.TryLock() {
		// Busy: put the entries back so nothing is lost, let the caller retry.
		t.packetMu.Lock()
		t.pendingData = append(data, t.pendingData...)
		t.pendingHeader = append(header, t.pendingHeader...)
		t.packetMu.Unlock()

		return false, nil
	}
	defer t.io.mu.Unlock()

	return true, t.writePendingLocked(now, data, header, t.serverID)
}

// FlushNow is the forced variant of Sync: it blocks on the I/O lock instead
// of declining, used by ExitFlush, which needs the entries durably on disk
// before returning.
func (t *TopLevelIndex) FlushNow(now time.Time) error {
	data, header := t.takePending()

	if len(data) == 0 && len(header) == 0 {
		return nil
	}

	t.io.mu.Lock()
	defer t.io.mu.Unlock()

	if err := t.writePendingLocked(now, data, header, t.serverID); err != nil {
		return err
	}

	// A forced flush also rotates the segment files (§3 lifecycle), so the
	// just-written records become visible to the next pack.
	return t.closeFilesLocked()
}

// writePendingLocked appends the entries to the data/header segment files
// and, when replication is enabled, frames the same entries into the
// replication log under the given origin server ID. Caller holds t.io.mu.
func (t *TopLevelIndex) writePendingLocked(now time.Time, data, header []Entry, originServerID uint32) error {
	if len(data) > 0 {
		if err := t.appendLocked(&t.io.dataFile, &t.io.dataName, &t.io.dataSize, &t.io.dataSeq, dataFileName, now, data); err != nil {
			return fmt.Errorf("sync data for %q: %w", t.name, err)
		}
	}

	if len(header) > 0 {
		if err := t.appendLocked(&t.io.headerFile, &t.io.headerName, &t.io.headerSize, &t.io.headerSeq, headerFileName, now, header); err != nil {
			return fmt.Errorf("sync header for %q: %w", t.name, err)
		}
	}

	if t.repl != nil && len(data)+len(header) > 0 {
		all := make([]Entry, 0, len(data)+len(header))
		all = append(all, data...)
		all = append(all, header...)

		if err := t.repl.Append(originServerID, t.name, t.meta, all); err != nil {
			t.log.Errorf("nomos: replication append failed for %q: %v", t.name, err)
		}
	}

	return nil
}

// appendLocked opens (or rotates, on maxFileSize overflow) the segment file
// named by nameFn and appends every entry, fsyncing once at the end. The
// caller must hold t.io.mu. A record that would cross the size limit goes
// fully into the current file; rotation happens after it (§8: the boundary
// record is never split).
func (t *TopLevelIndex) appendLocked(file *fs.File, name *string, size *int64, seq *uint32, nameFn func(int64, uint32) string, now time.Time, entries []Entry) error {
	if *file == nil {
		if err := t.openSegmentLocked(file, name, size, seq, nameFn, now); err != nil {
			return err
		}
	}

	for _, e := range entries {
		if err := e.Encode(*file); err != nil {
			return err
		}

		*size += entrySize(e)

		if *size >= t.fileSizeLimit() {
			if err := (*file).Sync(); err != nil {
				return err
			}

			if err := (*file).Close(); err != nil {
				return err
			}

			*file = nil
			*size = 0
			*seq++

			if err := t.openSegmentLocked(file, name, size, seq, nameFn, now); err != nil {
				return err
			}
		}
	}

	return (*file).Sync()
}

func (t *TopLevelIndex) fileSizeLimit() int64 {
	if t.io.limit > 0 {
		return t.io.limit
	}

	return maxFileSize
}

func (t *TopLevelIndex) openSegmentLocked(file *fs.File, name *string, size *int64, seq *uint32, nameFn func(int64, uint32) string, now time.Time) error {
	fname := nameFn(now.Unix(), *seq)

	f, err := t.fsys.OpenFile(filepath.Join(t.dir, fname), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	fileSize := info.Size()

	// A fresh segment starts with the top-level's MetaData so load/pack can
	// validate the key-type schema per file (§7 VersionMismatch).
	if fileSize == 0 {
		enc := t.meta.Encode()

		if _, err := f.Write(enc[:]); err != nil {
			f.Close()
			return err
		}

		fileSize = int64(len(enc))
	}

	*file = f
	*name = fname
	*size = fileSize

	return nil
}

// entrySize returns the exact number of bytes Entry.Encode writes, used to
// track segment size without a second pass over the buffer.
func entrySize(e Entry) int64 {
	const headerBytes = 17

	n := int64(headerBytes)
	n += keyWireSize(e.SubLevel)
	n += keyWireSize(e.ItemKey)

	if e.Cmd == CmdPut {
		n += int64(len(e.Payload))
	}

	return n
}

func keyWireSize(k Key) int64 {
	switch k.Type() {
	case KeyTypeString:
		return 4 + int64(len(k.StringVal()))
	case KeyTypeU32:
		return 4
	case KeyTypeU64:
		return 8
	default:
		return 0
	}
}

// CloseFiles fsyncs and closes any open segment handles. Called from
// ExitFlush during shutdown.
func (t *TopLevelIndex) CloseFiles() error {
	t.io.mu.Lock()
	defer t.io.mu.Unlock()

	return t.closeFilesLocked()
}

// closeFilesLocked seals both segment handles and bumps their rotation
// counters so the next open starts a fresh file. Caller holds t.io.mu.
func (t *TopLevelIndex) closeFilesLocked() error {
	var firstErr error

	if t.io.dataFile != nil {
		if err := closeFile(t.io.dataFile); err != nil && firstErr == nil {
			firstErr = err
		}

		t.io.dataFile = nil
		t.io.dataName = ""
		t.io.dataSize = 0
		t.io.dataSeq++
	}

	if t.io.headerFile != nil {
		if err := closeFile(t.io.headerFile); err != nil && firstErr == nil {
			firstErr = err
		}

		t.io.headerFile = nil
		t.io.headerName = ""
		t.io.headerSize = 0
		t.io.headerSeq++
	}

	return firstErr
}

func closeFile(f fs.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
