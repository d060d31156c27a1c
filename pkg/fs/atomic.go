package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// tmpCounter makes concurrent atomic writes in one directory pick distinct
// staging names.
var tmpCounter atomic.Uint64

// WriteFileAtomic replaces path with data so readers see either the old
// contents or the new, never a torn mix: the data is staged in a
// dot-prefixed temp file in the same directory, fsynced, renamed over
// path, and the directory is fsynced so the rename itself survives a
// crash. The engine uses it for .meta schema files — a half-written .meta
// would make its whole namespace unloadable.
//
// The dot prefix keeps a staging file abandoned by a crash from ever being
// mistaken for a segment: the engine skips dotfiles when scanning level
// directories.
func WriteFileAtomic(fsys FS, path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, tmpCounter.Add(1)))

	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("stage %q: %w", tmp, err)
	}

	if err := writeAndSync(f, data); err != nil {
		f.Close()
		fsys.Remove(tmp)

		return fmt.Errorf("stage %q: %w", tmp, err)
	}

	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("close staged %q: %w", tmp, err)
	}

	if err := fsys.Rename(tmp, path); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("rename %q over %q: %w", tmp, path, err)
	}

	return syncDir(fsys, dir)
}

func writeAndSync(f File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return err
	}

	return f.Sync()
}

// syncDir fsyncs a directory so a just-renamed entry is durable.
func syncDir(fsys FS, dir string) error {
	d, err := fsys.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %q: %w", dir, err)
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	if syncErr != nil {
		return fmt.Errorf("sync dir %q: %w", dir, syncErr)
	}

	return closeErr
}
