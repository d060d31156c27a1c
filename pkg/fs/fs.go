// Package fs abstracts the filesystem underneath the storage engine.
//
// Everything the engine owns on disk — data and header segments, per-level
// .meta schema files, replication binlog segments, and per-peer cursor
// checkpoints — is opened through [FS] rather than the os package directly,
// so tests can swap in [Faulty] and exercise the engine's error paths
// (failed syncs, torn directory listings, unwritable segments) without a
// real failing disk. The one exception is the consolidated segment a pack
// writes: it is staged and renamed into place by github.com/natefinch/atomic,
// which uses the os package directly.
//
// [Real] is the production implementation; [WriteFileAtomic] layers an
// atomic replace on top of any FS.
package fs

import (
	"io"
	"os"
)

// File is an open, OS-backed file handle. It deliberately carries only
// what the engine needs: streaming reads for segment replay, appends for
// sync, Fd for positioned binlog reads, Stat for sizing a reopened
// segment, and Sync because every append batch is made durable before the
// packet queue forgets it.
//
// Implementations must be safe for concurrent use.
type File interface {
	io.ReadWriteCloser

	// Fd returns the underlying descriptor, valid until Close. The
	// replication log hands it to pread.
	Fd() uintptr

	// Stat returns the file's info; the engine uses it to pick up the
	// size of a segment it is reopening for append.
	Stat() (os.FileInfo, error)

	// Sync commits written data to stable storage.
	Sync() error
}

// FS is the set of filesystem operations the engine performs. Paths use OS
// semantics (path/filepath), not io/fs slash paths.
//
// Implementations must be safe for concurrent use.
type FS interface {
	// Open opens a file (or directory) for reading.
	Open(path string) (File, error)

	// OpenFile opens with explicit flags and permissions; the engine's
	// segment writers use O_WRONLY|O_CREATE|O_APPEND.
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile slurps a whole file; used for small files only (cursor
	// checkpoints).
	ReadFile(path string) ([]byte, error)

	// WriteFile truncates and rewrites a file. Not atomic — callers that
	// cannot tolerate a torn file use WriteFileAtomic instead.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// ReadDir lists a directory, sorted by name.
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns info for a path; retention sweeps read mtimes here.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a path exists, (false, nil) when absent.
	Exists(path string) (bool, error)

	// Remove deletes a file.
	Remove(path string) error

	// Rename moves a file; atomic within one filesystem.
	Rename(oldpath, newpath string) error
}

// Compile-time check: os.File satisfies File.
var _ File = (*os.File)(nil)
