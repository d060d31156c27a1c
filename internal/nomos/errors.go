// Package nomos implements the Nomos storage engine: a hierarchical,
// sharded in-memory index backed by an append-only on-disk log, with
// background compaction and multi-master replication.
package nomos

import "errors"

// ErrNotFound is returned when a key is missing, tombstoned, or expired.
// Callers should use errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("nomos: not found")

// ErrConflict is returned when a top-level already exists or has an invalid
// name. A key-type schema mismatch is reported as ErrVersionMismatch.
// Callers should use errors.Is(err, ErrConflict).
var ErrConflict = errors.New("nomos: conflict")

// ErrIO reports a filesystem or socket error.
// Callers should use errors.Is(err, ErrIO).
var ErrIO = errors.New("nomos: io error")

// ErrCorrupt reports a buffer-read overrun or an invalid field while
// decoding on-disk or replicated records. Callers should use
// errors.Is(err, ErrCorrupt).
var ErrCorrupt = errors.New("nomos: corrupt record")

// ErrVersionMismatch reports that a segment's MetaData does not match the
// top-level's current MetaData (sub-level or item key type changed).
// Treated as corruption of that specific file; the file is skipped.
// Callers should use errors.Is(err, ErrVersionMismatch).
var ErrVersionMismatch = errors.New("nomos: version mismatch")

// ErrBusy is returned by opportunistic, non-blocking operations (sync
// under a contended I/O lock) that decline to wait.
// Callers should use errors.Is(err, ErrBusy).
var ErrBusy = errors.New("nomos: busy")

// ErrClosed is returned by operations attempted after ExitFlush has
// disabled new work acceptance.
var ErrClosed = errors.New("nomos: closed")
