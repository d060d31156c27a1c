package nomos

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/finallevel/nomos/pkg/fs"
)

// DirectoryOptions configures a new IndexDirectory.
type DirectoryOptions struct {
	// DataPath is the root directory containing one subdirectory per
	// top-level.
	DataPath string
	// AutoCreateTopLevel makes Put create a missing top-level instead of
	// requiring an explicit Create call (§4.2, §6 "auto_create_top_index").
	// Find, Touch and Remove never create one.
	AutoCreateTopLevel bool
	// DefaultSubLevelKeyType / DefaultItemKeyType are the key types used
	// when auto-creating a top-level.
	DefaultSubLevelKeyType KeyType
	DefaultItemKeyType     KeyType

	FS       fs.FS
	Sink     SyncSink
	Repl     ReplicationSink
	ServerID uint32
	Log      Logger

	// Now supplies the clock used while loading existing top-levels at
	// startup (expired entries are dropped during replay). Defaults to
	// time.Now.
	Now func() time.Time
}

// IndexDirectory routes every operation to the named TopLevelIndex. A
// missing top-level is created on disk only by Put (when auto-create is
// on) and by ApplyRemote; Find, Touch and Remove on a missing top-level
// report not-found without creating it. It never holds a pointer
// back into the workers that sync its children (§9) — those are wired in
// as a SyncSink at construction and handed to each TopLevelIndex.
type IndexDirectory struct {
	opts DirectoryOptions
	fsys fs.FS
	clock *tagClock

	mu     sync.RWMutex
	levels map[string]*TopLevelIndex
	closed bool
}

// NewIndexDirectory opens dataPath, loading every existing top-level
// subdirectory found there.
func NewIndexDirectory(opts DirectoryOptions) (*IndexDirectory, error) {
	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	if opts.Log == nil {
		opts.Log = noopLogger{}
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := opts.FS.MkdirAll(opts.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating data path: %w", err)
	}

	d := &IndexDirectory{
		opts:   opts,
		fsys:   opts.FS,
		clock:  &tagClock{},
		levels: make(map[string]*TopLevelIndex),
	}

	entries, err := opts.FS.ReadDir(opts.DataPath)
	if err != nil {
		return nil, fmt.Errorf("reading data path: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !validTopLevelName(e.Name()) {
			continue
		}

		if err := d.loadTopLevel(e.Name()); err != nil {
			return nil, fmt.Errorf("loading top-level %q: %w", e.Name(), err)
		}
	}

	return d, nil
}

func (d *IndexDirectory) loadTopLevel(name string) error {
	dir := filepath.Join(d.opts.DataPath, name)

	f, err := d.fsys.Open(metaPath(dir))
	if err != nil {
		return err
	}

	meta, err := DecodeMetaData(f)
	closeErr := f.Close()

	if err != nil {
		return err
	}

	if closeErr != nil {
		return closeErr
	}

	level := newTopLevelIndex(topLevelOptions{
		Dir:      dir,
		Name:     name,
		Meta:     meta,
		FS:       d.fsys,
		Sink:     d.opts.Sink,
		Repl:     d.opts.Repl,
		ServerID: d.opts.ServerID,
		Clock:    d.clock,
		Log:      d.opts.Log,
	})

	if err := level.Load(d.opts.Now()); err != nil {
		return err
	}

	d.levels[name] = level

	return nil
}

// Create makes a new top-level with a fixed sub-level/item key-type
// schema. Returns ErrConflict if the name already exists (§4.2).
func (d *IndexDirectory) Create(name string, subLevelType, itemType KeyType) error {
	if !validTopLevelName(name) {
		return fmt.Errorf("%w: invalid top-level name %q", ErrConflict, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if _, ok := d.levels[name]; ok {
		return fmt.Errorf("%w: top-level %q already exists", ErrConflict, name)
	}

	dir := filepath.Join(d.opts.DataPath, name)
	if err := d.fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	meta := MetaData{Version: CurrentVersion, SubLevelKeyType: subLevelType, ItemKeyType: itemType}

	if err := d.writeMeta(dir, meta); err != nil {
		return err
	}

	level := newTopLevelIndex(topLevelOptions{
		Dir:      dir,
		Name:     name,
		Meta:     meta,
		FS:       d.fsys,
		Sink:     d.opts.Sink,
		Repl:     d.opts.Repl,
		ServerID: d.opts.ServerID,
		Clock:    d.clock,
		Log:      d.opts.Log,
	})

	d.levels[name] = level

	return nil
}

// writeMeta commits a top-level's .meta atomically: a torn 3-byte schema
// file would make the whole namespace unloadable.
func (d *IndexDirectory) writeMeta(dir string, meta MetaData) error {
	enc := meta.Encode()

	return fs.WriteFileAtomic(d.fsys, metaPath(dir), enc[:], 0o644)
}

func (d *IndexDirectory) get(name string) (*TopLevelIndex, error) {
	d.mu.RLock()
	level := d.levels[name]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	if level != nil {
		return level, nil
	}

	if !d.opts.AutoCreateTopLevel {
		return nil, fmt.Errorf("%w: top-level %q", ErrNotFound, name)
	}

	if err := d.Create(name, d.opts.DefaultSubLevelKeyType, d.opts.DefaultItemKeyType); err != nil && !errors.Is(err, ErrConflict) {
		return nil, err
	}

	d.mu.RLock()
	level = d.levels[name]
	d.mu.RUnlock()

	if level == nil {
		// Auto-create declined the name (invalid, or lost a race with a
		// concurrent close).
		return nil, fmt.Errorf("%w: top-level %q", ErrNotFound, name)
	}

	return level, nil
}

// Put routes to the named top-level, auto-creating it when configured.
func (d *IndexDirectory) Put(topLevel string, subLevelKey, itemKey Key, value []byte, liveTo uint32, checkBeforeReplace bool, now time.Time) error {
	level, err := d.get(topLevel)
	if err != nil {
		return err
	}

	return level.Put(subLevelKey, itemKey, value, liveTo, checkBeforeReplace, now)
}

// Find routes to the named top-level. Returns ErrNotFound if the top-level
// or the item does not exist.
func (d *IndexDirectory) Find(topLevel string, subLevelKey, itemKey Key, now time.Time, lifetimeTouch uint32) (*Item, error) {
	d.mu.RLock()
	level := d.levels[topLevel]
	d.mu.RUnlock()

	if level == nil {
		return nil, ErrNotFound
	}

	return level.Find(subLevelKey, itemKey, now, lifetimeTouch)
}

// Touch routes to the named top-level.
func (d *IndexDirectory) Touch(topLevel string, subLevelKey, itemKey Key, setTime uint32, now time.Time) error {
	d.mu.RLock()
	level := d.levels[topLevel]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if level == nil {
		return ErrNotFound
	}

	return level.Touch(subLevelKey, itemKey, setTime, now)
}

// Remove routes to the named top-level.
func (d *IndexDirectory) Remove(topLevel string, subLevelKey, itemKey Key, now time.Time) (bool, error) {
	d.mu.RLock()
	level := d.levels[topLevel]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return false, ErrClosed
	}

	if level == nil {
		return false, nil
	}

	return level.Remove(subLevelKey, itemKey, now)
}

// TopLevels returns every currently known top-level name.
func (d *IndexDirectory) TopLevels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.levels))
	for name := range d.levels {
		names = append(names, name)
	}

	return names
}

// Level returns the named top-level directly, for callers (the hourly
// maintenance loop, the replication bridge) that need more than the
// routed Put/Find/Touch/Remove surface.
func (d *IndexDirectory) Level(name string) *TopLevelIndex {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.levels[name]
}

// ExitFlush disables new work acceptance, then synchronously drains every
// top-level's pending data/header packets and closes their files. Called
// once, on shutdown.
func (d *IndexDirectory) ExitFlush(now time.Time) error {
	d.mu.Lock()
	d.closed = true
	levels := make([]*TopLevelIndex, 0, len(d.levels))
	for _, l := range d.levels {
		levels = append(levels, l)
	}
	d.mu.Unlock()

	var firstErr error

	for _, l := range levels {
		if err := l.FlushNow(now); err != nil && firstErr == nil {
			firstErr = err
		}

		if err := l.CloseFiles(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// ApplyRemote routes one replication frame to the named top-level, creating
// it with the frame's key-type schema if this node has never seen it. A
// schema mismatch against an existing top-level rejects the frame (§7
// VersionMismatch).
func (d *IndexDirectory) ApplyRemote(originServerID uint32, topLevel string, meta MetaData, entries []Entry, now time.Time) error {
	d.mu.RLock()
	level := d.levels[topLevel]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if level == nil {
		if err := d.Create(topLevel, meta.SubLevelKeyType, meta.ItemKeyType); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}

		d.mu.RLock()
		level = d.levels[topLevel]
		d.mu.RUnlock()

		if level == nil {
			return fmt.Errorf("%w: top-level %q", ErrNotFound, topLevel)
		}
	}

	if !level.Meta().Matches(meta) {
		return fmt.Errorf("%w: frame schema %v/%v against top-level %q",
			ErrVersionMismatch, meta.SubLevelKeyType, meta.ItemKeyType, topLevel)
	}

	return level.ApplyRemoteEntries(originServerID, entries, now)
}
