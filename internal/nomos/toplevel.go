package nomos

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/finallevel/nomos/pkg/fs"
)

// SyncSink lets a TopLevelIndex enqueue itself on a background sync worker
// without holding a reference back to its owning IndexDirectory. Passing
// this in at construction (rather than a parent back-pointer) is the fix
// for §9's "cyclic references" note.
type SyncSink interface {
	EnqueueSync(level *TopLevelIndex)
}

// ReplicationSink hands locally-accepted (or peer-relayed) entries to the
// replication log. Nil when replication is disabled. originServerID is the
// node where the mutation was first accepted: local mutations carry this
// node's ID, forwarded ones keep the origin's so downstream peers can
// suppress cycles (§4.4).
type ReplicationSink interface {
	Append(originServerID uint32, topLevel string, meta MetaData, entries []Entry) error
}

// Logger is the injected diagnostic sink for background-path errors (§9:
// "treat as injected sinks" rather than a process-global logger).
type Logger interface {
	Errorf(format string, args ...any)
}

// noopLogger discards everything; used when no Logger is supplied.
type noopLogger struct{}

func (noopLogger) Errorf(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return noopLogger{} }

// TopLevelIndex is a named top-level namespace: MetaData, a map of
// sub-level key to that sub-level's sharded item map, and this
// namespace's append-only data/header segment files (§4.1).
type TopLevelIndex struct {
	name string
	dir  string
	fsys fs.FS
	meta MetaData

	sink     SyncSink
	repl     ReplicationSink
	serverID uint32
	log      Logger
	clock    *tagClock

	mapMu     sync.RWMutex
	subLevels map[any]*subLevel

	packetMu      sync.Mutex
	pendingData   []Entry
	pendingHeader []Entry

	io topLevelIO
}

// topLevelOptions configures a new or reopened TopLevelIndex.
type topLevelOptions struct {
	Dir      string
	Name     string
	Meta     MetaData
	FS       fs.FS
	Sink     SyncSink
	Repl     ReplicationSink // nil disables replication framing
	ServerID uint32
	Clock    *tagClock
	Log      Logger
}

func newTopLevelIndex(opts topLevelOptions) *TopLevelIndex {
	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	if opts.Log == nil {
		opts.Log = noopLogger{}
	}

	if opts.Clock == nil {
		opts.Clock = &tagClock{}
	}

	return &TopLevelIndex{
		name:      opts.Name,
		dir:       opts.Dir,
		fsys:      opts.FS,
		meta:      opts.Meta,
		sink:      opts.Sink,
		repl:      opts.Repl,
		serverID:  opts.ServerID,
		log:       opts.Log,
		clock:     opts.Clock,
		subLevels: make(map[any]*subLevel),
	}
}

// Name returns the top-level's name.
func (t *TopLevelIndex) Name() string { return t.name }

// Meta returns the top-level's fixed key-type schema.
func (t *TopLevelIndex) Meta() MetaData { return t.meta }

func (t *TopLevelIndex) getSubLevel(key Key) *subLevel {
	t.mapMu.RLock()
	defer t.mapMu.RUnlock()

	return t.subLevels[key.comparableKey()]
}

func (t *TopLevelIndex) getOrCreateSubLevel(key Key) *subLevel {
	ck := key.comparableKey()

	t.mapMu.RLock()
	sl := t.subLevels[ck]
	t.mapMu.RUnlock()

	if sl != nil {
		return sl
	}

	t.mapMu.Lock()
	defer t.mapMu.Unlock()

	if sl = t.subLevels[ck]; sl != nil {
		return sl
	}

	sl = newSubLevel()
	t.subLevels[ck] = sl

	return sl
}

func (t *TopLevelIndex) enqueueData(e Entry) {
	t.packetMu.Lock()
	t.pendingData = append(t.pendingData, e)
	t.packetMu.Unlock()

	if t.sink != nil {
		t.sink.EnqueueSync(t)
	}
}

func (t *TopLevelIndex) enqueueHeader(e Entry) {
	t.packetMu.Lock()
	t.pendingHeader = append(t.pendingHeader, e)
	t.packetMu.Unlock()

	if t.sink != nil {
		t.sink.EnqueueSync(t)
	}
}

// absU32Delta returns |a-b| without relying on unsigned wraparound.
func absU32Delta(a, b uint32) uint32 {
	if a > b {
		return a - b
	}

	return b - a
}

// Put inserts or replaces the item at (subLevel, itemKey). See §4.1.
func (t *TopLevelIndex) Put(subLevelKey, itemKey Key, value []byte, liveTo uint32, checkBeforeReplace bool, now time.Time) error {
	if len(value) > maxItemSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds max item size", ErrIO, len(value))
	}

	sl := t.getOrCreateSubLevel(subLevelKey)
	sh := sl.shardFor(itemKey)
	ck := itemKey.comparableKey()

	sh.mu.Lock()

	existing, hadExisting := sh.items[ck]
	tag := t.clock.next(now)

	if hadExisting && checkBeforeReplace && bytes.Equal(existing.payload, value) {
		oldLiveTo := existing.header.LiveTo
		if absU32Delta(liveTo, oldLiveTo) > minSyncPutUpdateTime {
			existing.header.LiveTo = liveTo
			existing.header.Tag = tag
			touched := existing.header
			sh.mu.Unlock()
			t.enqueueHeader(Entry{Cmd: CmdTouch, Header: touched, SubLevel: subLevelKey, ItemKey: itemKey})

			return nil
		}

		sh.mu.Unlock()

		return nil
	}

	newIt := newItem(append([]byte(nil), value...), liveTo, tag)
	sh.items[ck] = newIt

	var oldHeader ItemHeader
	if hadExisting {
		oldHeader = existing.header
	}

	sh.mu.Unlock()

	t.enqueueData(Entry{Cmd: CmdPut, Header: newIt.header, SubLevel: subLevelKey, ItemKey: itemKey, Payload: newIt.payload})

	if hadExisting {
		t.enqueueHeader(Entry{Cmd: CmdRemove, Header: oldHeader, SubLevel: subLevelKey, ItemKey: itemKey})
	}

	return nil
}

// applyTouchLocked implements touch semantics on an item whose shard lock
// the caller already holds. Returns true if the touch produced a change
// (above the §4.1/§6 threshold).
func (t *TopLevelIndex) applyTouchLocked(it *Item, subLevelKey, itemKey Key, setTime uint32, now time.Time) bool {
	var newLiveTo uint32
	if setTime != 0 {
		newLiveTo = uint32(now.Unix()) + setTime
	}

	oldLiveTo := it.header.LiveTo
	threshold := float64(setTime) * minSyncTouchTimePercent
	delta := math.Abs(float64(int64(newLiveTo) - int64(oldLiveTo)))

	if delta <= threshold {
		// Sub-threshold: dropped from persistence and, per the chosen
		// reading of §9 open question 1, from memory too.
		return false
	}

	it.header.LiveTo = newLiveTo
	it.header.Tag = t.clock.next(now)

	t.enqueueHeader(Entry{Cmd: CmdTouch, Header: it.header, SubLevel: subLevelKey, ItemKey: itemKey})

	return true
}

// Touch updates an item's expiry, re-stamping its tag only if the new
// liveTo differs from the old by more than 10% of setTime (§4.1, §6).
func (t *TopLevelIndex) Touch(subLevelKey, itemKey Key, setTime uint32, now time.Time) error {
	sl := t.getSubLevel(subLevelKey)
	if sl == nil {
		return ErrNotFound
	}

	sh := sl.shardFor(itemKey)
	ck := itemKey.comparableKey()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	it, ok := sh.items[ck]
	if !ok {
		return ErrNotFound
	}

	if it.header.Tombstoned() {
		return ErrNotFound
	}

	if it.header.Expired(now) {
		delete(sh.items, ck)
		return ErrNotFound
	}

	t.applyTouchLocked(it, subLevelKey, itemKey, setTime, now)

	return nil
}

// Find looks up an item. If lifetimeTouch > 0 it also performs a touch
// with that value before returning, matching §4.1.
func (t *TopLevelIndex) Find(subLevelKey, itemKey Key, now time.Time, lifetimeTouch uint32) (*Item, error) {
	sl := t.getSubLevel(subLevelKey)
	if sl == nil {
		return nil, ErrNotFound
	}

	sh := sl.shardFor(itemKey)
	ck := itemKey.comparableKey()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	it, ok := sh.items[ck]
	if !ok {
		return nil, ErrNotFound
	}

	if it.header.Tombstoned() {
		return nil, ErrNotFound
	}

	if it.header.Expired(now) {
		delete(sh.items, ck)
		return nil, ErrNotFound
	}

	if lifetimeTouch > 0 {
		t.applyTouchLocked(it, subLevelKey, itemKey, lifetimeTouch, now)
	}

	view := *it

	return &view, nil
}

// Remove tombstones an item: stamps a fresh tag, marks liveTo=1, and
// erases it from the in-memory map (§4.1).
func (t *TopLevelIndex) Remove(subLevelKey, itemKey Key, now time.Time) (bool, error) {
	sl := t.getSubLevel(subLevelKey)
	if sl == nil {
		return false, nil
	}

	sh := sl.shardFor(itemKey)
	ck := itemKey.comparableKey()

	sh.mu.Lock()

	it, ok := sh.items[ck]
	if !ok {
		sh.mu.Unlock()
		return false, nil
	}

	it.header.Tag = t.clock.next(now)
	it.header.LiveTo = liveToTombstone
	header := it.header
	delete(sh.items, ck)

	sh.mu.Unlock()

	t.enqueueHeader(Entry{Cmd: CmdRemove, Header: header, SubLevel: subLevelKey, ItemKey: itemKey})

	return true, nil
}

// ClearOld drops every expired, non-tombstone item from memory. It is the
// in-memory half of §4.6's hourly maintenance; pack() handles the on-disk
// half.
func (t *TopLevelIndex) ClearOld(now time.Time) int {
	t.mapMu.RLock()
	levels := make([]*subLevel, 0, len(t.subLevels))
	for _, sl := range t.subLevels {
		levels = append(levels, sl)
	}
	t.mapMu.RUnlock()

	cleared := 0

	for _, sl := range levels {
		for _, sh := range sl.shards {
			sh.mu.Lock()
			for k, it := range sh.items {
				if it.header.Expired(now) {
					delete(sh.items, k)
					cleared++
				}
			}
			sh.mu.Unlock()
		}
	}

	return cleared
}
