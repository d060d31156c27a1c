package nomos

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/finallevel/nomos/pkg/fs"
)

// §8 scenario 2: what was live at sync time survives a restart byte-for-byte.
func TestSyncReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	level := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)

	mustPut(t, level, U32Key(1), StringKey("k"), "1234567", 0, now0)

	synced, err := level.Sync(testTime(now0))
	if err != nil || !synced {
		t.Fatalf("Sync=(%v,%v)", synced, err)
	}

	wantHeader := mustFind(t, level, U32Key(1), StringKey("k"), now0).Header()

	if err := level.CloseFiles(); err != nil {
		t.Fatalf("CloseFiles: %v", err)
	}

	reloaded := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)
	if err := reloaded.Load(testTime(now0 + 3600)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	it := mustFind(t, reloaded, U32Key(1), StringKey("k"), now0+3600)

	if got, want := string(it.Payload()), "1234567"; got != want {
		t.Fatalf("payload=%q, want=%q", got, want)
	}

	if diff := cmp.Diff(wantHeader, it.Header()); diff != "" {
		t.Fatalf("header mismatch after reload (-want +got):\n%s", diff)
	}
}

func TestReloadAppliesTouchAndDropsRemoved(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	level := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)

	mustPut(t, level, U32Key(1), StringKey("touched"), "v1", now0+60, now0)
	mustPut(t, level, U32Key(1), StringKey("removed"), "v2", 0, now0)

	if err := level.Touch(U32Key(1), StringKey("touched"), 7200, testTime(now0)); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if _, err := level.Remove(U32Key(1), StringKey("removed"), testTime(now0)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := level.FlushNow(testTime(now0)); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}

	reloaded := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)
	if err := reloaded.Load(testTime(now0 + 3600)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	it := mustFind(t, reloaded, U32Key(1), StringKey("touched"), now0+3600)
	if got, want := it.Header().LiveTo, uint32(now0+7200); got != want {
		t.Fatalf("touched liveTo=%d, want=%d", got, want)
	}

	if _, err := reloaded.Find(U32Key(1), StringKey("removed"), testTime(now0+3600), 0); err == nil {
		t.Fatal("removed key survived reload")
	}
}

func TestReloadDropsExpired(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	level := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)

	mustPut(t, level, U32Key(1), StringKey("shortlived"), "v", now0+10, now0)

	if err := level.FlushNow(testTime(now0)); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}

	reloaded := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)
	if err := reloaded.Load(testTime(now0 + 3600)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := reloaded.Find(U32Key(1), StringKey("shortlived"), testTime(now0+3600), 0); err == nil {
		t.Fatal("expired key materialized on load")
	}
}

// §8 invariant 6: within one segment, records appear in acceptance order.
func TestOnDiskOrderMatchesAcceptance(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	level := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)

	for i := range 5 {
		mustPut(t, level, U32Key(1), StringKey(fmt.Sprintf("k%d", i)), fmt.Sprintf("v%d", i), 0, now0)
	}

	synced, err := level.Sync(testTime(now0))
	if err != nil || !synced {
		t.Fatalf("Sync=(%v,%v)", synced, err)
	}

	entries, err := level.decodeAllEntries(level.io.dataName)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(entries) != 5 {
		t.Fatalf("decoded %d entries, want 5", len(entries))
	}

	var lastTag Tag

	for i, e := range entries {
		if got, want := string(e.ItemKey.StringVal()), fmt.Sprintf("k%d", i); got != want {
			t.Fatalf("entry %d key=%q, want=%q", i, got, want)
		}

		if e.Header.Tag <= lastTag {
			t.Fatalf("entry %d tag %#x not above %#x", i, e.Header.Tag, lastTag)
		}

		lastTag = e.Header.Tag
	}
}

// §8 boundary: the record crossing the size limit lands fully in the old
// segment; rotation happens after it.
func TestSegmentRollKeepsBoundaryRecordWhole(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	level := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)
	level.io.limit = 64 // forces a roll after a couple of records

	for i := range 4 {
		mustPut(t, level, U32Key(1), StringKey(fmt.Sprintf("key-%d", i)), "0123456789", 0, now0)
	}

	synced, err := level.Sync(testTime(now0))
	if err != nil || !synced {
		t.Fatalf("Sync=(%v,%v)", synced, err)
	}

	if err := level.CloseFiles(); err != nil {
		t.Fatalf("CloseFiles: %v", err)
	}

	names, err := level.fsys.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	var dataNames []string

	for _, e := range names {
		if isDataFile(e.Name()) {
			dataNames = append(dataNames, e.Name())
		}
	}

	if len(dataNames) < 2 {
		t.Fatalf("expected a rotation, got files %v", dataNames)
	}

	// Every file must decode cleanly to whole records; a split boundary
	// record would fail the decode of both files.
	total := 0

	for _, name := range dataNames {
		entries, err := level.decodeAllEntries(name)
		if err != nil {
			t.Fatalf("decode %q: %v", name, err)
		}

		total += len(entries)
	}

	if total != 4 {
		t.Fatalf("decoded %d records across segments, want 4", total)
	}
}

func TestHeaderFileCarriesOnlyHeaderRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	level := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)

	mustPut(t, level, U32Key(1), StringKey("k"), "v", now0+3600, now0)

	if err := level.Touch(U32Key(1), StringKey("k"), 100, testTime(now0)); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if _, err := level.Remove(U32Key(1), StringKey("k"), testTime(now0)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	synced, err := level.Sync(testTime(now0))
	if err != nil || !synced {
		t.Fatalf("Sync=(%v,%v)", synced, err)
	}

	entries, err := level.decodeAllEntries(level.io.headerName)
	if err != nil {
		t.Fatalf("decode header file: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("header records=%d, want 2", len(entries))
	}

	for _, e := range entries {
		if e.Cmd == CmdPut {
			t.Fatal("PUT record in header file")
		}

		if e.Header.Size != 0 {
			t.Fatalf("header record size=%d, want 0", e.Header.Size)
		}
	}
}

// A sync that cannot write must surface the error instead of silently
// dropping the packets (§7: I/O errors on the sync path are fatal).
func TestSyncSurfacesWriteFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	faulty := fs.NewFaulty(fs.NewReal(), 42, fs.FaultConfig{WriteRate: 1})

	level := newTopLevelIndex(topLevelOptions{
		Dir:  dir,
		Name: "t",
		Meta: MetaData{Version: CurrentVersion, SubLevelKeyType: KeyTypeU32, ItemKeyType: KeyTypeString},
		FS:   faulty,
	})

	mustPut(t, level, U32Key(1), StringKey("k"), "v", 0, now0)

	faulty.SetEnabled(true)

	if err := level.FlushNow(testTime(now0)); err == nil {
		t.Fatal("FlushNow succeeded under a failing filesystem")
	}

	faulty.SetEnabled(false)

	if got := faulty.Faults(); got == 0 {
		t.Fatal("no faults were injected")
	}
}

func TestSyncBusyRequeues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	level := newTestLevelAt(t, dir, KeyTypeU32, KeyTypeString)

	mustPut(t, level, U32Key(1), StringKey("k"), "v", 0, now0)

	level.io.mu.Lock()
	synced, err := level.Sync(testTime(now0))
	level.io.mu.Unlock()

	if err != nil || synced {
		t.Fatalf("Sync under held I/O lock=(%v,%v), want (false,nil)", synced, err)
	}

	// The packets went back on the queue; a retry drains them.
	synced, err = level.Sync(testTime(now0))
	if err != nil || !synced {
		t.Fatalf("retry Sync=(%v,%v)", synced, err)
	}

	if _, err := level.fsys.Stat(filepath.Join(dir, level.io.dataName)); err != nil {
		t.Fatalf("data file missing after retry: %v", err)
	}
}
