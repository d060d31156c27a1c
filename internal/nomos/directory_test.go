package nomos

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestDirectory(t *testing.T, dataPath string, autoCreate bool) *IndexDirectory {
	t.Helper()

	dir, err := NewIndexDirectory(DirectoryOptions{
		DataPath:               dataPath,
		AutoCreateTopLevel:     autoCreate,
		DefaultSubLevelKeyType: KeyTypeString,
		DefaultItemKeyType:     KeyTypeString,
		Now:                    func() time.Time { return testTime(now0) },
	})
	if err != nil {
		t.Fatalf("NewIndexDirectory: %v", err)
	}

	return dir
}

func TestCreate(t *testing.T) {
	t.Parallel()

	dir := newTestDirectory(t, t.TempDir(), false)

	if err := dir.Create("t", KeyTypeU32, KeyTypeString); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := dir.Create("t", KeyTypeU32, KeyTypeString); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create=%v, want ErrConflict", err)
	}

	tests := []struct {
		name  string
		level string
	}{
		{name: "too long", level: strings.Repeat("x", 17)},
		{name: "comma", level: "a,b"},
		{name: "empty", level: ""},
		{name: "leading dot", level: ".hidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if err := dir.Create(tt.level, KeyTypeU32, KeyTypeString); err == nil {
				t.Fatalf("Create(%q) accepted", tt.level)
			}
		})
	}
}

func TestPutWithoutAutoCreateFails(t *testing.T) {
	t.Parallel()

	dir := newTestDirectory(t, t.TempDir(), false)

	err := dir.Put("missing", StringKey("s"), StringKey("k"), []byte("v"), 0, false, testTime(now0))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestPutAutoCreates(t *testing.T) {
	t.Parallel()

	dir := newTestDirectory(t, t.TempDir(), true)

	if err := dir.Put("auto", StringKey("s"), StringKey("k"), []byte("v"), 0, false, testTime(now0)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	level := dir.Level("auto")
	if level == nil {
		t.Fatal("auto-created top-level missing")
	}

	meta := level.Meta()
	if meta.SubLevelKeyType != KeyTypeString || meta.ItemKeyType != KeyTypeString {
		t.Fatalf("auto-created meta=%+v, want default string/string", meta)
	}

	it, err := dir.Find("auto", StringKey("s"), StringKey("k"), testTime(now0), 0)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if got := string(it.Payload()); got != "v" {
		t.Fatalf("payload=%q", got)
	}
}

// §8 invariant 2 at directory level: exit-flush then reopen over the same
// path restores every live item.
func TestExitFlushReload(t *testing.T) {
	t.Parallel()

	path := t.TempDir()

	dir := newTestDirectory(t, path, false)

	if err := dir.Create("t", KeyTypeU32, KeyTypeString); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := dir.Put("t", U32Key(1), StringKey("k"), []byte("1234567"), 0, false, testTime(now0)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := dir.ExitFlush(testTime(now0)); err != nil {
		t.Fatalf("ExitFlush: %v", err)
	}

	// A flushed directory accepts no new work.
	if err := dir.Put("t", U32Key(2), StringKey("late"), []byte("x"), 0, false, testTime(now0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("put after exit flush=%v, want ErrClosed", err)
	}

	reopened, err := NewIndexDirectory(DirectoryOptions{
		DataPath:               path,
		DefaultSubLevelKeyType: KeyTypeString,
		DefaultItemKeyType:     KeyTypeString,
		Now:                    func() time.Time { return testTime(now0 + 3600) },
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	it, err := reopened.Find("t", U32Key(1), StringKey("k"), testTime(now0+3600), 0)
	if err != nil {
		t.Fatalf("Find after reload: %v", err)
	}

	if got, want := string(it.Payload()), "1234567"; got != want {
		t.Fatalf("payload=%q, want=%q", got, want)
	}

	// The reopened top-level keeps its created schema.
	meta := reopened.Level("t").Meta()
	if meta.SubLevelKeyType != KeyTypeU32 || meta.ItemKeyType != KeyTypeString {
		t.Fatalf("meta=%+v", meta)
	}
}

func TestApplyRemoteAutoCreatesWithFrameSchema(t *testing.T) {
	t.Parallel()

	dir := newTestDirectory(t, t.TempDir(), false)

	meta := MetaData{Version: CurrentVersion, SubLevelKeyType: KeyTypeU32, ItemKeyType: KeyTypeString}
	entries := []Entry{{
		Cmd:      CmdPut,
		Header:   ItemHeader{LiveTo: 0, Size: 1, Tag: NewTag(now0, 0)},
		SubLevel: U32Key(1),
		ItemKey:  StringKey("k"),
		Payload:  []byte("x"),
	}}

	if err := dir.ApplyRemote(7, "fresh", meta, entries, testTime(now0)); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}

	level := dir.Level("fresh")
	if level == nil {
		t.Fatal("top-level not created from frame")
	}

	if got := level.Meta(); !got.Matches(meta) {
		t.Fatalf("schema=%+v, want=%+v", got, meta)
	}

	// A frame whose schema disagrees with the existing top-level is
	// rejected as a version mismatch.
	wrong := MetaData{Version: CurrentVersion, SubLevelKeyType: KeyTypeString, ItemKeyType: KeyTypeString}
	if err := dir.ApplyRemote(7, "fresh", wrong, entries, testTime(now0)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("mismatched frame err=%v, want ErrVersionMismatch", err)
	}
}
