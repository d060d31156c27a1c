package nomos

import (
	"testing"
	"time"
)

// now0 is the fixed wall-clock base used across the engine tests.
const now0 = 1000000

func testTime(sec int64) time.Time {
	return time.Unix(sec, 0)
}

// newTestLevel builds a standalone TopLevelIndex over a temp directory with
// the given key-type schema and no background sync worker, so tests drive
// Sync/FlushNow/Pack/Load explicitly.
func newTestLevel(t *testing.T, subType, itemType KeyType) *TopLevelIndex {
	t.Helper()

	return newTestLevelAt(t, t.TempDir(), subType, itemType)
}

func newTestLevelAt(t *testing.T, dir string, subType, itemType KeyType) *TopLevelIndex {
	t.Helper()

	return newTopLevelIndex(topLevelOptions{
		Dir:  dir,
		Name: "t",
		Meta: MetaData{Version: CurrentVersion, SubLevelKeyType: subType, ItemKeyType: itemType},
	})
}

// pendingCounts drains and counts the level's queued packets, handing them
// back for inspection.
func pendingCounts(t *testing.T, level *TopLevelIndex) (data, header []Entry) {
	t.Helper()

	return level.takePending()
}

func mustPut(t *testing.T, level *TopLevelIndex, sub, item Key, value string, liveTo uint32, now int64) {
	t.Helper()

	if err := level.Put(sub, item, []byte(value), liveTo, false, testTime(now)); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func mustFind(t *testing.T, level *TopLevelIndex, sub, item Key, now int64) *Item {
	t.Helper()

	it, err := level.Find(sub, item, testTime(now), 0)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	return it
}
