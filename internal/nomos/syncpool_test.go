package nomos

import (
	"testing"
	"time"
)

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not reached in time")
}

func TestSyncWorkerPoolDrainsToDisk(t *testing.T) {
	t.Parallel()

	pool := NewSyncWorkerPool(2, nil, func() time.Time { return testTime(now0) })
	defer pool.Close()

	dataPath := t.TempDir()

	dir, err := NewIndexDirectory(DirectoryOptions{
		DataPath:               dataPath,
		DefaultSubLevelKeyType: KeyTypeString,
		DefaultItemKeyType:     KeyTypeString,
		AutoCreateTopLevel:     true,
		Sink:                   pool,
	})
	if err != nil {
		t.Fatalf("NewIndexDirectory: %v", err)
	}

	if err := dir.Put("t", StringKey("s"), StringKey("k"), []byte("v"), 0, false, testTime(now0)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	level := dir.Level("t")

	// The background worker picks the level up and writes the segment.
	waitFor(t, 5*time.Second, func() bool {
		level.packetMu.Lock()
		pending := len(level.pendingData) + len(level.pendingHeader)
		level.packetMu.Unlock()

		if pending != 0 {
			return false
		}

		level.io.mu.Lock()
		defer level.io.mu.Unlock()

		return level.io.dataName != ""
	})
}

func TestSyncWorkerPoolRetriesBusyLevel(t *testing.T) {
	t.Parallel()

	pool := NewSyncWorkerPool(1, nil, func() time.Time { return testTime(now0) })
	defer pool.Close()

	level := newTestLevel(t, KeyTypeU32, KeyTypeString)
	level.sink = pool

	// Hold the I/O lock so the worker's first attempt declines, then
	// release and watch the retry land the write.
	level.io.mu.Lock()

	mustPut(t, level, U32Key(1), StringKey("k"), "v", 0, now0)

	time.Sleep(20 * time.Millisecond)
	level.io.mu.Unlock()

	waitFor(t, 5*time.Second, func() bool {
		level.io.mu.Lock()
		defer level.io.mu.Unlock()

		return level.io.dataName != ""
	})
}
