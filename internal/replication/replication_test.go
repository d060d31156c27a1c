package replication

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finallevel/nomos/internal/nomos"
)

const now0 = 1000000

func testNow(sec int64) time.Time { return time.Unix(sec, 0) }

// newNode builds an engine wired to its own replication log, the way
// nomosd assembles them.
func newNode(t *testing.T, serverID uint32) (*nomos.IndexDirectory, *Log) {
	t.Helper()

	l := openTestLog(t, t.TempDir(), serverID, 0)

	dir, err := nomos.NewIndexDirectory(nomos.DirectoryOptions{
		DataPath:               t.TempDir(),
		DefaultSubLevelKeyType: nomos.KeyTypeString,
		DefaultItemKeyType:     nomos.KeyTypeString,
		Repl:                   l,
		ServerID:               serverID,
		Now:                    func() time.Time { return testNow(now0) },
	})
	require.NoError(t, err)

	return dir, l
}

func flushAll(t *testing.T, dir *nomos.IndexDirectory) {
	t.Helper()

	for _, name := range dir.TopLevels() {
		require.NoError(t, dir.Level(name).FlushNow(testNow(now0)))
	}
}

// §8 scenario 5: a mixed workload on node A, shipped as one replication
// batch, reproduces A's visible state on a fresh node B.
func TestReplicationApplyAcrossNodes(t *testing.T) {
	t.Parallel()

	nodeA, logA := newNode(t, 1)

	require.NoError(t, nodeA.Create("t", nomos.KeyTypeU32, nomos.KeyTypeString))
	require.NoError(t, nodeA.Create("t2", nomos.KeyTypeString, nomos.KeyTypeString))

	now := testNow(now0)

	require.NoError(t, nodeA.Put("t", nomos.U32Key(1), nomos.StringKey("k"), []byte("1234567"), 0, false, now))
	require.NoError(t, nodeA.Touch("t", nomos.U32Key(1), nomos.StringKey("k"), 3600, now))
	require.NoError(t, nodeA.Put("t", nomos.U32Key(1), nomos.StringKey("k2"), []byte("doomed"), 0, false, now))

	removed, err := nodeA.Remove("t", nomos.U32Key(1), nomos.StringKey("k2"), now)
	require.NoError(t, err)
	require.True(t, removed)

	require.NoError(t, nodeA.Put("t2", nomos.StringKey("sl"), nomos.StringKey("k"), []byte("1234567"), 0, false, now))

	flushAll(t, nodeA)

	// Peer 2 reads everything from the beginning of the log.
	buf, _, err := logA.ReadFor(2, Cursor{Segment: 1, Offset: 0})
	require.NoError(t, err)
	require.NotEmpty(t, buf)

	// Peer 1 (the origin) gets nothing back — scenario 6.
	echo, _, err := logA.ReadFor(1, Cursor{Segment: 1, Offset: 0})
	require.NoError(t, err)
	require.Empty(t, echo)

	nodeB, _ := newNode(t, 2)

	frames, err := DecodeFrames(buf)
	require.NoError(t, err)
	require.NotEmpty(t, frames)

	for _, frame := range frames {
		require.Equal(t, uint32(1), frame.ServerID)
		require.NoError(t, nodeB.ApplyRemote(frame.ServerID, frame.TopLevel, frame.Meta, frame.Entries, now))
	}

	it, err := nodeB.Find("t", nomos.U32Key(1), nomos.StringKey("k"), now, 0)
	require.NoError(t, err)
	require.Equal(t, "1234567", string(it.Payload()))
	require.Equal(t, uint32(now0+3600), it.Header().LiveTo)

	_, err = nodeB.Find("t", nomos.U32Key(1), nomos.StringKey("k2"), now, 0)
	require.ErrorIs(t, err, nomos.ErrNotFound)

	it, err = nodeB.Find("t2", nomos.StringKey("sl"), nomos.StringKey("k"), now, 0)
	require.NoError(t, err)
	require.Equal(t, "1234567", string(it.Payload()))
}

// Full peer loop over TCP: server streams A's log, client applies it to B
// and checkpoints its cursor.
func TestPeerClientServerStreaming(t *testing.T) {
	t.Parallel()

	nodeA, logA := newNode(t, 1)

	require.NoError(t, nodeA.Create("t", nomos.KeyTypeU32, nomos.KeyTypeString))
	require.NoError(t, nodeA.Put("t", nomos.U32Key(1), nomos.StringKey("k"), []byte("1234567"), 0, false, testNow(now0)))
	flushAll(t, nodeA)

	srv := NewPeerServer(logA, 1, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(listener)
	defer srv.Close()

	nodeB, _ := newNode(t, 2)
	infoDir := t.TempDir()

	client := NewPeerClient(PeerClientOptions{
		Addr:        listener.Addr().String(),
		OwnServerID: 2,
		InfoDir:     infoDir,
		Applier:     nodeB,
		Now:         time.Now,
	})

	go client.Run()
	defer client.Stop()

	deadline := time.Now().Add(10 * time.Second)

	for {
		it, err := nodeB.Find("t", nomos.U32Key(1), nomos.StringKey("k"), testNow(now0), 0)
		if err == nil {
			require.Equal(t, "1234567", string(it.Payload()))
			break
		}

		if !errors.Is(err, nomos.ErrNotFound) {
			t.Fatalf("Find: %v", err)
		}

		if time.Now().After(deadline) {
			t.Fatal("replicated item never arrived")
		}

		time.Sleep(20 * time.Millisecond)
	}

	// The cursor checkpoint for master 1 exists and parses.
	var checkpoint []byte

	for time.Now().Before(deadline) {
		checkpoint, err = os.ReadFile(filepath.Join(infoDir, "nomos_repl_info_1"))
		if err == nil {
			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, err)

	cur, err := parseCursor(string(checkpoint))
	require.NoError(t, err)
	require.Equal(t, uint32(1), cur.Segment)
	require.Greater(t, cur.Offset, uint32(0))
}

func TestPeerServerRejectsSelfConnection(t *testing.T) {
	t.Parallel()

	_, logA := newNode(t, 1)

	srv := NewPeerServer(logA, 1, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(listener)
	defer srv.Close()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	defer conn.Close()

	require.NoError(t, newSenderHandshakeRequest(1).encode(conn))

	// The server hangs up without answering.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var b [1]byte

	_, err = conn.Read(b[:])
	require.Error(t, err)
}

func TestParseCursor(t *testing.T) {
	t.Parallel()

	cur, err := parseCursor("3-120\n")
	require.NoError(t, err)
	require.Equal(t, Cursor{Segment: 3, Offset: 120}, cur)

	_, err = parseCursor("garbage")
	require.Error(t, err)
}
