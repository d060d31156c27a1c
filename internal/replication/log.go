package replication

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/finallevel/nomos/internal/nomos"
	"github.com/finallevel/nomos/pkg/fs"
)

// Size constants from §6 governing the replication path.
const (
	maxBufSize               = 300000
	maxItemSize              = 300000
	maxReplicationBuffer     = maxBufSize + 2*maxItemSize
	maxReplicationFileSize   = 1 << 30 // 1 GiB
	segmentFilePrefix        = "nomos_bin_"
	cursorFilePrefix         = "nomos_repl_info_"
	firstSegmentNumber       = 1
	segmentHeaderSize        = 5 // version:u8 number:u32
)

// Cursor identifies a peer's read position in the log: a segment number
// and a byte offset within that segment.
type Cursor struct {
	Segment uint32
	Offset  uint32
}

// segmentName builds "nomos_bin_<serverID>_<hex8 number>".
func segmentName(serverID, number uint32) string {
	return fmt.Sprintf("%s%d_%08x", segmentFilePrefix, serverID, number)
}

// parseSegmentName extracts (serverID, number) from a segment file name,
// rejecting names that don't match the expected shape.
func parseSegmentName(name string) (serverID, number uint32, ok bool) {
	rest, found := strings.CutPrefix(name, segmentFilePrefix)
	if !found {
		return 0, 0, false
	}

	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || len(rest)-idx-1 != 8 {
		return 0, 0, false
	}

	sid, err := strconv.ParseUint(rest[:idx], 10, 32)
	if err != nil {
		return 0, 0, false
	}

	num, err := strconv.ParseUint(rest[idx+1:], 16, 32)
	if err != nil {
		return 0, 0, false
	}

	return uint32(sid), uint32(num), true
}

// writeSegment is the current writable segment. Its rwlock coordinates the
// single appender against concurrent peer reads of the same file (§5).
type writeSegment struct {
	rw     sync.RWMutex
	file   fs.File
	number uint32
	size   int64
}

// Log is this node's append-only replication log: an ordered sequence of
// numbered segment files under dir, each starting with (version, number)
// and holding framed records (§4.4). It implements nomos.ReplicationSink.
type Log struct {
	dir      string
	serverID uint32
	keepTime time.Duration // 0 disables retention
	fsys     fs.FS
	logger   nomos.Logger

	mu       sync.Mutex
	numbers  []uint32 // ascending; last one is (or becomes) writable
	cur      *writeSegment
}

// LogOptions configures OpenLog.
type LogOptions struct {
	Dir      string
	ServerID uint32
	// KeepTime bounds segment retention; segments whose mtime is older
	// are unlinked by SweepRetention. Zero disables the sweep.
	KeepTime time.Duration
	FS       fs.FS
	Logger   nomos.Logger
}

// OpenLog scans dir for this server's segments and prepares the last one
// for appending. The segment file itself is created lazily on first write.
func OpenLog(opts LogOptions) (*Log, error) {
	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("replication: creating log dir: %w", err)
	}

	l := &Log{
		dir:      opts.Dir,
		serverID: opts.ServerID,
		keepTime: opts.KeepTime,
		fsys:     opts.FS,
		logger:   opts.Logger,
	}

	entries, err := opts.FS.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("replication: reading log dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		sid, num, ok := parseSegmentName(e.Name())
		if !ok || sid != opts.ServerID {
			continue
		}

		l.numbers = append(l.numbers, num)
	}

	sort.Slice(l.numbers, func(i, j int) bool { return l.numbers[i] < l.numbers[j] })

	return l, nil
}

type noopLogger struct{}

func (noopLogger) Errorf(string, ...any) {}

// Append implements nomos.ReplicationSink: it frames the entries under the
// origin's server ID and appends them to the current segment, rolling to a
// new one when a frame would cross the 1 GiB segment limit. A large batch
// is split into multiple frames so no single frame outgrows the reader's
// maxReplicationBuffer (which budgets maxBufSize plus 2*maxItemSize of
// slack). A record that cannot fit even a frame of its own —
// possible only with near-maximum string keys on a near-maximum payload —
// is dropped with a log line: written, it would stall every peer's cursor
// forever, since ReadFor can never assemble it from one positioned read.
func (l *Log) Append(originServerID uint32, topLevel string, meta nomos.MetaData, entries []nomos.Entry) error {
	overhead := packetHeaderSize + 4 + len(topLevel)

	for len(entries) > 0 {
		chunk := chunkEntries(entries, overhead)
		if chunk == 0 {
			l.logger.Errorf("replication: dropping %v record for %q: %d bytes exceeds the replication buffer",
				entries[0].Cmd, topLevel, overhead+entryWireSize(entries[0]))

			entries = entries[1:]

			continue
		}

		frame, err := encodeFrame(originServerID, topLevel, meta, entries[:chunk])
		if err != nil {
			return err
		}

		if err := l.appendFrame(frame); err != nil {
			return err
		}

		entries = entries[chunk:]
	}

	return nil
}

// chunkEntries returns how many leading entries go into the next frame,
// measuring each entry's exact encoded size: a frame stays at or under
// maxBufSize where it can, a single larger entry gets a frame of its own
// up to the reader's buffer, and 0 means the first entry can never be
// shipped at all.
func chunkEntries(entries []nomos.Entry, overhead int) int {
	size := overhead

	for i, e := range entries {
		size += entryWireSize(e)

		if i == 0 {
			if size > maxReplicationBuffer {
				return 0
			}

			continue
		}

		if size > maxBufSize {
			return i
		}
	}

	return len(entries)
}

// entryWireSize is the exact byte count Entry.Encode produces for e.
func entryWireSize(e nomos.Entry) int {
	const entryHeaderSize = 17 // cmd:u8 liveTo:u32 size:u32 tag:u64

	n := entryHeaderSize + keyWireSize(e.SubLevel) + keyWireSize(e.ItemKey)

	if e.Cmd == nomos.CmdPut {
		n += len(e.Payload)
	}

	return n
}

func keyWireSize(k nomos.Key) int {
	switch k.Type() {
	case nomos.KeyTypeString:
		return 4 + len(k.StringVal())
	case nomos.KeyTypeU32:
		return 4
	case nomos.KeyTypeU64:
		return 8
	default:
		return 0
	}
}

func (l *Log) appendFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur == nil {
		if err := l.openCurrentLocked(); err != nil {
			return err
		}
	}

	if l.cur.size+int64(len(frame)) > maxReplicationFileSize {
		if err := l.rollLocked(); err != nil {
			return err
		}
	}

	seg := l.cur

	seg.rw.Lock()
	defer seg.rw.Unlock()

	if _, err := seg.file.Write(frame); err != nil {
		return err
	}

	if err := seg.file.Sync(); err != nil {
		return err
	}

	seg.size += int64(len(frame))

	return nil
}

// openCurrentLocked opens (creating if needed) the newest segment for
// appending. Caller holds l.mu.
func (l *Log) openCurrentLocked() error {
	number := uint32(firstSegmentNumber)
	if n := len(l.numbers); n > 0 {
		number = l.numbers[n-1]
	}

	return l.openSegmentLocked(number)
}

func (l *Log) openSegmentLocked(number uint32) error {
	path := filepath.Join(l.dir, segmentName(l.serverID, number))

	f, err := l.fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	size := info.Size()

	if size == 0 {
		var hdr [segmentHeaderSize]byte
		hdr[0] = handshakeVersion
		binary.LittleEndian.PutUint32(hdr[1:5], number)

		if _, err := f.Write(hdr[:]); err != nil {
			f.Close()
			return err
		}

		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}

		size = segmentHeaderSize
	}

	l.cur = &writeSegment{file: f, number: number, size: size}

	if n := len(l.numbers); n == 0 || l.numbers[n-1] != number {
		l.numbers = append(l.numbers, number)
	}

	return nil
}

// rollLocked seals the current segment and opens the next-numbered one.
// Caller holds l.mu.
func (l *Log) rollLocked() error {
	next := l.cur.number + 1

	l.cur.rw.Lock()
	err := l.cur.file.Sync()
	if closeErr := l.cur.file.Close(); err == nil {
		err = closeErr
	}
	l.cur.rw.Unlock()

	l.cur = nil

	if err != nil {
		return err
	}

	return l.openSegmentLocked(next)
}

// Close seals the current segment. Called on graceful shutdown.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur == nil {
		return nil
	}

	seg := l.cur
	l.cur = nil

	seg.rw.Lock()
	defer seg.rw.Unlock()

	if err := seg.file.Sync(); err != nil {
		seg.file.Close()
		return err
	}

	return seg.file.Close()
}

// ReadFor reads up to ~maxBufSize bytes of frames for the given peer
// starting at cursor, skipping frames that originated at the peer itself
// so nothing echoes back around a replication cycle (§4.4). It returns the
// surviving bytes plus the cursor for the next call; when the segment is
// exhausted and a newer one exists, the returned cursor points at
// (next_number, 0) while this call's data still comes from the current
// segment.
func (l *Log) ReadFor(peerID uint32, cursor Cursor) ([]byte, Cursor, error) {
	l.mu.Lock()

	if len(l.numbers) == 0 {
		l.mu.Unlock()
		return nil, cursor, nil
	}

	segNum, nextNum, found := l.locateLocked(cursor.Segment)
	var cur *writeSegment

	if l.cur != nil && l.cur.number == segNum {
		cur = l.cur
	}

	l.mu.Unlock()

	if !found {
		// Cursor's segment was retired by retention; restart the peer at
		// the oldest segment still on disk.
		return nil, Cursor{Segment: segNum, Offset: 0}, nil
	}

	offset := int64(cursor.Offset)
	if offset < segmentHeaderSize {
		offset = segmentHeaderSize
	}

	raw, size, err := l.preadSegment(segNum, offset, cur)
	if err != nil {
		return nil, cursor, err
	}

	out, consumed := filterFrames(raw, peerID)
	newOffset := offset + consumed

	next := Cursor{Segment: segNum, Offset: uint32(newOffset)}
	if newOffset >= size && nextNum != 0 {
		next = Cursor{Segment: nextNum, Offset: 0}
	}

	return out, next, nil
}

// locateLocked resolves the cursor's segment against the on-disk list:
// the segment to read (or, if it no longer exists, the oldest one at or
// after it), plus the number of the following segment (0 if none).
// Caller holds l.mu.
func (l *Log) locateLocked(want uint32) (segNum, nextNum uint32, found bool) {
	idx := sort.Search(len(l.numbers), func(i int) bool { return l.numbers[i] >= want })

	if idx == len(l.numbers) {
		// Cursor is ahead of everything on disk (e.g. a fresh log); pin it
		// to the newest segment so the peer picks up once writes resume.
		last := l.numbers[len(l.numbers)-1]
		return last, 0, want == last || want == firstSegmentNumber
	}

	if l.numbers[idx] != want {
		return l.numbers[idx], 0, false
	}

	if idx+1 < len(l.numbers) {
		return want, l.numbers[idx+1], true
	}

	return want, 0, true
}

// preadSegment reads up to maxReplicationBuffer bytes from the segment at
// the given offset using a positioned read, holding the segment's read
// lock when it is the one currently being appended to.
func (l *Log) preadSegment(number uint32, offset int64, cur *writeSegment) ([]byte, int64, error) {
	if cur != nil {
		cur.rw.RLock()
		defer cur.rw.RUnlock()
	}

	path := filepath.Join(l.dir, segmentName(l.serverID, number))

	f, err := l.fsys.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	size := info.Size()
	if offset >= size {
		return nil, size, nil
	}

	buf := make([]byte, maxReplicationBuffer)

	n, err := unix.Pread(int(f.Fd()), buf, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("replication: pread segment %08x: %w", number, err)
	}

	return buf[:n], size, nil
}

// filterFrames walks whole frames in raw, copying those whose origin is
// not peerID into the output until it crosses maxBufSize. It returns the
// filtered bytes and how many input bytes were consumed (whole frames
// only; a trailing partial frame is left for the next call).
func filterFrames(raw []byte, peerID uint32) (out []byte, consumed int64) {
	for {
		h, n, ok := decodePacketHeader(raw[consumed:])
		if !ok {
			break
		}

		total := int64(n) + int64(h.PacketSize)
		if consumed+total > int64(len(raw)) {
			break
		}

		if h.ServerID != peerID {
			out = append(out, raw[consumed:consumed+total]...)
		}

		consumed += total

		if len(out) > maxBufSize {
			break
		}
	}

	return out, consumed
}

// SweepRetention unlinks segments whose mtime is older than the configured
// keep time, never touching the currently writable segment (§4.6).
func (l *Log) SweepRetention(now time.Time) error {
	if l.keepTime == 0 {
		return nil
	}

	l.mu.Lock()
	var curNumber uint32
	hasCur := l.cur != nil
	if hasCur {
		curNumber = l.cur.number
	}
	numbers := append([]uint32(nil), l.numbers...)
	l.mu.Unlock()

	cutoff := now.Add(-l.keepTime)

	var firstErr error

	kept := numbers[:0]

	for _, num := range numbers {
		if hasCur && num == curNumber {
			kept = append(kept, num)
			continue
		}

		// The newest segment stays even when idle past the cutoff: it is
		// the one Append will reopen.
		if num == numbers[len(numbers)-1] {
			kept = append(kept, num)
			continue
		}

		path := filepath.Join(l.dir, segmentName(l.serverID, num))

		info, err := l.fsys.Stat(path)
		if err != nil {
			kept = append(kept, num)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		if info.ModTime().After(cutoff) {
			kept = append(kept, num)
			continue
		}

		if err := l.fsys.Remove(path); err != nil {
			kept = append(kept, num)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}
	}

	l.mu.Lock()
	l.numbers = append([]uint32(nil), kept...)
	l.mu.Unlock()

	return firstErr
}
