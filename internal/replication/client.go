package replication

import (
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/finallevel/nomos/internal/nomos"
	"github.com/finallevel/nomos/pkg/fs"
)

// Applier is the callback a PeerClient feeds received frames into. It is
// implemented by nomos.IndexDirectory.ApplyRemote.
type Applier interface {
	ApplyRemote(originServerID uint32, topLevel string, meta nomos.MetaData, entries []nomos.Entry, now time.Time) error
}

// Timing parameters of the outbound streaming loop (§5): reconnects back
// off at least a second, a streamed answer must arrive within a minute,
// and an empty answer pauses briefly before the next request.
const (
	reconnectDelay  = time.Second
	receiveDeadline = 60 * time.Second
	idleDelay       = 100 * time.Millisecond
)

// PeerClient connects outbound to one master, advances a persisted cursor,
// and applies the frames it receives to the local index (§4.5).
type PeerClient struct {
	addr        string
	ownServerID uint32
	infoDir     string
	applier     Applier
	fsys        fs.FS
	logger      nomos.Logger
	now         func() time.Time
	dial        func(addr string) (net.Conn, error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// PeerClientOptions configures NewPeerClient.
type PeerClientOptions struct {
	// Addr is the master's host:port.
	Addr string
	// OwnServerID is announced during the handshake; the master uses it to
	// filter out frames this node originated.
	OwnServerID uint32
	// InfoDir is where the per-peer cursor checkpoint file lives
	// (normally the replication log path).
	InfoDir string
	Applier Applier
	FS      fs.FS
	Logger  nomos.Logger
	Now     func() time.Time
	// Dial overrides the TCP dialer in tests.
	Dial func(addr string) (net.Conn, error)
}

// NewPeerClient builds a client for one configured master. Call Run (in
// its own goroutine) to start the streaming loop and Stop to end it.
func NewPeerClient(opts PeerClientOptions) *PeerClient {
	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Dial == nil {
		opts.Dial = func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 10*time.Second)
		}
	}

	return &PeerClient{
		addr:        opts.Addr,
		ownServerID: opts.OwnServerID,
		infoDir:     opts.InfoDir,
		applier:     opts.Applier,
		fsys:        opts.FS,
		logger:      opts.Logger,
		now:         opts.Now,
		dial:        opts.Dial,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run connects to the master and streams until Stop is called, reconnecting
// with backoff after any error.
func (c *PeerClient) Run() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if err := c.session(); err != nil {
			select {
			case <-c.stop:
				return
			default:
			}

			c.logger.Errorf("replication: master %s: %v", c.addr, err)
		}

		select {
		case <-c.stop:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Stop ends the streaming loop and waits for Run to return.
func (c *PeerClient) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// session runs one connection's lifetime: handshake, then the cursor-driven
// request/apply loop until an error or Stop.
func (c *PeerClient) session() error {
	conn, err := c.dial(c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock blocking reads when Stop fires mid-session.
	closeDone := make(chan struct{})
	defer close(closeDone)

	go func() {
		select {
		case <-c.stop:
			conn.Close()
		case <-closeDone:
		}
	}()

	if err := newSenderHandshakeRequest(c.ownServerID).encode(conn); err != nil {
		return err
	}

	reply, err := decodeHandshakeReply(conn)
	if err != nil {
		return err
	}

	if reply.ServerID == c.ownServerID {
		return fmt.Errorf("master announced our own server id %d", c.ownServerID)
	}

	peerID := reply.ServerID

	cursor, err := c.loadCursor(peerID)
	if err != nil {
		c.logger.Errorf("replication: cursor for peer %d unreadable, restarting from the beginning: %v", peerID, err)
		cursor = Cursor{Segment: firstSegmentNumber}
	}

	for {
		select {
		case <-c.stop:
			return nil
		default:
		}

		req := ReadBinLogRequest{SegmentNumber: cursor.Segment, Offset: cursor.Offset}
		if err := req.encode(conn); err != nil {
			return err
		}

		if err := conn.SetReadDeadline(c.now().Add(receiveDeadline)); err != nil {
			return err
		}

		answer, err := decodeReadBinLogAnswer(conn)
		if err != nil {
			return err
		}

		next := Cursor{Segment: answer.SegmentNumber, Offset: answer.Offset}

		if answer.Size == 0 {
			cursor = next

			select {
			case <-c.stop:
				return nil
			case <-time.After(idleDelay):
			}

			continue
		}

		if answer.Size > maxReplicationBuffer {
			return fmt.Errorf("answer of %d bytes exceeds the replication buffer limit", answer.Size)
		}

		buf := make([]byte, answer.Size)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}

		if err := c.applyFrames(peerID, buf); err != nil {
			return err
		}

		cursor = next

		if err := c.saveCursor(peerID, cursor); err != nil {
			return err
		}
	}
}

// applyFrames decodes and applies every frame of a received batch,
// suppressing any frame this node itself originated (§8 invariant 5: a
// frame whose serverID matches ours is dropped without being applied).
func (c *PeerClient) applyFrames(peerID uint32, buf []byte) error {
	frames, err := DecodeFrames(buf)
	if err != nil {
		return err
	}

	now := c.now()

	for _, frame := range frames {
		if frame.ServerID == c.ownServerID {
			continue
		}

		if err := c.applier.ApplyRemote(frame.ServerID, frame.TopLevel, frame.Meta, frame.Entries, now); err != nil {
			return fmt.Errorf("apply frame from %d for %q: %w", frame.ServerID, frame.TopLevel, err)
		}
	}

	return nil
}

// cursorPath is <infoDir>/nomos_repl_info_<peer_id>.
func (c *PeerClient) cursorPath(peerID uint32) string {
	return filepath.Join(c.infoDir, fmt.Sprintf("%s%d", cursorFilePrefix, peerID))
}

// loadCursor reads the persisted "<number>-<offset>\n" checkpoint, starting
// from the first segment when no checkpoint exists yet.
func (c *PeerClient) loadCursor(peerID uint32) (Cursor, error) {
	data, err := c.fsys.ReadFile(c.cursorPath(peerID))
	if err != nil {
		exists, existsErr := c.fsys.Exists(c.cursorPath(peerID))
		if existsErr == nil && !exists {
			return Cursor{Segment: firstSegmentNumber}, nil
		}

		return Cursor{}, err
	}

	return parseCursor(string(data))
}

func parseCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)

	num, off, found := strings.Cut(s, "-")
	if !found {
		return Cursor{}, fmt.Errorf("malformed cursor checkpoint %q", s)
	}

	var cur Cursor
	if _, err := fmt.Sscanf(num, "%d", &cur.Segment); err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor segment %q: %w", num, err)
	}

	if _, err := fmt.Sscanf(off, "%d", &cur.Offset); err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor offset %q: %w", off, err)
	}

	return cur, nil
}

// saveCursor truncates and rewrites the checkpoint after every applied
// batch. The full buffer must land; a short write is an error, not a
// partial checkpoint.
func (c *PeerClient) saveCursor(peerID uint32, cur Cursor) error {
	content := fmt.Sprintf("%d-%d\n", cur.Segment, cur.Offset)

	return c.fsys.WriteFile(c.cursorPath(peerID), []byte(content), 0o644)
}
