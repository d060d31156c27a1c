package replication

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/finallevel/nomos/internal/nomos"
)

// Idle-poll bounds for an inbound peer with nothing new to read (§4.5): the
// server retries the log a few times before answering size=0, so a peer
// that is almost caught up doesn't burn a round-trip per record.
const (
	serverReadRetries    = 10
	serverReadRetryDelay = 50 * time.Millisecond
)

// PeerServer accepts inbound peers and streams replication frames to them
// from wherever their cursor points (§4.5).
type PeerServer struct {
	log      *Log
	serverID uint32
	logger   nomos.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewPeerServer builds a server streaming from log, identifying itself as
// serverID during handshakes.
func NewPeerServer(log *Log, serverID uint32, logger nomos.Logger) *PeerServer {
	if logger == nil {
		logger = noopLogger{}
	}

	return &PeerServer{
		log:      log,
		serverID: serverID,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on l until Close is called. Each peer gets its
// own goroutine; a handshake or stream error ends only that peer's session.
func (s *PeerServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}

			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()

			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.dropConn(conn)

			if err := s.servePeer(conn); err != nil && !errors.Is(err, io.EOF) && !s.isClosed() {
				s.logger.Errorf("replication: peer %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *PeerServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *PeerServer) dropConn(conn net.Conn) {
	conn.Close()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close stops accepting, closes every live peer connection, and waits for
// their goroutines to finish.
func (s *PeerServer) Close() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener

	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}

	s.wg.Wait()

	return err
}

// servePeer runs one inbound peer session: handshake, then the
// request/answer streaming loop.
func (s *PeerServer) servePeer(conn net.Conn) error {
	req, err := decodeSenderHandshakeRequest(conn)
	if err != nil {
		return err
	}

	// A node must never feed its own binlog back to itself; a peer
	// announcing our ID is a misconfiguration and the connection is
	// dropped on the spot.
	if req.FromServerID == s.serverID {
		return errors.New("self-connection rejected")
	}

	if err := (handshakeReply{ServerID: s.serverID}).encode(conn); err != nil {
		return err
	}

	for {
		readReq, err := decodeReadBinLogRequest(conn)
		if err != nil {
			return err
		}

		cursor := Cursor{Segment: readReq.SegmentNumber, Offset: readReq.Offset}

		var data []byte

		for attempt := 0; attempt < serverReadRetries; attempt++ {
			data, cursor, err = s.log.ReadFor(req.FromServerID, cursor)
			if err != nil {
				return err
			}

			if len(data) > 0 {
				break
			}

			time.Sleep(serverReadRetryDelay)
		}

		answer := ReadBinLogAnswer{
			SegmentNumber: cursor.Segment,
			Offset:        cursor.Offset,
			Size:          uint32(len(data)),
		}

		if err := answer.encode(conn); err != nil {
			return err
		}

		if len(data) > 0 {
			if _, err := conn.Write(data); err != nil {
				return err
			}
		}
	}
}
