// Package server implements the line-based client protocol in front of the
// storage engine. A query is a single line
//
//	V01,<cmd>,<args...>\n
//
// where cmd is one letter: C (create), P (put), U (update, put that
// compares payloads before replacing), G (get), T (touch), R (remove).
// A put/update line is followed by exactly <size> raw payload bytes.
// Answers are "OK%+08x\n" carrying the payload size (then the payload, for
// get) or "ERR%+07x\n" carrying an error code.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/finallevel/nomos/internal/nomos"
)

// Error codes answered to clients.
const (
	errParse    = 1
	errNotReady = 2
	errUnknown  = 3
	errNotFound = 4
	errPut      = 5
	errCritical = 6
)

const protocolPrefix = "V01,"

// maxQueryLine bounds a single query line; payloads are counted
// separately against the engine's own item-size limit.
const maxQueryLine = 4096

// KeyTypeResolver supplies the key-type schema used to interpret the
// string-form sub-level and item keys of a query: the top-level's own
// schema when it exists, the configured defaults otherwise.
type KeyTypeResolver func(topLevel string) (subType, itemType nomos.KeyType)

// Server speaks the client protocol over TCP, routing every query into an
// IndexDirectory.
type Server struct {
	dir        *nomos.IndexDirectory
	resolve    KeyTypeResolver
	logger     nomos.Logger
	now        func() time.Time
	cmdTimeout time.Duration
	bufSize    int
	buffers    *bufferPool
	sem        chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Options configures New.
type Options struct {
	Dir     *nomos.IndexDirectory
	Resolve KeyTypeResolver
	Logger  nomos.Logger
	Now     func() time.Time
	// CmdTimeout is the per-query read deadline (§6 cmdTimeout).
	CmdTimeout time.Duration
	// MaxConns caps concurrently served connections (§6 workers *
	// workerQueueLength in the original's event loop; here a plain
	// semaphore over goroutine-per-connection).
	MaxConns int
	// BufferSize is the per-connection read buffer size (§6 bufferSize).
	BufferSize int
	// MaxFreeBuffers caps how many payload buffers are kept for reuse
	// between queries (§6 maxFreeBuffers).
	MaxFreeBuffers int
}

// New builds a protocol server over dir.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = nomos.NopLogger()
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.CmdTimeout <= 0 {
		opts.CmdTimeout = 60 * time.Second
	}

	if opts.MaxConns <= 0 {
		opts.MaxConns = 10000
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = 32000
	}

	if opts.MaxFreeBuffers <= 0 {
		opts.MaxFreeBuffers = 500
	}

	return &Server{
		dir:        opts.Dir,
		resolve:    opts.Resolve,
		logger:     opts.Logger,
		now:        opts.Now,
		cmdTimeout: opts.CmdTimeout,
		bufSize:    opts.BufferSize,
		buffers:    newBufferPool(opts.BufferSize, opts.MaxFreeBuffers),
		sem:        make(chan struct{}, opts.MaxConns),
		conns:      make(map[net.Conn]struct{}),
	}
}

// bufferPool recycles payload buffers between queries, bounded so idle
// bursts don't pin memory.
type bufferPool struct {
	free chan []byte
	size int
}

func newBufferPool(size, maxFree int) *bufferPool {
	return &bufferPool{free: make(chan []byte, maxFree), size: size}
}

// get returns a buffer of exactly n bytes, reusing pooled backing arrays
// when they are large enough.
func (p *bufferPool) get(n int) []byte {
	select {
	case b := <-p.free:
		if cap(b) >= n {
			return b[:n]
		}
	default:
	}

	if n < p.size {
		return make([]byte, n, p.size)
	}

	return make([]byte, n)
}

func (p *bufferPool) put(b []byte) {
	select {
	case p.free <- b:
	default:
	}
}

// Serve accepts and serves connections on l until Close.
func (s *Server) Serve(l net.Listener) error {
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

		s.sem <- struct{}{}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			<-s.sem

			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.dropConn(conn)

			if err := s.serveConn(conn); err != nil && !errors.Is(err, io.EOF) && !s.isClosed() {
				s.logger.Errorf("server: %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Server) dropConn(conn net.Conn) {
	conn.Close()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close stops accepting and closes every live connection.
func (s *Server) Close() error {
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

func (s *Server) serveConn(conn net.Conn) error {
	r := bufio.NewReaderSize(conn, s.bufSize)

	for {
		if err := conn.SetReadDeadline(s.now().Add(s.cmdTimeout)); err != nil {
			return err
		}

		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}

		if len(line) > maxQueryLine {
			writeErr(conn, errParse)
			return fmt.Errorf("query line of %d bytes", len(line))
		}

		if err := s.handleQuery(conn, r, strings.TrimRight(line, "\r\n")); err != nil {
			return err
		}
	}
}

// handleQuery parses and executes one query line, answering on conn.
// Protocol-level failures answer ERR and keep the connection; only I/O
// errors propagate.
func (s *Server) handleQuery(conn net.Conn, r *bufio.Reader, line string) error {
	rest, found := strings.CutPrefix(line, protocolPrefix)
	if !found || len(rest) < 2 || rest[1] != ',' {
		return writeErr(conn, errParse)
	}

	cmd := rest[0]
	args := rest[2:]

	switch cmd {
	case 'C':
		return s.handleCreate(conn, args)
	case 'P', 'U':
		return s.handlePut(conn, r, args, cmd == 'U')
	case 'G':
		return s.handleGet(conn, args)
	case 'T':
		return s.handleTouch(conn, args)
	case 'R':
		return s.handleRemove(conn, args)
	default:
		return writeErr(conn, errUnknown)
	}
}

func (s *Server) handleCreate(conn net.Conn, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) != 3 {
		return writeErr(conn, errParse)
	}

	subType, err1 := parseKeyType(parts[1])
	itemType, err2 := parseKeyType(parts[2])

	if err1 != nil || err2 != nil {
		return writeErr(conn, errParse)
	}

	if err := s.dir.Create(parts[0], subType, itemType); err != nil {
		return writeErr(conn, errCritical)
	}

	return writeOK(conn, 0)
}

func (s *Server) handlePut(conn net.Conn, r *bufio.Reader, args string, checkBeforeReplace bool) error {
	parts := strings.Split(args, ",")
	if len(parts) != 5 {
		return writeErr(conn, errParse)
	}

	lifeTime, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return writeErr(conn, errParse)
	}

	size, err := strconv.ParseUint(parts[4], 10, 32)
	if err != nil || size == 0 {
		return writeErr(conn, errParse)
	}

	payload := s.buffers.get(int(size))
	defer s.buffers.put(payload)

	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	subKey, itemKey, err := s.parseKeys(parts[0], parts[1], parts[2])
	if err != nil {
		return writeErr(conn, errParse)
	}

	now := s.now()

	var liveTo uint32
	if lifeTime != 0 {
		liveTo = uint32(now.Unix()) + uint32(lifeTime)
	}

	// The engine copies the payload, so the buffer can go straight back
	// to the pool.
	if err := s.dir.Put(parts[0], subKey, itemKey, payload, liveTo, checkBeforeReplace, now); err != nil {
		return writeErr(conn, errPut)
	}

	return writeOK(conn, 0)
}

func (s *Server) handleGet(conn net.Conn, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) != 4 {
		return writeErr(conn, errParse)
	}

	lifeTime, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return writeErr(conn, errParse)
	}

	subKey, itemKey, err := s.parseKeys(parts[0], parts[1], parts[2])
	if err != nil {
		return writeErr(conn, errParse)
	}

	item, err := s.dir.Find(parts[0], subKey, itemKey, s.now(), uint32(lifeTime))
	if err != nil {
		return writeErr(conn, errNotFound)
	}

	if err := writeOK(conn, len(item.Payload())); err != nil {
		return err
	}

	_, err = conn.Write(item.Payload())

	return err
}

func (s *Server) handleTouch(conn net.Conn, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) != 4 {
		return writeErr(conn, errParse)
	}

	lifeTime, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return writeErr(conn, errParse)
	}

	subKey, itemKey, err := s.parseKeys(parts[0], parts[1], parts[2])
	if err != nil {
		return writeErr(conn, errParse)
	}

	if err := s.dir.Touch(parts[0], subKey, itemKey, uint32(lifeTime), s.now()); err != nil {
		return writeErr(conn, errNotFound)
	}

	return writeOK(conn, 0)
}

func (s *Server) handleRemove(conn net.Conn, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) != 3 {
		return writeErr(conn, errParse)
	}

	subKey, itemKey, err := s.parseKeys(parts[0], parts[1], parts[2])
	if err != nil {
		return writeErr(conn, errParse)
	}

	removed, err := s.dir.Remove(parts[0], subKey, itemKey, s.now())
	if err != nil || !removed {
		return writeErr(conn, errNotFound)
	}

	return writeOK(conn, 0)
}

// parseKeys converts the string-form sub-level and item keys of a query
// into typed engine keys per the top-level's schema.
func (s *Server) parseKeys(topLevel, subRaw, itemRaw string) (subKey, itemKey nomos.Key, err error) {
	subType, itemType := s.resolve(topLevel)

	subKey, err = parseKey(subRaw, subType)
	if err != nil {
		return nomos.Key{}, nomos.Key{}, err
	}

	itemKey, err = parseKey(itemRaw, itemType)
	if err != nil {
		return nomos.Key{}, nomos.Key{}, err
	}

	return subKey, itemKey, nil
}

func parseKey(raw string, typ nomos.KeyType) (nomos.Key, error) {
	switch typ {
	case nomos.KeyTypeString:
		if raw == "" {
			return nomos.Key{}, fmt.Errorf("empty key")
		}

		return nomos.StringKey(raw), nil
	case nomos.KeyTypeU32:
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nomos.Key{}, err
		}

		return nomos.U32Key(uint32(v)), nil
	case nomos.KeyTypeU64:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nomos.Key{}, err
		}

		return nomos.U64Key(v), nil
	default:
		return nomos.Key{}, fmt.Errorf("unknown key type %d", typ)
	}
}

func parseKeyType(s string) (nomos.KeyType, error) {
	switch s {
	case "string":
		return nomos.KeyTypeString, nil
	case "u32":
		return nomos.KeyTypeU32, nil
	case "u64":
		return nomos.KeyTypeU64, nil
	default:
		return 0, fmt.Errorf("unknown key type %q", s)
	}
}

func writeOK(w io.Writer, size int) error {
	_, err := fmt.Fprintf(w, "OK%+08x\n", size)
	return err
}

func writeErr(w io.Writer, code int) error {
	_, err := fmt.Fprintf(w, "ERR%+07x\n", code)
	return err
}
