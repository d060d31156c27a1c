// Package replication implements Nomos's peer-to-peer binlog shipping:
// one append-only log per server, a server side that streams it to
// connecting peers, and a client side that pulls from configured masters
// and applies what it receives to a local nomos.IndexDirectory.
package replication

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/finallevel/nomos/internal/nomos"
)

// cmdReadBinLog is the only handshake command this protocol defines.
const cmdReadBinLog uint8 = 1

// handshakeVersion is the only protocol version this engine speaks.
const handshakeVersion uint8 = 1

// SenderHandshakeRequest is sent once, immediately after connect, by the
// client (the node asking to read a binlog).
type SenderHandshakeRequest struct {
	Version      uint8
	Cmd          uint8
	FromServerID uint32
}

func newSenderHandshakeRequest(fromServerID uint32) SenderHandshakeRequest {
	return SenderHandshakeRequest{Version: handshakeVersion, Cmd: cmdReadBinLog, FromServerID: fromServerID}
}

func (h SenderHandshakeRequest) encode(w io.Writer) error {
	var buf [6]byte
	buf[0] = h.Version
	buf[1] = h.Cmd
	binary.LittleEndian.PutUint32(buf[2:6], h.FromServerID)
	_, err := w.Write(buf[:])

	return err
}

func decodeSenderHandshakeRequest(r io.Reader) (SenderHandshakeRequest, error) {
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return SenderHandshakeRequest{}, err
	}

	h := SenderHandshakeRequest{
		Version:      buf[0],
		Cmd:          buf[1],
		FromServerID: binary.LittleEndian.Uint32(buf[2:6]),
	}

	if h.Version != handshakeVersion {
		return SenderHandshakeRequest{}, fmt.Errorf("replication: unsupported handshake version %d", h.Version)
	}

	if h.Cmd != cmdReadBinLog {
		return SenderHandshakeRequest{}, fmt.Errorf("replication: unknown handshake cmd %d", h.Cmd)
	}

	return h, nil
}

// handshakeReply is the server's response: its own server ID, so the
// client can detect it reconnected to a different node than the one its
// persisted cursor belongs to.
type handshakeReply struct {
	ServerID uint32
}

func (h handshakeReply) encode(w io.Writer) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], h.ServerID)
	_, err := w.Write(buf[:])

	return err
}

func decodeHandshakeReply(r io.Reader) (handshakeReply, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return handshakeReply{}, err
	}

	return handshakeReply{ServerID: binary.LittleEndian.Uint32(buf[:])}, nil
}

// ReadBinLogRequest is sent by the client on every loop iteration to ask
// for more data starting at a given cursor.
type ReadBinLogRequest struct {
	SegmentNumber uint32
	Offset        uint32
}

func (r ReadBinLogRequest) encode(w io.Writer) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.SegmentNumber)
	binary.LittleEndian.PutUint32(buf[4:8], r.Offset)
	_, err := w.Write(buf[:])

	return err
}

func decodeReadBinLogRequest(r io.Reader) (ReadBinLogRequest, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ReadBinLogRequest{}, err
	}

	return ReadBinLogRequest{
		SegmentNumber: binary.LittleEndian.Uint32(buf[0:4]),
		Offset:        binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ReadBinLogAnswer precedes the Size bytes of replication frames the
// server is about to send (Size may be 0).
type ReadBinLogAnswer struct {
	SegmentNumber uint32
	Offset        uint32
	Size          uint32
}

func (a ReadBinLogAnswer) encode(w io.Writer) error {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], a.SegmentNumber)
	binary.LittleEndian.PutUint32(buf[4:8], a.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], a.Size)
	_, err := w.Write(buf[:])

	return err
}

func decodeReadBinLogAnswer(r io.Reader) (ReadBinLogAnswer, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ReadBinLogAnswer{}, err
	}

	return ReadBinLogAnswer{
		SegmentNumber: binary.LittleEndian.Uint32(buf[0:4]),
		Offset:        binary.LittleEndian.Uint32(buf[4:8]),
		Size:          binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// PacketHeader precedes every replication frame written to a segment file
// and shipped over the wire: the origin server, the top-level's key-type
// schema, and the byte length of what follows (§4.4).
type PacketHeader struct {
	ServerID   uint32
	Meta       nomos.MetaData
	PacketSize uint32
}

const packetHeaderSize = 4 + 3 + 4

func (h PacketHeader) encode(w io.Writer) error {
	var buf [packetHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.ServerID)
	meta := h.Meta.Encode()
	copy(buf[4:7], meta[:])
	binary.LittleEndian.PutUint32(buf[7:11], h.PacketSize)
	_, err := w.Write(buf[:])

	return err
}

// decodePacketHeader reads a header from a byte slice, returning the
// number of bytes consumed. Used by ReadFor, which works over an in-memory
// buffer rather than a stream.
func decodePacketHeader(b []byte) (PacketHeader, int, bool) {
	if len(b) < packetHeaderSize {
		return PacketHeader{}, 0, false
	}

	h := PacketHeader{
		ServerID: binary.LittleEndian.Uint32(b[0:4]),
		Meta: nomos.MetaData{
			Version:         b[4],
			SubLevelKeyType: nomos.KeyType(b[5]),
			ItemKeyType:     nomos.KeyType(b[6]),
		},
		PacketSize: binary.LittleEndian.Uint32(b[7:11]),
	}

	return h, packetHeaderSize, true
}

// encodeFrame builds one complete replication frame: header, length-
// prefixed top-level name, then each entry encoded as on disk.
func encodeFrame(originServerID uint32, topLevel string, meta nomos.MetaData, entries []nomos.Entry) ([]byte, error) {
	var payload bytes.Buffer

	var nameLen [4]byte
	binary.LittleEndian.PutUint32(nameLen[:], uint32(len(topLevel)))
	payload.Write(nameLen[:])
	payload.WriteString(topLevel)

	for _, e := range entries {
		if err := e.Encode(&payload); err != nil {
			return nil, err
		}
	}

	header := PacketHeader{ServerID: originServerID, Meta: meta, PacketSize: uint32(payload.Len())}

	var out bytes.Buffer
	if err := header.encode(&out); err != nil {
		return nil, err
	}

	out.Write(payload.Bytes())

	return out.Bytes(), nil
}

// Frame is one decoded replication frame: the originating server, the
// top-level it mutates (with its key-type schema), and the entries to
// apply in order.
type Frame struct {
	ServerID uint32
	Meta     nomos.MetaData
	TopLevel string
	Entries  []nomos.Entry
}

// DecodeFrames parses a buffer of contiguous replication frames, as
// returned by Log.ReadFor or received from a master. A truncated or
// malformed buffer returns what was decoded before the damage plus an
// error.
func DecodeFrames(buf []byte) ([]Frame, error) {
	var frames []Frame

	for len(buf) > 0 {
		h, n, ok := decodePacketHeader(buf)
		if !ok {
			return frames, fmt.Errorf("replication: truncated packet header (%d trailing bytes)", len(buf))
		}

		if int(h.PacketSize) > len(buf)-n {
			return frames, fmt.Errorf("replication: packet of %d bytes overruns buffer", h.PacketSize)
		}

		payload := buf[n : n+int(h.PacketSize)]
		buf = buf[n+int(h.PacketSize):]

		frame, err := decodeFramePayload(h, payload)
		if err != nil {
			return frames, err
		}

		frames = append(frames, frame)
	}

	return frames, nil
}

func decodeFramePayload(h PacketHeader, payload []byte) (Frame, error) {
	r := bytes.NewReader(payload)

	var nameLen [4]byte
	if _, err := io.ReadFull(r, nameLen[:]); err != nil {
		return Frame{}, fmt.Errorf("replication: read top-level name length: %w", err)
	}

	n := binary.LittleEndian.Uint32(nameLen[:])
	if int(n) > r.Len() {
		return Frame{}, fmt.Errorf("replication: top-level name of %d bytes overruns packet", n)
	}

	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return Frame{}, err
	}

	frame := Frame{ServerID: h.ServerID, Meta: h.Meta, TopLevel: string(name)}

	for r.Len() > 0 {
		e, err := nomos.DecodeEntry(r, h.Meta.SubLevelKeyType, h.Meta.ItemKeyType)
		if err != nil {
			return frame, fmt.Errorf("replication: decode entry in frame for %q: %w", frame.TopLevel, err)
		}

		frame.Entries = append(frame.Entries, e)
	}

	return frame, nil
}
