package nomos

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Cmd names the mutation recorded by a data/header/replication entry.
type Cmd uint8

const (
	CmdUnknown Cmd = iota
	CmdPut
	CmdTouch
	CmdRemove
	// CmdRemoveSubLevel is reserved in the wire vocabulary but has no
	// server-side handler (§9 open question 4); a record decoded with this
	// command is treated as corrupt and skipped.
	CmdRemoveSubLevel
)

func (c Cmd) String() string {
	switch c {
	case CmdPut:
		return "PUT"
	case CmdTouch:
		return "TOUCH"
	case CmdRemove:
		return "REMOVE"
	case CmdRemoveSubLevel:
		return "REMOVE_SUBLEVEL"
	default:
		return "UNKNOWN"
	}
}

// MetaData is the 3-byte header of every data/header file, every
// replication packet, and every top-level's .meta: a version byte plus the
// fixed sub-level/item key types chosen when the top-level was created.
type MetaData struct {
	Version         uint8
	SubLevelKeyType KeyType
	ItemKeyType     KeyType
}

// CurrentVersion is the only MetaData.Version this engine writes or
// accepts (§1: "no schema evolution beyond a single version byte per
// file").
const CurrentVersion uint8 = 1

// Encode returns the 3 packed bytes of m.
func (m MetaData) Encode() [3]byte {
	return [3]byte{m.Version, byte(m.SubLevelKeyType), byte(m.ItemKeyType)}
}

// DecodeMetaData reads and validates a MetaData record from r.
func DecodeMetaData(r io.Reader) (MetaData, error) {
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return MetaData{}, fmt.Errorf("%w: read meta: %w", ErrCorrupt, err)
	}

	md := MetaData{
		Version:         buf[0],
		SubLevelKeyType: KeyType(buf[1]),
		ItemKeyType:     KeyType(buf[2]),
	}

	if md.Version != CurrentVersion {
		return MetaData{}, fmt.Errorf("%w: meta version %d", ErrVersionMismatch, md.Version)
	}

	if !md.SubLevelKeyType.valid() || !md.ItemKeyType.valid() {
		return MetaData{}, fmt.Errorf("%w: meta key types %d/%d", ErrVersionMismatch, buf[1], buf[2])
	}

	return md, nil
}

// Matches reports whether two MetaData describe the same key-type schema
// (version is assumed equal since DecodeMetaData rejects any other).
func (m MetaData) Matches(other MetaData) bool {
	return m.SubLevelKeyType == other.SubLevelKeyType && m.ItemKeyType == other.ItemKeyType
}

// Entry is the unit stored in a data file, a header file, and (grouped
// under a ReplicationPacketHeader) on the replication wire: cmd, header,
// sub-level key, item key, and an optional payload present iff
// Cmd == CmdPut. It is exported so the replication package can carry and
// decode entries without re-implementing the wire format.
type Entry struct {
	Cmd      Cmd
	Header   ItemHeader
	SubLevel Key
	ItemKey  Key
	Payload  []byte
}

// Encode writes an entry in its on-disk/wire format:
//
//	cmd       u8
//	header    liveTo:u32 size:u32 tag:u64
//	sub_level serialized per sub-level key type
//	item_key  serialized per item key type
//	payload   size bytes, present iff cmd == PUT
//
// TOUCH and REMOVE records carry no payload and are written with size 0,
// whatever size the in-memory header holds.
func (e Entry) Encode(w io.Writer) error {
	size := e.Header.Size
	if e.Cmd != CmdPut {
		size = 0
	}

	var hdr [17]byte
	hdr[0] = byte(e.Cmd)
	binary.LittleEndian.PutUint32(hdr[1:5], e.Header.LiveTo)
	binary.LittleEndian.PutUint32(hdr[5:9], size)
	binary.LittleEndian.PutUint64(hdr[9:17], uint64(e.Header.Tag))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	if err := e.SubLevel.encode(w); err != nil {
		return err
	}

	if err := e.ItemKey.encode(w); err != nil {
		return err
	}

	if e.Cmd == CmdPut {
		if _, err := w.Write(e.Payload); err != nil {
			return err
		}
	}

	return nil
}

// DecodeEntry reads a single entry from r, given the key types carried by
// the enclosing file's or packet's MetaData.
func DecodeEntry(r io.Reader, subLevelType, itemType KeyType) (Entry, error) {
	var hdr [17]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: read entry header: %w", ErrCorrupt, err)
	}

	e := Entry{
		Cmd: Cmd(hdr[0]),
		Header: ItemHeader{
			LiveTo: binary.LittleEndian.Uint32(hdr[1:5]),
			Size:   binary.LittleEndian.Uint32(hdr[5:9]),
			Tag:    Tag(binary.LittleEndian.Uint64(hdr[9:17])),
		},
	}

	if e.Header.Size > maxItemSize {
		return Entry{}, fmt.Errorf("%w: entry size %d exceeds limit", ErrCorrupt, e.Header.Size)
	}

	subLevel, err := decodeKey(r, subLevelType)
	if err != nil {
		return Entry{}, err
	}

	e.SubLevel = subLevel

	itemKey, err := decodeKey(r, itemType)
	if err != nil {
		return Entry{}, err
	}

	e.ItemKey = itemKey

	switch e.Cmd {
	case CmdPut:
		payload := make([]byte, e.Header.Size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Entry{}, fmt.Errorf("%w: read payload: %w", ErrCorrupt, err)
		}

		e.Payload = payload
	case CmdTouch, CmdRemove:
		if e.Header.Size != 0 {
			return Entry{}, fmt.Errorf("%w: non-zero size on header entry", ErrCorrupt)
		}
	default:
		return Entry{}, fmt.Errorf("%w: unknown cmd %d", ErrCorrupt, e.Cmd)
	}

	return e, nil
}

// Dominates reports whether this entry's tag supersedes other's, per the
// total tag order: on equal tag, REMOVE wins over PUT/TOUCH.
func (e Entry) Dominates(other Entry) bool {
	if e.Header.Tag != other.Header.Tag {
		return e.Header.Tag > other.Header.Tag
	}

	return e.Cmd == CmdRemove && other.Cmd != CmdRemove
}
