package nomos

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// KeyType names the wire representation of a sub-level or item key, fixed
// per top-level at creation time.
type KeyType uint8

const (
	// KeyTypeString serializes as a u32 length prefix followed by raw bytes.
	KeyTypeString KeyType = iota
	// KeyTypeU32 serializes as 4 little-endian bytes.
	KeyTypeU32
	// KeyTypeU64 serializes as 8 little-endian bytes.
	KeyTypeU64
)

// maxKeyType mirrors the original source's KEY_MAX_TYPE sentinel, used to
// validate a MetaData byte read back from disk.
const maxKeyType = KeyTypeU64

func (t KeyType) String() string {
	switch t {
	case KeyTypeString:
		return "string"
	case KeyTypeU32:
		return "u32"
	case KeyTypeU64:
		return "u64"
	default:
		return fmt.Sprintf("KeyType(%d)", uint8(t))
	}
}

func (t KeyType) valid() bool {
	return t <= maxKeyType
}

// Key is a tagged-variant key: a sub-level or item-key value that is one of
// STRING, U32, or U64, per §9's design note (a tagged variant avoids the
// monomorphization blow-up of per-type shard classes).
type Key struct {
	typ KeyType
	str string
	num uint64
}

// StringKey builds a string-typed Key.
func StringKey(s string) Key { return Key{typ: KeyTypeString, str: s} }

// U32Key builds a u32-typed Key.
func U32Key(v uint32) Key { return Key{typ: KeyTypeU32, num: uint64(v)} }

// U64Key builds a u64-typed Key.
func U64Key(v uint64) Key { return Key{typ: KeyTypeU64, num: v} }

// Type reports the key's wire type.
func (k Key) Type() KeyType { return k.typ }

// StringVal returns the string value; only meaningful for KeyTypeString.
func (k Key) StringVal() string { return k.str }

// Uint64Val returns the numeric value; meaningful for KeyTypeU32/KeyTypeU64.
func (k Key) Uint64Val() uint64 { return k.num }

// bytesForHash returns the byte representation used for shard selection
// (checksum32(item_key) mod N) and for map hashing via comparableKey.
func (k Key) bytesForHash() []byte {
	switch k.typ {
	case KeyTypeString:
		return []byte(k.str)
	case KeyTypeU32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(k.num))
		return b[:]
	case KeyTypeU64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], k.num)
		return b[:]
	default:
		return nil
	}
}

// checksum32 is the shard-selection hash named in §4. CRC-32 (IEEE) gives a
// cheap, well-distributed 32-bit checksum over the key's wire bytes.
func checksum32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// shardIndex returns the shard slot for this key within a sub-level's N
// shards.
func (k Key) shardIndex(n int) int {
	return int(checksum32(k.bytesForHash()) % uint32(n))
}

// comparableKey returns a Go-comparable representation suitable for use as
// a map key, distinguishing the three key types from one another.
func (k Key) comparableKey() any {
	switch k.typ {
	case KeyTypeString:
		return k.str
	case KeyTypeU32:
		return uint32(k.num)
	case KeyTypeU64:
		return k.num
	default:
		return nil
	}
}

// encode writes the key in its wire format: STRING = u32 length + raw
// bytes, U32/U64 = little-endian fixed width.
func (k Key) encode(w io.Writer) error {
	switch k.typ {
	case KeyTypeString:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(k.str)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := io.WriteString(w, k.str)
		return err
	case KeyTypeU32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(k.num))
		_, err := w.Write(b[:])
		return err
	case KeyTypeU64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], k.num)
		_, err := w.Write(b[:])
		return err
	default:
		return fmt.Errorf("%w: unknown key type %d", ErrCorrupt, k.typ)
	}
}

// decodeKey reads a key of the given type from r.
func decodeKey(r io.Reader, typ KeyType) (Key, error) {
	switch typ {
	case KeyTypeString:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Key{}, fmt.Errorf("%w: read key length: %w", ErrCorrupt, err)
		}

		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > maxItemSize {
			return Key{}, fmt.Errorf("%w: key length %d exceeds limit", ErrCorrupt, n)
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Key{}, fmt.Errorf("%w: read key bytes: %w", ErrCorrupt, err)
		}

		return StringKey(string(buf)), nil
	case KeyTypeU32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Key{}, fmt.Errorf("%w: read u32 key: %w", ErrCorrupt, err)
		}

		return U32Key(binary.LittleEndian.Uint32(b[:])), nil
	case KeyTypeU64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Key{}, fmt.Errorf("%w: read u64 key: %w", ErrCorrupt, err)
		}

		return U64Key(binary.LittleEndian.Uint64(b[:])), nil
	default:
		return Key{}, fmt.Errorf("%w: unknown key type %d", ErrCorrupt, typ)
	}
}
