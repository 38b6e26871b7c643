package tuple

import (
	"encoding/binary"
	"fmt"

	"lsmkv/pkg/dberrors"
)

const flagTombstone byte = 1 << 0

// AppendEncoded appends the wire-stable encoding of t to dst:
//
//	flags u8 | seq uvarint | timestamp varint | keyLen uvarint | key | valLen uvarint | value
//
// The value part is omitted for tombstones.
func AppendEncoded(dst []byte, t *Tuple) []byte {
	var flags byte
	if t.Tombstone {
		flags |= flagTombstone
	}
	dst = append(dst, flags)
	dst = binary.AppendUvarint(dst, t.Seq)
	dst = binary.AppendVarint(dst, t.Timestamp)
	dst = binary.AppendUvarint(dst, uint64(len(t.Key)))
	dst = append(dst, t.Key...)
	if !t.Tombstone {
		dst = binary.AppendUvarint(dst, uint64(len(t.Value)))
		dst = append(dst, t.Value...)
	}
	return dst
}

// EncodedSize returns len(AppendEncoded(nil, t)) without allocating.
func EncodedSize(t *Tuple) int {
	n := 1 + uvarintLen(t.Seq) + varintLen(t.Timestamp) + uvarintLen(uint64(len(t.Key))) + len(t.Key)
	if !t.Tombstone {
		n += uvarintLen(uint64(len(t.Value))) + len(t.Value)
	}
	return n
}

// Decode parses one tuple from src and returns it with the number of bytes
// consumed. The returned tuple owns copies of its bytes.
func Decode(src []byte) (*Tuple, int, error) {
	if len(src) < 1 {
		return nil, 0, fmt.Errorf("%w: empty tuple", dberrors.ErrCorruption)
	}
	flags := src[0]
	if flags&^flagTombstone != 0 {
		return nil, 0, fmt.Errorf("%w: unknown tuple flags %#x", dberrors.ErrCorruption, flags)
	}
	off := 1

	seq, n := binary.Uvarint(src[off:])
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: bad sequence", dberrors.ErrCorruption)
	}
	off += n

	ts, n := binary.Varint(src[off:])
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: bad timestamp", dberrors.ErrCorruption)
	}
	off += n

	key, n, err := readBytes(src[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("key: %w", err)
	}
	off += n

	if flags&flagTombstone != 0 {
		return NewTombstoneAt(key, ts, seq), off, nil
	}

	val, n, err := readBytes(src[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("value: %w", err)
	}
	off += n

	return NewAt(key, val, ts, seq), off, nil
}

func readBytes(src []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: bad length", dberrors.ErrCorruption)
	}
	if uint64(len(src)-n) < l {
		return nil, 0, fmt.Errorf("%w: length %d exceeds %d remaining bytes", dberrors.ErrCorruption, l, len(src)-n)
	}
	return src[n : n+int(l)], n + int(l), nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func varintLen(v int64) int {
	ux := uint64(v) << 1
	if v < 0 {
		ux = ^ux
	}
	return uvarintLen(ux)
}
