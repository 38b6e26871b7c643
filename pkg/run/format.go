// Package run implements immutable, disk-resident sorted runs.
//
// File layout:
//
//	[data block]* [index frame] [bloom frame] [footer]
//
// Every block and frame is stored as crc32 u32 | len u32 | payload, with the
// checksum taken over the stored payload. Data block payloads are a codec
// encoded concatenation of tuple encodings in ascending key order.
//
// The index payload is
//
//	count uvarint | (firstKeyLen uvarint | firstKey | offset uvarint | length uvarint)* | lastKeyLen uvarint | lastKey
//
// and the footer has a fixed size:
//
//	indexOff u64 | indexLen u64 | bloomOff u64 | bloomLen u64 | count u64 | createdAt i64 |
//	codec u8 | version u8 | reserved u16 | crc32 u32 | magic u32
package run

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"lsmkv/pkg/dberrors"
)

const (
	magic         uint32 = 0x524d534c // "LSMR"
	formatVersion uint8  = 1

	frameHeaderSize = 8
	footerSize      = 6*8 + 4 + 4 + 4

	// FileExt is the extension of committed run files.
	FileExt = ".run"
	tmpExt  = ".tmp"
)

type footer struct {
	indexOff  uint64
	indexLen  uint64
	bloomOff  uint64
	bloomLen  uint64
	count     uint64
	createdAt int64
	codec     Codec
}

func (f footer) marshal() []byte {
	buf := make([]byte, footerSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], f.indexOff)
	le.PutUint64(buf[8:], f.indexLen)
	le.PutUint64(buf[16:], f.bloomOff)
	le.PutUint64(buf[24:], f.bloomLen)
	le.PutUint64(buf[32:], f.count)
	le.PutUint64(buf[40:], uint64(f.createdAt))
	buf[48] = byte(f.codec)
	buf[49] = formatVersion
	le.PutUint32(buf[52:], crc32.ChecksumIEEE(buf[:52]))
	le.PutUint32(buf[56:], magic)
	return buf
}

func unmarshalFooter(buf []byte) (footer, error) {
	le := binary.LittleEndian
	if len(buf) != footerSize {
		return footer{}, fmt.Errorf("%w: footer of %d bytes", dberrors.ErrCorruption, len(buf))
	}
	if le.Uint32(buf[56:]) != magic {
		return footer{}, fmt.Errorf("%w: bad magic", dberrors.ErrCorruption)
	}
	if le.Uint32(buf[52:]) != crc32.ChecksumIEEE(buf[:52]) {
		return footer{}, fmt.Errorf("%w: footer checksum mismatch", dberrors.ErrCorruption)
	}
	if buf[49] != formatVersion {
		return footer{}, fmt.Errorf("%w: unsupported run format version %d", dberrors.ErrCorruption, buf[49])
	}
	return footer{
		indexOff:  le.Uint64(buf[0:]),
		indexLen:  le.Uint64(buf[8:]),
		bloomOff:  le.Uint64(buf[16:]),
		bloomLen:  le.Uint64(buf[24:]),
		count:     le.Uint64(buf[32:]),
		createdAt: int64(le.Uint64(buf[40:])),
		codec:     Codec(buf[48]),
	}, nil
}

func writeFrame(w io.Writer, payload []byte) (int, error) {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return frameHeaderSize + len(payload), nil
}

// readFrame reads the frame stored at [off, off+length) and verifies it.
func readFrame(r io.ReaderAt, off, length uint64) ([]byte, error) {
	if length < frameHeaderSize {
		return nil, fmt.Errorf("%w: frame of %d bytes at %d", dberrors.ErrCorruption, length, off)
	}
	buf := make([]byte, length)
	if _, err := r.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("%w: read frame at %d: %v", dberrors.ErrCorruption, off, err)
	}
	sum := binary.LittleEndian.Uint32(buf[0:])
	n := binary.LittleEndian.Uint32(buf[4:])
	if uint64(n) != length-frameHeaderSize {
		return nil, fmt.Errorf("%w: frame length %d, expected %d", dberrors.ErrCorruption, n, length-frameHeaderSize)
	}
	payload := buf[frameHeaderSize:]
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch at offset %d", dberrors.ErrCorruption, off)
	}
	return payload, nil
}

type indexEntry struct {
	firstKey []byte
	offset   uint64
	length   uint64
}

func marshalIndex(entries []indexEntry, lastKey []byte) []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.firstKey)))
		buf = append(buf, e.firstKey...)
		buf = binary.AppendUvarint(buf, e.offset)
		buf = binary.AppendUvarint(buf, e.length)
	}
	buf = binary.AppendUvarint(buf, uint64(len(lastKey)))
	return append(buf, lastKey...)
}

func unmarshalIndex(buf []byte) ([]indexEntry, []byte, error) {
	bad := func(what string) error {
		return fmt.Errorf("%w: index %s", dberrors.ErrCorruption, what)
	}
	readUvarint := func() (uint64, bool) {
		v, n := binary.Uvarint(buf)
		if n <= 0 {
			return 0, false
		}
		buf = buf[n:]
		return v, true
	}
	readBytes := func() ([]byte, bool) {
		l, ok := readUvarint()
		if !ok || uint64(len(buf)) < l {
			return nil, false
		}
		b := append([]byte(nil), buf[:l]...)
		buf = buf[l:]
		return b, true
	}

	count, ok := readUvarint()
	if !ok || count > uint64(len(buf)) {
		return nil, nil, bad("count")
	}
	entries := make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e indexEntry
		if e.firstKey, ok = readBytes(); !ok {
			return nil, nil, bad("key")
		}
		if e.offset, ok = readUvarint(); !ok {
			return nil, nil, bad("offset")
		}
		if e.length, ok = readUvarint(); !ok {
			return nil, nil, bad("length")
		}
		entries = append(entries, e)
	}
	lastKey, ok := readBytes()
	if !ok {
		return nil, nil, bad("last key")
	}
	return entries, lastKey, nil
}
