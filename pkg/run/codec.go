package run

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"lsmkv/pkg/dberrors"
)

// Codec selects how data block payloads are compressed.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecS2
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecS2:
		return "s2"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "s2":
		return CodecS2, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("%w: unknown block codec %q", dberrors.ErrInvalidArgument, s)
	}
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstd coders are safe for concurrent EncodeAll/DecodeAll and are shared
// by every run in the process.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

func (c Codec) encode(src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecSnappy:
		return snappy.Encode(nil, src), nil
	case CodecS2:
		return s2.Encode(nil, src), nil
	case CodecZstd:
		enc, _, err := zstdCoders()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("%w: %s", dberrors.ErrInvalidArgument, c)
	}
}

func (c Codec) decode(src []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CodecNone:
		return src, nil
	case CodecSnappy:
		out, err = snappy.Decode(nil, src)
	case CodecS2:
		out, err = s2.Decode(nil, src)
	case CodecZstd:
		_, dec, cerr := zstdCoders()
		if cerr != nil {
			return nil, fmt.Errorf("zstd decoder: %w", cerr)
		}
		out, err = dec.DecodeAll(src, nil)
	default:
		return nil, fmt.Errorf("%w: %s", dberrors.ErrCorruption, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s block: %v", dberrors.ErrCorruption, c, err)
	}
	return out, nil
}
