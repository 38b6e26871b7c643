package run

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"lsmkv/pkg/dberrors"
)

// Bloom is a fixed-size bloom filter. Bit positions come from double
// hashing over a single 64-bit FNV-1a digest of the key.
type Bloom struct {
	bits []byte
	m    uint32
	k    uint8
}

// NewBloom sizes a filter for n keys at false positive rate fp.
func NewBloom(n int, fp float64) *Bloom {
	m, k := bloomParams(n, fp)
	return &Bloom{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
	}
}

func bloomParams(n int, fp float64) (uint32, uint8) {
	if n < 1 {
		n = 1
	}
	if fp <= 0 || fp >= 1 {
		fp = 0.01
	}
	// m = -n*ln(p) / ln(2)^2, k = m/n * ln(2)
	m := math.Ceil(-float64(n) * math.Log(fp) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	k := math.Round(m / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return uint32(m), uint8(k)
}

func keyHash(key []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return h.Sum64()
}

func (b *Bloom) addHash(h uint64) {
	h1, h2 := uint32(h), uint32(h>>32)|1
	for i := uint32(0); i < uint32(b.k); i++ {
		pos := (h1 + i*h2) % b.m
		b.bits[pos/8] |= 1 << (pos % 8)
	}
}

func (b *Bloom) Add(key []byte) {
	b.addHash(keyHash(key))
}

// MayContain reports false only when key was definitely never added.
func (b *Bloom) MayContain(key []byte) bool {
	if b == nil {
		return true
	}
	h := keyHash(key)
	h1, h2 := uint32(h), uint32(h>>32)|1
	for i := uint32(0); i < uint32(b.k); i++ {
		pos := (h1 + i*h2) % b.m
		if b.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Marshal layout: k u8 | m u32 | bits.
func (b *Bloom) Marshal() []byte {
	out := make([]byte, 5, 5+len(b.bits))
	out[0] = b.k
	binary.LittleEndian.PutUint32(out[1:], b.m)
	return append(out, b.bits...)
}

func UnmarshalBloom(data []byte) (*Bloom, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: bloom filter of %d bytes", dberrors.ErrCorruption, len(data))
	}
	b := &Bloom{
		k:    data[0],
		m:    binary.LittleEndian.Uint32(data[1:]),
		bits: append([]byte(nil), data[5:]...),
	}
	if b.k == 0 || b.m == 0 || uint32(len(b.bits)) != (b.m+7)/8 {
		return nil, fmt.Errorf("%w: bloom filter header k=%d m=%d", dberrors.ErrCorruption, b.k, b.m)
	}
	return b, nil
}
