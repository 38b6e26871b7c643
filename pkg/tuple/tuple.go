// Package tuple defines the atomic unit stored by the engine: a key plus
// either a value or a tombstone, stamped with its creation time and the
// operation sequence that produced it.
//
// A Tuple is exclusively owned by whichever container currently holds it.
// Handing a tuple to a caller transfers ownership; the caller must call
// Release once it is done with it and must not use it afterwards.
package tuple

import (
	"bytes"
	"sync/atomic"

	"lsmkv/pkg/types"
)

// fixed per-tuple bookkeeping counted by memory accounting
const overhead = 48

type Tuple struct {
	Key       types.Key
	Value     types.Value
	Tombstone bool
	Timestamp types.UnixSeconds
	Seq       types.SeqN

	released atomic.Bool
}

// New creates an owned value tuple. Key and value are copied.
func New(key, value []byte) *Tuple {
	return NewAt(key, value, 0, 0)
}

// NewTombstone creates an owned deletion marker for key.
func NewTombstone(key []byte) *Tuple {
	return NewTombstoneAt(key, 0, 0)
}

// NewAt creates an owned value tuple with an explicit timestamp and sequence.
func NewAt(key, value []byte, ts types.UnixSeconds, seq types.SeqN) *Tuple {
	buf := make([]byte, len(key)+len(value))
	copy(buf, key)
	copy(buf[len(key):], value)
	return &Tuple{
		Key:       buf[:len(key):len(key)],
		Value:     buf[len(key):],
		Timestamp: ts,
		Seq:       seq,
	}
}

// NewTombstoneAt creates an owned deletion marker with explicit timestamp and sequence.
func NewTombstoneAt(key []byte, ts types.UnixSeconds, seq types.SeqN) *Tuple {
	return &Tuple{
		Key:       bytes.Clone(key),
		Tombstone: true,
		Timestamp: ts,
		Seq:       seq,
	}
}

// Compare orders tuples by key only. Equal keys are the same key; which
// version wins is decided by the container or the merge iterator.
func Compare(a, b *Tuple) int {
	return bytes.Compare(a.Key, b.Key)
}

// Less reports a.Key < b.Key.
func Less(a, b *Tuple) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

func (t *Tuple) IsTombstone() bool {
	return t.Tombstone
}

// Size is the approximate in-memory footprint used for write buffer accounting.
func (t *Tuple) Size() int {
	return len(t.Key) + len(t.Value) + overhead
}

// Clone returns an owned deep copy.
func (t *Tuple) Clone() *Tuple {
	if t.Tombstone {
		return NewTombstoneAt(t.Key, t.Timestamp, t.Seq)
	}
	return NewAt(t.Key, t.Value, t.Timestamp, t.Seq)
}

// Expired reports whether the tuple is older than horizon seconds at now.
// A zero horizon disables expiry.
func (t *Tuple) Expired(now types.UnixSeconds, horizon int64) bool {
	return horizon > 0 && now-t.Timestamp > horizon
}

// Release relinquishes ownership. Releasing the same tuple twice is a
// programming error and panics.
func (t *Tuple) Release() {
	if !t.released.CompareAndSwap(false, true) {
		panic("tuple: double release")
	}
}

// Released reports whether Release has been called.
func (t *Tuple) Released() bool {
	return t.released.Load()
}
