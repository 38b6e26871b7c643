// Package memtree is the mutable in-memory component (C0) of the engine.
//
// A Tree keeps at most one tuple per key: inserting a key that is already
// present replaces the stored tuple and releases the previous one. Writers
// are expected to be serialized by the caller; readers may run concurrently
// with a writer.
package memtree

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

var (
	ErrFrozen = errors.New("memtree: tree is frozen")
)

type orderedMap = skipmap.FuncMap[[]byte, *tuple.Tuple]

type Tree struct {
	id uint64

	m      *orderedMap
	size   atomic.Int64
	maxSeq atomic.Uint64
	frozen atomic.Bool

	refs    atomic.Int32
	drained atomic.Bool

	// sorted snapshot of a frozen tree, built once on first use
	snapOnce sync.Once
	snap     []*tuple.Tuple
}

func New(id uint64) *Tree {
	return &Tree{
		id: id,
		m: skipmap.NewFunc[[]byte, *tuple.Tuple](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (t *Tree) ID() uint64 {
	return t.id
}

// Insert takes ownership of tp. A previous tuple for the same key is
// replaced and released.
func (t *Tree) Insert(tp *tuple.Tuple) error {
	if t.frozen.Load() {
		return ErrFrozen
	}

	delta := int64(tp.Size())
	if prev, ok := t.m.Load(tp.Key); ok {
		delta -= int64(prev.Size())
		t.m.Store(tp.Key, tp)
		prev.Release()
	} else {
		t.m.Store(tp.Key, tp)
	}
	t.size.Add(delta)

	if tp.Seq > t.maxSeq.Load() {
		t.maxSeq.Store(tp.Seq)
	}
	return nil
}

// Get returns the tuple stored for key. The tuple is borrowed: it stays
// valid only while the caller holds a reference on the tree.
func (t *Tree) Get(key types.Key) (*tuple.Tuple, bool) {
	return t.m.Load(key)
}

// Size is the approximate memory footprint of the stored tuples.
func (t *Tree) Size() int64 {
	return t.size.Load()
}

func (t *Tree) Len() int {
	return t.m.Len()
}

// MaxSeq is the highest operation sequence inserted into the tree.
func (t *Tree) MaxSeq() types.SeqN {
	return t.maxSeq.Load()
}

// Freeze makes the tree immutable. Further inserts fail with ErrFrozen.
func (t *Tree) Freeze() {
	t.frozen.Store(true)
}

func (t *Tree) Frozen() bool {
	return t.frozen.Load()
}

// Sorted returns the tuples in key order. For a frozen tree the slice is
// computed once and shared; for an active tree it is a point-in-time copy.
func (t *Tree) Sorted() []*tuple.Tuple {
	if t.frozen.Load() {
		t.snapOnce.Do(func() {
			t.snap = t.collect()
		})
		return t.snap
	}
	return t.collect()
}

func (t *Tree) collect() []*tuple.Tuple {
	result := make([]*tuple.Tuple, 0, t.m.Len())
	t.m.Range(func(_ []byte, value *tuple.Tuple) bool {
		result = append(result, value)
		return true
	})
	return result
}

// Iterator returns a forward iterator positioned at the first key >= from
// (or the first key when from is nil).
func (t *Tree) Iterator(from types.Key) *Iterator {
	it := &Iterator{items: t.Sorted()}
	if from == nil {
		it.First()
	} else {
		it.Seek(from)
	}
	return it
}

// Ref registers one more holder of the tree.
func (t *Tree) Ref() {
	t.refs.Add(1)
}

// Unref drops a holder. The last holder tears the tree down and releases
// every tuple it still owns. It returns the number of released tuples.
func (t *Tree) Unref() int {
	n := t.refs.Add(-1)
	switch {
	case n == 0:
		return t.DrainAndRelease(nil)
	case n < 0:
		panic("memtree: negative reference count")
	}
	return 0
}

// DrainAndRelease empties the tree in key order, handing every tuple to
// release (tuple.Release when nil) exactly once. A position is erased only
// after the walk has moved past it, and the final pending tuple is handled
// once the walk ends. A second call does nothing and returns 0.
func (t *Tree) DrainAndRelease(release func(*tuple.Tuple)) int {
	if !t.drained.CompareAndSwap(false, true) {
		return 0
	}
	if release == nil {
		release = (*tuple.Tuple).Release
	}

	var (
		n       int
		pending *tuple.Tuple
	)
	t.m.Range(func(key []byte, value *tuple.Tuple) bool {
		if pending != nil {
			t.m.Delete(pending.Key)
			release(pending)
			n++
		}
		pending = value
		return true
	})
	if pending != nil {
		t.m.Delete(pending.Key)
		release(pending)
		n++
	}

	t.size.Store(0)
	t.snap = nil
	return n
}
