package run

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

// State tracks a run through compaction.
type State int32

const (
	StateActive State = iota
	StateMerging
	StateSuperseded
	StateReclaimable
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateMerging:
		return "merging"
	case StateSuperseded:
		return "superseded"
	case StateReclaimable:
		return "reclaimable"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Meta is the descriptive part of a run.
type Meta struct {
	ID        types.RunID
	Level     int
	Path      string
	Size      int64
	Count     uint64
	MinKey    []byte
	MaxKey    []byte
	CreatedAt time.Time
}

// Run is an open, immutable sorted run. Reads use ReadAt and need no
// locking. Holders take references; once a superseded run loses its last
// reference the file is closed and removed.
type Run struct {
	meta    Meta
	file    *os.File
	index   []indexEntry
	lastKey []byte
	bloom   *Bloom
	codec   Codec
	cache   *BlockCache

	level atomic.Int32
	refs  atomic.Int32
	state atomic.Int32
}

// Open attaches the run file at path: footer, index and bloom filter are
// loaded and verified.
func Open(path string, id types.RunID, cache *BlockCache) (*Run, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run %s: %w", path, err)
	}
	r, err := attach(file, path, id, cache)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open run %s: %w", path, err)
	}
	return r, nil
}

func attach(file *os.File, path string, id types.RunID, cache *BlockCache) (*Run, error) {
	st, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < footerSize {
		return nil, fmt.Errorf("%w: file of %d bytes", dberrors.ErrCorruption, size)
	}

	buf := make([]byte, footerSize)
	if _, err := file.ReadAt(buf, size-footerSize); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	ft, err := unmarshalFooter(buf)
	if err != nil {
		return nil, err
	}
	if ft.indexOff+ft.indexLen > uint64(size) || ft.bloomOff+ft.bloomLen > uint64(size) {
		return nil, fmt.Errorf("%w: footer offsets beyond file end", dberrors.ErrCorruption)
	}

	idxPayload, err := readFrame(file, ft.indexOff, ft.indexLen)
	if err != nil {
		return nil, err
	}
	index, lastKey, err := unmarshalIndex(idxPayload)
	if err != nil {
		return nil, err
	}
	bloomPayload, err := readFrame(file, ft.bloomOff, ft.bloomLen)
	if err != nil {
		return nil, err
	}
	bloom, err := UnmarshalBloom(bloomPayload)
	if err != nil {
		return nil, err
	}

	r := &Run{
		file:    file,
		index:   index,
		lastKey: lastKey,
		bloom:   bloom,
		codec:   ft.codec,
		cache:   cache,
		meta: Meta{
			ID:        id,
			Path:      path,
			Size:      size,
			Count:     ft.count,
			MaxKey:    lastKey,
			CreatedAt: time.Unix(ft.createdAt, 0),
		},
	}
	if len(index) > 0 {
		r.meta.MinKey = index[0].firstKey
	}
	return r, nil
}

func (r *Run) ID() types.RunID {
	return r.meta.ID
}

func (r *Run) Level() int {
	return int(r.level.Load())
}

// SetLevel records the level the catalog assigns to the run.
func (r *Run) SetLevel(level int) {
	r.level.Store(int32(level))
}

func (r *Run) Meta() Meta {
	m := r.meta
	m.Level = r.Level()
	return m
}

func (r *Run) Size() int64 {
	return r.meta.Size
}

func (r *Run) Count() uint64 {
	return r.meta.Count
}

// Get returns a copy of the tuple stored for key. A miss is not an error.
func (r *Run) Get(key types.Key) (*tuple.Tuple, bool, error) {
	if len(r.index) == 0 ||
		bytes.Compare(key, r.meta.MinKey) < 0 ||
		bytes.Compare(key, r.lastKey) > 0 ||
		!r.bloom.MayContain(key) {
		return nil, false, nil
	}

	blk := r.findBlock(key)
	items, err := r.loadBlock(blk)
	if err != nil {
		return nil, false, err
	}
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].Key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].Key, key) {
		return items[i], true, nil
	}
	return nil, false, nil
}

// findBlock returns the index of the last block whose first key <= key.
func (r *Run) findBlock(key types.Key) int {
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	})
	if i > 0 {
		i--
	}
	return i
}

func (r *Run) loadBlock(i int) ([]*tuple.Tuple, error) {
	e := r.index[i]
	key := blockKey{run: r.meta.ID, offset: e.offset}

	raw, ok := r.cache.get(key)
	if !ok {
		payload, err := readFrame(r.file, e.offset, e.length)
		if err != nil {
			return nil, fmt.Errorf("run %d block %d: %w", r.meta.ID, i, err)
		}
		raw, err = r.codec.decode(payload)
		if err != nil {
			return nil, fmt.Errorf("run %d block %d: %w", r.meta.ID, i, err)
		}
		r.cache.set(key, raw)
	}

	var items []*tuple.Tuple
	for len(raw) > 0 {
		t, n, err := tuple.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("run %d block %d: %w", r.meta.ID, i, err)
		}
		items = append(items, t)
		raw = raw[n:]
	}
	return items, nil
}

// Iterator returns a forward iterator positioned at the first key >= from
// (or the first key when from is nil).
func (r *Run) Iterator(from types.Key) *Iterator {
	it := &Iterator{run: r}
	if from == nil {
		it.First()
	} else {
		it.Seek(from)
	}
	return it
}

func (r *Run) State() State {
	return State(r.state.Load())
}

// MarkMerging claims an active run as a merge input.
func (r *Run) MarkMerging() bool {
	return r.state.CompareAndSwap(int32(StateActive), int32(StateMerging))
}

// Unmark returns a merging run to active after a failed merge.
func (r *Run) Unmark() {
	r.state.CompareAndSwap(int32(StateMerging), int32(StateActive))
}

// Supersede marks the run as replaced by a committed merge output. Its file
// is removed when the last reference goes away.
func (r *Run) Supersede() {
	r.state.Store(int32(StateSuperseded))
}

func (r *Run) Ref() {
	r.refs.Add(1)
}

// Unref drops a reference. The last reference closes the file and, for a
// superseded run, deletes it.
func (r *Run) Unref() error {
	n := r.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		panic("run: negative reference count")
	}
	return r.release()
}

func (r *Run) release() error {
	r.cache.Evict(r.meta.ID)
	err := r.file.Close()
	if r.state.CompareAndSwap(int32(StateSuperseded), int32(StateReclaimable)) {
		if rerr := os.Remove(r.meta.Path); rerr != nil && !os.IsNotExist(rerr) {
			err = errors.Join(err, rerr)
		}
	}
	return err
}
