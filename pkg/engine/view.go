package engine

import (
	"log/slog"
	"slices"
	"sync/atomic"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/memtree"
	"lsmkv/pkg/run"
)

// view is an immutable snapshot of the components that make up the store.
// Each view holds one reference on every component it lists; the engine
// holds one reference on the current view and readers take their own.
type view struct {
	refs atomic.Int32
	log  *slog.Logger

	mem *memtree.Tree
	// frozen trees waiting for flush, newest first
	imm []*memtree.Tree
	// levels[0] holds overlapping runs newest first; deeper levels hold at
	// most one run each
	levels [][]*run.Run
}

func newView(log *slog.Logger, mem *memtree.Tree, imm []*memtree.Tree, levels [][]*run.Run) *view {
	v := &view{
		log:    log,
		mem:    mem,
		imm:    imm,
		levels: levels,
	}
	v.refs.Store(1)
	mem.Ref()
	for _, t := range imm {
		t.Ref()
	}
	for _, lvl := range levels {
		for _, r := range lvl {
			r.Ref()
		}
	}
	return v
}

// tryRef takes a reader reference unless the view has already been retired.
func (v *view) tryRef() bool {
	for {
		n := v.refs.Load()
		if n <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (v *view) unref() {
	n := v.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("engine: view released twice")
	}

	if released := v.mem.Unref(); released > 0 {
		v.log.Debug("memtree torn down", "tree", v.mem.ID(), "tuples", released)
	}
	for _, t := range v.imm {
		if released := t.Unref(); released > 0 {
			v.log.Debug("memtree torn down", "tree", t.ID(), "tuples", released)
		}
	}
	for _, lvl := range v.levels {
		for _, r := range lvl {
			if err := r.Unref(); err != nil {
				v.log.Warn("failed to release run", "run", r.ID(), "error", err)
			}
		}
	}
}

// runs lists every run in read order: level 0 newest first, then deeper
// levels.
func (v *view) runs() []*run.Run {
	var out []*run.Run
	for _, lvl := range v.levels {
		out = append(out, lvl...)
	}
	return out
}

// sources returns iterators over every component, newest first.
func (v *view) sources() []iterator.Iterator {
	srcs := make([]iterator.Iterator, 0, 1+len(v.imm)+len(v.levels))
	srcs = append(srcs, v.mem.Iterator(nil))
	for _, t := range v.imm {
		srcs = append(srcs, t.Iterator(nil))
	}
	for _, r := range v.runs() {
		srcs = append(srcs, r.Iterator(nil))
	}
	return srcs
}

func (v *view) cloneLevels() [][]*run.Run {
	out := make([][]*run.Run, len(v.levels))
	for i, lvl := range v.levels {
		out[i] = slices.Clone(lvl)
	}
	return out
}

// hasDeeper reports whether any level deeper than level holds a run.
func (v *view) hasDeeper(level int) bool {
	for i := level + 1; i < len(v.levels); i++ {
		if len(v.levels[i]) > 0 {
			return true
		}
	}
	return false
}
