package iterator

import (
	"bytes"
	"container/heap"
	"errors"

	"lsmkv/pkg/clock"
	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

type MergeOptions struct {
	// Raw emits tombstones instead of skipping them.
	Raw bool
	// ExpiryHorizon in seconds; tuples older than that are treated as
	// absent. Zero disables expiry.
	ExpiryHorizon int64
	Clock         clock.TimeProvider
}

// Merge combines sources ordered newest to oldest into one ascending
// stream that yields a single tuple per key: the one from the newest
// source holding that key.
type Merge struct {
	opts    MergeOptions
	sources []Iterator
	h       mergeHeap
	cur     *tuple.Tuple
	now     types.UnixSeconds
	err     error
}

func NewMerge(sources []Iterator, opts MergeOptions) *Merge {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Merge{
		opts:    opts,
		sources: sources,
	}
}

func (m *Merge) First() {
	m.reset(func(it Iterator) { it.First() })
}

func (m *Merge) Seek(target types.Key) {
	m.reset(func(it Iterator) { it.Seek(target) })
}

func (m *Merge) reset(position func(Iterator)) {
	m.err = nil
	m.cur = nil
	m.now = m.opts.Clock.Now().Unix()
	m.h = m.h[:0]
	for i, it := range m.sources {
		position(it)
		if it.Valid() {
			m.h = append(m.h, heapItem{it: it, src: i})
		} else if err := it.Error(); err != nil {
			m.err = err
			return
		}
	}
	heap.Init(&m.h)
	m.advance()
}

func (m *Merge) Next() {
	if m.cur == nil {
		return
	}
	m.advance()
}

// advance pops the next distinct key, consuming every older duplicate, and
// repeats while the winner must be hidden.
func (m *Merge) advance() {
	for {
		m.cur = nil
		if m.err != nil || len(m.h) == 0 {
			return
		}

		top := m.h[0]
		winner := top.it.Tuple()
		m.step(0)
		for m.err == nil && len(m.h) > 0 && bytes.Equal(m.h[0].it.Tuple().Key, winner.Key) {
			m.step(0)
		}
		if m.err != nil {
			return
		}

		if winner.Expired(m.now, m.opts.ExpiryHorizon) {
			continue
		}
		if winner.IsTombstone() && !m.opts.Raw {
			continue
		}
		m.cur = winner
		return
	}
}

// step advances the sub-iterator at heap position i and restores the heap.
// Sources never reuse tuple memory, so a popped winner survives the step.
func (m *Merge) step(i int) {
	it := m.h[i].it
	it.Next()
	if it.Valid() {
		heap.Fix(&m.h, i)
		return
	}
	if err := it.Error(); err != nil {
		m.err = err
	}
	heap.Remove(&m.h, i)
}

func (m *Merge) Valid() bool {
	return m.cur != nil
}

func (m *Merge) Tuple() *tuple.Tuple {
	return m.cur
}

func (m *Merge) Error() error {
	return m.err
}

// Close closes every source.
func (m *Merge) Close() error {
	var errs []error
	for _, it := range m.sources {
		errs = append(errs, it.Close())
	}
	m.sources = nil
	m.h = nil
	m.cur = nil
	return errors.Join(errs...)
}

type heapItem struct {
	it  Iterator
	src int
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].it.Tuple().Key, h[j].it.Tuple().Key)
	if c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
