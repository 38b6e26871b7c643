package run

import (
	"bytes"
	"sort"

	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

// Iterator walks a run block by block in ascending key order.
type Iterator struct {
	run   *Run
	block int
	items []*tuple.Tuple
	pos   int
	err   error
}

func (it *Iterator) First() {
	it.err = nil
	it.load(0)
	it.skipEmpty()
}

func (it *Iterator) Seek(target types.Key) {
	it.err = nil
	if len(it.run.index) == 0 {
		it.items = nil
		return
	}
	it.load(it.run.findBlock(target))
	it.pos = sort.Search(len(it.items), func(i int) bool {
		return bytes.Compare(it.items[i].Key, target) >= 0
	})
	it.skipEmpty()
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.pos++
	it.skipEmpty()
}

func (it *Iterator) skipEmpty() {
	for it.err == nil && it.pos >= len(it.items) && it.block+1 < len(it.run.index) {
		it.load(it.block + 1)
	}
}

func (it *Iterator) load(block int) {
	it.block, it.pos, it.items = block, 0, nil
	if block >= len(it.run.index) {
		return
	}
	it.items, it.err = it.run.loadBlock(block)
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.pos < len(it.items)
}

func (it *Iterator) Tuple() *tuple.Tuple {
	return it.items[it.pos]
}

func (it *Iterator) Error() error {
	return it.err
}

func (it *Iterator) Close() error {
	it.items = nil
	return it.err
}
