package memtree

import (
	"bytes"
	"sort"

	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

// Iterator walks a sorted snapshot of a tree. Tuples are borrowed from the
// tree and stay valid while the tree is referenced.
type Iterator struct {
	items []*tuple.Tuple
	pos   int
}

func (it *Iterator) First() {
	it.pos = 0
}

func (it *Iterator) Seek(target types.Key) {
	it.pos = sort.Search(len(it.items), func(i int) bool {
		return bytes.Compare(it.items[i].Key, target) >= 0
	})
}

func (it *Iterator) Next() {
	if it.pos < len(it.items) {
		it.pos++
	}
}

func (it *Iterator) Valid() bool {
	return it.pos < len(it.items)
}

func (it *Iterator) Tuple() *tuple.Tuple {
	return it.items[it.pos]
}

func (it *Iterator) Error() error {
	return nil
}

func (it *Iterator) Close() error {
	it.items = nil
	it.pos = 0
	return nil
}
