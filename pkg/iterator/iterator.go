package iterator

import (
	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

// Iterator iterates forward over tuples in ascending key order.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Tuple returns the current tuple. It is borrowed and must be cloned
	// to outlive the next call on the iterator.
	Tuple() *tuple.Tuple
	// Error reports a failure that ended the iteration early.
	Error() error
	// Close releases resources.
	Close() error
}
