package dberrors

import "errors"

var (
	// ErrNotFound is a normal negative result: the key, record or table is absent.
	ErrNotFound = errors.New("lsmkv: not found")
	// ErrAlreadyExists reports a table or record collision chosen by the caller's
	// insert-vs-update semantics.
	ErrAlreadyExists = errors.New("lsmkv: already exists")
	// ErrStructural means a durable write of a new run or a catalog update did not
	// complete. The previous state is left intact.
	ErrStructural = errors.New("lsmkv: structural failure")
	// ErrResourceExhausted is returned when an allocation or a size bound fails.
	ErrResourceExhausted = errors.New("lsmkv: resource exhausted")
	// ErrCorruption marks a malformed persisted tuple, run or log record.
	ErrCorruption = errors.New("lsmkv: corruption")
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("lsmkv: closed")
	// ErrInvalidArgument reports a caller error.
	ErrInvalidArgument = errors.New("lsmkv: invalid argument")
)
