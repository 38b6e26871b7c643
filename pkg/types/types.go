package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing operation sequence used for WAL ordering
// and newest-wins resolution inside a single memtree.
type SeqN = uint64

// TableID identifies a logical table (a named map). Table 0 holds metadata.
type TableID = uint32

// RunID identifies an immutable sorted run on disk.
type RunID = uint64

// UnixSeconds is a tuple creation timestamp used by the expiry horizon.
type UnixSeconds = int64
