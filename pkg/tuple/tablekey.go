package tuple

import (
	"encoding/binary"
	"fmt"
	"math"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

const (
	// TableIDSize is the width of the big-endian table prefix on every record key.
	TableIDSize = 4
	// MetadataTable holds one record per named map: name -> table id.
	MetadataTable types.TableID = 0
)

// TableKey builds tableID (4 bytes, big-endian) || name. All records of one
// table sort contiguously and immediately before the next table's id.
func TableKey(id types.TableID, name []byte) []byte {
	k := make([]byte, TableIDSize+len(name))
	binary.BigEndian.PutUint32(k, id)
	copy(k[TableIDSize:], name)
	return k
}

// TablePrefixEnd is the first key of table id+1, an exclusive upper bound for
// every record of table id. The last table has no upper bound and gets nil.
func TablePrefixEnd(id types.TableID) []byte {
	if id == math.MaxUint32 {
		return nil
	}
	return TableKey(id+1, nil)
}

// SplitTableKey returns the table id and record name of a table key.
func SplitTableKey(key []byte) (types.TableID, []byte, error) {
	if len(key) < TableIDSize {
		return 0, nil, fmt.Errorf("%w: key of %d bytes has no table prefix", dberrors.ErrInvalidArgument, len(key))
	}
	return binary.BigEndian.Uint32(key), key[TableIDSize:], nil
}

// EncodeTableID is the value stored in a metadata record.
func EncodeTableID(id types.TableID) []byte {
	return binary.BigEndian.AppendUint32(nil, id)
}

// DecodeTableID parses a metadata record value.
func DecodeTableID(v []byte) (types.TableID, error) {
	if len(v) != TableIDSize {
		return 0, fmt.Errorf("%w: table id value of %d bytes", dberrors.ErrCorruption, len(v))
	}
	return binary.BigEndian.Uint32(v), nil
}
