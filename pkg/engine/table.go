package engine

import (
	"fmt"

	"lsmkv/pkg/catalog"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

// initTableCounter derives the next table id from the metadata table and
// the catalog high-water mark, whichever is larger.
func (e *Engine) initTableCounter() error {
	rng, err := e.Scan(ScanOptions{RangeOptions: iterator.RangeOptions{
		Start: iterator.Bound{Key: tuple.TableKey(tuple.MetadataTable, nil), Inclusive: true},
		End:   iterator.Bound{Key: tuple.TablePrefixEnd(tuple.MetadataTable)},
	}})
	if err != nil {
		return err
	}
	defer rng.Close()

	var maxSeen types.TableID
	st := rng.Next()
	for ; st == iterator.OK; st = rng.Next() {
		id, err := tuple.DecodeTableID(rng.Tuple().Value)
		if err != nil {
			return fmt.Errorf("metadata record %q: %w", rng.Tuple().Key[tuple.TableIDSize:], err)
		}
		maxSeen = max(maxSeen, id)
	}
	if st == iterator.Failed {
		return rng.Error()
	}

	e.tableMu.Lock()
	e.nextTable = max(maxSeen, e.cat.Snapshot().MaxTableID) + 1
	e.tableMu.Unlock()

	e.log.Debug("table counter initialized", "next", e.nextTable, "max_seen", maxSeen)
	return nil
}

// AllocTable hands out a fresh table id. Ids are never reused, also across
// restarts.
func (e *Engine) AllocTable() (types.TableID, error) {
	if e.closed.Load() {
		return 0, dberrors.ErrClosed
	}

	e.tableMu.Lock()
	defer e.tableMu.Unlock()

	id := e.nextTable
	if id == 0 {
		return 0, fmt.Errorf("%w: table ids exhausted", dberrors.ErrResourceExhausted)
	}
	if err := e.cat.Commit(catalog.Edit{MaxTableID: id}); err != nil {
		return 0, err
	}
	e.nextTable++
	return id, nil
}

// OpenTable returns a handle scoped to table id. Ids that were never
// allocated are dberrors.ErrNotFound; the metadata table is always valid.
func (e *Engine) OpenTable(id types.TableID) (*Table, error) {
	e.tableMu.Lock()
	next := e.nextTable
	e.tableMu.Unlock()

	if id != tuple.MetadataTable && id >= next {
		return nil, fmt.Errorf("%w: table %d", dberrors.ErrNotFound, id)
	}
	return &Table{e: e, id: id}, nil
}

// Table addresses the records of one table. Record names are given without
// the table prefix; tuples returned by Scan carry the full key.
type Table struct {
	e  *Engine
	id types.TableID
}

func (t *Table) ID() types.TableID {
	return t.id
}

// Key returns the stored key of record name.
func (t *Table) Key(name []byte) []byte {
	return tuple.TableKey(t.id, name)
}

// Name strips the table prefix from a stored key.
func (t *Table) Name(key []byte) []byte {
	return key[tuple.TableIDSize:]
}

func (t *Table) Get(name []byte) (*tuple.Tuple, error) {
	return t.e.FindFirst(t.Key(name))
}

func (t *Table) Put(name, value []byte) error {
	return t.e.Put(t.Key(name), value)
}

func (t *Table) Delete(name []byte) error {
	return t.e.Delete(t.Key(name))
}

// Scan runs a range scan inside the table. Nil bounds stand for the first
// and last record of the table.
func (t *Table) Scan(opts ScanOptions) (*iterator.Range, error) {
	if opts.Start.Key == nil {
		opts.Start = iterator.Bound{Key: t.Key(nil), Inclusive: true}
	} else {
		opts.Start.Key = t.Key(opts.Start.Key)
	}
	if opts.End.Key == nil {
		opts.End = iterator.Bound{Key: tuple.TablePrefixEnd(t.id)}
	} else {
		opts.End.Key = t.Key(opts.End.Key)
	}
	return t.e.Scan(opts)
}
