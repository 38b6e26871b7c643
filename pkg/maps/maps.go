// Package maps keeps named maps on top of the engine. Every map owns one
// table; the metadata table maps names to table ids.
package maps

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/engine"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

type ResponseCode int

const (
	Success ResponseCode = iota
	MapNotFound
	MapExists
	RecordNotFound
	RecordExists
	ScanEnded
	Error
)

func (c ResponseCode) String() string {
	switch c {
	case Success:
		return "Success"
	case MapNotFound:
		return "MapNotFound"
	case MapExists:
		return "MapExists"
	case RecordNotFound:
		return "RecordNotFound"
	case RecordExists:
		return "RecordExists"
	case ScanEnded:
		return "ScanEnded"
	default:
		return "Error"
	}
}

// Err maps a response code onto the dberrors taxonomy; Success and
// ScanEnded map to nil.
func (c ResponseCode) Err() error {
	switch c {
	case Success, ScanEnded:
		return nil
	case MapNotFound, RecordNotFound:
		return fmt.Errorf("%w: %s", dberrors.ErrNotFound, c)
	case MapExists, RecordExists:
		return fmt.Errorf("%w: %s", dberrors.ErrAlreadyExists, c)
	default:
		return errors.New(c.String())
	}
}

// ParseResponseCode is the inverse of ResponseCode.String. Unknown names
// parse as Error.
func ParseResponseCode(s string) ResponseCode {
	for c := Success; c < Error; c++ {
		if c.String() == s {
			return c
		}
	}
	return Error
}

type Record struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type ScanRequest struct {
	Map           string
	Start         []byte
	StartIncluded bool
	// End is exclusive of the map's last record unless EndIncluded; an
	// empty End scans to the end of the map.
	End         []byte
	EndIncluded bool
	MaxRecords  int
	MaxBytes    int
}

type iStore interface {
	AllocTable() (types.TableID, error)
	OpenTable(id types.TableID) (*engine.Table, error)
	FindFirst(key []byte) (*tuple.Tuple, error)
	Insert(t *tuple.Tuple) error
	Scan(opts engine.ScanOptions) (*iterator.Range, error)
	Expired(t *tuple.Tuple) bool
}

type dirEntry struct {
	id        types.TableID
	timestamp types.UnixSeconds
}

// number of record lock stripes
const recordStripes = 64

// Keeper serves map and record operations. The directory of live maps is
// kept in memory, sorted by name, and mirrors the metadata table.
type Keeper struct {
	store       iStore
	blindUpdate bool
	log         *slog.Logger

	mu  sync.RWMutex
	dir *treemap.Map

	// writes to one record are serialized so that an existence check and
	// the write that depends on it are atomic
	records [recordStripes]sync.Mutex
}

// New loads the map directory from the metadata table.
func New(store iStore, blindUpdate bool, logger *slog.Logger) (*Keeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keeper{
		store:       store,
		blindUpdate: blindUpdate,
		log:         logger.With("component", "maps"),
		dir:         treemap.NewWithStringComparator(),
	}
	if err := k.loadDirectory(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Keeper) loadDirectory() error {
	meta, err := k.store.OpenTable(tuple.MetadataTable)
	if err != nil {
		return err
	}
	rng, err := meta.Scan(engine.ScanOptions{})
	if err != nil {
		return err
	}
	defer rng.Close()

	st := rng.Next()
	for ; st == iterator.OK; st = rng.Next() {
		t := rng.Tuple()
		id, err := tuple.DecodeTableID(t.Value)
		if err != nil {
			return fmt.Errorf("map %q: %w", meta.Name(t.Key), err)
		}
		k.dir.Put(string(meta.Name(t.Key)), dirEntry{id: id, timestamp: t.Timestamp})
	}
	if st == iterator.Failed {
		return rng.Error()
	}
	k.log.Info("map directory loaded", "maps", k.dir.Size())
	return nil
}

func (k *Keeper) trace(op string, code ResponseCode, attrs ...any) {
	k.log.Debug(op, append([]any{"code", code.String()}, attrs...)...)
}

func (k *Keeper) fail(op string, err error, attrs ...any) (ResponseCode, error) {
	k.log.Warn(op+" failed", append([]any{"error", err}, attrs...)...)
	return Error, err
}

// lookup returns the table id of a live map. Callers hold mu. Expired
// entries stay in the directory until AddMap replaces them.
func (k *Keeper) lookup(name string) (types.TableID, bool) {
	v, ok := k.dir.Get(name)
	if !ok {
		return 0, false
	}
	ent := v.(dirEntry)
	if k.store.Expired(&tuple.Tuple{Timestamp: ent.timestamp}) {
		return 0, false
	}
	return ent.id, true
}

func (k *Keeper) table(name string) (*engine.Table, bool, error) {
	k.mu.RLock()
	id, ok := k.lookup(name)
	k.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	tbl, err := k.store.OpenTable(id)
	if err != nil {
		return nil, false, err
	}
	return tbl, true, nil
}

func (k *Keeper) Ping() ResponseCode {
	k.trace("ping", Success)
	return Success
}

// AddMap creates map name, or reports MapExists.
func (k *Keeper) AddMap(name string) (ResponseCode, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.lookup(name); ok {
		k.trace("addMap", MapExists, "map", name)
		return MapExists, nil
	}

	id, err := k.store.AllocTable()
	if err != nil {
		return k.fail("addMap", err, "map", name)
	}
	metaKey := tuple.TableKey(tuple.MetadataTable, []byte(name))
	if err := k.store.Insert(tuple.New(metaKey, tuple.EncodeTableID(id))); err != nil {
		return k.fail("addMap", err, "map", name)
	}
	stored, err := k.store.FindFirst(metaKey)
	if err != nil {
		return k.fail("addMap", err, "map", name)
	}
	k.dir.Put(name, dirEntry{id: id, timestamp: stored.Timestamp})

	k.trace("addMap", Success, "map", name, "table", id)
	return Success, nil
}

// DropMap deletes the metadata record and every record of map name.
func (k *Keeper) DropMap(name string) (ResponseCode, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	id, ok := k.lookup(name)
	if !ok {
		k.trace("dropMap", MapNotFound, "map", name)
		return MapNotFound, nil
	}
	tbl, err := k.store.OpenTable(id)
	if err != nil {
		return k.fail("dropMap", err, "map", name)
	}

	if err := k.store.Insert(tuple.NewTombstone(tuple.TableKey(tuple.MetadataTable, []byte(name)))); err != nil {
		return k.fail("dropMap", err, "map", name)
	}
	k.dir.Remove(name)

	rng, err := tbl.Scan(engine.ScanOptions{})
	if err != nil {
		return k.fail("dropMap", err, "map", name)
	}
	defer rng.Close()

	var removed int
	st := rng.Next()
	for ; st == iterator.OK; st = rng.Next() {
		if err := k.store.Insert(tuple.NewTombstone(rng.Tuple().Key)); err != nil {
			return k.fail("dropMap", err, "map", name, "removed", removed)
		}
		removed++
	}
	if st == iterator.Failed {
		return k.fail("dropMap", rng.Error(), "map", name, "removed", removed)
	}

	k.log.Info("map dropped", "map", name, "table", id, "records", removed)
	k.trace("dropMap", Success, "map", name)
	return Success, nil
}

// ListMaps returns the names of all live maps in ascending order.
func (k *Keeper) ListMaps() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	names := make([]string, 0, k.dir.Size())
	for _, key := range k.dir.Keys() {
		name := key.(string)
		if _, ok := k.lookup(name); ok {
			names = append(names, name)
		}
	}
	k.trace("listMaps", Success, "maps", len(names))
	return names
}

// Get returns the value of record in map.
func (k *Keeper) Get(mapName string, record []byte) ([]byte, ResponseCode, error) {
	tbl, ok, err := k.table(mapName)
	if err != nil {
		code, err := k.fail("get", err, "map", mapName)
		return nil, code, err
	}
	if !ok {
		k.trace("get", MapNotFound, "map", mapName, "record", string(record))
		return nil, MapNotFound, nil
	}

	found, err := tbl.Get(record)
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		k.trace("get", RecordNotFound, "map", mapName, "record", string(record))
		return nil, RecordNotFound, nil
	case err != nil:
		code, err := k.fail("get", err, "map", mapName, "record", string(record))
		return nil, code, err
	}
	k.trace("get", Success, "map", mapName, "record", string(record))
	return found.Value, Success, nil
}

// Put writes record unconditionally.
func (k *Keeper) Put(mapName string, record, value []byte) (ResponseCode, error) {
	return k.write("put", mapName, record, value, nil)
}

// Insert writes record unless it already exists. Of several concurrent
// inserts of one record exactly one succeeds.
func (k *Keeper) Insert(mapName string, record, value []byte) (ResponseCode, error) {
	if k.blindUpdate {
		return k.write("insert", mapName, record, value, nil)
	}
	return k.write("insert", mapName, record, value, func(exists bool) ResponseCode {
		if exists {
			return RecordExists
		}
		return Success
	})
}

// Update overwrites record if it exists.
func (k *Keeper) Update(mapName string, record, value []byte) (ResponseCode, error) {
	if k.blindUpdate {
		return k.write("update", mapName, record, value, nil)
	}
	return k.write("update", mapName, record, value, mustExist)
}

// Remove deletes an existing record.
func (k *Keeper) Remove(mapName string, record []byte) (ResponseCode, error) {
	return k.write("remove", mapName, record, nil, mustExist)
}

func mustExist(exists bool) ResponseCode {
	if !exists {
		return RecordNotFound
	}
	return Success
}

// write stores value under record, or a tombstone for remove. When check is
// set it decides the outcome from the record's current existence.
func (k *Keeper) write(op, mapName string, record, value []byte, check func(exists bool) ResponseCode) (ResponseCode, error) {
	tbl, ok, err := k.table(mapName)
	if err != nil {
		return k.fail(op, err, "map", mapName)
	}
	if !ok {
		k.trace(op, MapNotFound, "map", mapName, "record", string(record))
		return MapNotFound, nil
	}

	lock := k.recordLock(mapName, record)
	lock.Lock()
	defer lock.Unlock()

	if check != nil {
		_, err := tbl.Get(record)
		exists := err == nil
		if err != nil && !errors.Is(err, dberrors.ErrNotFound) {
			return k.fail(op, err, "map", mapName, "record", string(record))
		}
		if code := check(exists); code != Success {
			k.trace(op, code, "map", mapName, "record", string(record))
			return code, nil
		}
	}

	if op == "remove" {
		err = tbl.Delete(record)
	} else {
		err = tbl.Put(record, value)
	}
	if err != nil {
		return k.fail(op, err, "map", mapName, "record", string(record))
	}
	k.trace(op, Success, "map", mapName, "record", string(record))
	return Success, nil
}

// Scan returns the records of a map between two bounds. It reports
// ScanEnded when the range was exhausted and Success when a cap stopped it
// first. MaxBytes counts record names and values; the record crossing the
// cap is still returned.
func (k *Keeper) Scan(req ScanRequest) ([]Record, ResponseCode, error) {
	tbl, ok, err := k.table(req.Map)
	if err != nil {
		code, err := k.fail("scan", err, "map", req.Map)
		return nil, code, err
	}
	if !ok {
		k.trace("scan", MapNotFound, "map", req.Map)
		return nil, MapNotFound, nil
	}

	opts := engine.ScanOptions{RangeOptions: iterator.RangeOptions{
		Start:      iterator.Bound{Key: nonNil(req.Start), Inclusive: req.StartIncluded},
		MaxRecords: req.MaxRecords,
	}}
	if len(req.End) > 0 {
		opts.End = iterator.Bound{Key: req.End, Inclusive: req.EndIncluded}
	}
	rng, err := tbl.Scan(opts)
	if err != nil {
		code, err := k.fail("scan", err, "map", req.Map)
		return nil, code, err
	}
	defer rng.Close()

	var (
		records []Record
		size    int
	)
	code := Success
	for req.MaxBytes == 0 || size < req.MaxBytes {
		st := rng.Next()
		if st == iterator.Failed {
			code, err := k.fail("scan", rng.Error(), "map", req.Map)
			return nil, code, err
		}
		if st != iterator.OK {
			if st != iterator.Capped {
				code = ScanEnded
			}
			break
		}
		t := rng.Tuple()
		rec := Record{
			Key:   append([]byte(nil), tbl.Name(t.Key)...),
			Value: append([]byte(nil), t.Value...),
		}
		records = append(records, rec)
		size += len(rec.Key) + len(rec.Value)
	}

	k.trace("scan", code, "map", req.Map, "records", len(records), "bytes", size)
	return records, code, nil
}

func (k *Keeper) recordLock(mapName string, record []byte) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(mapName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(record)
	return &k.records[h.Sum32()%recordStripes]
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
