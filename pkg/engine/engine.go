// Package engine is the facade of the storage engine. It owns the write
// buffer, the write-ahead log, the catalog and the set of live runs, and runs
// the background scheduler that flushes frozen write buffers and merges
// runs.
//
// Reads work on views: immutable snapshots of {active tree, frozen trees,
// runs} published through an atomic pointer. A reader pins one view for the
// whole operation, so flushes and merges never change what it sees.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"lsmkv/pkg/catalog"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/memtree"
	"lsmkv/pkg/run"
	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

type iJournal interface {
	Append(t *tuple.Tuple) error
	Roll() (uint64, error)
	RemoveThrough(segment uint64) error
	Replay(after types.SeqN, fn func(*tuple.Tuple) error) (int, error)
	Segment() uint64
	Close() error
}

type iClock interface {
	Val() types.SeqN
	Next() types.SeqN
	Advance(t types.SeqN)
}

type Engine struct {
	opts  Options
	log   *slog.Logger
	tp    clock.TimeProvider
	seqN  iClock
	jr    iJournal
	cat   *catalog.Catalog
	cache *run.BlockCache

	// writeMu serializes sequence allocation, log append, C0 insert and
	// rotation.
	writeMu sync.Mutex
	// viewMu serializes view publication.
	viewMu  sync.Mutex
	current atomic.Pointer[view]
	treeIDs atomic.Uint64

	tableMu   sync.Mutex
	nextTable types.TableID

	sched  *scheduler
	done   chan struct{}
	closed atomic.Bool
}

// Open brings the store in cfg.DataDir online: the catalog is loaded (or
// created), orphan files are removed, live runs are attached, the scheduler
// is started, the log is replayed and the table id counter is initialized.
func Open(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger, opts ...Option) (*Engine, error) {
	o, err := newOptions(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "engine")

	cat, created, err := catalog.Open(o.DataDir)
	if err != nil {
		return nil, err
	}
	data := cat.Snapshot()
	if created {
		log.Info("created empty store", "store_id", data.StoreID, "path", o.DataDir)
	} else {
		log.Info("opened existing store", "store_id", data.StoreID, "runs", len(data.Runs))
	}

	removed, err := cat.RemoveOrphans()
	if err != nil {
		return nil, err
	}
	for _, p := range removed {
		log.Warn("removed orphan file", "path", p)
	}

	e := &Engine{
		opts:  o,
		log:   log,
		tp:    o.Clock,
		seqN:  clock.NewAtomic(data.WALCheckpoint),
		cat:   cat,
		cache: run.NewBlockCache(o.PageCacheBytes),
		done:  make(chan struct{}),
	}

	levels, err := e.attachRuns(data.Runs)
	if err != nil {
		return nil, err
	}

	journal, err := wal.Open(o.WALDir, o.WAL, logger)
	if err != nil {
		closeLevels(levels)
		return nil, err
	}
	e.jr = journal

	e.current.Store(newView(log, memtree.New(e.treeIDs.Add(1)), nil, levels))
	// the view now holds the runs
	closeLevels(levels)

	// the scheduler lives until Close, not until ctx is done
	e.sched = newScheduler(e)
	e.sched.Start(context.WithoutCancel(ctx))

	if _, err := e.ReplayLog(); err != nil {
		return nil, errors.Join(err, e.Close())
	}
	if err := e.initTableCounter(); err != nil {
		return nil, errors.Join(err, e.Close())
	}
	return e, nil
}

func (e *Engine) attachRuns(entries []catalog.RunEntry) ([][]*run.Run, error) {
	levels := make([][]*run.Run, e.opts.MaxLevels)
	for _, ent := range entries {
		if ent.Level < 0 || ent.Level >= len(levels) {
			closeLevels(levels)
			return nil, fmt.Errorf("%w: run %d at level %d", dberrors.ErrCorruption, ent.ID, ent.Level)
		}
		r, err := run.Open(e.cat.RunPath(ent.ID), ent.ID, e.cache)
		if err != nil {
			closeLevels(levels)
			return nil, err
		}
		r.SetLevel(ent.Level)
		r.Ref()
		levels[ent.Level] = append(levels[ent.Level], r)
	}
	return levels, nil
}

// closeLevels drops the references taken by attachRuns.
func closeLevels(levels [][]*run.Run) {
	for _, lvl := range levels {
		for _, r := range lvl {
			_ = r.Unref()
		}
	}
}

// acquire pins the current view. The caller must release it.
func (e *Engine) acquire() (*view, error) {
	for {
		v := e.current.Load()
		if v == nil {
			return nil, dberrors.ErrClosed
		}
		if v.tryRef() {
			return v, nil
		}
	}
}

func (e *Engine) release(v *view) {
	v.unref()
}

// publish installs the view built by next from the current one.
func (e *Engine) publish(next func(cur *view) *view) {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()

	cur := e.current.Load()
	if cur == nil {
		return
	}
	e.current.Store(next(cur))
	cur.unref()
}

// Insert durably logs t and adds it to the write buffer. The engine takes
// ownership of t and assigns its sequence number; a zero timestamp is set
// to the current time. The tuple is released when the insert fails before
// it reaches the write buffer.
func (e *Engine) Insert(t *tuple.Tuple) error {
	if e.closed.Load() {
		t.Release()
		return dberrors.ErrClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed.Load() {
		t.Release()
		return dberrors.ErrClosed
	}

	t.Seq = e.seqN.Next()
	if t.Timestamp == 0 {
		t.Timestamp = e.tp.Now().Unix()
	}
	if err := e.jr.Append(t); err != nil {
		t.Release()
		return fmt.Errorf("log append: %w", err)
	}
	return e.applyLocked(t, true)
}

// applyLocked hands t to the active tree. On a failed insert t is released;
// once inserted it belongs to the tree even if rotation fails.
func (e *Engine) applyLocked(t *tuple.Tuple, rotate bool) error {
	mem := e.current.Load().mem
	if err := mem.Insert(t); err != nil {
		t.Release()
		return fmt.Errorf("write buffer insert: %w", err)
	}
	if rotate && mem.Size() >= e.opts.WriteBufferBytes {
		return e.rotateLocked()
	}
	return nil
}

// rotateLocked freezes the active tree, starts a new log segment and hands
// the frozen tree to the scheduler. Callers hold writeMu.
func (e *Engine) rotateLocked() error {
	frozen := e.current.Load().mem
	if frozen.Len() == 0 {
		return nil
	}
	segment, err := e.jr.Roll()
	if err != nil {
		return fmt.Errorf("roll log: %w", err)
	}
	frozen.Freeze()

	fresh := memtree.New(e.treeIDs.Add(1))
	e.publish(func(cur *view) *view {
		imm := append([]*memtree.Tree{frozen}, cur.imm...)
		return newView(e.log, fresh, imm, cur.levels)
	})
	e.log.Debug("write buffer rotated", "tree", frozen.ID(), "tuples", frozen.Len(), "bytes", frozen.Size(), "segment", segment)

	return e.sched.enqueue(job{kind: jobFlush, tree: frozen, segment: segment})
}

// Put inserts a value for key.
func (e *Engine) Put(key, value []byte) error {
	return e.Insert(tuple.New(key, value))
}

// Delete inserts a tombstone for key.
func (e *Engine) Delete(key []byte) error {
	return e.Insert(tuple.NewTombstone(key))
}

// FindFirst returns an owned copy of the newest live version of key, or
// dberrors.ErrNotFound when the newest version is a tombstone, has expired
// or does not exist.
func (e *Engine) FindFirst(key []byte) (*tuple.Tuple, error) {
	v, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer e.release(v)

	found, err := e.lookupNewest(v, key)
	if err != nil {
		return nil, err
	}
	if found == nil || found.IsTombstone() || e.Expired(found) {
		return nil, dberrors.ErrNotFound
	}
	return found.Clone(), nil
}

// Expired reports whether t is past the configured expiry horizon.
func (e *Engine) Expired(t *tuple.Tuple) bool {
	return t.Expired(e.tp.Now().Unix(), e.opts.ExpirySeconds)
}

// lookupNewest returns the newest version of key in v, tombstones included.
func (e *Engine) lookupNewest(v *view, key []byte) (*tuple.Tuple, error) {
	if t, ok := v.mem.Get(key); ok {
		return t, nil
	}
	for _, tr := range v.imm {
		if t, ok := tr.Get(key); ok {
			return t, nil
		}
	}
	for _, r := range v.runs() {
		t, ok, err := r.Get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, nil
}

type ScanOptions struct {
	iterator.RangeOptions
	// Raw yields tombstones too.
	Raw bool
}

// Scan returns a range scanner over a consistent view of the store. The
// caller must Close it.
func (e *Engine) Scan(opts ScanOptions) (*iterator.Range, error) {
	v, err := e.acquire()
	if err != nil {
		return nil, err
	}
	m := iterator.NewMerge(v.sources(), iterator.MergeOptions{
		Raw:           opts.Raw,
		ExpiryHorizon: e.opts.ExpirySeconds,
		Clock:         e.tp,
	})
	return iterator.NewRange(m, opts.RangeOptions, func() { e.release(v) }), nil
}

// Flush rotates a non-empty write buffer and waits until every frozen tree
// has been written to a run.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	e.writeMu.Lock()
	var err error
	if !e.closed.Load() {
		err = e.rotateLocked()
	}
	e.writeMu.Unlock()
	if err != nil {
		return err
	}
	return e.sched.request(ctx, jobBarrier)
}

// Compact flushes and then merges every run into a single run at the
// deepest occupied level (at least level 1).
func (e *Engine) Compact(ctx context.Context) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}
	return e.sched.request(ctx, jobCompact)
}

type LevelStats struct {
	Level  int    `json:"level"`
	Runs   int    `json:"runs"`
	Bytes  int64  `json:"bytes"`
	Tuples uint64 `json:"tuples"`
}

type Stats struct {
	StoreID       string        `json:"store_id"`
	MemBytes      int64         `json:"mem_bytes"`
	MemTuples     int           `json:"mem_tuples"`
	Frozen        int           `json:"frozen"`
	Levels        []LevelStats  `json:"levels"`
	Seq           types.SeqN    `json:"seq"`
	WALCheckpoint types.SeqN    `json:"wal_checkpoint"`
	WALSegment    uint64        `json:"wal_segment"`
	NextTable     types.TableID `json:"next_table"`
	CacheBytes    int64         `json:"cache_bytes"`
	CacheHits     uint64        `json:"cache_hits"`
	CacheMisses   uint64        `json:"cache_misses"`
}

func (e *Engine) Stats() (Stats, error) {
	v, err := e.acquire()
	if err != nil {
		return Stats{}, err
	}
	defer e.release(v)

	data := e.cat.Snapshot()
	st := Stats{
		StoreID:       data.StoreID,
		MemBytes:      v.mem.Size(),
		MemTuples:     v.mem.Len(),
		Frozen:        len(v.imm),
		Seq:           e.seqN.Val(),
		WALCheckpoint: data.WALCheckpoint,
		WALSegment:    e.jr.Segment(),
	}
	for i, lvl := range v.levels {
		ls := LevelStats{Level: i, Runs: len(lvl)}
		for _, r := range lvl {
			ls.Bytes += r.Size()
			ls.Tuples += r.Count()
		}
		st.Levels = append(st.Levels, ls)
	}

	e.tableMu.Lock()
	st.NextTable = e.nextTable
	e.tableMu.Unlock()

	st.CacheBytes, st.CacheHits, st.CacheMisses = e.cache.Stats()
	return st, nil
}

// Close stops the scheduler, releases the current view and closes the log.
// Frozen trees that were not flushed are recovered from the log on the next
// Open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.done)
	e.sched.Stop()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.viewMu.Lock()
	if v := e.current.Swap(nil); v != nil {
		v.unref()
	}
	e.viewMu.Unlock()

	if err := e.jr.Close(); err != nil {
		return fmt.Errorf("close log: %w", err)
	}
	e.log.Info("engine closed")
	return nil
}
