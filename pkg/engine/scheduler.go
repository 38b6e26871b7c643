package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"lsmkv/pkg/catalog"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/memtree"
	"lsmkv/pkg/run"
	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

type jobKind int

const (
	jobFlush jobKind = iota
	jobTick
	jobBarrier
	jobCompact
)

type job struct {
	kind    jobKind
	tree    *memtree.Tree
	segment uint64
	done    chan error
}

// scheduler is the single background worker. It writes frozen trees to
// level-0 runs in rotation order and merges runs down the levels. Failed
// passes leave their inputs untouched and are retried on the next tick.
type scheduler struct {
	e   *Engine
	log *slog.Logger

	jobs    chan job
	worker  *listener.Listener[job]
	ticker  *time.Ticker
	ticks   *listener.Listener[time.Time]
	pending []job
}

var _ listener.Job = (*scheduler)(nil)

type mergeTask struct {
	inputs   []*run.Run
	outLevel int
}

func newScheduler(e *Engine) *scheduler {
	s := &scheduler{
		e:      e,
		log:    e.log.With("component", "scheduler"),
		jobs:   make(chan job, e.opts.MaxFrozen),
		ticker: time.NewTicker(e.opts.MergeInterval),
	}
	s.worker = listener.New(s.jobs, s.handle).OnError(func(err error) {
		s.log.Warn("background pass failed, will retry", "error", err)
	})
	s.ticks = listener.New(s.ticker.C, s.onTick, s.ticker.Stop)
	return s
}

func (s *scheduler) Start(ctx context.Context) {
	s.worker.Start(ctx)
	s.ticks.Start(ctx)
}

func (s *scheduler) Stop() {
	s.ticks.Stop()
	s.worker.Stop()
}

func (s *scheduler) onTick(time.Time) error {
	select {
	case s.jobs <- job{kind: jobTick}:
	default:
	}
	return nil
}

// enqueue blocks while the queue is full; this is the backpressure writers
// feel when flushes fall behind.
func (s *scheduler) enqueue(j job) error {
	select {
	case s.jobs <- j:
		return nil
	case <-s.e.done:
		return dberrors.ErrClosed
	}
}

// request runs a job of kind after everything already queued and waits
// for its result.
func (s *scheduler) request(ctx context.Context, kind jobKind) error {
	done := make(chan error, 1)
	if err := s.enqueue(job{kind: kind, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.e.done:
		return dberrors.ErrClosed
	}
}

func (s *scheduler) handle(j job) error {
	switch j.kind {
	case jobFlush:
		s.pending = append(s.pending, j)
		if err := s.flushPending(); err != nil {
			return err
		}
		return s.mergeUntilBalanced()
	case jobTick:
		if err := s.flushPending(); err != nil {
			return err
		}
		return s.mergeUntilBalanced()
	case jobBarrier:
		j.done <- s.flushPending()
	case jobCompact:
		err := s.flushPending()
		if err == nil {
			err = s.compactAll()
		}
		j.done <- err
	}
	return nil
}

func (s *scheduler) flushPending() error {
	for len(s.pending) > 0 {
		if err := s.flush(s.pending[0]); err != nil {
			return fmt.Errorf("flush tree %d: %w", s.pending[0].tree.ID(), err)
		}
		s.pending = s.pending[1:]
	}
	return nil
}

// flush writes one frozen tree to a level-0 run, commits it together with
// the log checkpoint and retires the tree and its log segments.
func (s *scheduler) flush(j job) error {
	e := s.e
	tree := j.tree

	started := time.Now()
	out, add, err := s.writeRun(0, tree.Iterator(nil), nil)
	if err != nil {
		return err
	}

	if err := e.cat.Commit(catalog.Edit{Add: add, WALCheckpoint: tree.MaxSeq()}); err != nil {
		s.discard(out)
		return err
	}

	e.publish(func(cur *view) *view {
		imm := slices.DeleteFunc(slices.Clone(cur.imm), func(t *memtree.Tree) bool { return t == tree })
		levels := cur.cloneLevels()
		if out != nil {
			levels[0] = append([]*run.Run{out}, levels[0]...)
		}
		return newView(e.log, cur.mem, imm, levels)
	})
	if out != nil {
		_ = out.Unref()
	}

	if err := e.jr.RemoveThrough(j.segment); err != nil {
		s.log.Warn("failed to remove flushed log segments", "through", j.segment, "error", err)
	}

	attrs := []any{"tree", tree.ID(), "tuples", tree.Len(), "checkpoint", tree.MaxSeq(), "took", time.Since(started)}
	if out != nil {
		attrs = append(attrs, "run", out.ID(), "bytes", out.Size())
	}
	s.log.Info("flushed write buffer", attrs...)
	return nil
}

// writeRun drains src into a new run at level. Tuples rejected by keep are
// skipped. An empty output produces no run. The returned run carries one
// reference owned by the caller.
func (s *scheduler) writeRun(level int, src iterator.Iterator, keep func(*tuple.Tuple) bool) (*run.Run, []catalog.RunEntry, error) {
	e := s.e
	id := e.cat.AllocRunID()
	path := e.cat.RunPath(id)

	w, err := run.Create(path, e.opts.Run)
	if err != nil {
		return nil, nil, err
	}
	for src.First(); src.Valid(); src.Next() {
		t := src.Tuple()
		if keep != nil && !keep(t) {
			continue
		}
		if err := w.Add(t); err != nil {
			return nil, nil, errors.Join(err, w.Abort())
		}
	}
	if err := src.Error(); err != nil {
		return nil, nil, errors.Join(err, w.Abort())
	}
	if w.Count() == 0 {
		return nil, nil, w.Abort()
	}

	info, err := w.Finish()
	if err != nil {
		return nil, nil, err
	}
	r, err := run.Open(path, id, e.cache)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("%w: reopen run %d: %v", dberrors.ErrStructural, id, err), os.Remove(path))
	}
	r.SetLevel(level)
	r.Ref()

	return r, []catalog.RunEntry{{
		ID:        id,
		Level:     level,
		File:      catalog.RunFileName(id),
		Size:      info.Size,
		Count:     info.Count,
		MinKey:    info.MinKey,
		MaxKey:    info.MaxKey,
		CreatedAt: info.CreatedAt,
	}}, nil
}

// discard drops an uncommitted output run and its file.
func (s *scheduler) discard(r *run.Run) {
	if r == nil {
		return
	}
	r.Supersede()
	if err := r.Unref(); err != nil {
		s.log.Warn("failed to discard run", "run", r.ID(), "error", err)
	}
}

func (s *scheduler) mergeUntilBalanced() error {
	for {
		v, err := s.e.acquire()
		if err != nil {
			return err
		}
		task := s.pick(v)
		if task == nil {
			s.e.release(v)
			return nil
		}
		err = s.merge(v, *task)
		s.e.release(v)
		if err != nil {
			return err
		}
	}
}

// pick chooses the next merge: an overfull level 0 merges with level 1,
// then the first level i >= 1 above its size limit merges into level i+1.
func (s *scheduler) pick(v *view) *mergeTask {
	o := s.e.opts
	if len(v.levels[0]) > o.L0Trigger {
		inputs := slices.Clone(v.levels[0])
		inputs = append(inputs, v.levels[1]...)
		return &mergeTask{inputs: inputs, outLevel: 1}
	}
	for i := 1; i < len(v.levels)-1; i++ {
		lvl := v.levels[i]
		if len(lvl) == 1 && lvl[0].Size() > o.levelLimit(i) {
			inputs := append(slices.Clone(lvl), v.levels[i+1]...)
			return &mergeTask{inputs: inputs, outLevel: i + 1}
		}
	}
	return nil
}

func (s *scheduler) compactAll() error {
	v, err := s.e.acquire()
	if err != nil {
		return err
	}
	defer s.e.release(v)

	inputs := v.runs()
	if len(inputs) == 0 {
		return nil
	}
	out := 1
	for i := len(v.levels) - 1; i > 1; i-- {
		if len(v.levels[i]) > 0 {
			out = i
			break
		}
	}
	return s.merge(v, mergeTask{inputs: inputs, outLevel: out})
}

// merge folds task.inputs (newest first) into one run at task.outLevel.
// Expired tuples are dropped; tombstones are dropped as well when nothing
// older than the output can exist.
func (s *scheduler) merge(v *view, task mergeTask) error {
	e := s.e
	for i, r := range task.inputs {
		if !r.MarkMerging() {
			for _, m := range task.inputs[:i] {
				m.Unmark()
			}
			return fmt.Errorf("%w: run %d is %s", dberrors.ErrStructural, r.ID(), r.State())
		}
	}
	unmark := func() {
		for _, r := range task.inputs {
			r.Unmark()
		}
	}

	bottom := !v.hasDeeper(task.outLevel)
	srcs := make([]iterator.Iterator, 0, len(task.inputs))
	ids := make([]types.RunID, 0, len(task.inputs))
	var inBytes int64
	for _, r := range task.inputs {
		srcs = append(srcs, r.Iterator(nil))
		ids = append(ids, r.ID())
		inBytes += r.Size()
	}
	m := iterator.NewMerge(srcs, iterator.MergeOptions{
		Raw:           true,
		ExpiryHorizon: e.opts.ExpirySeconds,
		Clock:         e.tp,
	})

	started := time.Now()
	out, add, err := s.writeRun(task.outLevel, m, func(t *tuple.Tuple) bool {
		return !(bottom && t.IsTombstone())
	})
	if cerr := m.Close(); err == nil && cerr != nil {
		s.discard(out)
		out, err = nil, cerr
	}
	if err != nil {
		unmark()
		return fmt.Errorf("merge into level %d: %w", task.outLevel, err)
	}

	if err := e.cat.Commit(catalog.Edit{Add: add, Remove: ids}); err != nil {
		s.discard(out)
		unmark()
		return fmt.Errorf("merge into level %d: %w", task.outLevel, err)
	}

	for _, r := range task.inputs {
		r.Supersede()
	}
	e.publish(func(cur *view) *view {
		levels := cur.cloneLevels()
		for i := range levels {
			levels[i] = slices.DeleteFunc(levels[i], func(r *run.Run) bool {
				return slices.Contains(ids, r.ID())
			})
		}
		if out != nil {
			levels[task.outLevel] = append([]*run.Run{out}, levels[task.outLevel]...)
		}
		return newView(e.log, cur.mem, cur.imm, levels)
	})

	attrs := []any{"inputs", ids, "level", task.outLevel, "bottom", bottom, "in_bytes", inBytes, "took", time.Since(started)}
	if out != nil {
		attrs = append(attrs, "run", out.ID(), "out_bytes", out.Size(), "tuples", out.Count())
		_ = out.Unref()
	}
	s.log.Info("merged runs", attrs...)
	return nil
}
