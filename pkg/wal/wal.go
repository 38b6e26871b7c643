// Package wal is the durable operation stream of the engine.
//
// The log is a sequence of segment files named wal-<n>.log. Each record is
//
//	len u32 | lenCRC u32 | crc u32 | tuple encoding
//
// where lenCRC is the crc32 of the four length bytes and crc is the crc32
// of the length bytes followed by the tuple encoding. Appends always go to
// the newest segment; Roll starts a new one so that segments holding only
// flushed operations can be removed as a whole.
package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

const (
	headerSize    = 12
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

// SyncMode determines when appends are synced to disk.
type SyncMode int

const (
	// SyncNone hands every append to the OS without fsync.
	SyncNone SyncMode = iota
	// SyncCommit fsyncs after every append.
	SyncCommit
	// SyncBatch fsyncs every BatchSize appends and on a BatchInterval ticker.
	SyncBatch
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncCommit:
		return "commit"
	case SyncBatch:
		return "batch"
	default:
		return "sync(" + strconv.Itoa(int(m)) + ")"
	}
}

func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return SyncNone, nil
	case "commit", "":
		return SyncCommit, nil
	case "batch":
		return SyncBatch, nil
	default:
		return 0, fmt.Errorf("%w: unknown wal sync mode %q", dberrors.ErrInvalidArgument, s)
	}
}

type Options struct {
	SyncMode      SyncMode
	BatchSize     int
	BatchInterval time.Duration
}

// WAL implements write-ahead logging
type WAL struct {
	mu      sync.Mutex
	dir     string
	opts    Options
	log     *slog.Logger
	segment uint64
	file    *os.File
	buf     []byte
	pending int
	closed  bool

	ticker *time.Ticker
	syncer listener.Job
}

// Open opens the log in dir and starts a fresh segment for appends. In
// batch mode a background syncer runs until Close.
func Open(dir string, opts Options, logger *slog.Logger) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty WAL dir", dberrors.ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	var last uint64
	if len(segs) > 0 {
		last = segs[len(segs)-1]
	}

	w := &WAL{
		dir:  dir,
		opts: opts,
		log:  logger.With("component", "wal"),
	}
	if err := w.openSegment(last + 1); err != nil {
		return nil, err
	}

	if opts.SyncMode == SyncBatch {
		if w.opts.BatchInterval <= 0 {
			w.opts.BatchInterval = 10 * time.Millisecond
		}
		w.ticker = time.NewTicker(w.opts.BatchInterval)
		w.syncer = listener.New(w.ticker.C, w.onTick, w.ticker.Stop)
		w.syncer.Start(context.Background())
	}
	return w, nil
}

func segmentName(n uint64) string {
	return fmt.Sprintf("%s%016d%s", segmentPrefix, n, segmentSuffix)
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL directory: %w", err)
	}
	var segs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, n)
	}
	slices.Sort(segs)
	return segs, nil
}

func (w *WAL) openSegment(n uint64) error {
	path := filepath.Join(w.dir, segmentName(n))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment: %w", err)
	}
	w.file = file
	w.segment = n
	w.pending = 0
	return nil
}

// Append writes t to the current segment and syncs according to the
// configured mode.
func (w *WAL) Append(t *tuple.Tuple) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return dberrors.ErrClosed
	}

	w.buf = append(w.buf[:0], make([]byte, headerSize)...)
	w.buf = tuple.AppendEncoded(w.buf, t)
	payload := w.buf[headerSize:]
	le := binary.LittleEndian
	le.PutUint32(w.buf[0:], uint32(len(payload)))
	le.PutUint32(w.buf[4:], crc32.ChecksumIEEE(w.buf[0:4]))
	le.PutUint32(w.buf[8:], recordSum(w.buf[0:4], payload))

	if _, err := w.file.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}

	switch w.opts.SyncMode {
	case SyncCommit:
		return w.syncLocked()
	case SyncBatch:
		w.pending++
		if w.opts.BatchSize > 0 && w.pending >= w.opts.BatchSize {
			return w.syncLocked()
		}
	}
	return nil
}

// Sync forces buffered appends to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.pending = 0
	return nil
}

// will be called async by WAL.syncer on every batch tick
func (w *WAL) onTick(time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.pending == 0 {
		return nil
	}
	if err := w.syncLocked(); err != nil {
		w.log.Warn("batch sync failed", "segment", w.segment, "error", err)
	}
	return nil
}

// Roll syncs and closes the current segment, starts the next one and
// returns the number of the closed segment.
func (w *WAL) Roll() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, dberrors.ErrClosed
	}
	prev := w.segment
	if err := w.syncLocked(); err != nil {
		return 0, err
	}
	if err := w.file.Close(); err != nil {
		return 0, fmt.Errorf("failed to close WAL segment: %w", err)
	}
	if err := w.openSegment(prev + 1); err != nil {
		return 0, err
	}
	return prev, nil
}

// Segment is the number of the segment receiving appends.
func (w *WAL) Segment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segment
}

// RemoveThrough deletes every segment numbered <= n. The active segment is
// never removed.
func (w *WAL) RemoveThrough(n uint64) error {
	w.mu.Lock()
	active := w.segment
	w.mu.Unlock()

	segs, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range segs {
		if s > n || s >= active {
			break
		}
		if err := os.Remove(filepath.Join(w.dir, segmentName(s))); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Replay streams every logged tuple with Seq > after, oldest segment first,
// to fn, and returns the number of records delivered to fn.
//
// Only the newest non-empty segment can end in a torn write: a record cut
// short at its end is truncated away with a warning and replay continues.
// Anything else that does not verify fails with dberrors.ErrCorruption:
// a short record in an older segment, a length whose checksum does not
// match, or a complete record with a bad checksum.
//
// Only segments closed before the call are replayed; fn may append to the log.
func (w *WAL) Replay(after types.SeqN, fn func(*tuple.Tuple) error) (int, error) {
	w.mu.Lock()
	active := w.segment
	w.mu.Unlock()

	segs, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}
	segs = slices.DeleteFunc(segs, func(s uint64) bool { return s >= active })
	tail, err := w.tailSegment(segs)
	if err != nil {
		return 0, err
	}

	var delivered int
	for _, s := range segs {
		n, err := w.replaySegment(s, s == tail, after, fn)
		delivered += n
		if err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// tailSegment returns the newest non-empty segment of segs, the one that was
// receiving appends when the previous process stopped. Segments created by
// a process that stopped before writing anything are empty and skipped.
func (w *WAL) tailSegment(segs []uint64) (uint64, error) {
	for i := len(segs) - 1; i >= 0; i-- {
		st, err := os.Stat(filepath.Join(w.dir, segmentName(segs[i])))
		if err != nil {
			return 0, fmt.Errorf("failed to stat WAL segment %d: %w", segs[i], err)
		}
		if st.Size() > 0 {
			return segs[i], nil
		}
	}
	return 0, nil
}

func recordSum(lenBytes, payload []byte) uint32 {
	return crc32.Update(crc32.ChecksumIEEE(lenBytes), crc32.IEEETable, payload)
}

func (w *WAL) replaySegment(seg uint64, tail bool, after types.SeqN, fn func(*tuple.Tuple) error) (int, error) {
	path := filepath.Join(w.dir, segmentName(seg))
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read WAL segment %d: %w", seg, err)
	}

	var (
		off       int
		delivered int
		le        = binary.LittleEndian
	)
	corrupt := func(what string) error {
		return fmt.Errorf("%w: WAL segment %d offset %d: %s", dberrors.ErrCorruption, seg, off, what)
	}
	torn := func() (int, error) {
		w.log.Warn("truncating torn WAL tail", "segment", seg, "offset", off, "dropped_bytes", len(data)-off)
		if err := os.Truncate(path, int64(off)); err != nil {
			return delivered, fmt.Errorf("failed to truncate WAL segment %d: %w", seg, err)
		}
		return delivered, nil
	}

	for off < len(data) {
		rest := data[off:]
		if tail && allZero(rest) {
			return torn()
		}
		if len(rest) < headerSize {
			if tail {
				return torn()
			}
			return delivered, corrupt("short record header")
		}
		if crc32.ChecksumIEEE(rest[0:4]) != le.Uint32(rest[4:]) {
			return delivered, corrupt("length checksum mismatch")
		}
		length := int(le.Uint32(rest[0:]))
		if len(rest)-headerSize < length {
			if tail {
				return torn()
			}
			return delivered, corrupt(fmt.Sprintf("record of %d bytes exceeds segment end", length))
		}

		payload := rest[headerSize : headerSize+length]
		if recordSum(rest[0:4], payload) != le.Uint32(rest[8:]) {
			// the last record of the tail may have been written partially
			if tail && off+headerSize+length == len(data) {
				return torn()
			}
			return delivered, corrupt("checksum mismatch")
		}
		t, n, err := tuple.Decode(payload)
		if err != nil || n != length {
			return delivered, corrupt("bad record")
		}
		off += headerSize + length

		if t.Seq <= after {
			continue
		}
		if err := fn(t); err != nil {
			return delivered, fmt.Errorf("WAL replay callback failed: %w", err)
		}
		delivered++
	}
	return delivered, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (w *WAL) Close() error {
	if w.syncer != nil {
		w.syncer.Stop()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync WAL on close: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close WAL file: %w", err))
	}
	return errors.Join(errs...)
}
