package run

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/tuple"
)

const (
	defaultBlockSize = 4 * 1024
	defaultBloomFP   = 0.01
)

type WriterOptions struct {
	BlockSize   int
	Codec       Codec
	BloomFPRate float64
}

// Info describes a finished run file.
type Info struct {
	Path      string
	Size      int64
	Count     uint64
	MinKey    []byte
	MaxKey    []byte
	CreatedAt time.Time
}

// Writer streams tuples in strictly ascending key order into a new run.
// Output goes to a temporary file that Finish renames into place.
type Writer struct {
	opts    WriterOptions
	path    string
	tmpPath string
	file    *os.File
	w       *bufio.Writer

	index    []indexEntry
	block    []byte
	blockKey []byte
	hashes   []uint64
	lastKey  []byte
	minKey   []byte
	count    uint64
	offset   uint64
	done     bool
}

func Create(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = defaultBlockSize
	}
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = defaultBloomFP
	}

	tmpPath := path + tmpExt
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: create run %s: %v", dberrors.ErrStructural, tmpPath, err)
	}

	return &Writer{
		opts:    opts,
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		w:       bufio.NewWriterSize(file, 64*1024),
	}, nil
}

// Add appends t. Keys must be strictly ascending.
func (w *Writer) Add(t *tuple.Tuple) error {
	if w.done {
		return fmt.Errorf("%w: add to finished run writer", dberrors.ErrInvalidArgument)
	}
	if w.count > 0 && bytes.Compare(t.Key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: run keys out of order: %q after %q", dberrors.ErrInvalidArgument, t.Key, w.lastKey)
	}

	if len(w.block) == 0 {
		w.blockKey = append(w.blockKey[:0], t.Key...)
	}
	if w.count == 0 {
		w.minKey = append([]byte(nil), t.Key...)
	}
	w.block = tuple.AppendEncoded(w.block, t)
	w.lastKey = append(w.lastKey[:0], t.Key...)
	w.hashes = append(w.hashes, keyHash(t.Key))
	w.count++

	if len(w.block) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	payload, err := w.opts.Codec.encode(w.block)
	if err != nil {
		return err
	}
	n, err := writeFrame(w.w, payload)
	if err != nil {
		return fmt.Errorf("%w: write block: %v", dberrors.ErrStructural, err)
	}
	w.index = append(w.index, indexEntry{
		firstKey: append([]byte(nil), w.blockKey...),
		offset:   w.offset,
		length:   uint64(n),
	})
	w.offset += uint64(n)
	w.block = w.block[:0]
	return nil
}

// Count is the number of tuples added so far.
func (w *Writer) Count() uint64 {
	return w.count
}

// Finish writes index, bloom filter and footer, syncs the file and renames
// it to its final path.
func (w *Writer) Finish() (Info, error) {
	if w.done {
		return Info{}, fmt.Errorf("%w: run writer already finished", dberrors.ErrInvalidArgument)
	}
	info, err := w.finish()
	if err != nil {
		return Info{}, errors.Join(err, w.Abort())
	}
	return info, nil
}

func (w *Writer) finish() (Info, error) {
	if err := w.flushBlock(); err != nil {
		return Info{}, err
	}

	indexOff := w.offset
	n, err := writeFrame(w.w, marshalIndex(w.index, w.lastKey))
	if err != nil {
		return Info{}, fmt.Errorf("%w: write index: %v", dberrors.ErrStructural, err)
	}
	w.offset += uint64(n)

	bloom := NewBloom(len(w.hashes), w.opts.BloomFPRate)
	for _, h := range w.hashes {
		bloom.addHash(h)
	}
	bloomOff := w.offset
	m, err := writeFrame(w.w, bloom.Marshal())
	if err != nil {
		return Info{}, fmt.Errorf("%w: write bloom: %v", dberrors.ErrStructural, err)
	}
	w.offset += uint64(m)

	created := time.Now()
	ft := footer{
		indexOff:  indexOff,
		indexLen:  uint64(n),
		bloomOff:  bloomOff,
		bloomLen:  uint64(m),
		count:     w.count,
		createdAt: created.Unix(),
		codec:     w.opts.Codec,
	}
	if _, err := w.w.Write(ft.marshal()); err != nil {
		return Info{}, fmt.Errorf("%w: write footer: %v", dberrors.ErrStructural, err)
	}
	w.offset += footerSize

	if err := w.w.Flush(); err != nil {
		return Info{}, fmt.Errorf("%w: flush run: %v", dberrors.ErrStructural, err)
	}
	if err := w.file.Sync(); err != nil {
		return Info{}, fmt.Errorf("%w: sync run: %v", dberrors.ErrStructural, err)
	}
	if err := w.file.Close(); err != nil {
		return Info{}, fmt.Errorf("%w: close run: %v", dberrors.ErrStructural, err)
	}
	w.file = nil
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return Info{}, fmt.Errorf("%w: rename run: %v", dberrors.ErrStructural, err)
	}
	if err := SyncDir(filepath.Dir(w.path)); err != nil {
		return Info{}, fmt.Errorf("%w: %v", dberrors.ErrStructural, err)
	}
	w.done = true

	return Info{
		Path:      w.path,
		Size:      int64(w.offset),
		Count:     w.count,
		MinKey:    w.minKey,
		MaxKey:    append([]byte(nil), w.lastKey...),
		CreatedAt: time.Unix(created.Unix(), 0),
	}, nil
}

// Abort discards partial output.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	var errs []error
	if w.file != nil {
		errs = append(errs, w.file.Close())
		w.file = nil
	}
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SyncDir fsyncs a directory so that renames inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
