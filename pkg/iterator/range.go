package iterator

import (
	"bytes"

	"lsmkv/pkg/tuple"
	"lsmkv/pkg/types"
)

// Status is the outcome of Range.Next.
type Status int

const (
	// OK means a tuple was produced.
	OK Status = iota
	// EndOfData means every source is exhausted.
	EndOfData
	// EndOfRange means the end bound was reached; data may continue past it.
	EndOfRange
	// Capped means a record or byte cap stopped the scan before it was
	// exhausted.
	Capped
	// Failed means a source reported an error; see Range.Error.
	Failed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case EndOfData:
		return "end-of-data"
	case EndOfRange:
		return "end-of-range"
	case Capped:
		return "capped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Bound is one end of a scan range. A nil Key means unbounded.
type Bound struct {
	Key       types.Key
	Inclusive bool
}

type RangeOptions struct {
	Start Bound
	End   Bound
	// MaxRecords caps produced tuples; zero is unlimited.
	MaxRecords int
	// MaxBytes caps the summed key+value bytes of produced tuples; zero is
	// unlimited. The tuple that crosses the cap is still produced.
	MaxBytes int
}

// Range drives an iterator between two bounds with optional caps.
type Range struct {
	it      Iterator
	opts    RangeOptions
	onClose func()

	started bool
	done    Status
	records int
	bytes   int
	cur     *tuple.Tuple
}

// NewRange wraps it. onClose, when set, runs once after the iterator is
// closed.
func NewRange(it Iterator, opts RangeOptions, onClose func()) *Range {
	return &Range{
		it:      it,
		opts:    opts,
		onClose: onClose,
		done:    OK,
	}
}

// Next positions the scanner on the next tuple and returns OK, or reports
// why the scan stopped. Once stopped, Next keeps returning the same status.
func (r *Range) Next() Status {
	if r.done != OK {
		return r.done
	}
	r.cur = nil

	if r.capReached() {
		return r.stop(Capped)
	}

	if !r.started {
		r.started = true
		r.seekStart()
	} else {
		r.it.Next()
	}

	if !r.it.Valid() {
		if r.it.Error() != nil {
			return r.stop(Failed)
		}
		return r.stop(EndOfData)
	}

	t := r.it.Tuple()
	if r.pastEnd(t.Key) {
		return r.stop(EndOfRange)
	}

	r.cur = t
	r.records++
	r.bytes += len(t.Key) + len(t.Value)
	return OK
}

func (r *Range) seekStart() {
	start := r.opts.Start
	if start.Key == nil {
		r.it.First()
		return
	}
	r.it.Seek(start.Key)
	if !start.Inclusive && r.it.Valid() && bytes.Equal(r.it.Tuple().Key, start.Key) {
		r.it.Next()
	}
}

func (r *Range) pastEnd(key types.Key) bool {
	end := r.opts.End
	if end.Key == nil {
		return false
	}
	c := bytes.Compare(key, end.Key)
	return c > 0 || (c == 0 && !end.Inclusive)
}

func (r *Range) capReached() bool {
	return (r.opts.MaxRecords > 0 && r.records >= r.opts.MaxRecords) ||
		(r.opts.MaxBytes > 0 && r.bytes >= r.opts.MaxBytes)
}

func (r *Range) stop(s Status) Status {
	r.done = s
	r.cur = nil
	return s
}

// Tuple is the current tuple after Next returned OK. It is borrowed.
func (r *Range) Tuple() *tuple.Tuple {
	return r.cur
}

// Records is the number of tuples produced so far.
func (r *Range) Records() int {
	return r.records
}

func (r *Range) Error() error {
	if r.it == nil {
		return nil
	}
	return r.it.Error()
}

// Close closes the underlying iterator and is safe to call more than once.
func (r *Range) Close() error {
	if r.it == nil {
		return nil
	}
	err := r.it.Close()
	r.it = nil
	if r.onClose != nil {
		r.onClose()
		r.onClose = nil
	}
	return err
}
