package clock

import (
	"sync/atomic"
	"time"
)

// AtomicClock hands out operation sequence numbers.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Advance moves the clock forward to t if t is ahead. It never moves backwards.
func (ac *AtomicClock) Advance(t uint64) {
	for {
		cur := ac.Load()
		if t <= cur || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}

// TimeProvider abstracts wall time so expiry can be tested deterministically.
type TimeProvider interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

// Fixed is a manually driven clock for tests.
type Fixed struct {
	unix atomic.Int64
}

func NewFixed(t time.Time) *Fixed {
	f := &Fixed{}
	f.Set(t)
	return f
}

func (f *Fixed) Now() time.Time {
	return time.Unix(f.unix.Load(), 0)
}

func (f *Fixed) Set(t time.Time) {
	f.unix.Store(t.Unix())
}

func (f *Fixed) Add(d time.Duration) {
	f.unix.Add(int64(d / time.Second))
}
