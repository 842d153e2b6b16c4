package synth

import (
	"sync/atomic"
)

type ringCell[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded lock-free queue. Any number of goroutines may Push;
// Pop is meant for a single consumer, though concurrent consumers are safe.
type Ring[T any] struct {
	mask  uint64
	cells []ringCell[T]
	head  atomic.Uint64
	tail  atomic.Uint64
}

// NewRing creates a ring holding at least capacity items, rounded up to a
// power of two.
func NewRing[T any](capacity int) *Ring[T] {
	size := uint64(1)
	for size < uint64(max(capacity, 1)) {
		size <<= 1
	}
	r := &Ring[T]{
		mask:  size - 1,
		cells: make([]ringCell[T], size),
	}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r
}

// Cap returns the number of slots.
func (r *Ring[T]) Cap() int { return len(r.cells) }

// Len returns the approximate number of queued items.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Push enqueues v. It returns false without blocking when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	pos := r.head.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = r.head.Load()
		case dif < 0:
			return false
		default:
			pos = r.head.Load()
		}
	}
}

// Pop dequeues the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	pos := r.tail.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.val = zero
				c.seq.Store(pos + r.mask + 1)
				return v, true
			}
			pos = r.tail.Load()
		case dif < 0:
			return zero, false
		default:
			pos = r.tail.Load()
		}
	}
}
