// Package ringbuffer provides a fixed-capacity circular buffer that keeps the
// most recent items in arrival order.
//
// The backing slice is allocated once at construction. Push overwrites the
// oldest slot when the buffer is full, so memory stays bounded no matter how
// long the producer runs. Snapshot copies the live window out under the same
// short critical section used by Push, so a reader never observes a torn
// eviction+insert pair.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidCapacity is returned by New when capacity is not positive.
var ErrInvalidCapacity = errors.New("ringbuffer: invalid capacity")

// Stats is a point-in-time view of buffer counters.
type Stats struct {
	Capacity int    `json:"capacity"`
	Len      int    `json:"len"`
	Pushed   uint64 `json:"pushed"`
	Evicted  uint64 `json:"evicted"`
}

// Ring is a fixed-capacity FIFO that evicts its oldest element on overflow.
// It is safe for one producer and any number of concurrent readers.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // index of the oldest element
	count int

	pushed  uint64
	evicted uint64
}

// New creates a ring holding at most capacity elements.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d (must be > 0)", ErrInvalidCapacity, capacity)
	}
	return &Ring[T]{items: make([]T, capacity)}, nil
}

// Push appends item as the newest element. When the ring is full the oldest
// element is evicted in the same critical section. Push never blocks on
// readers beyond that section and never fails.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.items)
	if r.count == capacity {
		// Overwrite the oldest slot and advance head.
		r.items[r.head] = item
		r.head = (r.head + 1) % capacity
		r.evicted++
	} else {
		r.items[(r.head+r.count)%capacity] = item
		r.count++
	}
	r.pushed++
}

// Snapshot returns a copy of the held elements, oldest first. The returned
// slice is independent of the ring: later pushes do not affect it. An empty
// ring yields an empty, non-nil slice.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.count)
	capacity := len(r.items)

	// Copy in at most two contiguous runs: [head:end] then [0:wrap].
	firstRun := r.count
	if r.head+firstRun > capacity {
		firstRun = capacity - r.head
	}
	copy(out, r.items[r.head:r.head+firstRun])
	copy(out[firstRun:], r.items[:r.count-firstRun])

	return out
}

// Len returns the number of held elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// IsEmpty reports whether nothing has been pushed yet.
func (r *Ring[T]) IsEmpty() bool {
	return r.Len() == 0
}

// Stats returns a snapshot of the ring counters.
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Capacity: len(r.items),
		Len:      r.count,
		Pushed:   r.pushed,
		Evicted:  r.evicted,
	}
}
