// Package queue provides the growable FIFO buffer used for per-connection
// outbound frames and for the event journal input.
//
// Send never blocks: a full or closed queue is reported to the caller so a
// stalled consumer cannot hold up the producer.
package queue

import (
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a thread-safe ring buffer that doubles its capacity when it
// reaches 70% full, up to a fixed maximum.
type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	max      int
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	rejected      int64
	resizeCount   int
}

// New creates a queue with the given initial capacity that never grows past
// maxCapacity. A maxCapacity below initialCapacity pins the queue at its
// initial size.
func New[T any](initialCapacity, maxCapacity int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	q := &Queue[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		max:      maxCapacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send appends an item without blocking.
func (q *Queue[T]) Send(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.rejected++
		return ErrQueueClosed
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && q.capacity < q.max {
		q.grow()
	}

	if q.count == q.capacity {
		q.rejected++
		return ErrQueueFull
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++

	q.cond.Signal()
	return nil
}

// Receive removes and returns the oldest item, blocking until one is
// available. It returns false once the queue is closed and drained.
func (q *Queue[T]) Receive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.count == 0 {
		var zero T
		return zero, false
	}

	return q.popLocked(), true
}

// DrainTo removes up to max items (all items when max <= 0) without
// blocking.
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = q.popLocked()
	}
	return result
}

// Close stops accepting items. Receivers get the remaining items and then
// the closed signal. Closing twice is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:         q.count,
		Capacity:      q.capacity,
		MaxCapacity:   q.max,
		TotalReceived: q.totalReceived,
		TotalSent:     q.totalSent,
		Rejected:      q.rejected,
		ResizeCount:   q.resizeCount,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count         int   `json:"count"`
	Capacity      int   `json:"capacity"`
	MaxCapacity   int   `json:"max_capacity"`
	TotalReceived int64 `json:"total_received"`
	TotalSent     int64 `json:"total_sent"`
	Rejected      int64 `json:"rejected"`
	ResizeCount   int   `json:"resize_count"`
}

// popLocked removes the head item. Must be called with lock held and count > 0.
func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalSent++
	return item
}

// grow doubles the capacity, clamped to max. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	if newCapacity > q.max {
		newCapacity = q.max
	}
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
