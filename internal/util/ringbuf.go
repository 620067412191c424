package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element and hands it back. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity (minimum 1).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item. If the buffer was full, the overwritten element is
// returned with evicted=true.
func (r *RingBuffer[T]) Push(item T) (old T, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		old, evicted = r.buf[idx], true
		r.buf[idx] = item
		r.head = (r.head + 1) % len(r.buf)
		return old, evicted
	}
	r.buf[idx] = item
	r.count++
	return old, false
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Last returns up to n of the newest elements, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	all := r.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}

// Cap returns the fixed capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}
