package session

import "sync"

// RingBuffer keeps the most recent values written to it, up to a fixed
// capacity. Sessions use it for their chat history.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // index of the oldest value
	count int
}

// NewRingBuffer creates a ring buffer holding at least one value.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, max(capacity, 1))}
}

// Write appends v, evicting the oldest value once the buffer is full.
func (rb *RingBuffer[T]) Write(v T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count < len(rb.items) {
		rb.items[(rb.head+rb.count)%len(rb.items)] = v
		rb.count++
		return
	}
	rb.items[rb.head] = v
	rb.head = (rb.head + 1) % len(rb.items)
}

func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

func (rb *RingBuffer[T]) Cap() int {
	return len(rb.items)
}

// Last returns up to n of the newest values, oldest first.
func (rb *RingBuffer[T]) Last(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n = min(max(n, 0), rb.count)
	out := make([]T, n)
	for i := range out {
		out[i] = rb.items[(rb.head+rb.count-n+i)%len(rb.items)]
	}
	return out
}

// ReadAll returns every buffered value, oldest first.
func (rb *RingBuffer[T]) ReadAll() []T {
	return rb.Last(rb.Cap())
}
