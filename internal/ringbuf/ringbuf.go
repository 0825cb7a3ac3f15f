// Package ringbuf provides a fixed-capacity circular buffer.
package ringbuf

import "sync"

// Buffer is a thread-safe circular buffer that keeps the most recent values.
type Buffer[T any] struct {
	items []T
	size  int
	head  int
	count int
	mu    sync.RWMutex
}

// New creates a buffer holding at most size values. A size below 1 is treated as 1.
func New[T any](size int) *Buffer[T] {
	if size < 1 {
		size = 1
	}
	return &Buffer[T]{
		items: make([]T, size),
		size:  size,
	}
}

// Write adds a value, overwriting the oldest one if the buffer is full.
func (b *Buffer[T]) Write(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = v
	b.head = (b.head + 1) % b.size

	if b.count < b.size {
		b.count++
	}
}

// ReadAll returns all values, oldest first.
func (b *Buffer[T]) ReadAll() []T {
	return b.Last(-1)
}

// Last returns up to n of the newest values, oldest first.
// A negative n returns everything.
func (b *Buffer[T]) Last(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n < 0 || n > b.count {
		n = b.count
	}
	if n == 0 {
		return nil
	}

	result := make([]T, n)
	// Position of the oldest value we return.
	start := (b.head - n + b.size) % b.size
	for i := range n {
		result[i] = b.items[(start+i)%b.size]
	}
	return result
}

// Count returns the number of values currently held.
func (b *Buffer[T]) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Reset drops every value and releases references held by the buffer.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.items)
	b.head = 0
	b.count = 0
}
