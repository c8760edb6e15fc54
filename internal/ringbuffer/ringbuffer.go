package ringbuffer

import (
	"sync"
)

const minCapacity = 16

// RingBuffer is a growable FIFO ring, safe for concurrent producers and consumers.
// Push never blocks and never drops: a full ring doubles its backing slice.
type RingBuffer[T any] struct {
	mu     sync.Mutex
	buffer []T
	head   int
	size   int
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &RingBuffer[T]{
		buffer: make([]T, capacity),
	}
}

func (rb *RingBuffer[T]) Push(val T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == len(rb.buffer) {
		rb.grow()
	}

	pos := (rb.head + rb.size) % len(rb.buffer)
	rb.buffer[pos] = val
	rb.size++
}

// Pop removes the oldest element. ok is false when the ring is empty.
func (rb *RingBuffer[T]) Pop() (val T, ok bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return val, false
	}

	var zero T
	val = rb.buffer[rb.head]
	rb.buffer[rb.head] = zero // drop the reference for the GC
	rb.head = (rb.head + 1) % len(rb.buffer)
	rb.size--
	return val, true
}

func (rb *RingBuffer[T]) Peek() (T, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	return rb.buffer[rb.head], true
}

func (rb *RingBuffer[T]) IsEmpty() bool {
	return rb.Len() == 0
}

func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

func (rb *RingBuffer[T]) Cap() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buffer)
}

// grow doubles the backing slice and unwraps the ring so head is 0. Caller holds mu.
func (rb *RingBuffer[T]) grow() {
	next := make([]T, len(rb.buffer)*2)
	n := copy(next, rb.buffer[rb.head:])
	copy(next[n:], rb.buffer[:rb.head])
	rb.buffer = next
	rb.head = 0
}
