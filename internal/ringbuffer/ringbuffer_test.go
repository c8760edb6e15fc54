package ringbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferFIFO(t *testing.T) {
	rb := NewRingBuffer[int](3)
	assert.True(t, rb.IsEmpty())
	assert.Equal(t, minCapacity, rb.Cap())

	for i := 0; i < 5; i++ {
		rb.Push(i)
	}
	assert.Equal(t, 5, rb.Len())

	head, ok := rb.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, head)

	for i := 0; i < 5; i++ {
		val, ok := rb.Pop()
		require.True(t, ok)
		assert.Equal(t, i, val)
	}

	_, ok = rb.Pop()
	assert.False(t, ok)
}

func TestRingBufferGrowKeepsOrderAcrossWrap(t *testing.T) {
	rb := NewRingBuffer[int](minCapacity)

	// move head to the middle so the ring wraps before it grows
	for i := 0; i < 10; i++ {
		rb.Push(i)
	}
	for n := 0; n < 10; n++ {
		rb.Pop()
	}

	for i := 0; i < 40; i++ {
		rb.Push(i)
	}
	assert.Equal(t, 64, rb.Cap())

	for i := 0; i < 40; i++ {
		val, ok := rb.Pop()
		require.True(t, ok)
		assert.Equal(t, i, val)
	}
	assert.True(t, rb.IsEmpty())
}

func TestRingBufferConcurrent(t *testing.T) {
	const (
		writerCount  = 4
		elementsEach = 1000
	)

	rb := NewRingBuffer[int](4)
	var wg sync.WaitGroup

	for i := 0; i < writerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < elementsEach; j++ {
				rb.Push(id*elementsEach + j)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, writerCount*elementsEach)
	for {
		val, ok := rb.Pop()
		if !ok {
			break
		}
		assert.False(t, seen[val], "duplicate value %d", val)
		seen[val] = true
	}
	assert.Len(t, seen, writerCount*elementsEach)
}
