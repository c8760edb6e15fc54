package epoller

import (
	"runtime"
	"sync"
)

// WorkerPool runs a fixed number of loops, each on its own OS thread.
type WorkerPool struct {
	size int
	wg   sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{size: size}
}

func (wp *WorkerPool) Size() int { return wp.size }

// Start launches size goroutines running loop(id). Each is locked to its thread
// for its whole life.
func (wp *WorkerPool) Start(loop func(id int)) {
	for i := 0; i < wp.size; i++ {
		wp.wg.Add(1)
		go wp.worker(i, loop)
	}
}

func (wp *WorkerPool) worker(id int, loop func(int)) {
	defer wp.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	loop(id)
}

// Wait blocks until every loop has returned.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}
