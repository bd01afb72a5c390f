// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-limited pool of goroutines, used to parallelize
// the CPU kernels over rows.
package workerspool

import (
	"runtime"
	"sync"
)

type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{}
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// You should only change the parallelism before any workers start running. If changed during the execution
// the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// ParallelFor calls fn over consecutive ranges [start, end) that cover [0, n), each with at
// least minChunk elements (except maybe the last), and returns when all calls finished.
//
// The calling goroutine must not be one of the pool's workers, or it may deadlock.
func (w *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	numChunks := 1
	if w.IsEnabled() {
		numChunks = w.maxParallelism
		if w.IsUnlimited() {
			numChunks = runtime.NumCPU()
		}
	}
	if minChunk < 1 {
		minChunk = 1
	}
	if maxChunks := (n + minChunk - 1) / minChunk; numChunks > maxChunks {
		numChunks = maxChunks
	}
	if numChunks <= 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			fn(start, end)
		})
	}
	wg.Wait()
}
