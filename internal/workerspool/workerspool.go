// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the number of goroutines used by the reference backend to copy
// shards and run per-device computations.
package workerspool

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool holds the parallelism limit of a process. Work runs through errgroup groups limited to it.
type Pool struct {
	// maxParallelism: 0 disables parallelism (tasks run one at a time), negative means unlimited.
	maxParallelism int
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// MaxParallelism returns the current parallelism limit.
// 0 means parallelism is disabled, -1 means unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// It should only be changed before any work starts running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// Group returns a new errgroup.Group limited to the pool's parallelism.
func (w *Pool) Group() *errgroup.Group {
	g := &errgroup.Group{}
	switch {
	case w.maxParallelism > 0:
		g.SetLimit(w.maxParallelism)
	case w.maxParallelism == 0:
		g.SetLimit(1)
	}
	return g
}

// ForEach calls task(i) for i in [0, n) using the pool's workers, and returns when all calls
// are finished. It returns the first error returned by a task.
func (w *Pool) ForEach(n int, task func(i int) error) error {
	if n == 1 || w.maxParallelism == 0 {
		var firstErr error
		for i := range n {
			if err := task(i); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	g := w.Group()
	for i := range n {
		g.Go(func() error { return task(i) })
	}
	return g.Wait()
}
