// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// Inflight counts operations started and not finished yet.
//
// Operations can begin while another goroutine is draining: Drain returns the first time the
// count is zero. The stream of the reference backend keeps accepting work while Finalize drains it.
type Inflight struct {
	mu      sync.Mutex
	drained sync.Cond
	count   int
}

// NewInflight returns a counter with no operations in flight.
func NewInflight() *Inflight {
	f := &Inflight{}
	f.drained.L = &f.mu
	return f
}

// Begin records the start of an operation.
func (f *Inflight) Begin() {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
}

// End records the end of an operation. It panics if no operation was in flight.
func (f *Inflight) End() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		panic(errors.New("xsync.Inflight: End without Begin"))
	}
	f.count--
	if f.count == 0 {
		f.drained.Broadcast()
	}
}

// Count of operations in flight.
func (f *Inflight) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Drain blocks until no operation is in flight.
func (f *Inflight) Drain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.count > 0 {
		f.drained.Wait()
	}
}
