// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/placement/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// stream executes the operations of a process asynchronously, one at a time, in the order they
// were enqueued.
type stream struct {
	name string

	mu     sync.Mutex
	cond   sync.Cond
	queue  []streamOp
	closed bool

	inflight *xsync.Inflight
	stopped  *xsync.Latch
}

type streamOp struct {
	fn   func() error
	done *xsync.LatchWithValue[error]
}

func newStream(name string) *stream {
	s := &stream{
		name:     name,
		inflight: xsync.NewInflight(),
		stopped:  xsync.NewLatch(),
	}
	s.cond = sync.Cond{L: &s.mu}
	go s.run()
	return s
}

// enqueue schedules fn, and triggers done with its result once it has run.
func (s *stream) enqueue(done *xsync.LatchWithValue[error], fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		done.Trigger(errors.Errorf("stream of %s is closed", s.name))
		return
	}
	s.inflight.Begin()
	s.queue = append(s.queue, streamOp{fn: fn, done: done})
	s.cond.Signal()
}

func (s *stream) run() {
	defer s.stopped.Trigger()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = streamOp{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		var err error
		if exception := exceptions.Try(func() { err = op.fn() }); exception != nil {
			err = errors.Errorf("operation in stream of %s panicked: %v", s.name, exception)
		}
		if err != nil {
			klog.V(1).Infof("stream of %s: operation failed: %v", s.name, err)
		}
		op.done.Trigger(err)
		s.inflight.End()
	}
}

// pending returns the number of operations enqueued and not finished yet.
func (s *stream) pending() int {
	return s.inflight.Count()
}

// close waits for the pending operations and stops the stream goroutine.
func (s *stream) close() {
	s.inflight.Drain()
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.stopped.Wait()
}
