// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization tools used to track asynchronous device work:
// completion latches for buffers and runtime tokens, a dynamic wait group for in-flight work and
// a typed sync.Map.
package xsync

import "sync"

// Latch is a one-shot completion signal: it can be waited for until it is triggered, and once
// triggered it stays triggered.
type Latch struct {
	mu   sync.Mutex
	done chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// NewTriggeredLatch returns a latch that is already triggered, used for values that are ready
// when created.
func NewTriggeredLatch() *Latch {
	l := NewLatch()
	close(l.done)
	return l
}

// Trigger the latch. It returns false if the latch had already been triggered.
func (l *Latch) Trigger() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Test() {
		return false
	}
	close(l.done)
	return true
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.done
}

// Test checks whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the latch triggers, for use in `select`.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.done
}

// LatchWithValue is a Latch that carries a value set at trigger time. The reference backend
// uses LatchWithValue[error] as the completion status of asynchronous work.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: NewLatch()}
}

// Trigger the latch and store the value. Only the first call has an effect.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.mu.Lock()
	defer l.latch.mu.Unlock()
	if l.latch.Test() {
		return
	}
	l.value = value
	close(l.latch.done)
}

// Wait blocks until the latch is triggered and returns the stored value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}

// SyncMap is a typed wrapper of sync.Map.
//
// As sync.Map, its zero value is ready to use, and it should not be copied after first use.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

// Load returns the value stored for key, if any.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.m.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.m.Store(key, value)
}

// LoadOrStore returns the existing value for the key if present, otherwise it stores value.
// loaded reports whether the value was already there.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.m.LoadOrStore(key, value)
	return v.(V), loaded
}

// Len counts the number of entries. It is O(n).
func (m *SyncMap[K, V]) Len() int {
	var n int
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear removes all entries.
func (m *SyncMap[K, V]) Clear() {
	m.m.Clear()
}
