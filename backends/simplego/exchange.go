// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"bytes"
	"sync"
	"time"

	"github.com/gomlx/placement/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// exchange is the rendezvous point of the processes of a Cluster for collective operations.
//
// Each collective is identified by a key, see Backend.nextKey, and completes when all its
// participants have contributed a value.
type exchange struct {
	timeout time.Duration

	mu     sync.Mutex
	rounds map[string]*round
}

type round struct {
	participants sets.Set[int]
	values       map[int]any
	complete     chan struct{}
	reads        int
}

func newExchange(timeout time.Duration) *exchange {
	return &exchange{timeout: timeout, rounds: make(map[string]*round)}
}

// contribute value from process to the collective identified by key, and wait for the values of
// all participants.
//
// The returned map must not be modified.
func (e *exchange) contribute(key string, participants sets.Set[int], process int, value any) (map[int]any, error) {
	if !participants.Has(process) {
		return nil, errors.Errorf("process %d is not a participant of collective %q", process, key)
	}
	e.mu.Lock()
	r, found := e.rounds[key]
	if !found {
		r = &round{
			participants: participants,
			values:       make(map[int]any, len(participants)),
			complete:     make(chan struct{}),
		}
		e.rounds[key] = r
	}
	if !r.participants.Equal(participants) {
		e.mu.Unlock()
		return nil, errors.Errorf("collective %q called with participants %v, but others called it with %v",
			key, sets.Sorted(participants), sets.Sorted(r.participants))
	}
	if _, dup := r.values[process]; dup {
		e.mu.Unlock()
		return nil, errors.Errorf("process %d contributed twice to collective %q", process, key)
	}
	r.values[process] = value
	if len(r.values) == len(r.participants) {
		close(r.complete)
	}
	e.mu.Unlock()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case <-r.complete:
	case <-timer.C:
		e.mu.Lock()
		missing := sets.Sorted(participants.Sub(sets.MakeWith(keysOf(r.values)...)))
		e.mu.Unlock()
		return nil, errors.Errorf("timed out after %s waiting for processes %v in collective %q", e.timeout, missing, key)
	}

	e.mu.Lock()
	r.reads++
	if r.reads == len(r.participants) {
		delete(e.rounds, key)
	}
	e.mu.Unlock()
	return r.values, nil
}

func keysOf[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// AssertEqualAcrossProcesses checks that every process of the cluster provides the same
// fingerprint for the named check. It must be called by all processes.
func (b *Backend) AssertEqualAcrossProcesses(name string, fingerprint []byte) error {
	if err := b.checkOk(); err != nil {
		return err
	}
	b.counters.consistencyChecks.Add(1)
	participants := sets.Make[int](b.ProcessCount())
	for process := range b.ProcessCount() {
		participants.Insert(process)
	}
	if len(participants) == 1 {
		return nil
	}
	key := b.nextKey("assert_equal:"+name, participants)
	values, err := b.cluster.exchange.contribute(key, participants, b.processIndex, bytes.Clone(fingerprint))
	if err != nil {
		return err
	}
	for _, process := range sets.Sorted(participants) {
		other := values[process].([]byte)
		if !bytes.Equal(other, fingerprint) {
			klog.V(1).Infof("%s: %q fingerprint %x differs from process %d's %x", b, name, fingerprint, process, other)
			return errors.Errorf("%q differs across processes: process %d has %x, process %d has %x",
				name, b.processIndex, fingerprint, process, other)
		}
	}
	return nil
}
