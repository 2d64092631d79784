// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync"

	"github.com/gomlx/placement/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var exitDrain = struct {
	mu       sync.Mutex
	sets     sets.Set[*TokenSet]
	disabled bool
}{sets: sets.Make[*TokenSet]()}

// RegisterExitDrain adds ts to the token sets waited for by DrainOnExit.
func RegisterExitDrain(ts *TokenSet) {
	exitDrain.mu.Lock()
	defer exitDrain.mu.Unlock()
	exitDrain.sets.Insert(ts)
}

// UnregisterExitDrain removes ts from the token sets waited for by DrainOnExit.
func UnregisterExitDrain(ts *TokenSet) {
	exitDrain.mu.Lock()
	defer exitDrain.mu.Unlock()
	delete(exitDrain.sets, ts)
}

// SetExitDrainEnabled enables or disables DrainOnExit. It is enabled by default.
func SetExitDrainEnabled(enabled bool) {
	exitDrain.mu.Lock()
	defer exitDrain.mu.Unlock()
	exitDrain.disabled = !enabled
}

// DrainOnExit waits for the pending computations of all registered token sets whose backend is still
// alive. Programs should call it, typically deferred in main, before exiting.
//
// The token sets must not be in use by other goroutines when it is called.
func DrainOnExit() error {
	exitDrain.mu.Lock()
	if exitDrain.disabled {
		exitDrain.mu.Unlock()
		return nil
	}
	pending := make([]*TokenSet, 0, len(exitDrain.sets))
	for ts := range exitDrain.sets {
		pending = append(pending, ts)
	}
	exitDrain.mu.Unlock()

	var firstErr error
	for _, ts := range pending {
		if ts.engine.backend.IsFinalized() {
			continue
		}
		if err := ts.BlockUntilReady(); err != nil {
			klog.Errorf("draining pending computations: %+v", err)
			if firstErr == nil {
				firstErr = errors.WithMessage(err, "draining pending computations on exit")
			}
		}
	}
	return firstErr
}
