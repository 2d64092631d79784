// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Effect names a side effect whose computations must run in program order, e.g. "io".
type Effect string

// Token orders the computations with the same Effect: each one takes the token returned by the previous one.
//
// Tokens hold an empty boolean array replicated over the devices of the computation.
type Token struct {
	id    uuid.UUID
	seq   uint64
	array *arrays.Array
}

// ID uniquely identifies the token.
func (t *Token) ID() uuid.UUID { return t.id }

// Seq is the position of the token among the tokens created by its TokenSet: later tokens have larger values.
func (t *Token) Seq() uint64 { return t.seq }

// Array holding the token.
func (t *Token) Array() *arrays.Array { return t.array }

// String implements fmt.Stringer.
func (t *Token) String() string {
	return fmt.Sprintf("Token(#%d, %s)", t.seq, t.array.Placement().DeviceList())
}

// TokenSet keeps the current token of each ordered effect, and the runtime token of the last computation
// dispatched to each device.
//
// A TokenSet belongs to one goroutine: it is not safe for concurrent use.
type TokenSet struct {
	engine        *Engine
	current       map[Effect]*Token
	runtimeTokens map[int]backends.RuntimeToken
	nextSeq       uint64
}

// NewTokenSet creates an empty TokenSet. Unless Config.DisableExitDrain is set, it is registered to be
// drained by DrainOnExit: call TokenSet.Close to unregister it.
func (e *Engine) NewTokenSet() *TokenSet {
	ts := &TokenSet{
		engine:        e,
		current:       make(map[Effect]*Token),
		runtimeTokens: make(map[int]backends.RuntimeToken),
	}
	if !e.config.DisableExitDrain {
		RegisterExitDrain(ts)
	}
	return ts
}

// NewToken wraps the array returned by a computation for an effect.
func (ts *TokenSet) NewToken(array *arrays.Array) *Token {
	ts.nextSeq++
	return &Token{id: uuid.New(), seq: ts.nextSeq, array: array}
}

// GetTokenInput returns the token to pass to the next computation with the effect, running on devices.
//
// The first time an effect is used, a new token is created. If the current token is on other devices, it is
// moved.
func (ts *TokenSet) GetTokenInput(effect Effect, devices *placement.DeviceList) (*Token, error) {
	target := placement.Replicated(devices)
	current, found := ts.current[effect]
	if !found {
		placed, err := ts.engine.Put(arrays.MustFromFlat([]bool{}, 0), target, Alias)
		if err != nil {
			return nil, errors.WithMessagef(err, "creating token for effect %q", effect)
		}
		token := ts.NewToken(placed)
		ts.current[effect] = token
		klog.V(2).Infof("new %s for effect %q", token, effect)
		return token, nil
	}
	placed, err := ts.engine.Put(current.array, target, Alias)
	if err != nil {
		return nil, errors.WithMessagef(err, "moving token of effect %q to %s", effect, devices)
	}
	if placed == current.array {
		return current, nil
	}
	token := ts.NewToken(placed)
	ts.replace(effect, token)
	return token, nil
}

// SetTokenResult sets the token returned by the last computation with the effect.
func (ts *TokenSet) SetTokenResult(effect Effect, token *Token) {
	ts.replace(effect, token)
}

func (ts *TokenSet) replace(effect Effect, token *Token) {
	if old, found := ts.current[effect]; found && old.array != token.array {
		if err := old.array.Delete(); err != nil {
			klog.Warningf("failed to delete %s: %+v", old, err)
		}
	}
	ts.current[effect] = token
}

// CurrentToken returns the current token of the effect, or nil.
func (ts *TokenSet) CurrentToken(effect Effect) *Token {
	return ts.current[effect]
}

// SetOutputRuntimeToken records the runtime token of the last computation dispatched to the device.
func (ts *TokenSet) SetOutputRuntimeToken(deviceID int, token backends.RuntimeToken) {
	ts.runtimeTokens[deviceID] = token
}

// NumOutputRuntimeTokens returns the number of devices with a pending runtime token.
func (ts *TokenSet) NumOutputRuntimeTokens() int { return len(ts.runtimeTokens) }

// BlockUntilReady waits for the current effect tokens and the last computation of every device, and then
// clears the set: the next computation of each effect gets a new token. It returns the first error found.
func (ts *TokenSet) BlockUntilReady() error {
	var firstErr error
	for _, effect := range slices.Sorted(maps.Keys(ts.current)) {
		if err := ts.current[effect].array.BlockUntilReady(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "token of effect %q", effect)
		}
	}
	for _, deviceID := range slices.Sorted(maps.Keys(ts.runtimeTokens)) {
		if err := ts.runtimeTokens[deviceID].BlockUntilReady(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "computation on device #%d", deviceID)
		}
	}
	ts.Clear()
	return firstErr
}

// Clear forgets all tokens, deleting their arrays: the next computation of each effect gets a new token.
func (ts *TokenSet) Clear() {
	for effect, token := range ts.current {
		if err := token.array.Delete(); err != nil {
			klog.Warningf("failed to delete token of effect %q: %+v", effect, err)
		}
	}
	clear(ts.current)
	clear(ts.runtimeTokens)
}

// Close clears the tokens and unregisters the TokenSet from DrainOnExit.
func (ts *TokenSet) Close() {
	UnregisterExitDrain(ts)
	ts.Clear()
}
