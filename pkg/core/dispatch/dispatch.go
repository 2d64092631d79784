// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch decides how values are moved to the devices where they are needed.
//
// Given a value, an *arrays.Array already on devices or a value in Go memory, and a target
// placement.Placement, the Engine picks the cheapest correct path to place its shards as
// requested: returning the value itself, reordering its shards, copying it across processes,
// compiling an identity computation or batching it with other host-to-device or
// device-to-device copies.
//
// Requests are resolved in two phases: Engine.Resolve either places the value immediately or
// returns a DeferredTransfer, and a Batch issues one backend transfer for all the deferred
// records of a group of requests.
//
// It also keeps the ordered-effect tokens threaded through dispatched computations (TokenSet),
// and caches compiled primitives (PrimitiveCache).
package dispatch

import (
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/support/xsync"
)

// CopySemantics of a placement request. See backends.CopySemantics.
type CopySemantics = backends.CopySemantics

const (
	Alias  = backends.Alias
	Copy   = backends.Copy
	Donate = backends.Donate
)

// Engine places values on the devices of one backend process.
//
// It is safe for concurrent use, except for the TokenSet objects it creates.
type Engine struct {
	backend backends.Backend
	config  Config

	// crossHostSupport memoizes IsSupportedCrossHostTransfer.
	crossHostSupport xsync.SyncMap[crossHostKey, bool]

	// identities caches the compiled identity computations, by identityKey.
	identities xsync.SyncMap[string, backends.Executable]

	primitives *PrimitiveCache
}

// NewEngine creates an Engine for the backend. If config is nil, DefaultConfig is used.
func NewEngine(backend backends.Backend, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	e := &Engine{backend: backend, config: *config}
	e.primitives = newPrimitiveCache(e)
	return e
}

// Backend used by the engine.
func (e *Engine) Backend() backends.Backend { return e.backend }

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config { return e.config }

// Primitives returns the cache of compiled primitives of the engine.
func (e *Engine) Primitives() *PrimitiveCache { return e.primitives }

func (e *Engine) processIndex() int { return e.backend.ProcessIndex() }

func (e *Engine) processCount() int { return e.backend.ProcessCount() }

// memoryBytes is the size of the value, for logging.
func memoryBytes(aval avals.AbstractValue) uint64 {
	return uint64(aval.Memory())
}
