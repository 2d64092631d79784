// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arrays holds the values the dispatch engine places: Array, a value whose shards live on
// devices of a backend, and Host, a value still in Go memory.
//
// An Array owns the buffers of its addressable shards. It can be deleted, which finalizes the
// buffers, or donated, which hands them to a transfer or an execution. In both cases the handle
// can no longer be used.
package arrays

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/internal/regions"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/pkg/errors"
)

var (
	// ErrDonated is wrapped by errors returned when accessing a donated Array.
	ErrDonated = errors.New("array was donated")

	// ErrDeleted is wrapped by errors returned when accessing a deleted Array.
	ErrDeleted = errors.New("array was deleted")

	// ErrUnsupportedValue is wrapped by errors returned for values that can't be converted to an array.
	ErrUnsupportedValue = errors.New("unsupported value")
)

type arrayState int

const (
	live arrayState = iota
	donated
	deleted
)

// Array is a value stored in the devices of a backend, as shards placed according to a
// placement.Placement.
//
// Only the shards addressable by the backend's process are held. The abstract value of an Array
// never changes: transfers create new arrays.
//
// It is safe for concurrent use.
type Array struct {
	backend   backends.Backend
	aval      avals.AbstractValue
	placement placement.Placement
	committed bool

	mu     sync.Mutex
	shards []backends.Shard
	state  arrayState
}

// New creates an Array from the addressable shards given by the backend, in device assignment order.
//
// The Array takes ownership of the shards' buffers. Committed arrays were explicitly placed by the user,
// and their placement is respected by computations using them.
func New(backend backends.Backend, aval avals.AbstractValue, p placement.Placement, committed bool,
	shards []backends.Shard) *Array {
	if p == nil {
		exceptions.Panicf("arrays.New(%s) requires a placement", aval)
	}
	return &Array{
		backend:   backend,
		aval:      aval.WithMemorySpace(p.MemoryKind().MemorySpace()),
		placement: p,
		committed: committed,
		shards:    shards,
	}
}

// Aval returns the abstract value of the array.
func (a *Array) Aval() avals.AbstractValue { return a.aval }

// Placement of the array.
func (a *Array) Placement() placement.Placement { return a.placement }

// Sharding returns the placement of the array as a Sharding.
func (a *Array) Sharding() *placement.Sharding { return placement.AsSharding(a.placement) }

// Committed returns whether the array was explicitly placed.
func (a *Array) Committed() bool { return a.committed }

// Layout returns the physical layout override of the array, or nil for the default.
func (a *Array) Layout() *placement.Layout {
	if s, ok := a.placement.(*placement.Sharding); ok {
		return s.Layout()
	}
	return nil
}

// Backend where the array is stored.
func (a *Array) Backend() backends.Backend { return a.backend }

// IsFullyAddressable returns whether all the shards of the array are held by the current process.
func (a *Array) IsFullyAddressable() bool {
	return a.placement.DeviceList().IsFullyAddressable(a.backend.ProcessIndex())
}

// checkLiveLocked returns an error if the array is no longer usable. a.mu must be held.
func (a *Array) checkLiveLocked() error {
	switch a.state {
	case donated:
		return errors.Wrapf(ErrDonated, "%s", a.aval)
	case deleted:
		return errors.Wrapf(ErrDeleted, "%s", a.aval)
	}
	return nil
}

// Shards returns the addressable shards of the array. They are owned by the array.
func (a *Array) Shards() ([]backends.Shard, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLiveLocked(); err != nil {
		return nil, err
	}
	return a.shards, nil
}

// Source returns the array as the source of a backend transfer or execution.
func (a *Array) Source() (backends.Source, error) {
	shards, err := a.Shards()
	if err != nil {
		return backends.Source{}, err
	}
	return backends.Source{Aval: a.aval, Placement: a.Sharding(), Shards: shards}, nil
}

// Donate marks the array as donated: its buffers now belong to whatever operation they were given to.
// Any later use of the array returns an error wrapping ErrDonated.
//
// It returns an error if the array was already donated or deleted.
func (a *Array) Donate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLiveLocked(); err != nil {
		return err
	}
	a.state = donated
	a.shards = nil
	return nil
}

// Release finalizes the buffers of the array and marks it as donated. It is used when a donation was honored
// with a copy, and the source buffers are no longer needed by anyone.
//
// It returns an error if the array was already donated or deleted.
func (a *Array) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLiveLocked(); err != nil {
		return err
	}
	a.state = donated
	var firstErr error
	for _, shard := range a.shards {
		if err := a.backend.BufferFinalize(shard.Buffer); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "releasing shard of %s on %s", a.aval, shard.Device)
		}
	}
	a.shards = nil
	return firstErr
}

// Delete finalizes the buffers of the array. It is a no-op if the array was already deleted or donated.
func (a *Array) Delete() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != live {
		return nil
	}
	a.state = deleted
	var firstErr error
	for _, shard := range a.shards {
		if err := a.backend.BufferFinalize(shard.Buffer); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "deleting shard of %s on %s", a.aval, shard.Device)
		}
	}
	a.shards = nil
	return firstErr
}

// IsDeleted returns whether Delete was called.
func (a *Array) IsDeleted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == deleted
}

// IsDonated returns whether the array was donated.
func (a *Array) IsDonated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == donated
}

// BlockUntilReady waits for all addressable shards to be computed, and returns the first error found.
func (a *Array) BlockUntilReady() error {
	shards, err := a.Shards()
	if err != nil {
		return err
	}
	for _, shard := range shards {
		if err := a.backend.BufferBlockUntilReady(shard.Buffer); err != nil {
			return errors.WithMessagef(err, "computing shard of %s on %s", a.aval, shard.Device)
		}
	}
	return nil
}

// ToHost gathers the shards of the array into a Host value. The array must be fully addressable.
func (a *Array) ToHost() (*Host, error) {
	if !a.IsFullyAddressable() {
		return nil, errors.Errorf("ToHost(%s): array placed on %s is not fully addressable by process %d",
			a.aval, a.placement.DeviceList(), a.backend.ProcessIndex())
	}
	shards, err := a.Shards()
	if err != nil {
		return nil, err
	}
	pieces := make([]regions.Piece, 0, len(shards))
	for _, shard := range shards {
		dims := shard.Index.Dimensions()
		flat := regions.NewFlat(a.aval.DType, a.aval.WithDimensions(dims...).Size())
		if err := a.backend.BufferToFlatData(shard.Buffer, flat); err != nil {
			return nil, errors.WithMessagef(err, "ToHost(%s): reading shard on %s", a.aval, shard.Device)
		}
		pieces = append(pieces, regions.Piece{Index: shard.Index, Flat: flat})
	}
	aval := a.aval.WithMemorySpace(avals.DeviceMemory)
	flat := regions.NewFlat(aval.DType, aval.Size())
	if err := regions.Fill(flat, placement.FullIndex(aval.Dimensions), pieces); err != nil {
		return nil, errors.WithMessagef(err, "ToHost(%s)", a.aval)
	}
	return &Host{aval: aval, flat: flat}, nil
}

// MustToHost is like ToHost, but panics on error.
func (a *Array) MustToHost() *Host {
	h, err := a.ToHost()
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return h
}

// Value returns the array contents as a Go scalar or multi-dimensional slice. See Host.Value.
func (a *Array) Value() (any, error) {
	h, err := a.ToHost()
	if err != nil {
		return nil, err
	}
	return h.Value(), nil
}

// String implements fmt.Stringer.
func (a *Array) String() string {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	switch state {
	case donated:
		return fmt.Sprintf("Array%s<donated>", a.aval)
	case deleted:
		return fmt.Sprintf("Array%s<deleted>", a.aval)
	}
	return fmt.Sprintf("Array%s@%s", a.aval, a.placement)
}
