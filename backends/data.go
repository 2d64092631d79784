// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
)

// Buffer represents the data of one shard stored in a device.
//
// It is opaque from the dispatch engine perspective: it is only passed back to the backend.
type Buffer any

// Shard is the portion of an array stored in one device.
type Shard struct {
	Device *placement.Device

	// Index locates the shard within the whole array.
	Index placement.Index

	Buffer Buffer
}

// HostData is an array stored in Go memory as a flat slice of the Go type matching its dtype,
// in row-major order.
type HostData struct {
	Aval avals.AbstractValue
	Flat any
}

// Source of a transfer or an execution: either an array on devices (Placement and the shards
// addressable by the current process, in device assignment order), or HostData.
type Source struct {
	Aval avals.AbstractValue

	// Placement of the array, nil for host data.
	Placement *placement.Sharding

	// Shards addressable by the current process.
	Shards []Shard

	// Host is set for values in Go memory.
	Host *HostData
}

// IsHost returns whether the source is a value in Go memory.
func (s Source) IsHost() bool { return s.Host != nil }

// Buffers returns the buffers of the shards.
func (s Source) Buffers() []Buffer {
	buffers := make([]Buffer, len(s.Shards))
	for i, shard := range s.Shards {
		buffers[i] = shard.Buffer
	}
	return buffers
}

// DataInterface is the Backend's sub-interface that manages buffers.
//
// Buffers are produced asynchronously: a Buffer returned by the backend may still be being
// computed. Reading its contents waits for it.
type DataInterface interface {
	// BufferFinalize informs the backend that the buffer is no longer needed by its holder.
	// Buffers shared between arrays (see Alias) are released when their last holder finalizes them.
	//
	// A finalized buffer should never be used again by the same holder.
	BufferFinalize(buffer Buffer) error

	// BufferAval returns the abstract value of the shard stored in the buffer.
	BufferAval(buffer Buffer) (avals.AbstractValue, error)

	// BufferDevice returns the device holding the buffer.
	BufferDevice(buffer Buffer) (*placement.Device, error)

	// BufferMemoryKind returns the memory kind where the buffer is stored.
	BufferMemoryKind(buffer Buffer) (placement.MemoryKind, error)

	// BufferLayout returns the physical layout of the buffer, nil for the default.
	BufferLayout(buffer Buffer) (*placement.Layout, error)

	// BufferToFlatData waits for the buffer to be ready and copies its values to flat, a slice of
	// the Go type matching the dtype with exactly the number of elements of the shard.
	BufferToFlatData(buffer Buffer, flat any) error

	// BufferFromFlatData creates a buffer on the device from a flat slice, copying it.
	BufferFromFlatData(device *placement.Device, flat any, aval avals.AbstractValue) (Buffer, error)

	// BufferBlockUntilReady waits for the buffer contents to be computed. It returns the error of
	// the computation that produced it, if any.
	BufferBlockUntilReady(buffer Buffer) error

	// BufferIsReady returns whether the buffer contents are computed, without blocking.
	BufferIsReady(buffer Buffer) bool
}
