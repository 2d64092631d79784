// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"slices"

	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/pkg/errors"
)

// MemoryKind tags the memory of a device where shards are stored.
// The empty MemoryKind means the default, DeviceMemoryKind.
type MemoryKind string

const (
	DefaultMemoryKind      MemoryKind = ""
	DeviceMemoryKind       MemoryKind = "device"
	PinnedHostMemoryKind   MemoryKind = "pinned_host"
	UnpinnedHostMemoryKind MemoryKind = "unpinned_host"
)

// ValidMemoryKinds lists the explicit memory kinds accepted in a placement.
var ValidMemoryKinds = []MemoryKind{DeviceMemoryKind, PinnedHostMemoryKind, UnpinnedHostMemoryKind}

// Validate returns an error if the kind is not empty nor one of ValidMemoryKinds.
func (k MemoryKind) Validate() error {
	if k == DefaultMemoryKind || slices.Contains(ValidMemoryKinds, k) {
		return nil
	}
	return errors.Errorf("invalid memory kind %q, valid values are %v", string(k), ValidMemoryKinds)
}

// Normalize maps the default kind to DeviceMemoryKind.
func (k MemoryKind) Normalize() MemoryKind {
	if k == DefaultMemoryKind {
		return DeviceMemoryKind
	}
	return k
}

// MemorySpace returns the abstract memory space of values stored in this kind of memory.
func (k MemoryKind) MemorySpace() avals.MemorySpace {
	switch k {
	case PinnedHostMemoryKind, UnpinnedHostMemoryKind:
		return avals.HostMemory
	default:
		return avals.DeviceMemory
	}
}
