// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/pkg/core/placement"
)

// Capabilities holds what is supported by a backend.
type Capabilities struct {
	// CrossHostTransfers indicates the backend can natively copy arrays between devices owned by
	// different processes. Without it, cross-host transfers require an explicitly configured
	// transport.
	CrossHostTransfers bool

	// MemoryKinds lists the memory kinds the devices support.
	MemoryKinds []placement.MemoryKind

	// Layouts indicates the backend honors physical layout overrides.
	Layouts bool

	// DTypes lists the data types supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool
}

// SupportsMemoryKind returns whether the memory kind is supported. The default kind always is.
func (c Capabilities) SupportsMemoryKind(kind placement.MemoryKind) bool {
	return kind == placement.DefaultMemoryKind || slices.Contains(c.MemoryKinds, kind)
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := c
	c2.MemoryKinds = slices.Clone(c.MemoryKinds)
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	return c2
}
