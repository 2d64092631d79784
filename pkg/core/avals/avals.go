// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package avals defines AbstractValue, the abstract type of an array: its dtype, dimensions and
// the memory space it lives in, independent of the devices holding its shards.
//
// Unlike a computation shape, an abstract value may have axes of dimension 0: the sentinel used
// for ordered-effect tokens is a `bool[0]`.
package avals

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// MemorySpace where the values of an array are stored.
type MemorySpace int

const (
	// DeviceMemory is the default memory space, the accelerator's own memory.
	DeviceMemory MemorySpace = iota

	// HostMemory is host memory addressable by the device, pinned or unpinned.
	HostMemory
)

// String implements fmt.Stringer.
func (m MemorySpace) String() string {
	switch m {
	case DeviceMemory:
		return "device"
	case HostMemory:
		return "host"
	default:
		return fmt.Sprintf("MemorySpace(%d)", int(m))
	}
}

// AbstractValue describes an array without its data.
type AbstractValue struct {
	DType       dtypes.DType
	Dimensions  []int
	MemorySpace MemorySpace
}

// Make returns an AbstractValue in device memory. It panics if a dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) AbstractValue {
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("avals.Make(%s, %v): dimensions must be >= 0", dtype, dimensions)
		}
	}
	return AbstractValue{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// Scalar returns the AbstractValue of a scalar of the given dtype.
func Scalar(dtype dtypes.DType) AbstractValue {
	return AbstractValue{DType: dtype}
}

// Ok returns whether the value has a valid dtype. The zero AbstractValue is not ok.
func (a AbstractValue) Ok() bool { return a.DType != dtypes.InvalidDType }

// Rank is the number of axes.
func (a AbstractValue) Rank() int { return len(a.Dimensions) }

// IsScalar returns whether the value has rank 0.
func (a AbstractValue) IsScalar() bool { return len(a.Dimensions) == 0 }

// Size returns the number of elements.
func (a AbstractValue) Size() int {
	size := 1
	for _, dim := range a.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store the value.
func (a AbstractValue) Memory() uintptr {
	return a.DType.Memory() * uintptr(a.Size())
}

// Clone returns a deep copy.
func (a AbstractValue) Clone() AbstractValue {
	a.Dimensions = slices.Clone(a.Dimensions)
	return a
}

// WithMemorySpace returns a copy of the value in the given memory space.
func (a AbstractValue) WithMemorySpace(space MemorySpace) AbstractValue {
	a = a.Clone()
	a.MemorySpace = space
	return a
}

// WithDimensions returns a copy with the given dimensions.
func (a AbstractValue) WithDimensions(dimensions ...int) AbstractValue {
	a.Dimensions = slices.Clone(dimensions)
	return a
}

// Equal compares dtype, dimensions and memory space.
func (a AbstractValue) Equal(b AbstractValue) bool {
	return a.DType == b.DType && a.MemorySpace == b.MemorySpace && slices.Equal(a.Dimensions, b.Dimensions)
}

// EqualShape compares only dtype and dimensions.
func (a AbstractValue) EqualShape(b AbstractValue) bool {
	return a.DType == b.DType && slices.Equal(a.Dimensions, b.Dimensions)
}

// String implements fmt.Stringer, e.g. "(Float32)[2 3]" or "(Bool)[0]@host".
func (a AbstractValue) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)", a.DType)
	if len(a.Dimensions) > 0 {
		_, _ = fmt.Fprintf(&sb, "%v", a.Dimensions)
	}
	if a.MemorySpace != DeviceMemory {
		sb.WriteString("@" + a.MemorySpace.String())
	}
	return sb.String()
}
