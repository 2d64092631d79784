// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"fmt"
	"slices"
	"strings"
)

// Layout is the physical layout of the shards of a value: the order of its axes in memory from
// the fastest varying (minor) to the slowest (major).
//
// A nil *Layout means the default row-major layout.
type Layout struct {
	MinorToMajor []int
}

// NewLayout creates a Layout with the given axes order.
func NewLayout(minorToMajor ...int) *Layout {
	return &Layout{MinorToMajor: slices.Clone(minorToMajor)}
}

// DefaultLayout returns the row-major layout for the given rank.
func DefaultLayout(rank int) *Layout {
	l := &Layout{MinorToMajor: make([]int, rank)}
	for i := range rank {
		l.MinorToMajor[i] = rank - 1 - i
	}
	return l
}

// Validate checks the layout is a permutation of the axes of a value of the given rank.
func (l *Layout) Validate(rank int) error {
	if l == nil {
		return nil
	}
	return checkPermutation(l.MinorToMajor, rank)
}

// String implements fmt.Stringer.
func (l *Layout) String() string {
	if l == nil {
		return "{default}"
	}
	parts := make([]string, len(l.MinorToMajor))
	for i, axis := range l.MinorToMajor {
		parts[i] = fmt.Sprint(axis)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// LayoutsEqual compares two layouts for a value of the given rank. nil means the default layout.
func LayoutsEqual(a, b *Layout, rank int) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil {
		a = DefaultLayout(rank)
	}
	if b == nil {
		b = DefaultLayout(rank)
	}
	return slices.Equal(a.MinorToMajor, b.MinorToMajor)
}
