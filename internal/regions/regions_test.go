// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regions

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyAndFill(t *testing.T) {
	// Whole value is [4, 3] with values 0..11.
	whole := make([]int32, 12)
	for i := range whole {
		whole[i] = int32(i)
	}
	wholeIndex := placement.FullIndex([]int{4, 3})

	// Extract the bottom-right [2, 2] region.
	dstIndex := placement.Index{{Start: 2, End: 4}, {Start: 1, End: 3}}
	dst := NewFlat(dtypes.Int32, 4).([]int32)
	Copy(dst, dstIndex, whole, wholeIndex, dstIndex)
	assert.Equal(t, []int32{7, 8, 10, 11}, dst)

	// Rebuild the whole value from two row shards, one of them repeated.
	top := placement.Index{{Start: 0, End: 2}, {Start: 0, End: 3}}
	bottom := placement.Index{{Start: 2, End: 4}, {Start: 0, End: 3}}
	pieces := []Piece{
		{Index: top, Flat: whole[:6]},
		{Index: top, Flat: whole[:6]},
		{Index: bottom, Flat: whole[6:]},
	}
	rebuilt := NewFlat(dtypes.Int32, 12)
	require.NoError(t, Fill(rebuilt, wholeIndex, pieces))
	assert.Equal(t, whole, rebuilt)

	// Missing piece.
	err := Fill(NewFlat(dtypes.Int32, 12), wholeIndex, pieces[:2])
	assert.ErrorContains(t, err, "partially available")
}

func TestScalarsAndEmpty(t *testing.T) {
	dst := NewFlat(dtypes.Float64, 1).([]float64)
	require.NoError(t, Fill(dst, placement.Index{}, []Piece{{Index: placement.Index{}, Flat: []float64{3.5}}}))
	assert.Equal(t, 3.5, dst[0])
	assert.Error(t, Fill(dst, placement.Index{}, nil))

	empty := NewFlat(dtypes.Bool, 0)
	assert.NoError(t, Fill(empty, placement.Index{{Start: 0, End: 0}}, nil))
}

func TestCheckFlat(t *testing.T) {
	assert.NoError(t, CheckFlat([]float32{1, 2}, dtypes.Float32, 2))
	assert.ErrorContains(t, CheckFlat([]float32{1, 2}, dtypes.Float32, 3), "3 elements")
	assert.Error(t, CheckFlat([]int64{1}, dtypes.Float32, 1))
	clone := CloneFlat([]int8{1, 2}).([]int8)
	assert.Equal(t, []int8{1, 2}, clone)
	assert.Equal(t, 2, Len(clone))
}

func TestCovers(t *testing.T) {
	whole := placement.FullIndex([]int{4, 2})
	top := placement.Index{{Start: 0, End: 2}, {Start: 0, End: 2}}
	bottom := placement.Index{{Start: 2, End: 4}, {Start: 0, End: 2}}
	assert.True(t, Covers(whole, []placement.Index{top, bottom}))
	assert.True(t, Covers(whole, []placement.Index{top, top, bottom}))
	assert.False(t, Covers(whole, []placement.Index{top, top}))
	assert.True(t, Covers(top, []placement.Index{whole}))
	assert.True(t, Covers(placement.Index{}, []placement.Index{{}}))
	assert.False(t, Covers(placement.Index{}, nil))
}
