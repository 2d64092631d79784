// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package regions copies rectangular regions between flat row-major arrays that hold different
// shards of the same value. It is used to scatter host values into shards, to gather shards
// back into a host value and to reshard between devices.
package regions

import (
	"reflect"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/pkg/errors"
)

// Piece is the flat data of the region of a value given by Index.
type Piece struct {
	Index placement.Index
	Flat  any
}

// NewFlat allocates a flat slice for size elements of dtype.
func NewFlat(dtype dtypes.DType, size int) any {
	return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface()
}

// CloneFlat returns a copy of the flat slice.
func CloneFlat(flat any) any {
	v := reflect.ValueOf(flat)
	clone := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(clone, v)
	return clone.Interface()
}

// Len returns the number of elements of the flat slice.
func Len(flat any) int {
	return reflect.ValueOf(flat).Len()
}

// CheckFlat returns an error if flat is not a slice of dtype's Go type with size elements.
func CheckFlat(flat any, dtype dtypes.DType, size int) error {
	v := reflect.ValueOf(flat)
	if v.Kind() != reflect.Slice || v.Type().Elem() != dtype.GoType() {
		return errors.Errorf("flat data must be a []%s for dtype %s, got %T", dtype.GoType(), dtype, flat)
	}
	if v.Len() != size {
		return errors.Errorf("flat data must have %d elements, got %d", size, v.Len())
	}
	return nil
}

func strides(dims []int) []int {
	s := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		s[axis] = stride
		stride *= dims[axis]
	}
	return s
}

func size(idx placement.Index) int {
	n := 1
	for _, iv := range idx {
		n *= iv.End - iv.Start
	}
	return n
}

// Copy copies region, given in the coordinates of the whole value, from src (holding srcIndex)
// to dst (holding dstIndex). region must be contained in both.
func Copy(dst any, dstIndex placement.Index, src any, srcIndex placement.Index, region placement.Index) {
	dv, sv := reflect.ValueOf(dst), reflect.ValueOf(src)
	rank := len(region)
	if rank == 0 {
		reflect.Copy(dv, sv)
		return
	}
	regionDims := region.Dimensions()
	for _, dim := range regionDims {
		if dim == 0 {
			return
		}
	}
	dstStrides, srcStrides := strides(dstIndex.Dimensions()), strides(srcIndex.Dimensions())
	rowLen := regionDims[rank-1]
	counter := make([]int, rank-1)
	for {
		var dstOffset, srcOffset int
		for axis := range rank {
			c := region[axis].Start
			if axis < rank-1 {
				c += counter[axis]
			}
			dstOffset += (c - dstIndex[axis].Start) * dstStrides[axis]
			srcOffset += (c - srcIndex[axis].Start) * srcStrides[axis]
		}
		reflect.Copy(dv.Slice(dstOffset, dstOffset+rowLen), sv.Slice(srcOffset, srcOffset+rowLen))

		axis := rank - 2
		for ; axis >= 0; axis-- {
			counter[axis]++
			if counter[axis] < regionDims[axis] {
				break
			}
			counter[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}

// Fill copies into dst, holding dstIndex, the data of every piece that intersects it.
//
// It returns an error if the pieces don't cover dstIndex. Pieces are expected to be either equal
// or disjoint, as the shards of a sharding.
func Fill(dst any, dstIndex placement.Index, pieces []Piece) error {
	want := size(dstIndex)
	if len(dstIndex) == 0 {
		// Scalars: any piece covers it.
		if len(pieces) == 0 {
			return errors.New("no data available for scalar value")
		}
		Copy(dst, dstIndex, pieces[0].Flat, pieces[0].Index, dstIndex)
		return nil
	}
	if want == 0 {
		return nil
	}
	var covered int
	var done []placement.Index
	for _, piece := range pieces {
		region, ok := dstIndex.Intersect(piece.Index)
		if !ok {
			continue
		}
		duplicate := false
		for _, d := range done {
			if d.Equal(piece.Index) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		done = append(done, piece.Index)
		Copy(dst, dstIndex, piece.Flat, piece.Index, region)
		covered += size(region)
	}
	if covered != want {
		return errors.Errorf("region %s is only partially available (%d of %d elements)", dstIndex, covered, want)
	}
	return nil
}

// Covers returns whether the union of pieces, expected to be either equal or disjoint, covers idx.
func Covers(idx placement.Index, pieces []placement.Index) bool {
	if len(idx) == 0 {
		return len(pieces) > 0
	}
	want := size(idx)
	var covered int
	var done []placement.Index
	for _, piece := range pieces {
		region, ok := idx.Intersect(piece)
		if !ok {
			continue
		}
		if slices.ContainsFunc(done, piece.Equal) {
			continue
		}
		done = append(done, piece)
		covered += size(region)
	}
	return covered == want
}
