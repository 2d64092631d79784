// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"fmt"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/internal/regions"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/pkg/errors"
)

// Host is a value stored in host memory, not yet placed on any device.
//
// It is immutable: its flat data is owned by the Host and never modified.
type Host struct {
	aval avals.AbstractValue
	flat any
}

// FromFlat creates a Host value with the given dimensions from the flat (row-major) data,
// which is copied.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) (*Host, error) {
	dtype := dtypes.FromGenericsType[T]()
	if dtype == dtypes.InvalidDType {
		var t T
		return nil, errors.Wrapf(ErrUnsupportedValue, "dtype of %T", t)
	}
	aval := avals.Make(dtype, dimensions...)
	if len(flat) != aval.Size() {
		return nil, errors.Wrapf(ErrUnsupportedValue, "FromFlat(%s): data has %d elements, but dimensions require %d",
			aval, len(flat), aval.Size())
	}
	return &Host{aval: aval, flat: convertFlat(reflect.ValueOf(flat), dtype).Interface()}, nil
}

// MustFromFlat is like FromFlat, but panics on error.
func MustFromFlat[T dtypes.Supported](flat []T, dimensions ...int) *Host {
	h, err := FromFlat(flat, dimensions...)
	if err != nil {
		panic(err)
	}
	return h
}

// FromScalar creates a scalar Host value.
func FromScalar[T dtypes.Supported](value T) *Host {
	return MustFromFlat([]T{value})
}

// FromValue creates a Host value from a Go scalar or a (possibly multi-dimensional) slice of a
// supported type. Multi-dimensional slices must be regular.
//
// If value is already a *Host it is returned as is.
func FromValue(value any) (*Host, error) {
	if h, ok := value.(*Host); ok {
		return h, nil
	}
	aval, err := avalForValue(value)
	if err != nil {
		return nil, err
	}
	flat := regions.NewFlat(aval.DType, aval.Size())
	flatV := reflect.ValueOf(flat)
	if aval.IsScalar() {
		flatV.Index(0).Set(reflect.ValueOf(value).Convert(aval.DType.GoType()))
	} else {
		copySlicesRecursively(flatV, reflect.ValueOf(value), strides(aval.Dimensions))
	}
	return &Host{aval: aval, flat: flat}, nil
}

// Aval returns the abstract value of the Host value.
func (h *Host) Aval() avals.AbstractValue { return h.aval }

// Flat returns the flat data of the value. It must not be modified.
func (h *Host) Flat() any { return h.flat }

// HostData returns the value as used by the backends.
func (h *Host) HostData() *backends.HostData {
	return &backends.HostData{Aval: h.aval, Flat: h.flat}
}

// Value returns a copy of the value as a Go scalar, or a multi-dimensional slice.
func (h *Host) Value() any {
	flatV := reflect.ValueOf(regions.CloneFlat(h.flat))
	if h.aval.IsScalar() {
		return flatV.Index(0).Interface()
	}
	return convertDataToSlices(flatV, h.aval.Dimensions...).Interface()
}

// String implements fmt.Stringer.
func (h *Host) String() string {
	if h.aval.Size() > 32 {
		return fmt.Sprintf("Host%s", h.aval)
	}
	return fmt.Sprintf("Host%s: %v", h.aval, h.Value())
}

// convertFlat returns a copy of flat as a slice of dtype's Go type.
func convertFlat(flatV reflect.Value, dtype dtypes.DType) reflect.Value {
	n := flatV.Len()
	result := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), n, n)
	if flatV.Type().Elem() == dtype.GoType() {
		reflect.Copy(result, flatV)
		return result
	}
	// E.g.: Go's int stored as int64.
	for i := range n {
		result.Index(i).Set(flatV.Index(i).Convert(dtype.GoType()))
	}
	return result
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

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		// Last level of slice, just copy over the slice.
		reflect.Copy(data, convertFlat(mdSlice, dtypes.FromGoType(data.Type().Elem())))
		return
	}
	numElements := mdSlice.Len()
	subStrides := strides[1:]
	for ii := range numElements {
		start := ii * strides[0]
		end := (ii + 1) * strides[0]
		copySlicesRecursively(data.Slice(start, end), mdSlice.Index(ii), subStrides)
	}
}

// convertDataToSlices takes data as a flat slice and creates a multidimensional slice with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	return createSlicesRecursively(resultT, dataV, dimensions, strides(dimensions))
}

// createSlicesRecursively recursively creates slices copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		// Last level of slice, just copy over the slice (not the data, just the slice).
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

// avalForValue returns the abstract value of a Go scalar or multi-dimensional slice.
func avalForValue(value any) (avals.AbstractValue, error) {
	var aval avals.AbstractValue
	if value == nil {
		return aval, errors.Wrap(ErrUnsupportedValue, "nil value")
	}
	if err := avalForValueRecursive(&aval, reflect.ValueOf(value), reflect.TypeOf(value)); err != nil {
		return aval, errors.WithMessagef(err, "value of type %T", value)
	}
	return aval, nil
}

func avalForValueRecursive(aval *avals.AbstractValue, v reflect.Value, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Slice:
		// Recurse into inner slices.
		t = t.Elem()
		aval.Dimensions = append(aval.Dimensions, v.Len())
		prefix := aval.Clone()
		if v.Len() == 0 {
			return errors.Wrap(ErrUnsupportedValue, "empty slices have no element type to derive the shape from")
		}
		if err := avalForValueRecursive(aval, v.Index(0), t); err != nil {
			return err
		}
		// Test that other elements have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			other := prefix.Clone()
			if err := avalForValueRecursive(&other, v.Index(ii), t); err != nil {
				return err
			}
			if !aval.Equal(other) {
				return errors.Wrapf(ErrUnsupportedValue, "sub-slices have irregular shapes, found %s and %s", aval, other)
			}
		}
	default:
		aval.DType = dtypes.FromGoType(t)
		if aval.DType == dtypes.InvalidDType {
			return errors.Wrapf(ErrUnsupportedValue, "type %s is not a supported array element", t)
		}
	}
	return nil
}
