// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/pkg/errors"
)

// Abstractify returns the abstract value of x, which can be an *Array, a *Host, a Go scalar or
// a (multi-dimensional) slice of a supported dtype.
//
// It returns an error wrapping ErrUnsupportedValue for anything else.
func Abstractify(x any) (avals.AbstractValue, error) {
	switch v := x.(type) {
	case *Array:
		if v == nil {
			return avals.AbstractValue{}, errors.Wrap(ErrUnsupportedValue, "nil *Array")
		}
		return v.Aval(), nil
	case *Host:
		if v == nil {
			return avals.AbstractValue{}, errors.Wrap(ErrUnsupportedValue, "nil *Host")
		}
		return v.Aval(), nil
	}
	return avalForValue(x)
}

// AsHost converts a value in Go memory to a *Host. *Host values are returned as is.
func AsHost(x any) (*Host, error) {
	if _, ok := x.(*Array); ok {
		return nil, errors.Wrap(ErrUnsupportedValue, "AsHost: value is an *Array, not in host memory")
	}
	return FromValue(x)
}
