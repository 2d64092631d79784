// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/placement/internal/regions"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/x448/float16"
)

// checkSpecialValues returns a NumericalError if any addressable shard of the float outputs holds a NaN
// (if Config.DebugNaNs) or an infinity (if Config.DebugInfs). It waits for the outputs to be computed.
func (e *Engine) checkSpecialValues(name string, outputs []*arrays.Array) error {
	if !e.config.DebugNaNs && !e.config.DebugInfs {
		return nil
	}
	for i, a := range outputs {
		dtype := a.Aval().DType
		switch dtype {
		case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		default:
			continue
		}
		shards, err := a.Shards()
		if err != nil {
			return err
		}
		for _, shard := range shards {
			flat := regions.NewFlat(dtype, a.Aval().WithDimensions(shard.Index.Dimensions()...).Size())
			if err := e.backend.BufferToFlatData(shard.Buffer, flat); err != nil {
				return wrapError(NumericalError, err, "reading output #%d of %q", i, name)
			}
			hasNaN, hasInf := findSpecialValues(flat)
			if e.config.DebugNaNs && hasNaN {
				return newError(NumericalError, "invalid value (nan) encountered in output #%d of %q, shard %s on %s",
					i, name, shard.Index, shard.Device)
			}
			if e.config.DebugInfs && hasInf {
				return newError(NumericalError, "invalid value (inf) encountered in output #%d of %q, shard %s on %s",
					i, name, shard.Index, shard.Device)
			}
		}
	}
	return nil
}

// findSpecialValues returns whether flat has NaNs and infinities.
func findSpecialValues(flat any) (hasNaN, hasInf bool) {
	check := func(v float64) {
		hasNaN = hasNaN || math.IsNaN(v)
		hasInf = hasInf || math.IsInf(v, 0)
	}
	switch values := flat.(type) {
	case []float32:
		for _, v := range values {
			check(float64(v))
		}
	case []float64:
		for _, v := range values {
			check(v)
		}
	case []float16.Float16:
		for _, v := range values {
			check(float64(v.Float32()))
		}
	case []bfloat16.BFloat16:
		for _, v := range values {
			check(float64(v.Float32()))
		}
	}
	return
}
