// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"math"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/backends/simplego"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newScalePrimitive multiplies float32 values by the "factor" parameter.
func newScalePrimitive(effects ...Effect) *Primitive {
	return &Primitive{
		Name: "scale",
		Impl: func(params Params, inputs []*backends.HostData) ([]*backends.HostData, error) {
			factor := params["factor"].(float32)
			in := inputs[0].Flat.([]float32)
			out := make([]float32, len(in))
			for i, v := range in {
				out[i] = v * factor
			}
			return []*backends.HostData{{Aval: inputs[0].Aval, Flat: out}}, nil
		},
		AbstractEval: func(_ Params, inputs []avals.AbstractValue) ([]avals.AbstractValue, error) {
			if len(inputs) != 1 || inputs[0].DType != dtypes.Float32 {
				return nil, errors.Errorf("scale takes one float32 input, got %v", inputs)
			}
			return inputs[:1], nil
		},
		Effects: effects,
	}
}

func TestPrimitiveCache(t *testing.T) {
	engine, _ := newTestEngine(t, 1)
	cache := engine.Primitives()
	scale := newScalePrimitive()

	const numCallers = 8
	callables := make([]*PrimitiveCallable, numCallers)
	var wg sync.WaitGroup
	for i := range numCallers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			callables[i] = must.M1(cache.GetOrCompile(scale, Params{"factor": float32(2)}))
		}()
	}
	wg.Wait()
	for _, callable := range callables {
		assert.Same(t, callables[0], callable)
	}
	assert.Equal(t, 1, cache.Len())
	assert.EqualValues(t, 1, cache.Misses())

	other := must.M1(cache.GetOrCompile(scale, Params{"factor": float32(3)}))
	assert.NotSame(t, callables[0], other)
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, Params{"factor": float32(3)}.Key(), Params{"factor": float32(3)}.Key())
	assert.NotEqual(t, Params{"factor": float32(3)}.Key(), Params{"factor": float64(3)}.Key())
	assert.NotEqual(t, Params{"factor": 3}.Key(), Params{"factor": int64(3)}.Key())

	// Parameters that print the same but have different types are bound separately.
	wide := must.M1(cache.GetOrCompile(scale, Params{"factor": float64(3)}))
	assert.NotSame(t, other, wide)
	assert.IsType(t, float64(0), wide.Params()["factor"])
	assert.IsType(t, float32(0), other.Params()["factor"])
	must.M1(cache.GetOrCompile(scale, Params{"factor": 3}))
	must.M1(cache.GetOrCompile(scale, Params{"factor": int64(3)}))
	assert.Equal(t, 5, cache.Len())

	_, err := cache.GetOrCompile(&Primitive{Name: "empty"}, nil)
	assert.True(t, IsKind(err, InvalidArgument), "got %v", err)
}

func TestApplyPrimitive(t *testing.T) {
	engine, backend := newTestEngine(t, 2)
	devices := backend.AddressableDevices()
	scale := newScalePrimitive()
	double := Params{"factor": float32(2)}

	t.Run("Uncommitted", func(t *testing.T) {
		outputs, err := engine.ApplyPrimitive(nil, scale, double, []float32{1, 2, 3})
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		deleteAll(t, outputs...)
		assert.False(t, outputs[0].Committed())
		assert.True(t, placement.Equal(placement.Trivial(backend.DefaultDevice()), outputs[0].Placement()))
		assert.Equal(t, []float32{2, 4, 6}, must.M1(outputs[0].Value()))

		callable := must.M1(engine.Primitives().GetOrCompile(scale, double))
		assert.Equal(t, 1, callable.NumExecutables())
		outputs, err = callable.Call(nil, []float32{4, 5, 6})
		require.NoError(t, err)
		deleteAll(t, outputs...)
		assert.Equal(t, 1, callable.NumExecutables(), "same signature")
	})

	t.Run("Sharded", func(t *testing.T) {
		rows := rowSharding(devices...)
		x := must.M1(engine.Put(arrays.MustFromFlat(sequence(6), 2, 3), rows, Copy))
		deleteAll(t, x)
		outputs, err := engine.ApplyPrimitive(nil, scale, double, x)
		require.NoError(t, err)
		deleteAll(t, outputs...)
		assert.True(t, outputs[0].Committed())
		assert.True(t, rows.Equal(outputs[0].Sharding()))
		assert.Equal(t, [][]float32{{0, 2, 4}, {6, 8, 10}}, must.M1(outputs[0].Value()))
		assert.False(t, x.IsDonated())
	})

	t.Run("ConflictingDevices", func(t *testing.T) {
		first := &Primitive{
			Name: "first",
			Impl: func(_ Params, inputs []*backends.HostData) ([]*backends.HostData, error) {
				return inputs[:1], nil
			},
			AbstractEval: func(_ Params, inputs []avals.AbstractValue) ([]avals.AbstractValue, error) {
				return inputs[:1], nil
			},
		}
		a := must.M1(engine.Put([]float32{1}, placement.OnDevice(devices[0]), Copy))
		b := must.M1(engine.Put([]float32{1}, placement.OnDevice(devices[1]), Copy))
		deleteAll(t, a, b)
		_, err := engine.ApplyPrimitive(nil, first, nil, a, b)
		assert.True(t, IsKind(err, InvalidArgument), "got %v", err)
	})

	t.Run("BadArgument", func(t *testing.T) {
		_, err := engine.ApplyPrimitive(nil, scale, double, []int32{1})
		assert.True(t, IsKind(err, InvalidArgument), "got %v", err)
		_, err = engine.ApplyPrimitive(nil, scale, double, struct{}{})
		assert.True(t, IsKind(err, InvalidArgument), "got %v", err)
	})
}

func TestSpecialValues(t *testing.T) {
	scale := newScalePrimitive()
	for _, tc := range []struct {
		name           string
		nans, infs     bool
		factor         float32
		wantNumerical  bool
		wantErrMessage string
	}{
		{name: "NaN", nans: true, factor: float32(math.NaN()), wantNumerical: true, wantErrMessage: "invalid value (nan)"},
		{name: "Inf", infs: true, factor: float32(math.Inf(1)), wantNumerical: true, wantErrMessage: "invalid value (inf)"},
		{name: "InfNotChecked", nans: true, factor: float32(math.Inf(1))},
		{name: "Finite", nans: true, infs: true, factor: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			config.DebugNaNs, config.DebugInfs = tc.nans, tc.infs
			_, engines := newTestCluster(t, simplego.ClusterConfig{}, config)
			outputs, err := engines[0].ApplyPrimitive(nil, scale, Params{"factor": tc.factor}, []float32{1, 2})
			if !tc.wantNumerical {
				require.NoError(t, err)
				deleteAll(t, outputs...)
				return
			}
			require.Error(t, err)
			assert.True(t, IsKind(err, NumericalError), "got %v", err)
			assert.Contains(t, err.Error(), tc.wantErrMessage)
		})
	}

	hasNaN, hasInf := findSpecialValues([]float64{1, math.Inf(-1)})
	assert.False(t, hasNaN)
	assert.True(t, hasInf)
	hasNaN, hasInf = findSpecialValues([]int32{1})
	assert.False(t, hasNaN || hasInf)
}

func TestOrderedEffects(t *testing.T) {
	engine, backend := newTestEngine(t, 2)
	const io Effect = "io"
	scale := newScalePrimitive(io)
	params := Params{"factor": float32(1)}

	_, err := engine.ApplyPrimitive(nil, scale, params, []float32{1})
	assert.True(t, IsKind(err, InvalidArgument), "got %v", err)

	tokens := engine.NewTokenSet()
	defer tokens.Close()
	var lastSeq uint64
	for i := range 3 {
		outputs, err := engine.ApplyPrimitive(tokens, scale, params, []float32{float32(i)})
		require.NoError(t, err)
		deleteAll(t, outputs...)
		token := tokens.CurrentToken(io)
		require.NotNil(t, token)
		assert.Greater(t, token.Seq(), lastSeq)
		lastSeq = token.Seq()
		assert.Equal(t, []float32{float32(i)}, must.M1(outputs[0].Value()))
	}
	assert.Equal(t, 1, tokens.NumOutputRuntimeTokens())
	require.NoError(t, tokens.BlockUntilReady())
	assert.Equal(t, 0, tokens.NumOutputRuntimeTokens())

	// A computation on other devices moves the token.
	x := must.M1(engine.Put([]float32{7}, placement.OnDevice(backend.AddressableDevices()[1]), Copy))
	deleteAll(t, x)
	outputs, err := engine.ApplyPrimitive(tokens, scale, params, x)
	require.NoError(t, err)
	deleteAll(t, outputs...)
	token := tokens.CurrentToken(io)
	assert.Equal(t, []int{backend.AddressableDevices()[1].ID}, token.Array().Placement().DeviceList().IDs())
}
