// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doubleComputation multiplies float32 values by 2.
var doubleComputation = backends.Computation{
	Name: "double",
	Fn: func(inputs []*backends.HostData) ([]*backends.HostData, error) {
		in := inputs[0].Flat.([]float32)
		out := make([]float32, len(in))
		for i, v := range in {
			out[i] = 2 * v
		}
		return []*backends.HostData{{Aval: inputs[0].Aval, Flat: out}}, nil
	},
}

func TestExecute(t *testing.T) {
	cluster := newTestCluster(t, ClusterConfig{DevicesPerProcess: 2})
	b := cluster.Backend(0)
	devices := b.AddressableDevices()
	aval := avals.Make(dtypes.Float32, 4)
	host := hostSource(sequence(4), 4)

	t.Run("IdentityReshard", func(t *testing.T) {
		// Value on device 0 resharded to both devices.
		single := placement.Trivial(devices[0])
		shards, err := b.BatchedTransfer([]backends.TransferRequest{{Source: host, Target: single, Copy: backends.Copy}})
		require.NoError(t, err)
		replicated := placement.Replicated(placement.MustNewDeviceList(devices...))
		exec, err := b.Compile(backends.IdentityComputation(), backends.CompileOptions{
			InputAvals:      []avals.AbstractValue{aval},
			InputShardings:  []*placement.Sharding{replicated},
			OutputAvals:     []avals.AbstractValue{aval},
			OutputShardings: []*placement.Sharding{replicated},
		})
		require.NoError(t, err)
		assert.Equal(t, "identity", exec.Name())
		result, err := exec.Execute([]backends.Source{sourceOf(host, single, shards[0])})
		require.NoError(t, err)
		require.Len(t, result.Outputs, 1)
		require.Len(t, result.Outputs[0], 2)
		require.Len(t, result.RuntimeTokens, 2)
		require.NoError(t, result.RuntimeTokens[devices[1].ID].BlockUntilReady())
		assert.True(t, result.RuntimeTokens[devices[0].ID].IsReady())
		for _, shard := range result.Outputs[0] {
			assert.Equal(t, sequence(4), readShard(t, b, shard))
		}
	})

	t.Run("ShardedComputation", func(t *testing.T) {
		rows := rowSharding(devices...)
		exec, err := b.Compile(doubleComputation, backends.CompileOptions{
			InputAvals:      []avals.AbstractValue{aval},
			InputShardings:  []*placement.Sharding{rows},
			OutputAvals:     []avals.AbstractValue{aval},
			OutputShardings: []*placement.Sharding{rows},
			Donate:          []int{0},
		})
		require.NoError(t, err)
		shards, err := b.BatchedTransfer([]backends.TransferRequest{{Source: host, Target: rows, Copy: backends.Copy}})
		require.NoError(t, err)
		result, err := exec.Execute([]backends.Source{sourceOf(host, rows, shards[0])})
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 2}, readShard(t, b, result.Outputs[0][0]))
		assert.Equal(t, []float32{4, 6}, readShard(t, b, result.Outputs[0][1]))
		_, err = b.BufferAval(shards[0][0].Buffer)
		assert.Error(t, err, "donated input should have been released")

		// Host inputs are scattered directly.
		result, err = exec.Execute([]backends.Source{host})
		require.NoError(t, err)
		assert.Equal(t, []float32{4, 6}, readShard(t, b, result.Outputs[0][1]))
	})

	t.Run("Failures", func(t *testing.T) {
		replicated := placement.Replicated(placement.MustNewDeviceList(devices...))
		options := backends.CompileOptions{
			InputAvals:      []avals.AbstractValue{aval},
			InputShardings:  []*placement.Sharding{replicated},
			OutputAvals:     []avals.AbstractValue{aval},
			OutputShardings: []*placement.Sharding{replicated},
		}
		failing := backends.Computation{Name: "failing", Fn: func([]*backends.HostData) ([]*backends.HostData, error) {
			return nil, errors.New("boom")
		}}
		exec, err := b.Compile(failing, options)
		require.NoError(t, err)
		result, err := exec.Execute([]backends.Source{host})
		require.NoError(t, err, "errors of the computation are reported asynchronously")
		assert.ErrorContains(t, result.RuntimeTokens[devices[0].ID].BlockUntilReady(), "boom")
		assert.Error(t, b.BufferBlockUntilReady(result.Outputs[0][0].Buffer))

		// Wrong input shape.
		exec, err = b.Compile(backends.IdentityComputation(), options)
		require.NoError(t, err)
		_, err = exec.Execute([]backends.Source{hostSource(sequence(2), 2)})
		assert.Error(t, err)
		_, err = exec.Execute(nil)
		assert.Error(t, err)

		// Compilation errors.
		_, err = b.Compile(backends.Computation{Name: "nil"}, options)
		assert.Error(t, err)
		options.OutputShardings = []*placement.Sharding{placement.Trivial(devices[0])}
		_, err = b.Compile(backends.IdentityComputation(), options)
		assert.ErrorContains(t, err, "computation runs on")
		options.OutputShardings = []*placement.Sharding{replicated}
		options.Donate = []int{1}
		_, err = b.Compile(backends.IdentityComputation(), options)
		assert.Error(t, err)
	})
	assert.Equal(t, int64(4), b.Counters().Compilations)
}

func TestExecuteAcrossProcesses(t *testing.T) {
	cluster := newTestCluster(t, ClusterConfig{NumProcesses: 2})
	devices := cluster.Devices()
	aval := avals.Make(dtypes.Float32, 2, 2)
	host := hostSource(sequence(4), 2, 2)
	single := placement.Trivial(devices[0])
	replicated := placement.Replicated(placement.MustNewDeviceList(devices...))

	b0 := cluster.Backend(0)
	shards, err := b0.BatchedTransfer([]backends.TransferRequest{{Source: host, Target: single, Copy: backends.Copy}})
	require.NoError(t, err)
	sources := []backends.Source{sourceOf(host, single, shards[0]), sourceOf(host, single, nil)}

	var wg sync.WaitGroup
	var results [2]*backends.ExecuteResult
	var errs [2]error
	for process := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := cluster.Backend(process)
			exec, err := b.Compile(backends.IdentityComputation(), backends.CompileOptions{
				InputAvals:      []avals.AbstractValue{aval},
				InputShardings:  []*placement.Sharding{replicated},
				OutputAvals:     []avals.AbstractValue{aval},
				OutputShardings: []*placement.Sharding{replicated},
			})
			if err != nil {
				errs[process] = err
				return
			}
			results[process], errs[process] = exec.Execute([]backends.Source{sources[process]})
			if errs[process] == nil {
				errs[process] = results[process].RuntimeTokens[devices[process].ID].BlockUntilReady()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	for process, result := range results {
		require.Len(t, result.Outputs[0], 1)
		assert.Equal(t, devices[process], result.Outputs[0][0].Device)
		assert.Equal(t, sequence(4), readShard(t, cluster.Backend(process), result.Outputs[0][0]))
	}
}
