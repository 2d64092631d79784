// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"testing"

	"github.com/gomlx/placement/backends/simplego"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsistencyAcrossProcesses(t *testing.T) {
	cluster, engines := newTestCluster(t, simplego.ClusterConfig{NumProcesses: 2}, nil)
	target := placement.Replicated(placement.MustNewDeviceList(cluster.Devices()...))

	t.Run("Equal", func(t *testing.T) {
		placed := make([]*arrays.Array, 2)
		errs := runProcesses(2, func(process int) error {
			var err error
			placed[process], err = engines[process].Put([]float32{1, 2, 3}, target, Alias)
			return err
		})
		for process, err := range errs {
			require.NoError(t, err, "process %d", process)
			deleteAll(t, placed[process])
			assert.True(t, placed[process].Committed())
			assert.False(t, placed[process].IsFullyAddressable())
			shards := must.M1(placed[process].Shards())
			require.Len(t, shards, 1)
			assert.Equal(t, process, shards[0].Device.ProcessIndex)
			assert.EqualValues(t, 1, cluster.Backend(process).Counters().ConsistencyChecks)
		}
	})

	t.Run("Different", func(t *testing.T) {
		errs := runProcesses(2, func(process int) error {
			placed, err := engines[process].Put([]float32{1, 2, float32(process)}, target, Alias)
			if err == nil {
				_ = placed.Delete()
				return errors.Errorf("process %d placed different values", process)
			}
			return err
		})
		for process, err := range errs {
			assert.True(t, IsKind(err, ConsistencyViolation), "process %d got %v", process, err)
		}
	})

	t.Run("Committed", func(t *testing.T) {
		x := must.M1(engines[0].Put([]float32{1}, placement.OnDevice(cluster.Devices()[0]), Copy))
		deleteAll(t, x)
		_, err := engines[0].Put(x, target, Alias)
		assert.True(t, IsKind(err, UnsupportedPlacement), "got %v", err)
	})
}

func TestCrossHostPut(t *testing.T) {
	t.Run("Unsupported", func(t *testing.T) {
		cluster, engines := newTestCluster(t, simplego.ClusterConfig{NumProcesses: 2}, nil)
		d := cluster.Devices()
		x := must.M1(engines[0].Put([]float32{1, 2}, placement.Trivial(d[0]), Copy))
		deleteAll(t, x)
		_, err := engines[0].Put(x, placement.Trivial(d[1]), Copy)
		assert.True(t, IsKind(err, BackendCapabilityMissing), "got %v", err)
		assert.False(t, x.IsDonated())
	})

	t.Run("Supported", func(t *testing.T) {
		cluster, engines := newTestCluster(t, simplego.ClusterConfig{NumProcesses: 2, CrossHostTransfers: true}, nil)
		d := cluster.Devices()
		source, target := placement.Trivial(d[0]), placement.Trivial(d[1])
		values := []float32{3, 5, 7}

		// Process 1 only knows the array by its placement: its shards live in process 0.
		x0 := must.M1(engines[0].Put(values, source, Copy))
		x1 := arrays.New(cluster.Backend(1), x0.Aval(), source, true, nil)
		deleteAll(t, x0, x1)
		inputs := []*arrays.Array{x0, x1}
		placed := make([]*arrays.Array, 2)
		errs := runProcesses(2, func(process int) error {
			var err error
			placed[process], err = engines[process].Put(inputs[process], target, Copy)
			return err
		})
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		deleteAll(t, placed...)
		assert.Empty(t, must.M1(placed[0].Shards()))
		assert.Equal(t, values, must.M1(placed[1].Value()))
		assert.EqualValues(t, 1, cluster.Backend(0).Counters().CrossHostCopies)
		assert.EqualValues(t, 1, cluster.Backend(1).Counters().CrossHostCopies)
		assert.EqualValues(t, 0, cluster.Backend(1).Counters().BatchedTransfers)
	})
}
