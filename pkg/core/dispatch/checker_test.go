// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"testing"

	"github.com/gomlx/placement/backends/simplego"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTransfer(t *testing.T) {
	cluster, engines := newTestCluster(t, simplego.ClusterConfig{
		NumProcesses: 2, DevicesPerProcess: 2, CrossHostTransfers: true}, nil)
	engine := engines[0]
	d := cluster.Devices()
	local := rowSharding(d[0], d[1])
	reversed := rowSharding(d[1], d[0])
	remote := rowSharding(d[2], d[3])
	spread := rowSharding(d[0], d[2])

	for _, tc := range []struct {
		name      string
		src       placement.Placement
		committed bool
		dst       placement.Placement
		semantics CopySemantics
		want      TransferKind
	}{
		{"NoOp", local, true, rowSharding(d[0], d[1]), Alias, TransferNoOp},
		{"UncommittedIsNotNoOp", local, false, local, Alias, TransferLocal},
		{"CopyIsNotNoOp", local, true, local, Copy, TransferLocal},
		{"Repermute", local, true, reversed, Alias, TransferLocalRepermute},
		{"Local", placement.OnDevice(d[0]), true, placement.OnDevice(d[1]), Alias, TransferLocal},
		{"FromHost", nil, false, remote, Alias, TransferLocal},
		{"CrossHost", local, true, remote, Copy, TransferCrossHost},
		{"DefaultDevice", placement.OnDevice(d[1]), true, nil, Alias, TransferLocal},
	} {
		t.Run(tc.name, func(t *testing.T) {
			kind, err := engine.ClassifyTransfer(tc.src, tc.committed, tc.dst, 2, tc.semantics)
			require.NoError(t, err)
			assert.Equal(t, tc.want, kind, "got %s", kind)
		})
	}

	t.Run("PartitionMismatch", func(t *testing.T) {
		replicatedRemote := placement.Replicated(placement.MustNewDeviceList(d[2], d[3]))
		_, err := engine.ClassifyTransfer(spread, true, replicatedRemote, 2, Copy)
		assert.True(t, IsKind(err, UnsupportedPlacement), "got %v", err)
	})

	t.Run("Memoized", func(t *testing.T) {
		engine := engines[1]
		for range 3 {
			supported, err := engine.IsSupportedCrossHostTransfer(1, local, remote)
			require.NoError(t, err)
			assert.True(t, supported)
		}
		assert.Equal(t, 1, engine.crossHostSupport.Len())
		supported, err := engine.IsSupportedCrossHostTransfer(1, local, reversed)
		require.NoError(t, err)
		assert.False(t, supported, "same processes")
		assert.Equal(t, 2, engine.crossHostSupport.Len())
	})

	t.Run("KindMismatch", func(t *testing.T) {
		cluster, engines := newTestCluster(t, simplego.ClusterConfig{DeviceKinds: []string{"cpu", "gpu"}}, nil)
		d := cluster.Devices()
		_, err := engines[0].ClassifyTransfer(placement.OnDevice(d[0]), true, placement.OnDevice(d[1]), 1, Alias)
		assert.True(t, IsKind(err, UnsupportedPlacement), "got %v", err)
	})

	t.Run("SingleProcess", func(t *testing.T) {
		engine, backend := newTestEngine(t, 2)
		d := backend.AddressableDevices()
		supported, err := engine.IsSupportedCrossHostTransfer(1, rowSharding(d[0]), rowSharding(d[1]))
		require.NoError(t, err)
		assert.False(t, supported)
		assert.Equal(t, 0, engine.crossHostSupport.Len())
	})
}

func TestCrossHostCapability(t *testing.T) {
	cluster, engines := newTestCluster(t, simplego.ClusterConfig{NumProcesses: 2}, nil)
	d := cluster.Devices()
	src, dst := placement.Trivial(d[0]), placement.Trivial(d[1])
	_, err := engines[0].IsSupportedCrossHostTransfer(1, src, dst)
	assert.True(t, IsKind(err, BackendCapabilityMissing), "got %v", err)
	assert.ErrorContains(t, err, "cross_host_transfer_socket_address")
	assert.ErrorContains(t, err, EnvCrossHostTransferSocketAddress)

	config := DefaultConfig()
	config.CrossHostTransferSocketAddress = "127.0.0.1:0"
	configured := NewEngine(cluster.Backend(0), config)
	supported, err := configured.IsSupportedCrossHostTransfer(1, src, dst)
	require.NoError(t, err)
	assert.True(t, supported)
}

func TestDeviceOrderPermutation(t *testing.T) {
	_, backend := newTestEngine(t, 4)
	d := backend.AddressableDevices()
	src := rowSharding(d...)
	dst := rowSharding(d[2], d[0], d[3], d[1])
	if diff := cmp.Diff([]int{1, 3, 0, 2}, DeviceOrderPermutation(src, dst)); diff != "" {
		t.Errorf("unexpected permutation (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, -1}, DeviceOrderPermutation(rowSharding(d[0], d[1]), rowSharding(d[0], d[2]))); diff != "" {
		t.Errorf("unexpected permutation (-want +got):\n%s", diff)
	}
	assert.Nil(t, DeviceOrderPermutation(placement.Replicated(placement.MustNewDeviceList(d...)), dst))
}
