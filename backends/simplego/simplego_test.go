// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"flag"
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	flag.Parse()
	fmt.Printf("Available backends: %q\n", backends.List())
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1"))
}

// newTestCluster creates a cluster finalized at the end of the test.
func newTestCluster(t *testing.T, config ClusterConfig) *Cluster {
	cluster := must.M1(NewCluster(config))
	t.Cleanup(cluster.Finalize)
	return cluster
}

// sequence returns float32 values 0, 1, ..., n-1.
func sequence(n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i)
	}
	return values
}

func hostSource(flat []float32, dims ...int) backends.Source {
	aval := avals.Make(dtypes.Float32, dims...)
	return backends.Source{Aval: aval, Host: &backends.HostData{Aval: aval, Flat: flat}}
}

// readShard waits for the shard and returns its contents.
func readShard(t *testing.T, b *Backend, shard backends.Shard) []float32 {
	t.Helper()
	aval, err := b.BufferAval(shard.Buffer)
	require.NoError(t, err)
	flat := make([]float32, aval.Size())
	require.NoError(t, b.BufferToFlatData(shard.Buffer, flat))
	return flat
}

// rowSharding partitions the first axis of values over the given devices.
func rowSharding(devices ...*placement.Device) *placement.Sharding {
	mesh := placement.MustNewDeviceMesh(placement.MustNewDeviceList(devices...), []int{len(devices)}, []string{"data"})
	return placement.MustNewSharding(mesh, placement.BuildSpec().S("data").Done())
}

func TestNew(t *testing.T) {
	backend, err := backends.NewWithConfig("go:devices=2,kinds=cpu|gpu,crosshost=true")
	require.NoError(t, err)
	defer backend.Finalize()
	assert.Equal(t, BackendName, backend.Name())
	assert.Equal(t, 0, backend.ProcessIndex())
	assert.Equal(t, 1, backend.ProcessCount())
	devices := backend.Devices()
	require.Len(t, devices, 4)
	assert.Equal(t, "cpu", devices[0].Kind)
	assert.Equal(t, "gpu", devices[2].Kind)
	assert.Equal(t, 3, devices[3].LocalIndex)
	assert.Equal(t, devices[0], backend.DefaultDevice())
	caps := backend.Capabilities()
	assert.True(t, caps.CrossHostTransfers)
	assert.True(t, caps.SupportsMemoryKind(placement.PinnedHostMemoryKind))
	assert.False(t, Capabilities.CrossHostTransfers)

	for _, config := range []string{"devices", "devices=x", "foo=1"} {
		_, err = New(config)
		assert.Error(t, err, "config %q", config)
	}

	backend.Finalize()
	assert.True(t, backend.IsFinalized())
	_, err = backend.BufferFromFlatData(devices[0], []float32{1}, avals.Make(dtypes.Float32, 1))
	assert.Error(t, err)
}

func TestCluster(t *testing.T) {
	cluster := newTestCluster(t, ClusterConfig{NumProcesses: 3, DevicesPerProcess: 2})
	require.Len(t, cluster.Devices(), 6)
	for process, b := range cluster.Backends() {
		assert.Equal(t, process, b.ProcessIndex())
		assert.Equal(t, 3, b.ProcessCount())
		local := b.AddressableDevices()
		require.Len(t, local, 2)
		for i, device := range local {
			assert.Equal(t, process, device.ProcessIndex)
			assert.Equal(t, 2*process+i, device.ID)
			assert.Equal(t, i, device.LocalIndex)
		}
	}
}
