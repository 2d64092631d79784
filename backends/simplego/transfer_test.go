// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"
	"testing"

	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sourceOf returns the Source for the shards placed with sharding.
func sourceOf(src backends.Source, sharding *placement.Sharding, shards []backends.Shard) backends.Source {
	return backends.Source{Aval: src.Aval, Placement: sharding, Shards: shards}
}

func TestBatchedTransfer(t *testing.T) {
	cluster := newTestCluster(t, ClusterConfig{DevicesPerProcess: 4})
	b := cluster.Backend(0)
	devices := b.AddressableDevices()
	host := hostSource(sequence(8), 4, 2)

	rows := rowSharding(devices[0], devices[1])
	replicated := placement.Replicated(placement.MustNewDeviceList(devices[2], devices[3]))
	results, err := b.BatchedTransfer([]backends.TransferRequest{
		{Source: host, Target: rows, Copy: backends.Copy},
		{Source: host, Target: replicated, Copy: backends.Copy},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, results[0], 2)
	assert.Equal(t, devices[0], results[0][0].Device)
	assert.Equal(t, placement.Index{{Start: 0, End: 2}, {Start: 0, End: 2}}, results[0][0].Index)
	assert.Equal(t, []float32{0, 1, 2, 3}, readShard(t, b, results[0][0]))
	assert.Equal(t, []float32{4, 5, 6, 7}, readShard(t, b, results[0][1]))
	require.Len(t, results[1], 2)
	for _, shard := range results[1] {
		assert.Equal(t, sequence(8), readShard(t, b, shard))
	}
	assert.Equal(t, int64(1), b.Counters().BatchedTransfers)
	assert.Equal(t, int64(2), b.Counters().TransferRequests)

	placed := sourceOf(host, rows, results[0])
	t.Run("Alias", func(t *testing.T) {
		aliased, err := b.BatchedTransfer([]backends.TransferRequest{{Source: placed, Target: rows, Copy: backends.Alias}})
		require.NoError(t, err)
		for i, shard := range aliased[0] {
			assert.Same(t, results[0][i].Buffer, shard.Buffer)
			require.NoError(t, b.BufferFinalize(shard.Buffer))
		}
		// Original shards are still alive.
		assert.Equal(t, []float32{0, 1, 2, 3}, readShard(t, b, results[0][0]))
	})

	t.Run("Copy", func(t *testing.T) {
		copied, err := b.BatchedTransfer([]backends.TransferRequest{{Source: placed, Target: rows, Copy: backends.Copy}})
		require.NoError(t, err)
		for i, shard := range copied[0] {
			assert.NotSame(t, results[0][i].Buffer, shard.Buffer)
			assert.Equal(t, readShard(t, b, results[0][i]), readShard(t, b, shard))
		}
	})

	t.Run("Reshard", func(t *testing.T) {
		// Rows on devices 0,1 to replicated on devices 1,2: device 1 assembles from both shards.
		target := placement.Replicated(placement.MustNewDeviceList(devices[1], devices[2]))
		resharded, err := b.BatchedTransfer([]backends.TransferRequest{{Source: placed, Target: target, Copy: backends.Alias}})
		require.NoError(t, err)
		for _, shard := range resharded[0] {
			assert.Equal(t, sequence(8), readShard(t, b, shard))
		}
	})

	t.Run("MemoryKindAndLayout", func(t *testing.T) {
		pinned := must.M1(rows.WithMemoryKind(placement.PinnedHostMemoryKind))
		layout := placement.NewLayout(0, 1)
		moved, err := b.BatchedTransfer([]backends.TransferRequest{
			{Source: placed, Target: pinned, Layout: layout, Copy: backends.Alias}})
		require.NoError(t, err)
		for i, shard := range moved[0] {
			assert.NotSame(t, results[0][i].Buffer, shard.Buffer)
			kind, err := b.BufferMemoryKind(shard.Buffer)
			require.NoError(t, err)
			assert.Equal(t, placement.PinnedHostMemoryKind, kind)
			gotLayout, err := b.BufferLayout(shard.Buffer)
			require.NoError(t, err)
			assert.Equal(t, layout, gotLayout)
		}
		_, err = b.BatchedTransfer([]backends.TransferRequest{
			{Source: placed, Target: rows, Layout: placement.NewLayout(0, 0), Copy: backends.Alias}})
		assert.Error(t, err)
	})

	t.Run("Donate", func(t *testing.T) {
		donor, err := b.BatchedTransfer([]backends.TransferRequest{{Source: host, Target: rows, Copy: backends.Copy}})
		require.NoError(t, err)
		// Device 0 keeps its shard, device 1's shard is released after the transfer.
		target := rowSharding(devices[0], devices[2])
		donated, err := b.BatchedTransfer([]backends.TransferRequest{
			{Source: sourceOf(host, rows, donor[0]), Target: target, Copy: backends.Donate}})
		require.NoError(t, err)
		assert.Same(t, donor[0][0].Buffer, donated[0][0].Buffer)
		assert.Equal(t, []float32{4, 5, 6, 7}, readShard(t, b, donated[0][1]))
		_, err = b.BufferAval(donor[0][1].Buffer)
		assert.Error(t, err, "donated buffer should have been released")
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := b.BatchedTransfer([]backends.TransferRequest{{Source: host, Target: nil}})
		assert.Error(t, err)
		_, err = b.BatchedTransfer([]backends.TransferRequest{
			{Source: hostSource(sequence(6), 3, 2), Target: rows}})
		assert.ErrorContains(t, err, "not divisible")
		_, err = b.BatchedTransfer([]backends.TransferRequest{
			{Source: backends.Source{Aval: host.Aval, Host: &backends.HostData{Aval: host.Aval, Flat: []int32{1}}}, Target: rows}})
		assert.Error(t, err)
	})
}

func TestReorderShards(t *testing.T) {
	cluster := newTestCluster(t, ClusterConfig{DevicesPerProcess: 2})
	b := cluster.Backend(0)
	devices := b.AddressableDevices()
	host := hostSource(sequence(4), 4)

	replicated := placement.Replicated(placement.MustNewDeviceList(devices...))
	shards, err := b.BatchedTransfer([]backends.TransferRequest{{Source: host, Target: replicated, Copy: backends.Copy}})
	require.NoError(t, err)
	placed := sourceOf(host, replicated, shards[0])
	reversed := must.M1(replicated.WithDeviceOrder([]int{1, 0}))

	for _, semantics := range []backends.CopySemantics{backends.Alias, backends.Copy} {
		t.Run(semantics.String(), func(t *testing.T) {
			reordered, err := b.ReorderShards(placed, reversed, semantics)
			require.NoError(t, err)
			require.Len(t, reordered, 2)
			assert.Equal(t, devices[1], reordered[0].Device)
			assert.Equal(t, devices[0], reordered[1].Device)
			if semantics == backends.Alias {
				assert.Same(t, shards[0][1].Buffer, reordered[0].Buffer)
			} else {
				assert.NotSame(t, shards[0][1].Buffer, reordered[0].Buffer)
			}
			assert.Equal(t, sequence(4), readShard(t, b, reordered[0]))
		})
	}

	t.Run("MemoryKind", func(t *testing.T) {
		pinned := must.M1(reversed.WithMemoryKind(placement.PinnedHostMemoryKind))
		reordered, err := b.ReorderShards(placed, pinned, backends.Alias)
		require.NoError(t, err)
		require.Len(t, reordered, 2)
		for _, shard := range reordered {
			assert.Equal(t, placement.PinnedHostMemoryKind, must.M1(b.BufferMemoryKind(shard.Buffer)))
		}
		assert.NotSame(t, shards[0][1].Buffer, reordered[0].Buffer, "copied to the new memory kind")
		assert.Equal(t, sequence(4), readShard(t, b, reordered[1]))
	})

	// Sharded values can't be reordered: shards would have to move.
	rows := rowSharding(devices...)
	rowShards, err := b.BatchedTransfer([]backends.TransferRequest{{Source: host, Target: rows, Copy: backends.Copy}})
	require.NoError(t, err)
	_, err = b.ReorderShards(sourceOf(host, rows, rowShards[0]), must.M1(rows.WithDeviceOrder([]int{1, 0})), backends.Alias)
	assert.ErrorContains(t, err, "would have to move")
	assert.Equal(t, int64(4), b.Counters().Reorders)
}

func TestCrossHostCopy(t *testing.T) {
	t.Run("Unsupported", func(t *testing.T) {
		cluster := newTestCluster(t, ClusterConfig{NumProcesses: 2})
		b := cluster.Backend(0)
		devices := cluster.Devices()
		_, err := b.CrossHostCopy([]backends.Source{hostSource(sequence(2), 2)},
			[]*placement.Sharding{placement.Trivial(devices[1])}, []backends.CopySemantics{backends.Copy})
		assert.ErrorContains(t, err, "not supported")
	})

	t.Run("TwoProcesses", func(t *testing.T) {
		cluster := newTestCluster(t, ClusterConfig{NumProcesses: 2, DevicesPerProcess: 2, CrossHostTransfers: true})
		devices := cluster.Devices()
		host := hostSource(sequence(8), 4, 2)
		source := rowSharding(devices[0], devices[1]) // Process 0.
		target := rowSharding(devices[2], devices[3]) // Process 1.

		b0, b1 := cluster.Backend(0), cluster.Backend(1)
		shards, err := b0.BatchedTransfer([]backends.TransferRequest{{Source: host, Target: source, Copy: backends.Copy}})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var results [2][][]backends.Shard
		var errs [2]error
		for process, src := range []backends.Source{
			sourceOf(host, source, shards[0]),
			sourceOf(host, source, nil),
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[process], errs[process] = cluster.Backend(process).CrossHostCopy(
					[]backends.Source{src}, []*placement.Sharding{target}, []backends.CopySemantics{backends.Copy})
			}()
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Empty(t, results[0][0])
		require.Len(t, results[1][0], 2)
		assert.Equal(t, devices[2], results[1][0][0].Device)
		assert.Equal(t, []float32{0, 1, 2, 3}, readShard(t, b1, results[1][0][0]))
		assert.Equal(t, []float32{4, 5, 6, 7}, readShard(t, b1, results[1][0][1]))
		assert.Equal(t, int64(1), b0.Counters().CrossHostCopies)
	})
}
