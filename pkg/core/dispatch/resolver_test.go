// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/placement/backends/simplego"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasIsIdempotent(t *testing.T) {
	engine, backend := newTestEngine(t, 2)
	devices := backend.AddressableDevices()
	host := arrays.MustFromFlat(sequence(6), 2, 3)
	for _, target := range []placement.Placement{
		placement.OnDevice(devices[1]),
		rowSharding(devices...),
		placement.Replicated(placement.MustNewDeviceList(devices[1], devices[0])),
		must.M1(rowSharding(devices...).WithMemoryKind(placement.PinnedHostMemoryKind)),
		rowSharding(devices...).WithLayout(placement.NewLayout(0, 1)),
	} {
		t.Run(target.String(), func(t *testing.T) {
			x, err := engine.Put(host, target, Copy)
			require.NoError(t, err)
			deleteAll(t, x)
			require.True(t, x.Committed())
			before := backend.Counters()
			for range 3 {
				res, err := engine.Resolve(x, target, Alias)
				require.NoError(t, err)
				assert.Equal(t, PathAlias, res.Path)
				assert.Same(t, x, res.Placed)
				y, err := engine.Put(x, target, Alias)
				require.NoError(t, err)
				assert.Same(t, x, y)
			}
			assert.Equal(t, before, backend.Counters(), "no transfer expected")
		})
	}

	t.Run("Uncommitted", func(t *testing.T) {
		x, err := engine.Put(host, nil, Alias)
		require.NoError(t, err)
		deleteAll(t, x)
		assert.False(t, x.Committed())
		assert.True(t, placement.Equal(x.Placement(), placement.OnDevice(backend.DefaultDevice())))

		// Without a target, Alias keeps the value where it is.
		res, err := engine.Resolve(x, nil, Alias)
		require.NoError(t, err)
		assert.Same(t, x, res.Placed)

		// But an explicit target commits it, with a transfer.
		y, err := engine.Put(x, placement.OnDevice(backend.DefaultDevice()), Alias)
		require.NoError(t, err)
		deleteAll(t, y)
		assert.NotSame(t, x, y)
		assert.True(t, y.Committed())
	})
}

func TestRepermuteRoundTrip(t *testing.T) {
	engine, backend := newTestEngine(t, 8)
	all := backend.AddressableDevices()
	for _, n := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("%d devices", n), func(t *testing.T) {
			devices := all[:n]
			reversed := slices.Clone(devices)
			slices.Reverse(reversed)
			src, dst := rowSharding(devices...), rowSharding(reversed...)
			host := arrays.MustFromFlat(sequence(2*n*3), 2*n, 3)
			want := host.Value()

			x := must.M1(engine.Put(host, src, Copy))
			deleteAll(t, x)
			reorders := backend.Counters().Reorders
			res, err := engine.Resolve(x, dst, Copy)
			require.NoError(t, err)
			var y *arrays.Array
			if n > 1 {
				require.Equal(t, PathRepermute, res.Path)
				y = res.Placed
				assert.Equal(t, reorders+1, backend.Counters().Reorders)
			} else {
				// Same device list: a plain copy.
				require.Equal(t, PathDeferred, res.Path)
				y = must.M1(engine.Put(x, dst, Copy))
			}
			deleteAll(t, y)
			assert.True(t, y.Sharding().Equal(dst))
			assert.Equal(t, want, must.M1(y.Value()))

			// Each device holds the rows of its position in the target.
			shards := must.M1(y.Shards())
			for p, shard := range shards {
				assert.Equal(t, reversed[p].ID, shard.Device.ID)
				assert.Equal(t, placement.Interval{Start: 2 * p, End: 2*p + 2}, shard.Index[0])
			}

			back := must.M1(engine.Put(y, src, Copy))
			deleteAll(t, back)
			assert.True(t, back.Sharding().Equal(src))
			assert.Equal(t, want, must.M1(back.Value()))
			assert.Equal(t, want, must.M1(x.Value()), "source must not change")
		})
	}

	t.Run("Replicated", func(t *testing.T) {
		devices := all[:4]
		reversed := slices.Clone(devices)
		slices.Reverse(reversed)
		host := arrays.MustFromFlat(sequence(4), 4)
		x := must.M1(engine.Put(host, placement.Replicated(placement.MustNewDeviceList(devices...)), Copy))
		deleteAll(t, x)
		reorders := backend.Counters().Reorders
		res, err := engine.Resolve(x, placement.Replicated(placement.MustNewDeviceList(reversed...)), Copy)
		require.NoError(t, err)
		deleteAll(t, res.Placed)
		assert.Equal(t, PathRepermute, res.Path)
		assert.Equal(t, reorders, backend.Counters().Reorders, "replicated values need no reordering")
		assert.Equal(t, host.Value(), must.M1(res.Placed.Value()))
	})

	t.Run("MemoryKind", func(t *testing.T) {
		devices := all[:4]
		reversed := slices.Clone(devices)
		slices.Reverse(reversed)
		pinned := must.M1(rowSharding(reversed...).WithMemoryKind(placement.PinnedHostMemoryKind))
		host := arrays.MustFromFlat(sequence(8), 4, 2)
		x := must.M1(engine.Put(host, rowSharding(devices...), Copy))
		reorders := backend.Counters().Reorders
		res, err := engine.Resolve(x, pinned, Donate)
		require.NoError(t, err)
		deleteAll(t, res.Placed)
		assert.Equal(t, PathRepermute, res.Path)
		assert.Equal(t, reorders+1, backend.Counters().Reorders)
		assert.True(t, x.IsDonated())
		assert.Equal(t, placement.PinnedHostMemoryKind, res.Placed.Placement().MemoryKind())
		for _, shard := range must.M1(res.Placed.Shards()) {
			assert.Equal(t, placement.PinnedHostMemoryKind, must.M1(backend.BufferMemoryKind(shard.Buffer)))
		}
		assert.Equal(t, host.Value(), must.M1(res.Placed.Value()))
	})
}

func TestEndToEndReplicate(t *testing.T) {
	engine, backend := newTestEngine(t, 2)
	devices := backend.AddressableDevices()
	host := arrays.MustFromFlat([]float32{1, 2, 3, 4}, 2, 2)

	x, err := engine.Put(host, placement.OnDevice(devices[0]), Alias)
	require.NoError(t, err)
	deleteAll(t, x)
	replicated := placement.Replicated(placement.MustNewDeviceList(devices...))
	before := backend.Counters().BatchedTransfers
	y, err := engine.Put(x, replicated, Alias)
	require.NoError(t, err)
	deleteAll(t, y)
	assert.Equal(t, before+1, backend.Counters().BatchedTransfers)
	assert.True(t, y.Committed())
	assert.True(t, y.Aval().Equal(x.Aval()))

	shards := must.M1(y.Shards())
	require.Len(t, shards, 2)
	for i, shard := range shards {
		assert.Equal(t, devices[i].ID, shard.Device.ID)
		flat := make([]float32, 4)
		require.NoError(t, backend.BufferToFlatData(shard.Buffer, flat))
		assert.Equal(t, []float32{1, 2, 3, 4}, flat)
	}
	assert.False(t, x.IsDonated())
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, must.M1(x.Value()))
}

func TestEagerCopy(t *testing.T) {
	engine, backend := newTestEngine(t, 2)
	devices := backend.AddressableDevices()
	x := must.M1(engine.Put([]float32{1, 2, 3}, placement.OnDevice(devices[0]), Alias))
	deleteAll(t, x)
	res, err := engine.Resolve(x, placement.OnDevice(devices[1]), Copy)
	require.NoError(t, err)
	deleteAll(t, res.Placed)
	assert.Equal(t, PathEagerCopy, res.Path)
	assert.True(t, placement.Equal(res.Placed.Placement(), placement.OnDevice(devices[1])))
	assert.Equal(t, []float32{1, 2, 3}, must.M1(res.Placed.Value()))

	res, err = engine.Resolve(x, placement.OnDevice(devices[1]), Alias)
	require.NoError(t, err)
	assert.Equal(t, PathDeferred, res.Path)
	assert.True(t, res.Deferred.Committed)
}

func TestLayoutAndMemoryKind(t *testing.T) {
	engine, backend := newTestEngine(t, 2)
	devices := backend.AddressableDevices()
	rows := rowSharding(devices...)
	layout := placement.NewLayout(0, 1)
	host := arrays.MustFromFlat(sequence(8), 4, 2)

	// Both orders of building the target give the same result.
	memoryFirst := must.M1(rows.WithMemoryKind(placement.PinnedHostMemoryKind)).WithLayout(layout)
	layoutFirst := must.M1(rows.WithLayout(layout).WithMemoryKind(placement.PinnedHostMemoryKind))
	for name, target := range map[string]*placement.Sharding{"MemoryFirst": memoryFirst, "LayoutFirst": layoutFirst} {
		t.Run(name, func(t *testing.T) {
			x, err := engine.Put(host, target, Alias)
			require.NoError(t, err)
			deleteAll(t, x)
			assert.Equal(t, avals.HostMemory, x.Aval().MemorySpace)
			assert.True(t, placement.LayoutsEqual(layout, x.Layout(), 2))
			for _, shard := range must.M1(x.Shards()) {
				assert.Equal(t, placement.PinnedHostMemoryKind, must.M1(backend.BufferMemoryKind(shard.Buffer)))
				assert.True(t, placement.LayoutsEqual(layout, must.M1(backend.BufferLayout(shard.Buffer)), 2))
			}
			assert.Equal(t, host.Value(), must.M1(x.Value()))

			res, err := engine.Resolve(x, target, Alias)
			require.NoError(t, err)
			assert.Equal(t, PathAlias, res.Path)
		})
	}

	t.Run("LayoutIdentity", func(t *testing.T) {
		pinned := must.M1(rows.WithMemoryKind(placement.PinnedHostMemoryKind))
		x := must.M1(engine.Put(host, pinned, Copy))
		deleteAll(t, x)
		res, err := engine.Resolve(x, memoryFirst, Alias)
		require.NoError(t, err)
		deleteAll(t, res.Placed)
		assert.Equal(t, PathLayoutIdentity, res.Path)
		assert.True(t, placement.LayoutsEqual(layout, res.Placed.Layout(), 2))
		assert.False(t, x.IsDeleted(), "the source is not an intermediate value")
		assert.Equal(t, host.Value(), must.M1(res.Placed.Value()))

		// Donate consumes the source.
		res, err = engine.Resolve(x, memoryFirst, Donate)
		require.NoError(t, err)
		assert.Equal(t, PathDeferred, res.Path)
		assert.False(t, x.IsDonated(), "donation only happens when the transfer is issued")
		y, err := engine.Put(x, memoryFirst, Donate)
		require.NoError(t, err)
		deleteAll(t, y)
		assert.True(t, x.IsDonated())
		assert.True(t, placement.LayoutsEqual(layout, y.Layout(), 2))
		assert.Equal(t, host.Value(), must.M1(y.Value()))
	})

	t.Run("InvalidLayout", func(t *testing.T) {
		_, err := engine.Put(host, rows.WithLayout(placement.NewLayout(0, 0)), Alias)
		require.True(t, IsKind(err, InvalidArgument), "got %v", err)
	})
}

func TestResolveErrors(t *testing.T) {
	cluster, engines := newTestCluster(t, simplego.ClusterConfig{DevicesPerProcess: 1, DeviceKinds: []string{"cpu", "gpu"}}, nil)
	engine := engines[0]
	devices := cluster.Devices()
	cpu, gpu := devices[0], devices[1]
	require.Equal(t, "gpu", gpu.Kind)

	x := must.M1(engine.Put([]float32{1, 2}, placement.OnDevice(cpu), Alias))
	deleteAll(t, x)
	for _, target := range []placement.Placement{placement.OnDevice(gpu), placement.Trivial(gpu)} {
		for _, semantics := range []CopySemantics{Alias, Copy, Donate} {
			_, err := engine.Resolve(x, target, semantics)
			assert.True(t, IsKind(err, UnsupportedPlacement), "%s with %s: got %v", target, semantics, err)
		}
	}
	assert.False(t, x.IsDonated())

	_, err := engine.Resolve(struct{ A int }{1}, nil, Alias)
	assert.True(t, IsKind(err, InvalidArgument), "got %v", err)

	_, otherEngines := newTestCluster(t, simplego.ClusterConfig{}, nil)
	_, err = otherEngines[0].Resolve(x, nil, Copy)
	assert.True(t, IsKind(err, InvalidArgument), "got %v", err)

	deleted := must.M1(engine.Put([]float32{1}, placement.OnDevice(cpu), Copy))
	require.NoError(t, deleted.Delete())
	_, err = engine.Resolve(deleted, nil, Copy)
	assert.True(t, IsKind(err, InvalidArgument), "got %v", err)
}

func TestDonation(t *testing.T) {
	engine, backend := newTestEngine(t, 2)
	devices := backend.AddressableDevices()
	host := arrays.MustFromFlat(sequence(4), 4)
	rows := rowSharding(devices...)

	x := must.M1(engine.Put(host, rows, Copy))
	y, err := engine.Put(x, must.M1(rows.WithMemoryKind(placement.DeviceMemoryKind)), Donate)
	require.NoError(t, err)
	deleteAll(t, y)
	assert.True(t, x.IsDonated())
	assert.Equal(t, host.Value(), must.M1(y.Value()))

	// Any later use fails.
	_, err = engine.Put(x, rows, Alias)
	assert.True(t, IsKind(err, DonationMisuse), "got %v", err)
	_, err = x.Value()
	assert.ErrorIs(t, err, arrays.ErrDonated)
	assert.True(t, IsKind(err, DonationMisuse))

	// An array can't be donated and used in the same batch.
	z := must.M1(engine.Put(host, rows, Copy))
	deleteAll(t, z)
	batch := engine.NewBatch()
	batch.Add(PlacementRequest{Value: z, Target: placement.OnDevice(devices[0]), Copy: Donate})
	batch.Add(PlacementRequest{Value: z, Target: placement.OnDevice(devices[1]), Copy: Copy})
	_, err = batch.ResolveAll()
	assert.True(t, IsKind(err, DonationMisuse), "got %v", err)
	assert.False(t, z.IsDonated())
	assert.Equal(t, host.Value(), must.M1(z.Value()))

	// Nor donated twice.
	_, err = engine.PutAll([]any{z, z}, []placement.Placement{rows, rows}, []CopySemantics{Donate, Donate})
	assert.True(t, IsKind(err, DonationMisuse), "got %v", err)
	assert.False(t, z.IsDonated())
}
