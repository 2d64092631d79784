// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Interval is a half-open range [Start, End) along one axis.
type Interval struct {
	Start, End int
}

// Index locates a shard within the whole value: one Interval per value axis.
type Index []Interval

// Dimensions of the shard.
func (idx Index) Dimensions() []int {
	dims := make([]int, len(idx))
	for i, iv := range idx {
		dims[i] = iv.End - iv.Start
	}
	return dims
}

// Equal compares two indices.
func (idx Index) Equal(other Index) bool {
	return slices.Equal(idx, other)
}

// Intersect returns the common region of both indices, and whether it is non-empty.
func (idx Index) Intersect(other Index) (Index, bool) {
	if len(idx) != len(other) {
		return nil, false
	}
	result := make(Index, len(idx))
	for i := range idx {
		result[i] = Interval{Start: max(idx[i].Start, other[i].Start), End: min(idx[i].End, other[i].End)}
		if result[i].End <= result[i].Start {
			return nil, false
		}
	}
	return result, true
}

// String implements fmt.Stringer, e.g. "[0:2, 0:3]".
func (idx Index) String() string {
	parts := make([]string, len(idx))
	for i, iv := range idx {
		parts[i] = fmt.Sprintf("%d:%d", iv.Start, iv.End)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// FullIndex returns the Index covering a whole value with the given dimensions.
func FullIndex(dims []int) Index {
	idx := make(Index, len(dims))
	for i, dim := range dims {
		idx[i] = Interval{0, dim}
	}
	return idx
}

// tileCoordinates returns, for mesh position p, the shard coordinate along each of the first
// rank value axes and the replica coordinate.
func (s *Sharding) tileCoordinates(p, rank int) (tile []int, replica int) {
	coords := s.mesh.coordinates(p)
	used := make([]bool, len(coords))
	tile = make([]int, rank)
	for axis := 0; axis < rank && axis < len(s.spec); axis++ {
		for _, name := range s.spec[axis] {
			meshAxis := s.mesh.nameToAxis[name]
			tile[axis] = tile[axis]*s.mesh.axesSizes[meshAxis] + coords[meshAxis]
			used[meshAxis] = true
		}
	}
	for meshAxis, c := range coords {
		if !used[meshAxis] {
			replica = replica*s.mesh.axesSizes[meshAxis] + c
		}
	}
	return
}

// checkRank returns an error if the spec shards axes beyond the rank of the value.
func (s *Sharding) checkRank(rank int) error {
	if n := len(s.spec.Normalize()); n > rank {
		return errors.Errorf("sharding %s partitions %d axes, it cannot be used for a value of rank %d",
			s.spec, n, rank)
	}
	return nil
}

// ShardIndices returns the index of the shard held by each device, in device assignment
// order (see DeviceList), for a value with the given dimensions.
//
// It returns an error if a sharded dimension is not divisible by its number of shards.
func (s *Sharding) ShardIndices(dims []int) ([]Index, error) {
	rank := len(dims)
	if err := s.checkRank(rank); err != nil {
		return nil, err
	}
	chunks := make([]int, rank)
	for axis, dim := range dims {
		n := s.NumShards(axis)
		if dim%n != 0 {
			return nil, errors.Errorf("dimension %d of axis #%d is not divisible by its %d shards (sharding %s)",
				dim, axis, n, s)
		}
		chunks[axis] = dim / n
	}
	indices := make([]Index, s.NumDevices())
	for p := range indices {
		tile, _ := s.tileCoordinates(p, rank)
		idx := make(Index, rank)
		for axis := range rank {
			idx[axis] = Interval{tile[axis] * chunks[axis], (tile[axis] + 1) * chunks[axis]}
		}
		indices[p] = idx
	}
	return indices, nil
}

// ShardShape returns the dimensions of each shard of a value with the given dimensions.
func (s *Sharding) ShardShape(dims []int) ([]int, error) {
	indices, err := s.ShardIndices(dims)
	if err != nil {
		return nil, err
	}
	return indices[0].Dimensions(), nil
}

// Canonical is the partitioning induced by a Sharding on a value of a given rank, independent of
// which physical devices hold the shards: the number of tiles along each value axis plus the
// number of replicas, and which position of the device assignment holds each tile.
type Canonical struct {
	// TileDims has the number of shards of each value axis, followed by the number of replicas.
	TileDims []int

	// TileAssignment maps each tile, flattened in row-major order over TileDims, to the
	// position in the device assignment holding it.
	TileAssignment []int
}

// Equal compares two canonical partitionings.
func (c *Canonical) Equal(other *Canonical) bool {
	return slices.Equal(c.TileDims, other.TileDims) && slices.Equal(c.TileAssignment, other.TileAssignment)
}

// String implements fmt.Stringer.
func (c *Canonical) String() string {
	return fmt.Sprintf("tiles%v->%v", c.TileDims, c.TileAssignment)
}

// Canonical returns the canonical partitioning for values of the given rank.
func (s *Sharding) Canonical(rank int) (*Canonical, error) {
	if err := s.checkRank(rank); err != nil {
		return nil, err
	}
	numDevices := s.NumDevices()
	tileDims := make([]int, rank+1)
	numTiles := 1
	for axis := range rank {
		tileDims[axis] = s.NumShards(axis)
		numTiles *= tileDims[axis]
	}
	tileDims[rank] = numDevices / numTiles
	c := &Canonical{TileDims: tileDims, TileAssignment: make([]int, numDevices)}
	for p := range numDevices {
		tile, replica := s.tileCoordinates(p, rank)
		flat := 0
		for axis := range rank {
			flat = flat*tileDims[axis] + tile[axis]
		}
		flat = flat*tileDims[rank] + replica
		c.TileAssignment[flat] = p
	}
	return c, nil
}
