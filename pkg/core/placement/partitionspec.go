// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"strings"

	"github.com/pkg/errors"
)

// PartitionSpec defines how each axis of a value is partitioned across the axes of a DeviceMesh.
//
// The definition is per axis of the value, not per axis of the mesh. Value axes beyond the
// length of the spec are replicated.
//
// Example, for a mesh with axes {"data": 2, "model": 2}:
//
//	// Axis 0 sharded over "data", axis 1 replicated.
//	spec := BuildSpec().S("data").R().Done()
//
//	// Axis 1 sharded over both mesh axes.
//	spec := BuildSpec().R().S("data", "model").Done()
type PartitionSpec []AxisSpec

// AxisSpec lists the mesh axes, major to minor, a value axis is sharded over.
// An empty list means the axis is replicated.
type AxisSpec []string

// ReplicatedAxis is the AxisSpec of a replicated value axis.
var ReplicatedAxis = AxisSpec(nil)

// Validate checks that the spec only refers to known mesh axes, each at most once.
func (p PartitionSpec) Validate(mesh *DeviceMesh) error {
	used := make(map[string]bool)
	for axisIdx, axisSpec := range p {
		for _, name := range axisSpec {
			if _, ok := mesh.nameToAxis[name]; !ok {
				return errors.Errorf("PartitionSpec axis #%d refers to unknown mesh axis %q", axisIdx, name)
			}
			if used[name] {
				return errors.Errorf("mesh axis %q used more than once in PartitionSpec", name)
			}
			used[name] = true
		}
	}
	return nil
}

// IsReplicated returns whether no value axis is sharded.
func (p PartitionSpec) IsReplicated() bool {
	for _, axisSpec := range p {
		if len(axisSpec) > 0 {
			return false
		}
	}
	return true
}

// Normalize returns the spec without trailing replicated axes, which are implicit.
func (p PartitionSpec) Normalize() PartitionSpec {
	n := len(p)
	for n > 0 && len(p[n-1]) == 0 {
		n--
	}
	if n == 0 {
		return nil
	}
	return p[:n]
}

// Equal compares the normalized forms of both specs.
func (p PartitionSpec) Equal(other PartitionSpec) bool {
	a, b := p.Normalize(), other.Normalize()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

// String returns a compact representation, e.g. "[S(data), R]".
func (p PartitionSpec) String() string {
	parts := make([]string, len(p))
	for i, axisSpec := range p {
		if len(axisSpec) == 0 {
			parts[i] = "R"
		} else {
			parts[i] = "S(" + strings.Join(axisSpec, ",") + ")"
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// SpecBuilder is a more ergonomic way of building a PartitionSpec.
type SpecBuilder struct {
	spec PartitionSpec
}

// BuildSpec starts building a PartitionSpec.
//
// Example:
//
//	spec := placement.BuildSpec().R().S("model").Done()
func BuildSpec() *SpecBuilder {
	return &SpecBuilder{}
}

// R adds a replicated axis.
func (b *SpecBuilder) R() *SpecBuilder {
	b.spec = append(b.spec, ReplicatedAxis)
	return b
}

// S adds an axis sharded along the given mesh axes.
func (b *SpecBuilder) S(meshAxes ...string) *SpecBuilder {
	b.spec = append(b.spec, AxisSpec(meshAxes))
	return b
}

// Done returns the PartitionSpec built. It is validated when used to create a Sharding.
func (b *SpecBuilder) Done() PartitionSpec {
	return b.spec
}
