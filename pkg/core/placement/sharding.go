// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/placement/pkg/support/sets"
	"github.com/pkg/errors"
)

// ReplicaAxisName is the mesh axis name used by Replicated shardings.
const ReplicaAxisName = "replica"

// Sharding describes how a value is partitioned (or replicated) over the devices of a mesh.
//
// It is immutable: the With* methods return modified copies.
type Sharding struct {
	mesh       *DeviceMesh
	spec       PartitionSpec
	memoryKind MemoryKind

	// logicalDeviceIDs, if set, overrides the device order: mesh position p is held by
	// mesh.Devices().At(logicalDeviceIDs[p]).
	logicalDeviceIDs []int

	// layout, if set, is a physical layout override for the shards.
	layout *Layout

	assignment *DeviceList
}

// NewSharding creates a Sharding of values over mesh according to spec.
func NewSharding(mesh *DeviceMesh, spec PartitionSpec) (*Sharding, error) {
	if mesh == nil {
		return nil, errors.New("Sharding requires a mesh")
	}
	if err := spec.Validate(mesh); err != nil {
		return nil, err
	}
	s := &Sharding{mesh: mesh, spec: slices.Clone(spec), assignment: mesh.devices}
	return s, nil
}

// MustNewSharding is like NewSharding, but panics on error.
func MustNewSharding(mesh *DeviceMesh, spec PartitionSpec) *Sharding {
	s, err := NewSharding(mesh, spec)
	if err != nil {
		panic(err)
	}
	return s
}

// Replicated returns a Sharding that replicates values over all devices, in the given order.
func Replicated(devices *DeviceList) *Sharding {
	mesh := MustNewDeviceMesh(devices, []int{devices.Len()}, []string{ReplicaAxisName})
	return &Sharding{mesh: mesh, assignment: devices}
}

// Trivial returns the one-device Sharding for device.
func Trivial(device *Device) *Sharding {
	return Replicated(MustNewDeviceList(device))
}

func (s *Sharding) clone() *Sharding {
	s2 := *s
	return &s2
}

// WithMemoryKind returns a copy of the sharding with the given memory kind.
func (s *Sharding) WithMemoryKind(kind MemoryKind) (*Sharding, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	s2 := s.clone()
	s2.memoryKind = kind
	return s2, nil
}

// WithLayout returns a copy of the sharding with the layout override. A nil layout removes it.
func (s *Sharding) WithLayout(layout *Layout) *Sharding {
	s2 := s.clone()
	s2.layout = layout
	return s2
}

// WithDeviceOrder returns a copy of the sharding where mesh position p is held by the mesh
// device at logicalIDs[p]. Passing nil restores the mesh order.
func (s *Sharding) WithDeviceOrder(logicalIDs []int) (*Sharding, error) {
	s2 := s.clone()
	if logicalIDs == nil {
		s2.logicalDeviceIDs = nil
		s2.assignment = s.mesh.devices
		return s2, nil
	}
	if err := checkPermutation(logicalIDs, s.mesh.NumDevices()); err != nil {
		return nil, errors.WithMessage(err, "invalid logical device ids for Sharding")
	}
	s2.logicalDeviceIDs = slices.Clone(logicalIDs)
	s2.assignment = s.mesh.devices.Permute(logicalIDs)
	return s2, nil
}

// Mesh of the sharding.
func (s *Sharding) Mesh() *DeviceMesh { return s.mesh }

// Spec returns the PartitionSpec of the sharding.
func (s *Sharding) Spec() PartitionSpec { return s.spec }

// MemoryKind implements Placement.
func (s *Sharding) MemoryKind() MemoryKind { return s.memoryKind }

// Layout returns the layout override, or nil.
func (s *Sharding) Layout() *Layout { return s.layout }

// LogicalDeviceIDs returns the device order override, or nil.
func (s *Sharding) LogicalDeviceIDs() []int { return slices.Clone(s.logicalDeviceIDs) }

// DeviceList implements Placement. It returns the device assignment: the device holding
// each mesh position.
func (s *Sharding) DeviceList() *DeviceList { return s.assignment }

// NumDevices returns the number of devices of the sharding.
func (s *Sharding) NumDevices() int { return s.assignment.Len() }

// DeviceSet returns the set of device ids. It must not be modified.
func (s *Sharding) DeviceSet() sets.Set[int] { return s.assignment.IDSet() }

// ProcessIndices returns the set of processes owning the devices. It must not be modified.
func (s *Sharding) ProcessIndices() sets.Set[int] { return s.assignment.ProcessIndices() }

// IsFullyAddressable returns whether every device is owned by processIndex.
func (s *Sharding) IsFullyAddressable(processIndex int) bool {
	return s.assignment.IsFullyAddressable(processIndex)
}

// IsFullyReplicated returns whether every device holds the whole value.
func (s *Sharding) IsFullyReplicated() bool {
	return s.spec.IsReplicated()
}

// NumShards returns the number of devices the value axis is partitioned over: 1 if replicated.
func (s *Sharding) NumShards(axis int) int {
	if axis >= len(s.spec) {
		return 1
	}
	n := 1
	for _, name := range s.spec[axis] {
		n *= s.mesh.axesSizes[s.mesh.nameToAxis[name]]
	}
	return n
}

// Equal returns whether both shardings place values in the same way: same mesh devices and
// axes, same partitioning, same device order and same memory kind. Layout overrides are not
// compared.
func (s *Sharding) Equal(other *Sharding) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	return s.mesh.devices.Equal(other.mesh.devices) &&
		s.mesh.sameAxes(other.mesh) &&
		s.spec.Equal(other.spec) &&
		s.assignment.Equal(other.assignment) &&
		s.memoryKind.Normalize() == other.memoryKind.Normalize()
}

// Key returns a string that uniquely identifies the sharding, including its layout, for use
// in cache keys.
func (s *Sharding) Key() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "mesh=%v%v@%v;spec=%s;mem=%s;layout=%s",
		s.mesh.axesNames, s.mesh.axesSizes, s.mesh.devices.IDs(), s.spec.Normalize(),
		s.memoryKind.Normalize(), s.layout)
	if s.logicalDeviceIDs != nil {
		_, _ = fmt.Fprintf(&sb, ";order=%v", s.logicalDeviceIDs)
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (s *Sharding) String() string {
	var sb strings.Builder
	sb.WriteString("Sharding{")
	for i, name := range s.mesh.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, s.mesh.axesSizes[i])
	}
	_, _ = fmt.Fprintf(&sb, "; spec=%s; devices=%s", s.spec, s.assignment)
	if s.memoryKind != DefaultMemoryKind {
		_, _ = fmt.Fprintf(&sb, "; memory=%s", s.memoryKind)
	}
	if s.layout != nil {
		_, _ = fmt.Fprintf(&sb, "; layout=%s", s.layout)
	}
	sb.WriteString("}")
	return sb.String()
}
