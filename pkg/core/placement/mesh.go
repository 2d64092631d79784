// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// DeviceMesh organizes an ordered list of devices into a multi-dimensional logical grid with
// named axes.
//
// Devices are laid out in the mesh in row-major order: the last axis varies fastest.
type DeviceMesh struct {
	devices *DeviceList

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int
}

// IsNameValid checks whether a name is a valid identifier for a mesh axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a mesh over devices.
//
//   - axesSizes: the number of devices along each mesh axis; its product must equal devices.Len().
//   - axesNames: one valid identifier per axis, without repetitions.
func NewDeviceMesh(devices *DeviceList, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if devices == nil {
		return nil, errors.New("DeviceMesh requires a device list")
	}
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q has invalid size %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}
	if numDevices != devices.Len() {
		return nil, errors.Errorf("DeviceMesh axes sizes %v require %d devices, but %d were given",
			axesSizes, numDevices, devices.Len())
	}
	return &DeviceMesh{
		devices:    devices,
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
	}, nil
}

// MustNewDeviceMesh is like NewDeviceMesh, but panics on error.
func MustNewDeviceMesh(devices *DeviceList, axesSizes []int, axesNames []string) *DeviceMesh {
	m, err := NewDeviceMesh(devices, axesSizes, axesNames)
	if err != nil {
		panic(err)
	}
	return m
}

// Devices returns the mesh devices in row-major mesh order.
func (m *DeviceMesh) Devices() *DeviceList { return m.devices }

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int { return m.devices.Len() }

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int { return len(m.axesSizes) }

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string { return slices.Clone(m.axesNames) }

// AxesSizes returns a copy of the mesh's axes sizes.
func (m *DeviceMesh) AxesSizes() []int { return slices.Clone(m.axesSizes) }

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// WithDevices returns a mesh with the same axes over a different list of devices.
func (m *DeviceMesh) WithDevices(devices *DeviceList) (*DeviceMesh, error) {
	return NewDeviceMesh(devices, m.axesSizes, m.axesNames)
}

// coordinates returns the mesh coordinates of the device at the flat (row-major) position.
func (m *DeviceMesh) coordinates(position int) []int {
	coords := make([]int, len(m.axesSizes))
	for axis := len(m.axesSizes) - 1; axis >= 0; axis-- {
		coords[axis] = position % m.axesSizes[axis]
		position /= m.axesSizes[axis]
	}
	return coords
}

// sameAxes returns whether both meshes have the same axes names and sizes.
func (m *DeviceMesh) sameAxes(other *DeviceMesh) bool {
	return slices.Equal(m.axesNames, other.axesNames) && slices.Equal(m.axesSizes, other.axesSizes)
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	_, _ = fmt.Fprintf(&sb, "}, devices=%s)", m.devices)
	return sb.String()
}
