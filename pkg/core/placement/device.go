// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/placement/pkg/support/sets"
	"github.com/pkg/errors"
)

// Device is an addressable compute unit that can hold array shards and execute programs.
//
// Devices are identified by their ID, which is unique across all processes of a run.
type Device struct {
	// ID is the global device id.
	ID int

	// ProcessIndex of the process that owns (can address) the device.
	ProcessIndex int

	// Kind of the device, e.g. "cpu", "gpu" or "tpu". Transfers between kinds are not supported.
	Kind string

	// LocalIndex is the index of the device among the devices of its process.
	LocalIndex int
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if d == nil {
		return "Device<nil>"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.ID)
}

// DeviceList is an ordered, non-empty list of distinct devices of the same kind.
//
// It is immutable once created.
type DeviceList struct {
	devices   []*Device
	ids       sets.Set[int]
	processes sets.Set[int]
}

// NewDeviceList creates a DeviceList. It returns an error if the list is empty, if a device ID is
// repeated or if devices are of different kinds.
func NewDeviceList(devices ...*Device) (*DeviceList, error) {
	if len(devices) == 0 {
		return nil, errors.New("device list cannot be empty")
	}
	l := &DeviceList{
		devices:   slices.Clone(devices),
		ids:       sets.Make[int](len(devices)),
		processes: sets.Make[int](),
	}
	var kind string
	for i, d := range devices {
		if d == nil {
			return nil, errors.Errorf("device #%d in device list is nil", i)
		}
		if i == 0 {
			kind = d.Kind
		}
		if l.ids.Has(d.ID) {
			return nil, errors.Errorf("device %s is duplicated in device list", d)
		}
		if d.Kind != kind {
			return nil, errors.Errorf("device list mixes device kinds %q and %q (device %s)", kind, d.Kind, d)
		}
		l.ids.Insert(d.ID)
		l.processes.Insert(d.ProcessIndex)
	}
	return l, nil
}

// MustNewDeviceList is like NewDeviceList, but panics on error.
func MustNewDeviceList(devices ...*Device) *DeviceList {
	l, err := NewDeviceList(devices...)
	if err != nil {
		panic(err)
	}
	return l
}

// Len returns the number of devices.
func (l *DeviceList) Len() int { return len(l.devices) }

// At returns the i-th device.
func (l *DeviceList) At(i int) *Device { return l.devices[i] }

// Devices returns a copy of the list of devices.
func (l *DeviceList) Devices() []*Device { return slices.Clone(l.devices) }

// IDs returns the device ids, in order.
func (l *DeviceList) IDs() []int {
	ids := make([]int, len(l.devices))
	for i, d := range l.devices {
		ids[i] = d.ID
	}
	return ids
}

// Kind returns the kind shared by all devices of the list.
func (l *DeviceList) Kind() string { return l.devices[0].Kind }

// IDSet returns the set of device ids. It must not be modified.
func (l *DeviceList) IDSet() sets.Set[int] { return l.ids }

// ProcessIndices returns the set of processes owning devices of the list. It must not be modified.
func (l *DeviceList) ProcessIndices() sets.Set[int] { return l.processes }

// IsFullyAddressable returns whether all devices are owned by the given process.
func (l *DeviceList) IsFullyAddressable(processIndex int) bool {
	return len(l.processes) == 1 && l.processes.Has(processIndex)
}

// Addressable returns the positions in the list of the devices owned by the given process.
func (l *DeviceList) Addressable(processIndex int) []int {
	positions := make([]int, 0, len(l.devices))
	for i, d := range l.devices {
		if d.ProcessIndex == processIndex {
			positions = append(positions, i)
		}
	}
	return positions
}

// IndexOf returns the position of the device with the given id, or -1 if not in the list.
func (l *DeviceList) IndexOf(id int) int {
	return slices.IndexFunc(l.devices, func(d *Device) bool { return d.ID == id })
}

// SameSet returns whether both lists have the same devices, regardless of order.
func (l *DeviceList) SameSet(other *DeviceList) bool {
	return l.ids.Equal(other.ids)
}

// Equal returns whether both lists have the same devices in the same order.
func (l *DeviceList) Equal(other *DeviceList) bool {
	if l == other {
		return true
	}
	if len(l.devices) != len(other.devices) {
		return false
	}
	for i, d := range l.devices {
		if d.ID != other.devices[i].ID {
			return false
		}
	}
	return true
}

// Permute returns a new list where position i holds the device at position order[i].
// It panics if order is not a permutation of the list positions.
func (l *DeviceList) Permute(order []int) *DeviceList {
	if err := checkPermutation(order, len(l.devices)); err != nil {
		exceptions.Panicf("DeviceList.Permute: %v", err)
	}
	devices := make([]*Device, len(order))
	for i, from := range order {
		devices[i] = l.devices[from]
	}
	return MustNewDeviceList(devices...)
}

// String implements fmt.Stringer.
func (l *DeviceList) String() string {
	parts := make([]string, len(l.devices))
	for i, d := range l.devices {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// checkPermutation returns an error if values is not a permutation of [0, n).
func checkPermutation(values []int, n int) error {
	if len(values) != n {
		return errors.Errorf("permutation must have %d elements, got %d", n, len(values))
	}
	seen := sets.Make[int](n)
	for _, v := range values {
		if v < 0 || v >= n {
			return errors.Errorf("permutation values must be between 0 and %d, got %d", n-1, v)
		}
		if seen.Has(v) {
			return errors.Errorf("value %d is duplicated in permutation", v)
		}
		seen.Insert(v)
	}
	return nil
}
