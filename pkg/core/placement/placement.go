// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package placement describes where the shards of an array live: either a single device, or a
// Sharding of the array over a mesh of devices, optionally tagged with a memory kind, a device
// order override and a physical layout.
//
// Placement is a closed set of variants, *SingleDevice and *Sharding: consumers are expected to
// switch over both.
//
//	switch p := target.(type) {
//	case *placement.SingleDevice:
//		...
//	case *placement.Sharding:
//		...
//	}
package placement

import "fmt"

// Placement is either a *SingleDevice or a *Sharding.
type Placement interface {
	// DeviceList returns the devices holding the value, in assignment order.
	DeviceList() *DeviceList

	// MemoryKind returns the memory kind tag, or DefaultMemoryKind.
	MemoryKind() MemoryKind

	String() string

	isPlacement()
}

var (
	_ Placement = (*SingleDevice)(nil)
	_ Placement = (*Sharding)(nil)
)

func (*SingleDevice) isPlacement() {}
func (*Sharding) isPlacement()     {}

// SingleDevice places the whole value on one device.
type SingleDevice struct {
	Device *Device
	Memory MemoryKind
}

// OnDevice returns the SingleDevice placement for device.
func OnDevice(device *Device) *SingleDevice {
	return &SingleDevice{Device: device}
}

// DeviceList implements Placement.
func (s *SingleDevice) DeviceList() *DeviceList { return MustNewDeviceList(s.Device) }

// MemoryKind implements Placement.
func (s *SingleDevice) MemoryKind() MemoryKind { return s.Memory }

// AsSharding returns the equivalent one-device Sharding.
func (s *SingleDevice) AsSharding() *Sharding {
	sharding := Trivial(s.Device)
	sharding.memoryKind = s.Memory
	return sharding
}

// String implements fmt.Stringer.
func (s *SingleDevice) String() string {
	if s.Memory != DefaultMemoryKind {
		return fmt.Sprintf("SingleDevice(%s, memory=%s)", s.Device, s.Memory)
	}
	return fmt.Sprintf("SingleDevice(%s)", s.Device)
}

// AsSharding converts any placement to a Sharding. It returns nil for a nil placement.
func AsSharding(p Placement) *Sharding {
	switch p := p.(type) {
	case *Sharding:
		return p
	case *SingleDevice:
		return p.AsSharding()
	case nil:
		return nil
	default:
		panic(fmt.Sprintf("unknown placement type %T", p))
	}
}

// Equal returns whether both placements put values on the same devices, in the same way. A
// SingleDevice is equal to the trivial Sharding of the same device. Layouts are not compared.
func Equal(a, b Placement) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if da, ok := a.(*SingleDevice); ok {
		if db, ok := b.(*SingleDevice); ok {
			return da.Device.ID == db.Device.ID && da.Memory.Normalize() == db.Memory.Normalize()
		}
	}
	return AsSharding(a).Equal(AsSharding(b))
}

// IsSingleDevice returns whether the placement holds values in exactly one device.
func IsSingleDevice(p Placement) bool {
	return p.DeviceList().Len() == 1
}
