// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/backends/simplego"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/dispatch"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/gomlx/placement/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Plan is a sequence of placements to run on a simulated cluster.
//
// Example:
//
//	[cluster]
//	processes = 1
//	devices_per_process = 4
//
//	[targets.rows]
//	devices = [0, 1, 2, 3]
//	axes = ["data"]
//	sizes = [4]
//	spec = [["data"]]
//
//	[targets.reversed]
//	devices = [3, 2, 1, 0]
//	axes = ["data"]
//	sizes = [4]
//	spec = [["data"]]
//
//	[[values]]
//	name = "x"
//	dims = [4, 2]
//
//	[[steps]]
//	name = "x_rows"
//	value = "x"
//	target = "rows"
//	copy = "copy"
type Plan struct {
	Cluster ClusterPlan            `toml:"cluster"`
	Engine  dispatch.Config        `toml:"engine"`
	Targets map[string]*TargetPlan `toml:"targets"`
	Values  []*ValuePlan           `toml:"values"`
	Steps   []*StepPlan            `toml:"steps"`
}

// ClusterPlan configures the simulated cluster.
type ClusterPlan struct {
	Processes          int      `toml:"processes"`
	DevicesPerProcess  int      `toml:"devices_per_process"`
	DeviceKinds        []string `toml:"device_kinds"`
	CrossHostTransfers bool     `toml:"cross_host_transfers"`
}

// TargetPlan describes a placement: either a single device, or a sharding over a mesh.
type TargetPlan struct {
	// Device id, for a single device placement.
	Device *int `toml:"device"`

	// Devices, Axes, Sizes and Spec define a sharding. If Axes is empty the value is replicated on Devices.
	Devices []int      `toml:"devices"`
	Axes    []string   `toml:"axes"`
	Sizes   []int      `toml:"sizes"`
	Spec    [][]string `toml:"spec"`

	// Order optionally overrides the device order of the sharding.
	Order []int `toml:"order"`

	MemoryKind string `toml:"memory_kind"`

	// Layout optionally overrides the physical layout, minor to major. Only for shardings.
	Layout []int `toml:"layout"`
}

// ValuePlan is a float32 value in host memory. Its contents default to 0, 1, 2, ...
type ValuePlan struct {
	Name   string    `toml:"name"`
	Dims   []int     `toml:"dims"`
	Values []float32 `toml:"values"`
}

// StepPlan places a value, or the result of a previous step, on a target.
type StepPlan struct {
	Name   string `toml:"name"`
	Value  string `toml:"value"`
	Target string `toml:"target"`
	Copy   string `toml:"copy"`
}

// LoadPlan reads a plan from a TOML file.
func LoadPlan(path string) (*Plan, error) {
	contents, err := fsutil.ReadFile(path, "plan")
	if err != nil {
		return nil, err
	}
	plan, err := ParsePlan(string(contents))
	if err != nil {
		return nil, errors.WithMessagef(err, "plan %q", path)
	}
	return plan, nil
}

// ParsePlan parses a plan in TOML format and validates the references between its entries.
func ParsePlan(contents string) (*Plan, error) {
	plan := &Plan{}
	meta, err := toml.Decode(contents, plan)
	if err != nil {
		return nil, errors.Wrap(err, "parsing plan")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown plan keys %v", undecoded)
	}
	names := make(map[string]bool)
	for i, v := range plan.Values {
		if v.Name == "" || names[v.Name] {
			return nil, errors.Errorf("value #%d has an empty or duplicate name %q", i, v.Name)
		}
		names[v.Name] = true
	}
	for i, step := range plan.Steps {
		if _, found := plan.Targets[step.Target]; !found && step.Target != "" {
			return nil, errors.Errorf("step #%d uses unknown target %q", i, step.Target)
		}
		if !names[step.Value] {
			return nil, errors.Errorf("step #%d uses unknown value %q", i, step.Value)
		}
		if _, err := backends.ParseCopySemantics(step.Copy); err != nil {
			return nil, errors.WithMessagef(err, "step #%d", i)
		}
		if step.Name == "" {
			step.Name = step.Value
		}
		names[step.Name] = true
	}
	return plan, nil
}

// clusterConfig converts the cluster section.
func (p *Plan) clusterConfig() simplego.ClusterConfig {
	return simplego.ClusterConfig{
		NumProcesses:       p.Cluster.Processes,
		DevicesPerProcess:  p.Cluster.DevicesPerProcess,
		DeviceKinds:        slices.Clone(p.Cluster.DeviceKinds),
		CrossHostTransfers: p.Cluster.CrossHostTransfers,
	}
}

// Build returns the placement described, given all the devices of the cluster.
func (t *TargetPlan) Build(devices []*placement.Device) (placement.Placement, error) {
	deviceByID := func(id int) (*placement.Device, error) {
		if id < 0 || id >= len(devices) {
			return nil, errors.Errorf("unknown device id %d, the cluster has %d devices", id, len(devices))
		}
		return devices[id], nil
	}
	kind := placement.MemoryKind(t.MemoryKind)
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if t.Device != nil {
		if len(t.Devices) > 0 || t.Layout != nil {
			return nil, errors.New("a single device target can't define devices nor a layout")
		}
		device, err := deviceByID(*t.Device)
		if err != nil {
			return nil, err
		}
		return &placement.SingleDevice{Device: device, Memory: kind}, nil
	}

	list := make([]*placement.Device, len(t.Devices))
	for i, id := range t.Devices {
		var err error
		list[i], err = deviceByID(id)
		if err != nil {
			return nil, err
		}
	}
	deviceList, err := placement.NewDeviceList(list...)
	if err != nil {
		return nil, err
	}
	var sharding *placement.Sharding
	if len(t.Axes) == 0 {
		sharding = placement.Replicated(deviceList)
	} else {
		mesh, err := placement.NewDeviceMesh(deviceList, t.Sizes, t.Axes)
		if err != nil {
			return nil, err
		}
		spec := make(placement.PartitionSpec, len(t.Spec))
		for i, axis := range t.Spec {
			spec[i] = placement.AxisSpec(axis)
		}
		sharding, err = placement.NewSharding(mesh, spec)
		if err != nil {
			return nil, err
		}
	}
	if t.Order != nil {
		if sharding, err = sharding.WithDeviceOrder(t.Order); err != nil {
			return nil, err
		}
	}
	if sharding, err = sharding.WithMemoryKind(kind); err != nil {
		return nil, err
	}
	if t.Layout != nil {
		sharding = sharding.WithLayout(placement.NewLayout(t.Layout...))
	}
	return sharding, nil
}

// Host returns the value in host memory.
func (v *ValuePlan) Host() (*arrays.Host, error) {
	size := 1
	for _, dim := range v.Dims {
		size *= dim
	}
	flat := v.Values
	if flat == nil {
		flat = make([]float32, size)
		for i := range flat {
			flat[i] = float32(i)
		}
	}
	host, err := arrays.FromFlat(flat, v.Dims...)
	if err != nil {
		return nil, errors.WithMessagef(err, "value %q", v.Name)
	}
	return host, nil
}
