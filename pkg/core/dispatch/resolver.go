// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"k8s.io/klog/v2"
)

// Path taken by the resolver to place a value.
type Path int

const (
	// PathAlias returns the value itself: it is already placed as requested.
	PathAlias Path = iota

	// PathRepermute reorders the shards over the same devices, followed by a compiled identity if needed.
	PathRepermute

	// PathCrossHost copies the value between devices of different processes.
	PathCrossHost

	// PathEagerCopy copies a single-device value to another device immediately.
	PathEagerCopy

	// PathLayoutIdentity applies a compiled identity computation to change the physical layout.
	PathLayoutIdentity

	// PathDeferred leaves the transfer to be done by a batched transfer. See Batch.
	PathDeferred
)

var pathNames = []string{"Alias", "Repermute", "CrossHost", "EagerCopy", "LayoutIdentity", "Deferred"}

// String implements fmt.Stringer.
func (p Path) String() string {
	if p < 0 || int(p) >= len(pathNames) {
		return fmt.Sprintf("Path(%d)", int(p))
	}
	return pathNames[p]
}

// Resolution is the result of resolving the placement of one value: either the value is Placed, or the
// transfer is Deferred to a batched transfer.
type Resolution struct {
	Path     Path
	Placed   *arrays.Array
	Deferred *DeferredTransfer

	// release lists the donated sources of immediate paths resolved within a Batch. Their buffers were not
	// handed to the backend, and they are released once the whole batch succeeds.
	release []*arrays.Array
}

// continuation is applied to the array created by a deferred transfer.
type continuation func(placed *arrays.Array) (*arrays.Array, error)

// DeferredTransfer is a placement request left for a batched transfer.
//
// It is created by Engine.Resolve and consumed exactly once by Batch.ResolveAll.
type DeferredTransfer struct {
	// Source is an *arrays.Array or an *arrays.Host.
	Source any

	Target    *placement.Sharding
	Aval      avals.AbstractValue
	Committed bool
	Copy      CopySemantics

	// placement of the resulting array, Target or the original SingleDevice.
	placement placement.Placement

	then     continuation
	consumed bool
}

// String implements fmt.Stringer.
func (d *DeferredTransfer) String() string {
	return fmt.Sprintf("DeferredTransfer(%s -> %s, committed=%v, %s)", d.Aval, d.placement, d.Committed, d.Copy)
}

// request returns the backend request for the transfer.
func (d *DeferredTransfer) request() (backends.TransferRequest, error) {
	req := backends.TransferRequest{Target: d.Target, Layout: d.Target.Layout(), Copy: d.Copy}
	switch src := d.Source.(type) {
	case *arrays.Array:
		var err error
		req.Source, err = src.Source()
		if err != nil {
			return req, wrapError(DonationMisuse, err, "deferred transfer source")
		}
	case *arrays.Host:
		req.Source = backends.Source{Aval: src.Aval(), Host: src.HostData()}
	}
	return req, nil
}

// consume marks the record as used, and returns an error if it had already been.
func (d *DeferredTransfer) consume() error {
	if d.consumed {
		return newError(InvalidArgument, "%s was already consumed", d)
	}
	d.consumed = true
	return nil
}

// value being resolved: exactly one of array and host is set.
type value struct {
	aval  avals.AbstractValue
	array *arrays.Array
	host  *arrays.Host

	// batched is set for values resolved within a Batch.
	batched bool
}

// donatesNow returns whether an immediate path hands the buffers of the value to the backend. Within a Batch
// the donation is honored with a copy instead, and the source is released when the batch succeeds.
func (v value) donatesNow(semantics CopySemantics) bool {
	return semantics == Donate && !v.batched
}

// pending returns the source to release once the batch succeeds, if an immediate path didn't donate it.
func (v value) pending(semantics CopySemantics) []*arrays.Array {
	if semantics == Donate && v.batched && v.array != nil {
		return []*arrays.Array{v.array}
	}
	return nil
}

func (v value) source() any {
	if v.array != nil {
		return v.array
	}
	return v.host
}

// Resolve decides how to place x on target with the given copy semantics. x can be an *arrays.Array, an
// *arrays.Host or any Go value accepted by arrays.FromValue. A nil target means the default device, or the
// current placement of x if it is already on devices.
//
// It either returns the placed value, or a DeferredTransfer to be executed by a Batch. It never blocks waiting
// for devices. Donated sources of immediate paths are marked as donated once the transfer is issued.
//
// Paths are tried in order:
//
//  1. Layout overrides: if the target Sharding requests a physical layout, the value is first placed without it
//     (the memory kind is honored then), and a compiled identity changes the layout.
//  2. Sharding targets: alias; repermutation over the same devices; cross-host copy; consistency check of
//     uncommitted values placed over all processes; deferred transfer.
//  3. Single device targets: alias; eager single-device copy; deferred transfer.
func (e *Engine) Resolve(x any, target placement.Placement, semantics CopySemantics) (Resolution, error) {
	v, err := e.valueOf(x)
	if err != nil {
		return Resolution{}, err
	}
	return e.resolve(v, target, semantics)
}

func (e *Engine) resolve(v value, target placement.Placement, semantics CopySemantics) (Resolution, error) {
	if s, ok := target.(*placement.Sharding); ok && s.Layout() != nil {
		return e.resolveLayout(v, s, semantics)
	}
	return e.resolvePlacement(v, target, semantics)
}

func (e *Engine) valueOf(x any) (value, error) {
	aval, err := arrays.Abstractify(x)
	if err != nil {
		return value{}, wrapError(InvalidArgument, err, "can't place value")
	}
	v := value{aval: aval}
	if array, ok := x.(*arrays.Array); ok {
		switch {
		case array.IsDonated():
			return v, newError(DonationMisuse, "%s was donated and can't be used", array)
		case array.IsDeleted():
			return v, newError(InvalidArgument, "%s was deleted and can't be used", array)
		case array.Backend() != e.backend:
			return v, newError(InvalidArgument, "%s is stored in a different backend", array)
		}
		v.array = array
		return v, nil
	}
	v.host, err = arrays.AsHost(x)
	if err != nil {
		return v, wrapError(InvalidArgument, err, "can't place value")
	}
	return v, nil
}

func (e *Engine) resolvePlacement(v value, target placement.Placement, semantics CopySemantics) (Resolution, error) {
	switch t := target.(type) {
	case *placement.Sharding:
		return e.resolveSharding(v, t, semantics)
	case *placement.SingleDevice:
		return e.resolveDevice(v, t, semantics)
	case nil:
		return e.resolveDevice(v, nil, semantics)
	default:
		return Resolution{}, newError(InvalidArgument, "unknown placement type %T", target)
	}
}

// resolveLayout places the value on target, which carries a layout override.
func (e *Engine) resolveLayout(v value, target *placement.Sharding, semantics CopySemantics) (Resolution, error) {
	rank := v.aval.Rank()
	if err := target.Layout().Validate(rank); err != nil {
		return Resolution{}, wrapError(InvalidArgument, err, "layout of %s", target)
	}
	if !e.backend.Capabilities().Layouts {
		return Resolution{}, newError(BackendCapabilityMissing, "backend %q doesn't support layouts, requested %s",
			e.backend.Name(), target.Layout())
	}
	if a := v.array; a != nil && a.Committed() && semantics == Alias && placement.Equal(a.Placement(), target) &&
		placement.LayoutsEqual(a.Layout(), target.Layout(), rank) {
		return Resolution{Path: PathAlias, Placed: a}, nil
	}

	inner := Alias
	if semantics == Donate {
		inner = Donate
	}
	res, err := e.resolvePlacement(v, target.WithLayout(nil), inner)
	if err != nil {
		return Resolution{}, err
	}
	withLayout := func(placed *arrays.Array) (*arrays.Array, error) {
		out, err := e.runIdentity(placed, target, semantics == Donate)
		if err != nil {
			return nil, err
		}
		if placed != v.array {
			if err := placed.Delete(); err != nil {
				klog.Warningf("failed to delete intermediate %s: %+v", placed, err)
			}
		}
		return out, nil
	}
	if res.Deferred != nil {
		res.Deferred.then = withLayout
		return res, nil
	}
	out, err := withLayout(res.Placed)
	if err != nil {
		if res.Placed != v.array {
			_ = res.Placed.Delete()
		}
		return Resolution{}, err
	}
	return Resolution{Path: PathLayoutIdentity, Placed: out, release: res.release}, nil
}

// resolveSharding places the value on a Sharding without layout override.
func (e *Engine) resolveSharding(v value, target *placement.Sharding, semantics CopySemantics) (Resolution, error) {
	if !e.backend.Capabilities().SupportsMemoryKind(target.MemoryKind()) {
		return Resolution{}, newError(BackendCapabilityMissing, "backend %q doesn't support memory kind %q",
			e.backend.Name(), target.MemoryKind())
	}
	process := e.processIndex()
	targetAddressable := target.IsFullyAddressable(process)
	var sameSet bool
	if a := v.array; a != nil {
		src := a.Sharding()
		if src.DeviceList().Kind() != target.DeviceList().Kind() {
			return Resolution{}, newError(UnsupportedPlacement, "can't transfer %s from %q devices to %q devices %s",
				a, src.DeviceList().Kind(), target.DeviceList().Kind(), target.DeviceList())
		}
		if a.Committed() && semantics == Alias && placement.Equal(a.Placement(), target) {
			return Resolution{Path: PathAlias, Placed: a}, nil
		}
		srcAddressable := a.IsFullyAddressable()
		sameSet = src.DeviceSet().Equal(target.DeviceSet())
		if sameSet && !srcAddressable && !targetAddressable {
			return e.deviceOrderReshard(v, target, semantics)
		}
		if sameSet && srcAddressable && targetAddressable && target.NumDevices() > 1 &&
			!src.DeviceList().Equal(target.DeviceList()) {
			return e.deviceOrderReshard(v, target, semantics)
		}
		if a.Committed() && e.processCount() > 1 {
			supported, err := e.IsSupportedCrossHostTransfer(v.aval.Rank(), src, target)
			if err != nil {
				return Resolution{}, err
			}
			if supported {
				return e.crossHostCopy(v, target, semantics)
			}
		}
		if !targetAddressable && !srcAddressable && !sameSet {
			return Resolution{}, newError(UnsupportedPlacement,
				"can't transfer %s to %s: both are spread over processes, on different devices", a, target)
		}
	}

	if !targetAddressable {
		if v.array != nil && v.array.Committed() {
			return Resolution{}, newError(UnsupportedPlacement,
				"can't transfer committed %s to %s, which is not fully addressable by process %d",
				v.array, target, process)
		}
		if e.processCount() == len(target.ProcessIndices()) {
			if err := e.assertEqualAcrossProcesses(v, target); err != nil {
				return Resolution{}, err
			}
		}
	}
	return e.deferTransfer(v, target, target, true, semantics), nil
}

// resolveDevice places the value on a single device, or the default placement if device is nil.
func (e *Engine) resolveDevice(v value, device *placement.SingleDevice, semantics CopySemantics) (Resolution, error) {
	a := v.array
	if a != nil && !a.IsFullyAddressable() {
		return Resolution{}, newError(InvalidArgument,
			"%s is not fully addressable by process %d: place it with a Sharding instead of a device", a, e.processIndex())
	}
	if device == nil {
		if a != nil {
			if semantics == Alias {
				return Resolution{Path: PathAlias, Placed: a}, nil
			}
			return e.deferTransfer(v, a.Sharding(), a.Placement(), a.Committed(), semantics), nil
		}
		def := placement.OnDevice(e.backend.DefaultDevice())
		return e.deferTransfer(v, def.AsSharding(), def, false, semantics), nil
	}

	if !e.backend.Capabilities().SupportsMemoryKind(device.Memory) {
		return Resolution{}, newError(BackendCapabilityMissing, "backend %q doesn't support memory kind %q",
			e.backend.Name(), device.Memory)
	}
	target := device.AsSharding()
	if a != nil {
		if a.Sharding().DeviceList().Kind() != device.Device.Kind {
			return Resolution{}, newError(UnsupportedPlacement, "can't transfer %s from %q devices to %s",
				a, a.Sharding().DeviceList().Kind(), device.Device)
		}
		if a.Committed() && semantics == Alias && placement.Equal(a.Placement(), device) {
			return Resolution{Path: PathAlias, Placed: a}, nil
		}
		if semantics == Copy && placement.IsSingleDevice(a.Placement()) {
			placed, err := e.transferNow(a, target, device, semantics)
			if err != nil {
				return Resolution{}, err
			}
			return Resolution{Path: PathEagerCopy, Placed: placed}, nil
		}
	}
	return e.deferTransfer(v, target, device, true, semantics), nil
}

func (e *Engine) deferTransfer(v value, target *placement.Sharding, p placement.Placement, committed bool,
	semantics CopySemantics) Resolution {
	d := &DeferredTransfer{
		Source:    v.source(),
		Target:    target,
		Aval:      v.aval,
		Committed: committed,
		Copy:      semantics,
		placement: p,
	}
	klog.V(2).Infof("deferred %s", d)
	return Resolution{Path: PathDeferred, Deferred: d}
}

// transferNow issues a single request batched transfer.
func (e *Engine) transferNow(a *arrays.Array, target *placement.Sharding, p placement.Placement,
	semantics CopySemantics) (*arrays.Array, error) {
	src, err := a.Source()
	if err != nil {
		return nil, wrapError(DonationMisuse, err, "transfer")
	}
	results, err := e.backend.BatchedTransfer([]backends.TransferRequest{{Source: src, Target: target, Copy: semantics}})
	if err != nil {
		return nil, wrapError(InvalidArgument, err, "transfer of %s to %s", a, p)
	}
	placed := arrays.New(e.backend, a.Aval(), p, true, results[0])
	if semantics == Donate {
		_ = a.Donate()
	}
	return placed, nil
}

// deviceOrderReshard places a on target, which is over the same devices as a, possibly in a different order.
//
// The shards are first reordered, without moving data, to a sharding over target's device list with a's
// device assignment. A compiled identity then reshards to target.
func (e *Engine) deviceOrderReshard(v value, target *placement.Sharding, semantics CopySemantics) (Resolution, error) {
	a := v.array
	src := a.Sharding()
	donate := v.donatesNow(semantics)
	perm := DeviceOrderPermutation(src, target)
	if perm == nil || src.DeviceList().Equal(target.DeviceList()) {
		out, err := e.runIdentity(a, target, donate)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Path: PathRepermute, Placed: out, release: v.pending(semantics)}, nil
	}

	srcMesh := src.Mesh()
	mesh, err := placement.NewDeviceMesh(target.DeviceList(), srcMesh.AxesSizes(), srcMesh.AxesNames())
	if err != nil {
		return Resolution{}, wrapError(InvalidArgument, err, "reordering %s", a)
	}
	reordered, err := placement.NewSharding(mesh, src.Spec())
	if err == nil {
		reordered, err = reordered.WithMemoryKind(target.MemoryKind())
	}
	if err == nil {
		reordered, err = reordered.WithDeviceOrder(perm)
	}
	if err != nil {
		return Resolution{}, wrapError(InvalidArgument, err, "reordering %s", a)
	}

	source, err := a.Source()
	if err != nil {
		return Resolution{}, wrapError(DonationMisuse, err, "reordering")
	}
	reorderSemantics := Alias
	if donate {
		reorderSemantics = Donate
	}
	shards, err := e.backend.ReorderShards(source, reordered, reorderSemantics)
	if err != nil {
		return Resolution{}, wrapError(UnsupportedPlacement, err, "reordering shards of %s to %s", a, reordered)
	}
	intermediate := arrays.New(e.backend, a.Aval(), reordered, a.Committed(), shards)
	if donate {
		_ = a.Donate()
	}
	out, err := e.runIdentity(intermediate, target, donate)
	if deleteErr := intermediate.Delete(); deleteErr != nil {
		klog.Warningf("failed to delete reordered %s: %+v", intermediate, deleteErr)
	}
	if err != nil {
		return Resolution{}, err
	}
	klog.V(1).Infof("reordered %s from %s to %s", a.Aval(), src.DeviceList(), target.DeviceList())
	return Resolution{Path: PathRepermute, Placed: out, release: v.pending(semantics)}, nil
}

// crossHostCopy copies a to target, with devices owned by other processes.
func (e *Engine) crossHostCopy(v value, target *placement.Sharding, semantics CopySemantics) (Resolution, error) {
	a := v.array
	source, err := a.Source()
	if err != nil {
		return Resolution{}, wrapError(DonationMisuse, err, "cross-host copy")
	}
	copySemantics := semantics
	if semantics == Donate && !v.donatesNow(semantics) {
		copySemantics = Copy
	}
	results, err := e.backend.CrossHostCopy([]backends.Source{source}, []*placement.Sharding{target},
		[]CopySemantics{copySemantics})
	if err != nil {
		return Resolution{}, wrapError(BackendCapabilityMissing, err, "cross-host copy of %s to %s", a, target)
	}
	placed := arrays.New(e.backend, a.Aval(), target, true, results[0])
	if v.donatesNow(semantics) {
		_ = a.Donate()
	}
	klog.V(1).Infof("cross-host copy of %s from processes %v to %v", a.Aval(),
		a.Sharding().ProcessIndices(), target.ProcessIndices())
	return Resolution{Path: PathCrossHost, Placed: placed, release: v.pending(semantics)}, nil
}

// fingerprintNamespace is used to derive the fingerprints of values checked across processes.
var fingerprintNamespace = uuid.MustParse("5d0b2a3e-6f1c-4b7e-9a51-7c2f3d9e8b40")

// assertEqualAcrossProcesses checks all processes are placing the same value on target.
func (e *Engine) assertEqualAcrossProcesses(v value, target *placement.Sharding) error {
	var host *arrays.Host
	if v.array != nil {
		var err error
		host, err = v.array.ToHost()
		if err != nil {
			return wrapError(InvalidArgument, err, "reading %s for consistency check", v.array)
		}
	} else {
		host = v.host
	}
	contents := fmt.Sprintf("%s|%v", host.Aval(), host.Flat())
	fingerprint := uuid.NewSHA1(fingerprintNamespace, []byte(contents))
	name := fmt.Sprintf("device_put(%s -> %s)", v.aval, target.Key())
	if err := e.backend.AssertEqualAcrossProcesses(name, fingerprint[:]); err != nil {
		return wrapError(ConsistencyViolation, err,
			"value placed on devices of all processes must be equal in every process")
	}
	return nil
}

// identityKey identifies a compiled identity computation.
func identityKey(aval avals.AbstractValue, out *placement.Sharding, donate bool) string {
	return fmt.Sprintf("%s|%s|donate=%v", aval.WithMemorySpace(avals.DeviceMemory), out.Key(), donate)
}

// identity returns the compiled identity computation that places its input on out, which may carry a memory
// kind and a layout override. The executable reshards its input to out's partitioning.
func (e *Engine) identity(aval avals.AbstractValue, out *placement.Sharding, donate bool) (backends.Executable, error) {
	key := identityKey(aval, out, donate)
	if exec, found := e.identities.Load(key); found {
		return exec, nil
	}
	options := backends.CompileOptions{
		InputAvals:      []avals.AbstractValue{aval},
		InputShardings:  []*placement.Sharding{out.WithLayout(nil)},
		OutputAvals:     []avals.AbstractValue{aval.WithMemorySpace(out.MemoryKind().MemorySpace())},
		OutputShardings: []*placement.Sharding{out},
		OutputLayouts:   []*placement.Layout{out.Layout()},
	}
	if donate {
		options.Donate = []int{0}
	}
	var exec backends.Executable
	err := e.timeCompilation(fmt.Sprintf("identity to %s", out), func() error {
		var err error
		exec, err = e.backend.Compile(backends.IdentityComputation(), options)
		return err
	})
	if err != nil {
		return nil, wrapError(UnsupportedPlacement, err, "compiling identity to %s", out)
	}
	exec, _ = e.identities.LoadOrStore(key, exec)
	return exec, nil
}

// runIdentity places a on target by executing a compiled identity computation.
func (e *Engine) runIdentity(a *arrays.Array, target *placement.Sharding, donate bool) (*arrays.Array, error) {
	exec, err := e.identity(a.Aval(), target, donate)
	if err != nil {
		return nil, err
	}
	source, err := a.Source()
	if err != nil {
		return nil, wrapError(DonationMisuse, err, "identity")
	}
	result, err := exec.Execute([]backends.Source{source})
	if err != nil {
		return nil, wrapError(UnsupportedPlacement, err, "executing identity from %s to %s", a.Sharding(), target)
	}
	if donate {
		_ = a.Donate()
	}
	return arrays.New(e.backend, a.Aval(), target, true, result.Outputs[0]), nil
}
