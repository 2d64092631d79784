// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/gomlx/placement/pkg/core/placement"
	"k8s.io/klog/v2"
)

// TransferKind is the class of transfer needed to move a value between two placements.
type TransferKind int

const (
	// TransferNoOp means the value is already where it should be.
	TransferNoOp TransferKind = iota

	// TransferLocalRepermute means the same devices hold the same shards, in a different device order.
	TransferLocalRepermute

	// TransferCrossHost means the value is copied between devices owned by different processes.
	TransferCrossHost

	// TransferLocal is any other transfer: a batched copy, or a compiled identity computation.
	TransferLocal
)

var transferKindNames = []string{"NoOp", "LocalRepermute", "CrossHost", "Local"}

// String implements fmt.Stringer.
func (k TransferKind) String() string {
	if k < 0 || int(k) >= len(transferKindNames) {
		return "TransferKind(?)"
	}
	return transferKindNames[k]
}

type crossHostKey struct {
	rank     int
	src, dst string
}

// ClassifyTransfer returns the kind of transfer needed to move a value of the given rank from src to dst.
// A nil src stands for a value in Go memory, and a nil dst for the default device.
func (e *Engine) ClassifyTransfer(src placement.Placement, srcCommitted bool, dst placement.Placement, rank int,
	semantics CopySemantics) (TransferKind, error) {
	if dst == nil {
		dst = placement.OnDevice(e.backend.DefaultDevice())
	}
	if src == nil {
		return TransferLocal, nil
	}
	srcSharding, dstSharding := placement.AsSharding(src), placement.AsSharding(dst)
	if srcCommitted && semantics == Alias && placement.Equal(src, dst) &&
		placement.LayoutsEqual(srcSharding.Layout(), dstSharding.Layout(), rank) {
		return TransferNoOp, nil
	}
	srcDevices, dstDevices := src.DeviceList(), dst.DeviceList()
	if srcDevices.Kind() != dstDevices.Kind() {
		return 0, newError(UnsupportedPlacement, "can't transfer from %q devices %s to %q devices %s",
			srcDevices.Kind(), srcDevices, dstDevices.Kind(), dstDevices)
	}
	process := e.processIndex()
	srcAddressable, dstAddressable := srcDevices.IsFullyAddressable(process), dstDevices.IsFullyAddressable(process)
	if srcDevices.SameSet(dstDevices) {
		if !srcDevices.Equal(dstDevices) && srcAddressable == dstAddressable {
			return TransferLocalRepermute, nil
		}
		return TransferLocal, nil
	}
	if srcAddressable && dstAddressable {
		return TransferLocal, nil
	}
	supported, err := e.IsSupportedCrossHostTransfer(rank, srcSharding, dstSharding)
	if err != nil {
		return 0, err
	}
	if supported {
		return TransferCrossHost, nil
	}
	if e.processCount() > 1 && !srcSharding.ProcessIndices().Equal(dstSharding.ProcessIndices()) {
		return 0, newError(UnsupportedPlacement,
			"can't transfer between shardings partitioned differently across processes: %s and %s",
			srcSharding, dstSharding)
	}
	return TransferLocal, nil
}

// IsSupportedCrossHostTransfer returns whether a value of the given rank can be copied from src to dst with a
// cross-host copy: there is more than one process, the device kinds match, both shardings partition the value
// in the same way and they are owned by different sets of processes.
//
// If the transfer would be eligible, but the backend doesn't support cross-host transfers and no transfer
// address is configured, it returns a BackendCapabilityMissing error.
//
// Results are memoized.
func (e *Engine) IsSupportedCrossHostTransfer(rank int, src, dst *placement.Sharding) (bool, error) {
	if e.processCount() <= 1 {
		return false, nil
	}
	key := crossHostKey{rank: rank, src: src.Key(), dst: dst.Key()}
	if supported, found := e.crossHostSupport.Load(key); found {
		return supported, nil
	}
	supported, err := e.isSupportedCrossHostTransfer(rank, src, dst)
	if err != nil {
		return false, err
	}
	e.crossHostSupport.Store(key, supported)
	klog.V(2).Infof("cross-host transfer from %s to %s (rank %d) supported=%v", src, dst, rank, supported)
	return supported, nil
}

func (e *Engine) isSupportedCrossHostTransfer(rank int, src, dst *placement.Sharding) (bool, error) {
	if src.DeviceList().Kind() != dst.DeviceList().Kind() {
		return false, nil
	}
	srcCanonical, err := src.Canonical(rank)
	if err != nil {
		return false, wrapError(InvalidArgument, err, "source sharding")
	}
	dstCanonical, err := dst.Canonical(rank)
	if err != nil {
		return false, wrapError(InvalidArgument, err, "target sharding")
	}
	if !srcCanonical.Equal(dstCanonical) {
		return false, nil
	}
	if src.ProcessIndices().Equal(dst.ProcessIndices()) {
		return false, nil
	}
	if !e.backend.Capabilities().CrossHostTransfers && e.config.CrossHostTransferSocketAddress == "" {
		return false, newError(BackendCapabilityMissing,
			"backend %q doesn't support cross-host transfers: configure a transfer address with "+
				"cross_host_transfer_socket_address or $%s", e.backend.Name(), EnvCrossHostTransferSocketAddress)
	}
	return true, nil
}

// DeviceOrderPermutation returns, for each device of src's assignment, its position in dst's assignment.
// Positions are -1 for devices not in dst.
//
// It returns nil if src is fully replicated, since then the order of the devices doesn't matter.
func DeviceOrderPermutation(src, dst *placement.Sharding) []int {
	if src.IsFullyReplicated() {
		return nil
	}
	srcDevices, dstDevices := src.DeviceList(), dst.DeviceList()
	perm := make([]int, srcDevices.Len())
	for p := range perm {
		perm[p] = dstDevices.IndexOf(srcDevices.At(p).ID)
	}
	return perm
}
