// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/placement/pkg/core/placement"

// TransferRequest asks for Source to be placed on Target.
type TransferRequest struct {
	Source Source
	Target *placement.Sharding
	Layout *placement.Layout
	Copy   CopySemantics
}

// TransferInterface is the Backend's sub-interface that moves arrays between devices.
//
// Only shards addressable by the current process are returned, in device assignment order of
// the target sharding.
type TransferInterface interface {
	// BatchedTransfer executes all requests in one call. The results are returned in the same
	// order as the requests.
	//
	// Every shard of the target must be computable from the shards of the source addressable by
	// the current process, or from host data.
	BatchedTransfer(requests []TransferRequest) ([][]Shard, error)

	// ReorderShards assigns the source shards to the devices of target, which must hold the same
	// shards on the same devices: no data is moved across devices.
	ReorderShards(source Source, target *placement.Sharding, copy CopySemantics) ([]Shard, error)

	// CrossHostCopy copies each source to its target, where source and target devices may be
	// owned by different processes. Every process owning devices of a source or of its target
	// must take part in the call, in the same order.
	CrossHostCopy(sources []Source, targets []*placement.Sharding, copies []CopySemantics) ([][]Shard, error)
}

// Coordinator is the Backend's sub-interface to synchronize processes.
type Coordinator interface {
	// AssertEqualAcrossProcesses returns an error if the fingerprint given by any process differs.
	// All processes of the run must call it, in the same order.
	AssertEqualAcrossProcesses(name string, fingerprint []byte) error
}
