// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/internal/regions"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/gomlx/placement/pkg/support/sets"
	"github.com/gomlx/placement/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// localData is the data of a source value available in this process.
type localData struct {
	pieces  []regions.Piece
	buffers []*Buffer
}

func (d *localData) indices() []placement.Index {
	indices := make([]placement.Index, len(d.pieces))
	for i, piece := range d.pieces {
		indices[i] = piece.Index
	}
	return indices
}

// localData returns the pieces of src held by this process. Host data is copied, so the
// caller can reuse it once the call returns.
func (b *Backend) localData(src backends.Source) (*localData, error) {
	if !src.Aval.Ok() {
		return nil, errors.Errorf("invalid abstract value %s for source", src.Aval)
	}
	if src.IsHost() {
		if err := regions.CheckFlat(src.Host.Flat, src.Aval.DType, src.Aval.Size()); err != nil {
			return nil, errors.WithMessagef(err, "host source %s", src.Aval)
		}
		return &localData{pieces: []regions.Piece{{
			Index: placement.FullIndex(src.Aval.Dimensions),
			Flat:  regions.CloneFlat(src.Host.Flat),
		}}}, nil
	}
	d := &localData{}
	for _, shard := range src.Shards {
		buf, err := b.castBuffer(shard.Buffer)
		if err != nil {
			return nil, err
		}
		if len(shard.Index) != src.Aval.Rank() {
			return nil, errors.Errorf("shard index %s doesn't match the rank of %s", shard.Index, src.Aval)
		}
		if buf.aval.DType != src.Aval.DType {
			return nil, errors.Errorf("shard on device %s has dtype %s, but source is %s", buf.device, buf.aval.DType, src.Aval)
		}
		d.pieces = append(d.pieces, regions.Piece{Index: shard.Index, Flat: buf.flat})
		d.buffers = append(d.buffers, buf)
	}
	return d, nil
}

// checkTarget validates the target of a transfer and returns the index of each of its shards.
func (b *Backend) checkTarget(aval avals.AbstractValue, target *placement.Sharding, layout *placement.Layout) ([]placement.Index, error) {
	if target == nil {
		return nil, errors.New("missing target sharding")
	}
	for _, device := range target.DeviceList().Devices() {
		if _, err := b.device(device.ID); err != nil {
			return nil, err
		}
	}
	if !Capabilities.DTypes[aval.DType] {
		return nil, errors.Errorf("dtype %s is not supported by %s", aval.DType, b)
	}
	kind := target.MemoryKind().Normalize()
	if !Capabilities.SupportsMemoryKind(kind) {
		return nil, errors.Errorf("memory kind %q is not supported by %s", kind, b)
	}
	if err := layout.Validate(aval.Rank()); err != nil {
		return nil, errors.WithMessagef(err, "invalid layout %s for %s", layout, aval)
	}
	return target.ShardIndices(aval.Dimensions)
}

// retainAll adds a reference to each buffer, and returns a function that releases them.
func retainAll(buffers ...[]*Buffer) (release func()) {
	for _, list := range buffers {
		for _, buf := range list {
			buf.retain()
		}
	}
	return func() {
		for _, list := range buffers {
			for _, buf := range list {
				buf.release()
			}
		}
	}
}

// waitAll waits for the buffers to be ready, and returns the first error.
func waitAll(buffers []*Buffer) error {
	for _, buf := range buffers {
		if err := buf.ready.Wait(); err != nil {
			return errors.WithMessagef(err, "input on device %s failed", buf.device)
		}
	}
	return nil
}

type copyJob struct {
	dst    *Buffer
	index  placement.Index
	pieces []regions.Piece
}

// reusableBuffer returns the buffer of src on device that holds exactly index with the given
// memory kind and layout, or nil.
func reusableBuffer(src backends.Source, data *localData, device *placement.Device, index placement.Index,
	kind placement.MemoryKind, layout *placement.Layout) *Buffer {
	for i, shard := range src.Shards {
		buf := data.buffers[i]
		if buf.device.ID == device.ID && shard.Index.Equal(index) && buf.memoryKind == kind &&
			placement.LayoutsEqual(buf.layout, layout, src.Aval.Rank()) {
			return buf
		}
	}
	return nil
}

// BatchedTransfer places each source onto its target sharding in one asynchronous operation.
//
// Shards of targets are returned for the devices addressable by this process, in device
// assignment order. With backends.Alias and backends.Donate, source buffers already holding a
// target shard are reused. With backends.Donate the remaining source buffers are released once
// the transfer is done.
func (b *Backend) BatchedTransfer(requests []backends.TransferRequest) ([][]backends.Shard, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	b.counters.batchedTransfers.Add(1)
	b.counters.transferRequests.Add(int64(len(requests)))

	ready := xsync.NewLatchWithValue[error]()
	results := make([][]backends.Shard, len(requests))
	var jobs []copyJob
	var inputs, outputs, donated []*Buffer
	fail := func(err error) ([][]backends.Shard, error) {
		for _, buf := range outputs {
			buf.release()
		}
		return nil, err
	}
	for reqIdx, req := range requests {
		indices, err := b.checkTarget(req.Source.Aval, req.Target, req.Layout)
		if err != nil {
			return fail(errors.WithMessagef(err, "transfer request #%d", reqIdx))
		}
		data, err := b.localData(req.Source)
		if err != nil {
			return fail(errors.WithMessagef(err, "transfer request #%d", reqIdx))
		}
		kind := req.Target.MemoryKind().Normalize()
		assignment := req.Target.DeviceList()
		reused := sets.Make[*Buffer]()
		for _, position := range assignment.Addressable(b.processIndex) {
			device, index := assignment.At(position), indices[position]
			if req.Copy != backends.Copy && !req.Source.IsHost() {
				if buf := reusableBuffer(req.Source, data, device, index, kind, req.Layout); buf != nil {
					if req.Copy == backends.Alias {
						buf.retain()
					}
					reused.Insert(buf)
					results[reqIdx] = append(results[reqIdx], backends.Shard{Device: device, Index: index, Buffer: buf})
					continue
				}
			}
			if !regions.Covers(index, data.indices()) {
				return fail(errors.Errorf("transfer request #%d: data for shard %s on device %s is not available in process %d",
					reqIdx, index, device, b.processIndex))
			}
			dst := b.newBuffer(device, req.Source.Aval.WithDimensions(index.Dimensions()...), kind, req.Layout, ready)
			outputs = append(outputs, dst)
			jobs = append(jobs, copyJob{dst: dst, index: index, pieces: data.pieces})
			results[reqIdx] = append(results[reqIdx], backends.Shard{Device: device, Index: index, Buffer: dst})
		}
		inputs = append(inputs, data.buffers...)
		if req.Copy == backends.Donate {
			for _, buf := range data.buffers {
				if !reused.Has(buf) {
					donated = append(donated, buf)
				}
			}
		}
	}

	klog.V(2).Infof("%s: BatchedTransfer of %d requests, %d shard copies", b, len(requests), len(jobs))
	release := retainAll(inputs, outputs)
	b.stream.enqueue(ready, func() error {
		defer func() {
			release()
			for _, buf := range donated {
				buf.release()
			}
		}()
		if err := waitAll(inputs); err != nil {
			return err
		}
		return b.pool.ForEach(len(jobs), func(i int) error {
			job := jobs[i]
			return regions.Fill(job.dst.flat, job.index, job.pieces)
		})
	})
	return results, nil
}

// ReorderShards returns the shards of source arranged for target, a sharding over the same
// devices where every device holds the same shard as in the source sharding. Shards are copied
// when the target is in another memory kind.
func (b *Backend) ReorderShards(source backends.Source, target *placement.Sharding, semantics backends.CopySemantics) ([]backends.Shard, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	b.counters.reorders.Add(1)
	if source.IsHost() || source.Placement == nil {
		return nil, errors.New("ReorderShards requires a source placed on devices")
	}
	if target == nil || !source.Placement.DeviceSet().Equal(target.DeviceSet()) {
		return nil, errors.Errorf("ReorderShards requires the same devices: source %s, target %s", source.Placement, target)
	}
	indices, err := target.ShardIndices(source.Aval.Dimensions)
	if err != nil {
		return nil, err
	}
	data, err := b.localData(source)
	if err != nil {
		return nil, err
	}

	assignment := target.DeviceList()
	memoryKind := target.MemoryKind().Normalize()
	var shards []backends.Shard
	var jobs []copyJob
	var outputs, donated []*Buffer
	ready := xsync.NewLatchWithValue[error]()
	for _, position := range assignment.Addressable(b.processIndex) {
		device, index := assignment.At(position), indices[position]
		found := -1
		for i, shard := range source.Shards {
			if shard.Device.ID == device.ID {
				found = i
				break
			}
		}
		if found < 0 || !source.Shards[found].Index.Equal(index) {
			for _, buf := range outputs {
				buf.release()
			}
			return nil, errors.Errorf("ReorderShards: shard %s would have to move to device %s", index, device)
		}
		buf := data.buffers[found]
		switch {
		case semantics == backends.Copy || buf.memoryKind != memoryKind:
			// Shards moving to another memory kind are copied, and a donated source is released after the copy.
			dst := b.newBuffer(device, buf.aval, memoryKind, buf.layout, ready)
			outputs = append(outputs, dst)
			jobs = append(jobs, copyJob{dst: dst, index: index, pieces: data.pieces[found : found+1]})
			if semantics == backends.Donate {
				donated = append(donated, buf)
			}
			buf = dst
		case semantics == backends.Alias:
			buf.retain()
		}
		shards = append(shards, backends.Shard{Device: device, Index: index, Buffer: buf})
	}
	if len(jobs) > 0 {
		release := retainAll(data.buffers, outputs)
		b.stream.enqueue(ready, func() error {
			defer func() {
				release()
				for _, buf := range donated {
					buf.release()
				}
			}()
			if err := waitAll(data.buffers); err != nil {
				return err
			}
			return b.pool.ForEach(len(jobs), func(i int) error {
				return regions.Fill(jobs[i].dst.flat, jobs[i].index, jobs[i].pieces)
			})
		})
	}
	return shards, nil
}

// crossHostPayload holds, for each request, the flat data of the source shards of a process,
// indexed by device assignment position.
type crossHostPayload [][]any

// CrossHostCopy copies each source to the devices of its target sharding, which must partition
// the value the same way, possibly over devices of other processes.
//
// It is a collective operation: all processes owning source or target devices must call it with
// the same arguments, in the same order with respect to other collectives.
func (b *Backend) CrossHostCopy(sources []backends.Source, targets []*placement.Sharding, copies []backends.CopySemantics) ([][]backends.Shard, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	if !b.cluster.config.CrossHostTransfers {
		return nil, errors.Errorf("cross-host transfers are not supported by %s", b)
	}
	if len(sources) != len(targets) || len(sources) != len(copies) {
		return nil, errors.Errorf("CrossHostCopy got %d sources, %d targets and %d copy semantics",
			len(sources), len(targets), len(copies))
	}
	b.counters.crossHostCopies.Add(1)

	participants := sets.Make[int]()
	ready := xsync.NewLatchWithValue[error]()
	results := make([][]backends.Shard, len(sources))
	payload := make(crossHostPayload, len(sources))
	type crossHostJob struct {
		dst           *Buffer
		request       int
		position      int
		sourceProcess int
	}
	var jobs []crossHostJob
	var inputs, outputs, donated []*Buffer
	fail := func(err error) ([][]backends.Shard, error) {
		for _, buf := range outputs {
			buf.release()
		}
		return nil, err
	}
	for i, src := range sources {
		if src.IsHost() || src.Placement == nil {
			return fail(errors.Errorf("CrossHostCopy source #%d is not placed on devices", i))
		}
		srcIndices, err := src.Placement.ShardIndices(src.Aval.Dimensions)
		if err != nil {
			return fail(err)
		}
		tgtIndices, err := b.checkTarget(src.Aval, targets[i], nil)
		if err != nil {
			return fail(errors.WithMessagef(err, "CrossHostCopy target #%d", i))
		}
		if len(srcIndices) != len(tgtIndices) {
			return fail(errors.Errorf("CrossHostCopy #%d: source has %d shards, target %d", i, len(srcIndices), len(tgtIndices)))
		}
		for p := range srcIndices {
			if !srcIndices[p].Equal(tgtIndices[p]) {
				return fail(errors.Errorf("CrossHostCopy #%d: source and target partition the value differently", i))
			}
		}
		data, err := b.localData(src)
		if err != nil {
			return fail(err)
		}
		srcAssignment, tgtAssignment := src.Placement.DeviceList(), targets[i].DeviceList()
		participants.Insert(sets.Sorted(src.Placement.ProcessIndices())...)
		participants.Insert(sets.Sorted(targets[i].ProcessIndices())...)

		payload[i] = make([]any, srcAssignment.Len())
		for j, shard := range src.Shards {
			position := srcAssignment.IndexOf(shard.Device.ID)
			if position < 0 {
				return fail(errors.Errorf("CrossHostCopy #%d: shard on device %s is not part of the source placement", i, shard.Device))
			}
			payload[i][position] = data.buffers[j]
		}
		inputs = append(inputs, data.buffers...)
		if copies[i] == backends.Donate {
			donated = append(donated, data.buffers...)
		}

		kind := targets[i].MemoryKind().Normalize()
		for _, position := range tgtAssignment.Addressable(b.processIndex) {
			device, index := tgtAssignment.At(position), tgtIndices[position]
			dst := b.newBuffer(device, src.Aval.WithDimensions(index.Dimensions()...), kind, nil, ready)
			outputs = append(outputs, dst)
			jobs = append(jobs, crossHostJob{
				dst: dst, request: i, position: position,
				sourceProcess: srcAssignment.At(position).ProcessIndex,
			})
			results[i] = append(results[i], backends.Shard{Device: device, Index: index, Buffer: dst})
		}
	}
	if !participants.Has(b.processIndex) {
		return fail(errors.Errorf("process %d holds no source nor target device of CrossHostCopy", b.processIndex))
	}

	key := b.nextKey("cross_host_copy", participants)
	release := retainAll(inputs, outputs)
	b.stream.enqueue(ready, func() error {
		defer func() {
			release()
			for _, buf := range donated {
				buf.release()
			}
		}()
		if err := waitAll(inputs); err != nil {
			return err
		}
		// Replace buffers by a snapshot of their data.
		snapshot := make(crossHostPayload, len(payload))
		for i, positions := range payload {
			snapshot[i] = make([]any, len(positions))
			for p, v := range positions {
				if v != nil {
					snapshot[i][p] = regions.CloneFlat(v.(*Buffer).flat)
				}
			}
		}
		values, err := b.cluster.exchange.contribute(key, participants, b.processIndex, snapshot)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			flat := values[job.sourceProcess].(crossHostPayload)[job.request][job.position]
			if flat == nil {
				return errors.Errorf("process %d didn't provide the shard for position %d of CrossHostCopy #%d",
					job.sourceProcess, job.position, job.request)
			}
			idx := placement.FullIndex(job.dst.aval.Dimensions)
			regions.Copy(job.dst.flat, idx, flat, idx, idx)
		}
		return nil
	})
	return results, nil
}
