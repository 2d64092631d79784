// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/placement"
	"k8s.io/klog/v2"
)

// PlacementRequest asks for Value to be placed on Target. See Engine.Resolve for the accepted values and targets.
type PlacementRequest struct {
	Value  any
	Target placement.Placement
	Copy   CopySemantics

	// Source is where Value comes from, optional. It is where Batch.Transposed places the cotangents back.
	Source placement.Placement
}

// Batch groups placement requests, so that all the transfers that can't be resolved immediately are issued
// together in one backend call.
//
// It is not safe for concurrent use, and it can only be resolved once.
type Batch struct {
	engine   *Engine
	requests []PlacementRequest
	resolved bool
}

// NewBatch creates an empty Batch.
func (e *Engine) NewBatch() *Batch {
	return &Batch{engine: e}
}

// Add a request to the batch, and return its position in the results of ResolveAll.
func (b *Batch) Add(req PlacementRequest) int {
	b.requests = append(b.requests, req)
	return len(b.requests) - 1
}

// Len returns the number of requests in the batch.
func (b *Batch) Len() int { return len(b.requests) }

// checkDonations returns an error if a donated array appears more than once in the batch.
func (b *Batch) checkDonations() error {
	counts := make(map[*arrays.Array]int)
	for _, req := range b.requests {
		if a, ok := req.Value.(*arrays.Array); ok {
			counts[a]++
		}
	}
	for i, req := range b.requests {
		a, ok := req.Value.(*arrays.Array)
		if ok && req.Copy == Donate && counts[a] > 1 {
			return newError(DonationMisuse, "request #%d donates %s, which is used %d times in the same batch",
				i, a, counts[a])
		}
	}
	return nil
}

// ResolveAll resolves all requests, and returns the placed arrays in the order the requests were added.
//
// All deferred transfers are issued in a single BatchedTransfer call, none if no request was deferred. If any
// request fails, the arrays created so far are deleted and no result is returned. Sources donated to the
// batched transfer are marked donated once the transfer is issued. Sources donated to immediate paths are
// copied, and only released once every request succeeded: a failed batch leaves them usable.
func (b *Batch) ResolveAll() ([]*arrays.Array, error) {
	if b.resolved {
		return nil, newError(InvalidArgument, "batch was already resolved")
	}
	b.resolved = true
	if err := b.checkDonations(); err != nil {
		return nil, err
	}
	e := b.engine
	values := make([]value, len(b.requests))
	for i, req := range b.requests {
		v, err := e.valueOf(req.Value)
		if err != nil {
			return nil, wrapError(InvalidArgument, err, "request #%d", i)
		}
		v.batched = true
		values[i] = v
	}

	results := make([]*arrays.Array, len(b.requests))
	var created, released []*arrays.Array
	fail := func(err error) ([]*arrays.Array, error) {
		for _, a := range created {
			if deleteErr := a.Delete(); deleteErr != nil {
				klog.Warningf("failed to delete %s while failing batch: %+v", a, deleteErr)
			}
		}
		return nil, err
	}

	var deferred []*DeferredTransfer
	var positions []int
	succeed := func() ([]*arrays.Array, error) {
		for _, a := range released {
			if err := a.Release(); err != nil {
				klog.Warningf("releasing donated %s: %+v", a, err)
			}
		}
		return results, nil
	}
	for i, req := range b.requests {
		res, err := e.resolve(values[i], req.Target, req.Copy)
		if err != nil {
			return fail(wrapError(InvalidArgument, err, "request #%d", i))
		}
		released = append(released, res.release...)
		if res.Deferred != nil {
			deferred = append(deferred, res.Deferred)
			positions = append(positions, i)
			continue
		}
		results[i] = res.Placed
		if source, ok := req.Value.(*arrays.Array); !ok || source != res.Placed {
			created = append(created, res.Placed)
		}
	}
	if len(deferred) == 0 {
		return succeed()
	}

	requests := make([]backends.TransferRequest, len(deferred))
	var totalBytes uint64
	for j, d := range deferred {
		var err error
		requests[j], err = d.request()
		if err != nil {
			return fail(wrapError(InvalidArgument, err, "request #%d", positions[j]))
		}
		totalBytes += memoryBytes(d.Aval)
	}
	shards, err := e.backend.BatchedTransfer(requests)
	if err != nil {
		return fail(wrapError(InvalidArgument, err, "batched transfer of %d values", len(requests)))
	}
	klog.V(1).Infof("batched transfer of %d values (%s) out of %d requests",
		len(requests), humanize.Bytes(totalBytes), len(b.requests))

	placed := make([]*arrays.Array, len(deferred))
	for j, d := range deferred {
		placed[j] = arrays.New(e.backend, d.Aval, d.placement, d.Committed, shards[j])
		created = append(created, placed[j])
		if source, ok := d.Source.(*arrays.Array); ok && d.Copy == Donate {
			if err := source.Donate(); err != nil {
				klog.Warningf("marking %s as donated: %+v", source, err)
			}
		}
	}
	for j, d := range deferred {
		if err := d.consume(); err != nil {
			return fail(err)
		}
		results[positions[j]] = placed[j]
		if d.then == nil {
			continue
		}
		out, err := d.then(placed[j])
		if err != nil {
			return fail(wrapError(InvalidArgument, err, "request #%d", positions[j]))
		}
		results[positions[j]] = out
		created = append(created, out)
	}
	return succeed()
}

// PutAll places each value on its target with its copy semantics, in one batch.
//
// targets and copies can be nil, meaning the default placement and Alias for every value.
func (e *Engine) PutAll(values []any, targets []placement.Placement, copies []CopySemantics) ([]*arrays.Array, error) {
	if targets != nil && len(targets) != len(values) {
		return nil, newError(InvalidArgument, "PutAll got %d values but %d targets", len(values), len(targets))
	}
	if copies != nil && len(copies) != len(values) {
		return nil, newError(InvalidArgument, "PutAll got %d values but %d copy semantics", len(values), len(copies))
	}
	batch := e.NewBatch()
	for i, x := range values {
		req := PlacementRequest{Value: x}
		if targets != nil {
			req.Target = targets[i]
		}
		if copies != nil {
			req.Copy = copies[i]
		}
		batch.Add(req)
	}
	return batch.ResolveAll()
}

// Put places one value on target. See Engine.Resolve.
func (e *Engine) Put(x any, target placement.Placement, semantics CopySemantics) (*arrays.Array, error) {
	results, err := e.PutAll([]any{x}, []placement.Placement{target}, []CopySemantics{semantics})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}
