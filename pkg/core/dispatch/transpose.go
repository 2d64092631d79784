// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/placement"
)

// Transposed returns the batch that moves cotangents back to where the values of b came from: cotangent i is
// copied from the Target of request i onto its Source. A nil cotangent stands for a symbolic zero and gets no
// request. positions maps each request of the returned batch to its request in b.
//
// Donation can't be transposed: it returns a DonationMisuse error.
func (b *Batch) Transposed(cotangents []any) (transposed *Batch, positions []int, err error) {
	if len(cotangents) != len(b.requests) {
		return nil, nil, newError(InvalidArgument, "batch of %d requests got %d cotangents",
			len(b.requests), len(cotangents))
	}
	transposed = b.engine.NewBatch()
	for i, ct := range cotangents {
		if ct == nil {
			continue
		}
		req := b.requests[i]
		if req.Copy == Donate {
			return nil, nil, newError(DonationMisuse, "cotangent #%d: donation can't be transposed", i)
		}
		transposed.Add(PlacementRequest{Value: ct, Target: req.Source, Source: req.Target, Copy: Copy})
		positions = append(positions, i)
	}
	return transposed, positions, nil
}

// Transpose moves the cotangents of placed values back to where the values came from, for reverse-mode
// differentiation of a placement: cotangent i goes from targets[i] to sources[i].
//
// A nil cotangent stands for a symbolic zero, and its result is nil. Cotangents are always copied: donation
// can't be transposed, and it returns a DonationMisuse error.
func (e *Engine) Transpose(cotangents []any, targets, sources []placement.Placement, copies []CopySemantics) ([]*arrays.Array, error) {
	n := len(cotangents)
	if len(targets) != n || len(sources) != n || len(copies) != n {
		return nil, newError(InvalidArgument,
			"Transpose got %d cotangents, %d targets, %d sources and %d copy semantics",
			n, len(targets), len(sources), len(copies))
	}
	forward := e.NewBatch()
	for i := range n {
		forward.Add(PlacementRequest{Target: targets[i], Source: sources[i], Copy: copies[i]})
	}
	batch, positions, err := forward.Transposed(cotangents)
	if err != nil {
		return nil, err
	}
	results := make([]*arrays.Array, n)
	if batch.Len() == 0 {
		return results, nil
	}
	placed, err := batch.ResolveAll()
	if err != nil {
		return nil, err
	}
	for j, pos := range positions {
		results[pos] = placed[j]
	}
	return results, nil
}
