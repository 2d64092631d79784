// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
)

// AbstractEval returns the abstract values of the results of placing values with the given abstract values on
// targets: only the memory space changes, following the memory kind of the target. A nil target keeps the
// abstract value.
func AbstractEval(inputs []avals.AbstractValue, targets []placement.Placement) ([]avals.AbstractValue, error) {
	if len(inputs) != len(targets) {
		return nil, newError(InvalidArgument, "AbstractEval got %d values but %d targets", len(inputs), len(targets))
	}
	outputs := make([]avals.AbstractValue, len(inputs))
	for i, aval := range inputs {
		if targets[i] == nil {
			outputs[i] = aval
			continue
		}
		kind := targets[i].MemoryKind()
		if err := kind.Validate(); err != nil {
			return nil, wrapError(InvalidArgument, err, "target #%d", i)
		}
		outputs[i] = aval.WithMemorySpace(kind.MemorySpace())
	}
	return outputs, nil
}
