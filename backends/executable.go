// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
)

// ShardFn computes the output shards of one device from the input shards of the same device.
type ShardFn func(inputs []*HostData) ([]*HostData, error)

// Computation is a program to be compiled.
//
// It is executed SPMD: Fn runs once per device of the output sharding, over the input shards
// placed as CompileOptions.InputShardings.
type Computation struct {
	Name string
	Fn   ShardFn
}

// IdentityComputation returns all its inputs unchanged. Compiled with different input and
// output placements it reshards, changes memory kind or layout.
func IdentityComputation() Computation {
	return Computation{
		Name: "identity",
		Fn: func(inputs []*HostData) ([]*HostData, error) {
			return inputs, nil
		},
	}
}

// CompileOptions configures the compilation of a Computation.
type CompileOptions struct {
	// InputAvals are the abstract values of the whole inputs.
	InputAvals []avals.AbstractValue

	// InputShardings where Fn expects each input. Inputs placed differently are resharded
	// by the executable.
	InputShardings []*placement.Sharding

	// OutputAvals are the abstract values of the whole outputs.
	OutputAvals []avals.AbstractValue

	// OutputShardings where outputs are placed. All must be over the same set of devices.
	OutputShardings []*placement.Sharding

	// OutputLayouts are optional physical layouts for the outputs.
	OutputLayouts []*placement.Layout

	// Donate lists the inputs whose buffers are consumed by the execution.
	Donate []int
}

// RuntimeToken is the completion handle of an execution on one device.
type RuntimeToken interface {
	// BlockUntilReady waits for the execution to finish, and returns its error, if any.
	BlockUntilReady() error

	// IsReady returns whether the execution finished, without blocking.
	IsReady() bool
}

// ExecuteResult holds the outputs of an execution.
type ExecuteResult struct {
	// Outputs holds the addressable shards of each output.
	Outputs [][]Shard

	// RuntimeTokens per device id, for the addressable devices the execution ran on.
	RuntimeTokens map[int]RuntimeToken
}

// Executable is a compiled computation.
type Executable interface {
	// Name of the computation.
	Name() string

	// Execute the computation. Inputs must match the CompileOptions.InputAvals. Donated inputs
	// must not be used afterward.
	Execute(inputs []Source) (*ExecuteResult, error)
}

// Compiler is the Backend's sub-interface to compile computations.
type Compiler interface {
	Compile(computation Computation, options CompileOptions) (Executable, error)
}
