// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"
	"sync/atomic"

	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/internal/regions"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/gomlx/placement/pkg/support/sets"
	"github.com/gomlx/placement/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Executable is a Computation compiled for fixed input and output shardings.
//
// The computation runs once per device of the executable: on each device it receives the
// shards of the inputs (resharded to the input shardings) and returns its shards of the outputs.
type Executable struct {
	backend     *Backend
	computation backends.Computation
	options     backends.CompileOptions

	// devices of the executable, in the order of the first sharding.
	devices        *placement.DeviceList
	inputIndices   [][]placement.Index
	outputIndices  [][]placement.Index
	donate         sets.Set[int]
	executeCounter atomic.Int64
}

// Compile-time checks.
var (
	_ backends.Compiler   = (*Backend)(nil)
	_ backends.Executable = (*Executable)(nil)
)

// Compile the computation for the input and output shardings given in options.
// All shardings must be over the same set of devices.
func (b *Backend) Compile(computation backends.Computation, options backends.CompileOptions) (backends.Executable, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	if computation.Fn == nil {
		return nil, errors.Errorf("computation %q has no function", computation.Name)
	}
	if len(options.InputAvals) != len(options.InputShardings) {
		return nil, errors.Errorf("computation %q has %d input avals but %d input shardings",
			computation.Name, len(options.InputAvals), len(options.InputShardings))
	}
	if len(options.OutputAvals) != len(options.OutputShardings) {
		return nil, errors.Errorf("computation %q has %d output avals but %d output shardings",
			computation.Name, len(options.OutputAvals), len(options.OutputShardings))
	}
	if len(options.OutputLayouts) != 0 && len(options.OutputLayouts) != len(options.OutputAvals) {
		return nil, errors.Errorf("computation %q has %d outputs but %d output layouts",
			computation.Name, len(options.OutputAvals), len(options.OutputLayouts))
	}
	e := &Executable{
		backend:     b,
		computation: computation,
		options:     options,
		donate:      sets.Make[int](len(options.Donate)),
	}
	var err error
	e.inputIndices, err = e.shardIndices(options.InputAvals, options.InputShardings, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "computation %q inputs", computation.Name)
	}
	e.outputIndices, err = e.shardIndices(options.OutputAvals, options.OutputShardings, options.OutputLayouts)
	if err != nil {
		return nil, errors.WithMessagef(err, "computation %q outputs", computation.Name)
	}
	if e.devices == nil {
		return nil, errors.Errorf("computation %q has no inputs nor outputs", computation.Name)
	}
	for _, i := range options.Donate {
		if i < 0 || i >= len(options.InputAvals) || e.donate.Has(i) {
			return nil, errors.Errorf("computation %q: invalid donated input #%d", computation.Name, i)
		}
		e.donate.Insert(i)
	}
	b.counters.compilations.Add(1)
	klog.V(1).Infof("%s: compiled %q over %d devices", b, computation.Name, e.devices.Len())
	return e, nil
}

// shardIndices validates the shardings, and returns the indices of the shards of each value.
func (e *Executable) shardIndices(avalsList []avals.AbstractValue, shardings []*placement.Sharding,
	layouts []*placement.Layout) ([][]placement.Index, error) {
	indices := make([][]placement.Index, len(shardings))
	for i, sharding := range shardings {
		var layout *placement.Layout
		if len(layouts) > 0 {
			layout = layouts[i]
		}
		var err error
		indices[i], err = e.backend.checkTarget(avalsList[i], sharding, layout)
		if err != nil {
			return nil, errors.WithMessagef(err, "#%d", i)
		}
		if e.devices == nil {
			e.devices = sharding.DeviceList()
		} else if !e.devices.IDSet().Equal(sharding.DeviceSet()) {
			return nil, errors.Errorf("#%d is placed on devices %s, but the computation runs on %s",
				i, sharding.DeviceList(), e.devices)
		}
	}
	return indices, nil
}

// Name of the computation.
func (e *Executable) Name() string { return e.computation.Name }

// runtimeToken signals the end of one execution.
type runtimeToken struct {
	done *xsync.LatchWithValue[error]
}

func (t runtimeToken) BlockUntilReady() error { return t.done.Wait() }

func (t runtimeToken) IsReady() bool { return t.done.Test() }

// execInput is the data of one input available in this process.
type execInput struct {
	data *localData

	// exchanged is set if some device needs pieces of the input held by other processes.
	exchanged bool
}

// execPayload holds, per input, the pieces a process contributes to an execution.
type execPayload map[int][]regions.Piece

// needsExchange returns whether any shard of target can't be assembled from the shards of
// source held by the same process.
func needsExchange(source *placement.Sharding, dims []int, target *placement.Sharding, targetIndices []placement.Index) (bool, error) {
	sourceIndices, err := source.ShardIndices(dims)
	if err != nil {
		return false, err
	}
	srcAssignment, tgtAssignment := source.DeviceList(), target.DeviceList()
	for p, index := range targetIndices {
		process := tgtAssignment.At(p).ProcessIndex
		var pieces []placement.Index
		for q, sourceIndex := range sourceIndices {
			if srcAssignment.At(q).ProcessIndex == process {
				pieces = append(pieces, sourceIndex)
			}
		}
		if !regions.Covers(index, pieces) {
			return true, nil
		}
	}
	return false, nil
}

// Execute the computation on the devices of this process.
//
// If inputs are not fully available in the processes that need them, Execute is a collective
// operation: every process holding input shards or executable devices must call it.
func (e *Executable) Execute(sources []backends.Source) (*backends.ExecuteResult, error) {
	b := e.backend
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	opts := &e.options
	if len(sources) != len(opts.InputAvals) {
		return nil, errors.Errorf("computation %q takes %d inputs, got %d", e.Name(), len(opts.InputAvals), len(sources))
	}
	b.counters.executions.Add(1)

	participants := sets.MakeWith(sets.Sorted(e.devices.ProcessIndices())...)
	inputs := make([]execInput, len(sources))
	var inputBuffers, donated []*Buffer
	for i, src := range sources {
		if !src.Aval.EqualShape(opts.InputAvals[i]) {
			return nil, errors.Errorf("computation %q input #%d should be %s, got %s",
				e.Name(), i, opts.InputAvals[i], src.Aval)
		}
		data, err := b.localData(src)
		if err != nil {
			return nil, errors.WithMessagef(err, "computation %q input #%d", e.Name(), i)
		}
		inputs[i].data = data
		inputBuffers = append(inputBuffers, data.buffers...)
		if e.donate.Has(i) {
			donated = append(donated, data.buffers...)
		}
		if src.IsHost() {
			continue
		}
		if src.Placement == nil {
			return nil, errors.Errorf("computation %q input #%d has no placement", e.Name(), i)
		}
		inputs[i].exchanged, err = needsExchange(src.Placement, src.Aval.Dimensions, opts.InputShardings[i], e.inputIndices[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "computation %q input #%d", e.Name(), i)
		}
		if inputs[i].exchanged {
			participants.Insert(sets.Sorted(src.Placement.ProcessIndices())...)
		}
	}
	if !participants.Has(b.processIndex) {
		return nil, errors.Errorf("process %d has no devices nor inputs of computation %q", b.processIndex, e.Name())
	}
	exchanged := slices.ContainsFunc(inputs, func(in execInput) bool { return in.exchanged })

	localDevices := make([]*placement.Device, 0, e.devices.Len())
	for _, p := range e.devices.Addressable(b.processIndex) {
		localDevices = append(localDevices, e.devices.At(p))
	}

	// Output buffers, indexed by output and device id.
	ready := xsync.NewLatchWithValue[error]()
	result := &backends.ExecuteResult{
		Outputs:       make([][]backends.Shard, len(opts.OutputAvals)),
		RuntimeTokens: make(map[int]backends.RuntimeToken, len(localDevices)),
	}
	outputBuffers := make([]map[int]*Buffer, len(opts.OutputAvals))
	var outputs []*Buffer
	for j, sharding := range opts.OutputShardings {
		var layout *placement.Layout
		if len(opts.OutputLayouts) > 0 {
			layout = opts.OutputLayouts[j]
		}
		outputBuffers[j] = make(map[int]*Buffer)
		assignment := sharding.DeviceList()
		for _, p := range assignment.Addressable(b.processIndex) {
			device, index := assignment.At(p), e.outputIndices[j][p]
			buf := b.newBuffer(device, opts.OutputAvals[j].WithDimensions(index.Dimensions()...),
				sharding.MemoryKind(), layout, ready)
			outputBuffers[j][device.ID] = buf
			outputs = append(outputs, buf)
			result.Outputs[j] = append(result.Outputs[j], backends.Shard{Device: device, Index: index, Buffer: buf})
		}
	}
	for _, device := range localDevices {
		result.RuntimeTokens[device.ID] = runtimeToken{done: ready}
	}

	var key string
	if exchanged {
		key = b.nextKey("execute:"+e.Name(), participants)
	}
	klog.V(2).Infof("%s: executing %q (#%d) on %d local devices, exchange=%v",
		b, e.Name(), e.executeCounter.Add(1), len(localDevices), exchanged)

	release := retainAll(inputBuffers, outputs)
	b.stream.enqueue(ready, func() error {
		defer func() {
			release()
			for _, buf := range donated {
				buf.release()
			}
		}()
		if err := waitAll(inputBuffers); err != nil {
			return err
		}
		pieces := make([][]regions.Piece, len(inputs))
		for i, in := range inputs {
			pieces[i] = in.data.pieces
		}
		if key != "" {
			payload := make(execPayload)
			for i, in := range inputs {
				if !in.exchanged {
					continue
				}
				for _, piece := range in.data.pieces {
					payload[i] = append(payload[i], regions.Piece{Index: piece.Index, Flat: regions.CloneFlat(piece.Flat)})
				}
			}
			values, err := b.cluster.exchange.contribute(key, participants, b.processIndex, payload)
			if err != nil {
				return err
			}
			for i, in := range inputs {
				if !in.exchanged {
					continue
				}
				pieces[i] = nil
				for _, process := range sets.Sorted(participants) {
					pieces[i] = append(pieces[i], values[process].(execPayload)[i]...)
				}
			}
		}

		g := b.pool.Group()
		for _, device := range localDevices {
			g.Go(func() error {
				return e.executeOnDevice(device, pieces, outputBuffers)
			})
		}
		return g.Wait()
	})
	return result, nil
}

// executeOnDevice assembles the input shards of device, runs the computation and stores its
// outputs.
func (e *Executable) executeOnDevice(device *placement.Device, pieces [][]regions.Piece, outputBuffers []map[int]*Buffer) error {
	opts := &e.options
	shardInputs := make([]*backends.HostData, len(opts.InputAvals))
	for i, aval := range opts.InputAvals {
		index := e.inputIndices[i][opts.InputShardings[i].DeviceList().IndexOf(device.ID)]
		shardAval := aval.WithDimensions(index.Dimensions()...)
		flat := regions.NewFlat(aval.DType, shardAval.Size())
		if err := regions.Fill(flat, index, pieces[i]); err != nil {
			return errors.WithMessagef(err, "computation %q input #%d on device %s", e.Name(), i, device)
		}
		shardInputs[i] = &backends.HostData{Aval: shardAval, Flat: flat}
	}
	shardOutputs, err := e.computation.Fn(shardInputs)
	if err != nil {
		return errors.WithMessagef(err, "computation %q failed on device %s", e.Name(), device)
	}
	if len(shardOutputs) != len(opts.OutputAvals) {
		return errors.Errorf("computation %q returned %d outputs on device %s, expected %d",
			e.Name(), len(shardOutputs), device, len(opts.OutputAvals))
	}
	for j, out := range shardOutputs {
		buf := outputBuffers[j][device.ID]
		if buf == nil {
			continue
		}
		if out == nil || out.Aval.DType != buf.aval.DType || !slices.Equal(out.Aval.Dimensions, buf.aval.Dimensions) {
			return errors.Errorf("computation %q output #%d on device %s should be %s, got %v",
				e.Name(), j, device, buf.aval, out)
		}
		if err := regions.CheckFlat(out.Flat, buf.aval.DType, buf.aval.Size()); err != nil {
			return errors.WithMessagef(err, "computation %q output #%d on device %s", e.Name(), j, device)
		}
		idx := placement.FullIndex(buf.aval.Dimensions)
		regions.Copy(buf.flat, idx, out.Flat, idx, idx)
	}
	return nil
}
