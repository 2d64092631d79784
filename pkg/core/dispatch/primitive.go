// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/gomlx/placement/pkg/support/xsync"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Params of a primitive. Values should be comparable Go values with a stable "%#v" representation.
type Params map[string]any

// Key returns a string that identifies the parameters, independent of the map order.
// Values of different types never share a key, even if they print the same: float32(3) and float64(3) differ.
func (p Params) Key() string {
	var sb strings.Builder
	for _, key := range slices.Sorted(maps.Keys(p)) {
		_, _ = fmt.Fprintf(&sb, "%s=%T:%#v;", key, p[key], p[key])
	}
	return sb.String()
}

// Primitive is an operation that can be applied to arrays by the Engine.
//
// Impl runs once per device, over the shards of the inputs placed on the device, and returns the shards of
// the outputs.
type Primitive struct {
	Name string

	// Impl computes the output shards of one device.
	Impl func(params Params, inputs []*backends.HostData) ([]*backends.HostData, error)

	// AbstractEval returns the abstract values of the outputs.
	AbstractEval func(params Params, inputs []avals.AbstractValue) ([]avals.AbstractValue, error)

	// Effects lists the ordered effects of the primitive: computations with the same effect are executed in
	// the order they are dispatched.
	Effects []Effect
}

type primitiveKey struct {
	prim   *Primitive
	params string
}

// PrimitiveCache holds the primitives bound to their parameters, and their compiled executables.
//
// It is safe for concurrent use. Entries are never evicted.
type PrimitiveCache struct {
	engine  *Engine
	entries xsync.SyncMap[primitiveKey, *PrimitiveCallable]
	group   singleflight.Group
	misses  atomic.Int64
}

func newPrimitiveCache(e *Engine) *PrimitiveCache {
	return &PrimitiveCache{engine: e}
}

// GetOrCompile returns the callable for the primitive with the given parameters, creating it on first use.
// Concurrent calls for the same primitive and parameters share the same callable.
func (c *PrimitiveCache) GetOrCompile(prim *Primitive, params Params) (*PrimitiveCallable, error) {
	if prim == nil || prim.Impl == nil || prim.AbstractEval == nil {
		return nil, newError(InvalidArgument, "primitive requires Impl and AbstractEval functions")
	}
	key := primitiveKey{prim: prim, params: params.Key()}
	if callable, found := c.entries.Load(key); found {
		return callable, nil
	}
	v, err, _ := c.group.Do(fmt.Sprintf("%p|%s", prim, key.params), func() (any, error) {
		if callable, found := c.entries.Load(key); found {
			return callable, nil
		}
		c.misses.Add(1)
		callable := &PrimitiveCallable{
			engine:      c.engine,
			prim:        prim,
			params:      maps.Clone(params),
			key:         key.params,
			executables: make(map[string]*primitiveExecutable),
		}
		c.entries.Store(key, callable)
		klog.V(1).Infof("new primitive %q with params {%s}", prim.Name, key.params)
		return callable, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PrimitiveCallable), nil
}

// Len returns the number of cached callables.
func (c *PrimitiveCache) Len() int { return c.entries.Len() }

// Misses returns the number of callables created.
func (c *PrimitiveCache) Misses() int64 { return c.misses.Load() }

// PrimitiveCallable is a primitive bound to its parameters. It compiles one executable per signature of its
// arguments (abstract values and placements).
type PrimitiveCallable struct {
	engine *Engine
	prim   *Primitive
	params Params
	key    string

	mu          sync.Mutex
	executables map[string]*primitiveExecutable
}

type primitiveExecutable struct {
	exec            backends.Executable
	outputAvals     []avals.AbstractValue
	outputShardings []*placement.Sharding
}

// Params returns a copy of the parameters the primitive is bound to.
func (pc *PrimitiveCallable) Params() Params { return maps.Clone(pc.params) }

// NumExecutables returns the number of signatures compiled.
func (pc *PrimitiveCallable) NumExecutables() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.executables)
}

// shardingForRank returns exec if it can partition values of the given rank, or the replicated sharding over
// its devices otherwise.
func shardingForRank(exec *placement.Sharding, rank int) *placement.Sharding {
	if len(exec.Spec()) <= rank {
		return exec
	}
	replicated, err := placement.Replicated(exec.DeviceList()).WithMemoryKind(exec.MemoryKind())
	if err != nil {
		// Memory kinds of existing shardings are valid.
		panic(err)
	}
	return replicated
}

// execSharding returns where the primitive runs: the placement of the committed arguments, which must agree,
// or the default device if none is committed.
func (pc *PrimitiveCallable) execSharding(args []any) (*placement.Sharding, bool, error) {
	var exec *arrays.Array
	for i, arg := range args {
		a, ok := arg.(*arrays.Array)
		if !ok || !a.Committed() {
			continue
		}
		if exec == nil {
			exec = a
			continue
		}
		if !exec.Sharding().DeviceSet().Equal(a.Sharding().DeviceSet()) {
			return nil, false, newError(InvalidArgument,
				"primitive %q got arguments committed to different devices: %s and argument #%d on %s",
				pc.prim.Name, exec.Placement(), i, a.Placement())
		}
	}
	if exec == nil {
		return placement.Trivial(pc.engine.backend.DefaultDevice()), false, nil
	}
	return exec.Sharding().WithLayout(nil), true, nil
}

// Call applies the primitive to the arguments, which can be *arrays.Array or host values. The arguments are
// placed where the primitive runs, and the outputs are left there.
//
// If the primitive has ordered effects, tokens must be given: the computation takes the current token of each
// effect, and its result becomes the new current token. The runtime tokens of the execution are recorded in
// tokens, if given.
func (pc *PrimitiveCallable) Call(tokens *TokenSet, args ...any) ([]*arrays.Array, error) {
	e := pc.engine
	if len(pc.prim.Effects) > 0 && tokens == nil {
		return nil, newError(InvalidArgument, "primitive %q has ordered effects %v, it requires a TokenSet",
			pc.prim.Name, pc.prim.Effects)
	}
	execSharding, committed, err := pc.execSharding(args)
	if err != nil {
		return nil, err
	}
	targets := make([]placement.Placement, len(args))
	for i, arg := range args {
		aval, err := arrays.Abstractify(arg)
		if err != nil {
			return nil, wrapError(InvalidArgument, err, "primitive %q argument #%d", pc.prim.Name, i)
		}
		targets[i] = shardingForRank(execSharding, aval.Rank())
	}
	placed, err := e.PutAll(args, targets, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "placing arguments of primitive %q", pc.prim.Name)
	}
	defer func() {
		for i, a := range placed {
			if arg, ok := args[i].(*arrays.Array); !ok || arg != a {
				_ = a.Delete()
			}
		}
	}()

	devices := execSharding.DeviceList()
	inputs := make([]backends.Source, 0, len(placed)+len(pc.prim.Effects))
	for _, a := range placed {
		source, err := a.Source()
		if err != nil {
			return nil, wrapError(DonationMisuse, err, "primitive %q", pc.prim.Name)
		}
		inputs = append(inputs, source)
	}
	for _, effect := range pc.prim.Effects {
		token, err := tokens.GetTokenInput(effect, devices)
		if err != nil {
			return nil, err
		}
		source, err := token.array.Source()
		if err != nil {
			return nil, wrapError(InvalidArgument, err, "token of effect %q", effect)
		}
		inputs = append(inputs, source)
	}

	pe, err := pc.executable(execSharding, inputs)
	if err != nil {
		return nil, err
	}
	result, err := pe.exec.Execute(inputs)
	if err != nil {
		return nil, wrapError(InvalidArgument, err, "executing primitive %q", pc.prim.Name)
	}
	if tokens != nil {
		for deviceID, runtimeToken := range result.RuntimeTokens {
			tokens.SetOutputRuntimeToken(deviceID, runtimeToken)
		}
	}

	numOutputs := len(pe.outputAvals)
	outputs := make([]*arrays.Array, numOutputs)
	for i := range numOutputs {
		outputs[i] = arrays.New(e.backend, pe.outputAvals[i], pe.outputShardings[i], committed, result.Outputs[i])
	}
	for k, effect := range pc.prim.Effects {
		tokenArray := arrays.New(e.backend, inputs[len(placed)+k].Aval, placement.Replicated(devices), true,
			result.Outputs[numOutputs+k])
		tokens.SetTokenResult(effect, tokens.NewToken(tokenArray))
	}
	if err := e.checkSpecialValues(pc.prim.Name, outputs); err != nil {
		for _, a := range outputs {
			_ = a.Delete()
		}
		return nil, err
	}
	return outputs, nil
}

// executable returns the executable for the signature of the inputs, compiling it if needed.
func (pc *PrimitiveCallable) executable(exec *placement.Sharding, inputs []backends.Source) (*primitiveExecutable, error) {
	var sb strings.Builder
	sb.WriteString(exec.Key() + "|")
	for _, input := range inputs {
		_, _ = fmt.Fprintf(&sb, "%s@%s|", input.Aval, input.Placement.Key())
	}
	signature := sb.String()

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pe, found := pc.executables[signature]; found {
		return pe, nil
	}

	numEffects := len(pc.prim.Effects)
	numArgs := len(inputs) - numEffects
	inputAvals := make([]avals.AbstractValue, len(inputs))
	inputShardings := make([]*placement.Sharding, len(inputs))
	for i, input := range inputs {
		inputAvals[i] = input.Aval
		inputShardings[i] = input.Placement
	}
	outputAvals, err := pc.prim.AbstractEval(pc.params, inputAvals[:numArgs])
	if err != nil {
		return nil, wrapError(InvalidArgument, err, "abstract evaluation of primitive %q", pc.prim.Name)
	}
	if len(outputAvals) == 0 {
		return nil, newError(InvalidArgument, "primitive %q has no outputs", pc.prim.Name)
	}
	pe := &primitiveExecutable{outputAvals: outputAvals, outputShardings: make([]*placement.Sharding, len(outputAvals))}
	options := backends.CompileOptions{InputAvals: inputAvals, InputShardings: inputShardings}
	for i, aval := range outputAvals {
		pe.outputShardings[i] = shardingForRank(exec, aval.Rank())
		options.OutputAvals = append(options.OutputAvals, aval)
		options.OutputShardings = append(options.OutputShardings, pe.outputShardings[i])
	}
	for _, input := range inputs[numArgs:] {
		options.OutputAvals = append(options.OutputAvals, input.Aval)
		options.OutputShardings = append(options.OutputShardings, input.Placement)
	}

	prim, params := pc.prim, pc.params
	computation := backends.Computation{
		Name: prim.Name,
		Fn: func(shards []*backends.HostData) ([]*backends.HostData, error) {
			outputs, err := prim.Impl(params, shards[:numArgs])
			if err != nil {
				return nil, err
			}
			// Tokens pass through.
			return append(outputs, shards[numArgs:]...), nil
		},
	}
	err = pc.engine.timeCompilation(fmt.Sprintf("primitive %q", prim.Name), func() error {
		var err error
		pe.exec, err = pc.engine.backend.Compile(computation, options)
		return err
	})
	if err != nil {
		return nil, wrapError(InvalidArgument, err, "compiling primitive %q", prim.Name)
	}
	pc.executables[signature] = pe
	return pe, nil
}

// ApplyPrimitive applies the primitive with the given parameters to the arguments. See PrimitiveCallable.Call.
func (e *Engine) ApplyPrimitive(tokens *TokenSet, prim *Primitive, params Params, args ...any) ([]*arrays.Array, error) {
	callable, err := e.primitives.GetOrCompile(prim, params)
	if err != nil {
		return nil, err
	}
	return callable.Call(tokens, args...)
}
