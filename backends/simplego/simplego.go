// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple and very portable backend that simulates devices in Go
// memory.
//
// A Cluster simulates a multi-process run: it owns the devices of all processes and hands out one
// Backend per process. Each Backend executes its work asynchronously, in order, in its own stream
// goroutine, so per-device execution is totally ordered. Collective operations (cross-host copies,
// resharding executions and consistency checks) rendezvous through the cluster, so processes are
// expected to be driven concurrently, each in its own goroutine, as they would be in a real run.
//
// Computations are executed shard by shard: see backends.Computation.
package simplego

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/internal/workerspool"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/gomlx/placement/pkg/support/sets"
	"github.com/pkg/errors"
)

// BackendName to be used in PLACEMENT_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a single-process Backend from a configuration string with comma-separated
// key=value settings, all optional:
//
//   - devices: number of devices (default 1).
//   - kinds: "|"-separated list of device kinds (default "cpu"); the process gets "devices"
//     devices of each kind.
//   - crosshost: whether the backend natively supports cross-host transfers (default false).
//   - parallelism: maximum number of goroutines used to copy shards (default number of CPUs).
//
// Example: "devices=4,kinds=cpu|gpu". Multi-process runs are created with NewCluster.
func New(config string) (backends.Backend, error) {
	cfg := ClusterConfig{NumProcesses: 1}
	if strings.TrimSpace(config) != "" {
		for _, part := range strings.Split(config, ",") {
			key, value, found := strings.Cut(strings.TrimSpace(part), "=")
			if !found {
				return nil, errors.Errorf("invalid %q backend configuration %q: settings must be key=value", BackendName, part)
			}
			var err error
			switch strings.ToLower(key) {
			case "devices":
				cfg.DevicesPerProcess, err = strconv.Atoi(value)
			case "kinds":
				cfg.DeviceKinds = strings.Split(value, "|")
			case "crosshost":
				cfg.CrossHostTransfers, err = strconv.ParseBool(value)
			case "parallelism":
				cfg.Parallelism, err = strconv.Atoi(value)
			default:
				err = errors.Errorf("unknown setting %q", key)
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "invalid %q backend configuration %q", BackendName, config)
			}
		}
	}
	cluster, err := NewCluster(cfg)
	if err != nil {
		return nil, err
	}
	return cluster.Backend(0), nil
}

// Counters of calls made to a Backend, used to observe what the dispatch engine does.
type Counters struct {
	BatchedTransfers  int64
	TransferRequests  int64
	Reorders          int64
	CrossHostCopies   int64
	Compilations      int64
	Executions        int64
	ConsistencyChecks int64
}

type counters struct {
	batchedTransfers, transferRequests, reorders, crossHostCopies atomic.Int64
	compilations, executions, consistencyChecks                   atomic.Int64
}

// Backend implements backends.Backend for one process of a Cluster.
type Backend struct {
	cluster      *Cluster
	processIndex int
	addressable  []*placement.Device

	stream *stream
	pool   *workerspool.Pool

	// bufferPools is a map to pools of flat slices that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map

	muKeys   sync.Mutex
	sequence map[string]int

	counters  counters
	finalized atomic.Bool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string {
	return fmt.Sprintf("%s(process %d/%d)", BackendName, b.processIndex, b.ProcessCount())
}

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simple Go simulated devices: process %d of %d, %d addressable devices of %d",
		b.processIndex, b.ProcessCount(), len(b.addressable), len(b.cluster.devices))
}

// ProcessIndex implements backends.Backend.
func (b *Backend) ProcessIndex() int { return b.processIndex }

// ProcessCount implements backends.Backend.
func (b *Backend) ProcessCount() int { return b.cluster.config.NumProcesses }

// Devices implements backends.Backend.
func (b *Backend) Devices() []*placement.Device {
	return append([]*placement.Device(nil), b.cluster.devices...)
}

// AddressableDevices implements backends.Backend.
func (b *Backend) AddressableDevices() []*placement.Device {
	return append([]*placement.Device(nil), b.addressable...)
}

// DefaultDevice implements backends.Backend: the first addressable device.
func (b *Backend) DefaultDevice() *placement.Device { return b.addressable[0] }

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	c := Capabilities.Clone()
	c.CrossHostTransfers = b.cluster.config.CrossHostTransfers
	return c
}

// Capabilities of the simplego backend, except CrossHostTransfers that is configured per Cluster.
var Capabilities = backends.Capabilities{
	MemoryKinds: []placement.MemoryKind{
		placement.DeviceMemoryKind, placement.PinnedHostMemoryKind, placement.UnpinnedHostMemoryKind},
	Layouts: true,
	DTypes: map[dtypes.DType]bool{
		dtypes.Bool:     true,
		dtypes.Int8:     true,
		dtypes.Int16:    true,
		dtypes.Int32:    true,
		dtypes.Int64:    true,
		dtypes.Uint8:    true,
		dtypes.Uint16:   true,
		dtypes.Uint32:   true,
		dtypes.Uint64:   true,
		dtypes.Float16:  true,
		dtypes.BFloat16: true,
		dtypes.Float32:  true,
		dtypes.Float64:  true,
	},
}

// Counters returns a snapshot of the number of calls made to the backend.
func (b *Backend) Counters() Counters {
	return Counters{
		BatchedTransfers:  b.counters.batchedTransfers.Load(),
		TransferRequests:  b.counters.transferRequests.Load(),
		Reorders:          b.counters.reorders.Load(),
		CrossHostCopies:   b.counters.crossHostCopies.Load(),
		Compilations:      b.counters.compilations.Load(),
		Executions:        b.counters.executions.Load(),
		ConsistencyChecks: b.counters.consistencyChecks.Load(),
	}
}

// Finalize waits for pending work and stops the backend's stream.
// The backend cannot be used afterward.
func (b *Backend) Finalize() {
	if b.finalized.Swap(true) {
		return
	}
	b.stream.close()
}

// IsFinalized implements backends.Backend.
func (b *Backend) IsFinalized() bool { return b.finalized.Load() }

func (b *Backend) checkOk() error {
	if b.finalized.Load() {
		return errors.Errorf("backend %s has already been finalized", b)
	}
	return nil
}

// device returns the device with the given id, or an error if it doesn't exist.
func (b *Backend) device(id int) (*placement.Device, error) {
	if id < 0 || id >= len(b.cluster.devices) {
		return nil, errors.Errorf("unknown device id %d", id)
	}
	return b.cluster.devices[id], nil
}

// isAddressable returns whether the device is owned by this process.
func (b *Backend) isAddressable(device *placement.Device) bool {
	return device.ProcessIndex == b.processIndex
}

// nextKey returns the rendezvous key for the next collective of the given kind among the
// participants. Processes calling collectives in the same order get the same keys.
func (b *Backend) nextKey(kind string, participants sets.Set[int]) string {
	prefix := fmt.Sprintf("%s/%v", kind, sets.Sorted(participants))
	b.muKeys.Lock()
	defer b.muKeys.Unlock()
	n := b.sequence[prefix]
	b.sequence[prefix] = n + 1
	return fmt.Sprintf("%s/%d", prefix, n)
}
