// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"time"

	"github.com/gomlx/placement/internal/workerspool"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ClusterConfig configures a simulated run.
type ClusterConfig struct {
	// NumProcesses in the run, default 1.
	NumProcesses int

	// DevicesPerProcess is the number of devices of each kind owned by each process, default 1.
	DevicesPerProcess int

	// DeviceKinds of the devices, default []string{"cpu"}.
	DeviceKinds []string

	// CrossHostTransfers sets whether the backend reports native cross-host transfer support.
	CrossHostTransfers bool

	// Parallelism is the maximum number of goroutines used per process to copy shards. Default
	// is the number of CPUs, 0 runs copies inline and -1 is unlimited.
	Parallelism int

	// RendezvousTimeout is how long a process waits for the others in a collective
	// operation before failing. Default 30 seconds.
	RendezvousTimeout time.Duration
}

// Cluster of simulated processes sharing the same devices.
type Cluster struct {
	config   ClusterConfig
	devices  []*placement.Device
	backends []*Backend
	exchange *exchange
}

// NewCluster creates the processes and devices of a simulated run.
//
// Device ids are assigned sequentially, process by process and, within a process, kind by kind.
func NewCluster(config ClusterConfig) (*Cluster, error) {
	if config.NumProcesses == 0 {
		config.NumProcesses = 1
	}
	if config.DevicesPerProcess == 0 {
		config.DevicesPerProcess = 1
	}
	if len(config.DeviceKinds) == 0 {
		config.DeviceKinds = []string{"cpu"}
	}
	if config.RendezvousTimeout == 0 {
		config.RendezvousTimeout = 30 * time.Second
	}
	if config.NumProcesses < 0 || config.DevicesPerProcess < 0 {
		return nil, errors.Errorf("invalid cluster configuration %+v", config)
	}
	c := &Cluster{
		config:   config,
		exchange: newExchange(config.RendezvousTimeout),
	}
	for process := range config.NumProcesses {
		b := &Backend{
			cluster:      c,
			processIndex: process,
			pool:         workerspool.New(),
			sequence:     make(map[string]int),
		}
		if config.Parallelism != 0 {
			b.pool.SetMaxParallelism(config.Parallelism)
		}
		for _, kind := range config.DeviceKinds {
			for range config.DevicesPerProcess {
				d := &placement.Device{
					ID:           len(c.devices),
					ProcessIndex: process,
					Kind:         kind,
					LocalIndex:   len(b.addressable),
				}
				c.devices = append(c.devices, d)
				b.addressable = append(b.addressable, d)
			}
		}
		b.stream = newStream(b.String())
		c.backends = append(c.backends, b)
	}
	klog.V(1).Infof("simplego: created cluster with %d processes and %d devices", config.NumProcesses, len(c.devices))
	return c, nil
}

// Backend returns the backend of the given process.
func (c *Cluster) Backend(processIndex int) *Backend {
	return c.backends[processIndex]
}

// Backends returns the backends of all processes, in process order.
func (c *Cluster) Backends() []*Backend {
	return append([]*Backend(nil), c.backends...)
}

// Devices returns all devices of the cluster.
func (c *Cluster) Devices() []*placement.Device {
	return append([]*placement.Device(nil), c.devices...)
}

// Finalize all backends of the cluster.
func (c *Cluster) Finalize() {
	for _, b := range c.backends {
		b.Finalize()
	}
}
