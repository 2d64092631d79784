// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a runtime needs to implement to hold array shards on
// devices, move them around and execute compiled computations over them.
//
// It is what the dispatch engine consumes: process environment (process index and count,
// devices), capabilities, buffer management, the batched transfer primitive, shard reordering,
// cross-host copies, compilation of computations and the cross-process consistency check.
//
// Backends register themselves with Register, and are created with New or NewWithConfig.
// The reference pure-Go implementation is in package github.com/gomlx/placement/backends/simplego.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by a runtime for one process of a
// (possibly multi-process) run.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the reference backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// ProcessIndex of the current process, in [0, ProcessCount).
	ProcessIndex() int

	// ProcessCount is the number of processes in the run.
	ProcessCount() int

	// Devices returns all devices of the run, including the ones owned by other processes.
	Devices() []*placement.Device

	// AddressableDevices returns the devices owned by the current process.
	AddressableDevices() []*placement.Device

	// DefaultDevice is where uncommitted values are placed.
	DefaultDevice() *placement.Device

	// Capabilities of the backend.
	Capabilities() Capabilities

	DataInterface
	TransferInterface
	Compiler
	Coordinator

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()

	// IsFinalized returns whether Finalize has been called.
	IsFinalized() bool
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a
// configuration string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the backend configuration to use if PLACEMENT_BACKEND is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// EnvBackend is the environment variable with the default backend configuration to use.
const EnvBackend = "PLACEMENT_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment PLACEMENT_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	if config, found := os.LookupEnv(EnvBackend); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// MustNew is like New, but panics on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		exceptions.Panicf("failed to create backend: %+v", err)
	}
	return backend
}

// NewWithConfig creates a backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>", where "<backend_name>" is the name of a registered
// backend (e.g. "go") and "<backend_configuration>" is backend specific.
// If the name is omitted, the first registered backend is used.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import the reference one with import _ "github.com/gomlx/placement/backends/simplego"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName, backendConfig = config, ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
