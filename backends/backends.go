// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device backend implements to execute batches of
// host graph operations, and a registry to select one by name and configuration.
//
// Precondition violations inside a backend are fatal: they are thrown (panic) with a stack trace.
// See package github.com/gomlx/exceptions. Problems detected before any device work starts are
// returned as errors instead.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrNotImplemented indicates a feature path that is declared but deliberately not implemented.
// Backends wrap it so callers can tell "not supported yet" apart from genuine bugs.
var ErrNotImplemented = errors.New("not implemented")

// DeviceType classifies a device.
type DeviceType int

const (
	DeviceTypeCPU DeviceType = iota
	DeviceTypeGPU
	DeviceTypeAccelerator
)

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	switch t {
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeGPU:
		return "GPU"
	case DeviceTypeAccelerator:
		return "ACCEL"
	}
	return "UNKNOWN"
}

// DeviceCaps lists optional features of a device.
type DeviceCaps struct {
	Async             bool
	HostBuffer        bool
	BufferFromHostPtr bool
	Events            bool
}

// DeviceProps describes the device a backend runs on.
type DeviceProps struct {
	Name        string
	Description string
	Type        DeviceType

	// MemoryFree and MemoryTotal are in bytes. 0 means unknown.
	MemoryFree, MemoryTotal uint64

	Caps DeviceCaps
}

// Backend is the API that needs to be implemented by a device backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "gemmini".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// DeviceProps describes the (single) device of the backend.
	DeviceProps() DeviceProps

	// Capabilities returns information about what is supported by this backend.
	Capabilities() Capabilities

	// SupportsOp returns whether the backend can execute the given node.
	SupportsOp(node *hostgraph.Tensor) bool

	// GraphCompute executes all the nodes of the graph, in order, writing the results
	// into the nodes' output storage.
	GraphCompute(g *hostgraph.Graph) error

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "gemmini") and
// "<backend_configuration>" is backend specific.
const ConfigEnvVar = "GEMMINI_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment ConfigEnvVar is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but it panics on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig takes a configurations string formated as
// "<backend_name>:<backend_configuration>". The "<backend_name>" is the name of a registered backend
// (e.g.: "gemmini") and "<backend_configuration>" is backend specific.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the gemmini one with import _ "github.com/code0-god/ggml-gemmini/backends/gemmini"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %q",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating backend %q", backendName)
	}
	return backend, nil
}
