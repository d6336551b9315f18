// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gemmini implements a backend that runs the matrix multiplications of a host graph on
// the Gemmini systolic array.
//
// Float operands are converted to tile-aligned int8 buffers (see package layout) in an arena sized
// ahead of time for the whole batch (see packages planner and arena), multiplied by the accelerator
// primitive (see package accel), and the int32 results are converted back to float.
//
// To register it, import it anonymously:
//
//	import _ "github.com/code0-god/ggml-gemmini/backends/gemmini"
package gemmini

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/code0-god/ggml-gemmini/backends"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/accel"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/planner"
	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// BackendName to be used in GEMMINI_BACKEND to specify this backend.
const BackendName = "gemmini"

// DeviceName reported in the device properties.
const DeviceName = "GEMMINI"

// Registers New() as the default constructor for the "gemmini" backend.
func init() {
	backends.Register(BackendName, New)
}

// Config of the backend.
type Config struct {
	// Parallelism is the number of goroutines used by the software model of the array.
	// 0 computes inline, -1 doesn't limit it.
	Parallelism int

	// Policy for the lifetime of converted buffers within a batch.
	Policy planner.Policy

	// Margin in bytes added to every arena plan.
	Margin int

	// MaxArena, if > 0, is the largest arena a batch may plan. Larger batches are rejected
	// before any allocation.
	MaxArena uint64
}

// DefaultConfig returns the configuration used for an empty configuration string.
func DefaultConfig() Config {
	return Config{
		Parallelism: runtime.NumCPU(),
		Policy:      planner.Sequential,
		Margin:      planner.DefaultMargin,
	}
}

// ParseConfig parses a comma separated list of options "key=value". Valid keys are
// "parallelism", "policy" ("sequential" or "retain"), "margin" and "max_arena" (sizes like "16KiB").
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return cfg, errors.Errorf("invalid configuration option %q for %s backend, expected \"key=value\"", part, BackendName)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "parallelism":
			n, err := strconv.Atoi(value)
			if err != nil || n < -1 {
				return cfg, errors.Errorf("invalid parallelism %q for %s backend: must be an integer >= -1", value, BackendName)
			}
			cfg.Parallelism = n
		case "policy":
			policy, err := planner.ParsePolicy(value)
			if err != nil {
				return cfg, err
			}
			cfg.Policy = policy
		case "margin":
			margin, err := humanize.ParseBytes(value)
			if err != nil {
				return cfg, errors.Wrapf(err, "invalid margin %q for %s backend", value, BackendName)
			}
			cfg.Margin = int(margin)
		case "max_arena":
			maxArena, err := humanize.ParseBytes(value)
			if err != nil {
				return cfg, errors.Wrapf(err, "invalid max_arena %q for %s backend", value, BackendName)
			}
			cfg.MaxArena = maxArena
		default:
			return cfg, errors.Errorf("unknown configuration option %q for %s backend", key, BackendName)
		}
	}
	return cfg, nil
}

// String returns the configuration in the format accepted by ParseConfig.
func (c Config) String() string {
	s := fmt.Sprintf("parallelism=%d,policy=%s,margin=%d", c.Parallelism, c.Policy, c.Margin)
	if c.MaxArena > 0 {
		s += fmt.Sprintf(",max_arena=%d", c.MaxArena)
	}
	return s
}

// Backend implements the backends.Backend interface.
type Backend struct {
	config Config
	accel  accel.Accelerator

	mu          sync.Mutex
	stats       Stats
	isFinalized bool
}

// Compile-time check that gemmini.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new Gemmini Backend from a configuration string, see ParseConfig.
// The accelerator is the software model of the array.
func New(config string) (backends.Backend, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithAccelerator(cfg, accel.NewEmulator(cfg.Parallelism)), nil
}

// NewWithAccelerator creates a Backend that dispatches to the given accelerator.
func NewWithAccelerator(cfg Config, accelerator accel.Accelerator) *Backend {
	return &Backend{config: cfg, accel: accelerator}
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName + ":" + b.config.String() }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Gemmini %dx%d systolic array (%s arena policy)", accel.Dim, accel.Dim, b.config.Policy)
}

// Config returns the configuration of the backend.
func (b *Backend) Config() Config { return b.config }

// DeviceProps implements backends.Backend.
func (b *Backend) DeviceProps() backends.DeviceProps {
	return backends.DeviceProps{
		Name:        DeviceName,
		Description: b.Description(),
		Type:        backends.DeviceTypeAccelerator,
		MemoryFree:  b.config.MaxArena,
		MemoryTotal: b.config.MaxArena,
		Caps: backends.DeviceCaps{
			Async:             false,
			HostBuffer:        false,
			BufferFromHostPtr: true,
			Events:            false,
		},
	}
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// SupportsOp implements backends.Backend.
//
// Views are supported, since they don't move data. MulMat is supported for F32 matrices. Add is
// only supported as the bias of a MulMat, fused into its dispatch.
func (b *Backend) SupportsOp(node *hostgraph.Tensor) bool {
	switch {
	case node.Op.IsView():
		return true
	case node.Op == hostgraph.OpMulMat:
		return checkMulMat(node) == nil
	case node.Op == hostgraph.OpAdd:
		return isBiasAdd(node)
	}
	return false
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isFinalized = true
}

// IsFinalized returns true if the backend has been finalized.
func (b *Backend) IsFinalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isFinalized
}

// Stats accumulated over the batches executed by a Backend.
type Stats struct {
	Batches  int
	MatMuls  int
	FusedAdd int

	// Arenas is the number of arenas allocated, at most one per batch, and ArenasReleased the
	// number released. They only differ while batches are running.
	Arenas, ArenasReleased int

	// PeakArenaBytes is the largest arena allocated, and PeakUsedBytes the largest high-water mark.
	PeakArenaBytes, PeakUsedBytes int

	// LastPlan is the plan of the last batch that dispatched a MulMat.
	LastPlan planner.Plan
}

// Stats returns a copy of the statistics so far.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Backend) recordBatch(bt *batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Batches++
	b.stats.MatMuls += bt.numMatMuls
	b.stats.FusedAdd += len(bt.fusedAdds)
	if bt.arena != nil {
		b.stats.PeakArenaBytes = max(b.stats.PeakArenaBytes, bt.arena.Size())
		b.stats.PeakUsedBytes = max(b.stats.PeakUsedBytes, bt.arena.HighWater())
		b.stats.LastPlan = bt.plan
	}
}

func (b *Backend) recordArenas(acquired, released int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Arenas += acquired
	b.stats.ArenasReleased += released
}
