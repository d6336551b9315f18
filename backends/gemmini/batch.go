// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemmini

import (
	"github.com/code0-god/ggml-gemmini/backends"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/arena"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/layout"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/planner"
	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/code0-god/ggml-gemmini/pkg/support/sets"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// batch holds the state of one GraphCompute call. Nothing in it outlives the call.
type batch struct {
	backend *Backend
	graph   *hostgraph.Graph

	// dispatches are the accelerator calls of the batch, in execution order, and fusedAdds the
	// Add nodes written by one of them.
	dispatches []planner.Dispatch
	fusedAdds  sets.Set[*hostgraph.Tensor]

	manager  arena.Manager
	arena    *arena.Arena
	plan     planner.Plan
	released bool

	// cache of converted buffers: per operation with the Sequential policy, per batch with Retain.
	cache map[planner.CastKey]*layout.PaddedBuffer

	numMatMuls int
}

func newBatch(b *Backend, g *hostgraph.Graph) *batch {
	return &batch{
		backend:   b,
		graph:     g,
		fusedAdds: sets.Make[*hostgraph.Tensor](),
		cache:     make(map[planner.CastKey]*layout.PaddedBuffer),
	}
}

// planDispatches lists the accelerator calls of the batch.
//
// Every Add(MulMat, bias) is fused: it is dispatched at the position of the Add, once its bias
// has been computed. The MulMat itself is only dispatched if something other than fused Adds
// reads it, or if it is an output of the graph.
func (bt *batch) planDispatches() {
	for _, node := range bt.graph.Nodes {
		if isBiasAdd(node) {
			bt.fusedAdds.Insert(node)
		}
	}
	for _, node := range bt.graph.Nodes {
		switch {
		case node.Op == hostgraph.OpMulMat:
			if bt.onlyFused(node) {
				continue
			}
			bt.dispatches = append(bt.dispatches, planner.Dispatch{Node: node})
		case bt.fusedAdds.Has(node):
			mm, bias := node.Src[0], node.Src[1]
			bt.dispatches = append(bt.dispatches, planner.Dispatch{Node: mm, Bias: bias, Dst: node})
			klog.V(2).Infof("gemmini: bias %q fused into %q", bias.Name, mm.Name)
		}
	}
}

// onlyFused returns whether every reader of the MulMat node is a fused Add, so its own result is
// never needed.
func (bt *batch) onlyFused(mm *hostgraph.Tensor) bool {
	if bt.graph.IsOutput(mm) {
		return false
	}
	consumers := bt.graph.Consumers(mm)
	if len(consumers) == 0 {
		return false
	}
	for _, consumer := range consumers {
		if !bt.fusedAdds.Has(consumer) || consumer.Src[0] != mm {
			return false
		}
	}
	return true
}

// isBiasAdd returns whether node is an Add of a supported MulMat and an F32 bias with one row,
// or one row per row of the product.
func isBiasAdd(node *hostgraph.Tensor) bool {
	if node.Op != hostgraph.OpAdd {
		return false
	}
	mm, bias := node.Src[0], node.Src[1]
	if mm == nil || bias == nil || bias == mm || mm.Op != hostgraph.OpMulMat || checkMulMat(mm) != nil {
		return false
	}
	if bias.Type != hostgraph.F32 || !bias.IsMatrix() || bias.Cols() != mm.Cols() {
		return false
	}
	return bias.Rows() == 1 || bias.Rows() == mm.Rows()
}

// checkMulMat returns an error if the MulMat node can't be dispatched.
func checkMulMat(node *hostgraph.Tensor) error {
	for _, src := range node.Src {
		if src == nil {
			return errors.Errorf("%s %q is missing an operand", node.Op, node.Name)
		}
		switch {
		case src.Type == hostgraph.F32:
		case src.Type.IsQuantized():
			return errors.Wrapf(backends.ErrNotImplemented, "%s %q: block quantized %s operand %q",
				node.Op, node.Name, src.Type, src.Name)
		default:
			return errors.Errorf("%s %q: unsupported operand type %s for %q", node.Op, node.Name, src.Type, src.Name)
		}
		if !src.IsMatrix() {
			return errors.Errorf("%s %q: operand %q is not a 2D matrix (extents %v)", node.Op, node.Name, src.Name, src.Ne)
		}
	}
	if node.Type != hostgraph.F32 || !node.IsMatrix() {
		return errors.Errorf("%s %q: output must be a 2D f32 matrix, got %s", node.Op, node.Name, node)
	}
	return nil
}

// validate checks that every node of the batch can be executed, before any device work.
func (bt *batch) validate() error {
	for _, node := range bt.graph.Nodes {
		switch {
		case node.Op.IsView():
		case node.Op == hostgraph.OpMulMat:
			if err := checkMulMat(node); err != nil {
				return err
			}
		case bt.fusedAdds.Has(node):
		default:
			return errors.Errorf("%s backend: operation %s (%q) is not supported", BackendName, node.Op, node.Name)
		}
	}
	return nil
}

// acquireArena returns the arena of the batch, planning and allocating it on the first call.
func (bt *batch) acquireArena() (*arena.Arena, error) {
	a, err := bt.manager.Acquire(func() (int, error) {
		cfg := bt.backend.config
		bt.plan = planner.Compute(bt.dispatches, cfg.Policy, cfg.Margin)
		size := bt.plan.ArenaSize()
		if cfg.MaxArena > 0 && uint64(size) > cfg.MaxArena {
			return 0, errors.Errorf("%s needs %s, more than the maximum of %s",
				bt.plan, humanize.IBytes(uint64(size)), humanize.IBytes(cfg.MaxArena))
		}
		return size, nil
	})
	if err != nil {
		return nil, err
	}
	if bt.arena != a {
		bt.arena = a
		klog.V(1).Infof("gemmini: batch arena %s for %s", a.ID(), bt.plan)
	}
	return a, nil
}

// cast returns the converted buffer for the request, from the cache if possible.
func (bt *batch) cast(req planner.CastRequest) *layout.PaddedBuffer {
	if buf, found := bt.cache[req.CastKey]; found {
		klog.V(2).Infof("gemmini: reusing %s for %s", buf.Name(), req.Role)
		return buf
	}
	buf := layout.Cast(req.Source, req.Kind, bt.arena, req.Options)
	bt.cache[req.CastKey] = buf
	return buf
}

// releaseBuffers invalidates every cached buffer.
func (bt *batch) releaseBuffers() {
	for _, buf := range bt.cache {
		buf.Release()
	}
	clear(bt.cache)
}

// release frees everything the batch holds. It is idempotent, and called even if the batch panics.
func (bt *batch) release() {
	if bt.released {
		return
	}
	bt.released = true
	bt.releaseBuffers()
	bt.manager.Release()
	acquired, released := bt.manager.Counts()
	bt.backend.recordArenas(acquired, released)
	bt.manager.Reset()
	bt.dispatches = nil
	bt.fusedAdds.Clear()
}
