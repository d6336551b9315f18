// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemmini

import (
	"github.com/code0-god/ggml-gemmini/backends/gemmini/accel"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/layout"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/planner"
	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/code0-god/ggml-gemmini/pkg/support/align"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GraphCompute implements backends.Backend.
//
// The whole graph is validated first: unsupported nodes are reported as an error before the
// accelerator is called. Dispatches are then executed in graph order, each blocking on the
// accelerator before the next one starts. An Add of a MulMat and a bias is fused into a single
// dispatch, at the position of the Add.
//
// Precondition violations panic, and the batch arena is released while the panic unwinds.
func (b *Backend) GraphCompute(g *hostgraph.Graph) error {
	if b.IsFinalized() {
		return errors.Errorf("%s backend: GraphCompute called after Finalize", BackendName)
	}
	bt := newBatch(b, g)
	defer bt.release()
	bt.planDispatches()
	if err := bt.validate(); err != nil {
		return err
	}
	// Views share their source storage and need no dispatch.
	for _, d := range bt.dispatches {
		if err := bt.mulMat(d); err != nil {
			return err
		}
	}
	b.recordBatch(bt)
	if bt.arena != nil {
		klog.V(1).Infof("gemmini: batch arena %s done: %d matmuls, high-water %d of %d bytes",
			bt.arena.ID(), bt.numMatMuls, bt.arena.HighWater(), bt.arena.Size())
	}
	return nil
}

// mulMat executes one dispatch: converts its operands, calls the accelerator and copies the
// result back into the MulMat node, or into the Add its bias is fused into.
func (bt *batch) mulMat(d planner.Dispatch) error {
	a, err := bt.acquireArena()
	if err != nil {
		return err
	}
	if bt.backend.config.Policy == planner.Sequential {
		mark := a.Mark()
		defer func() {
			bt.releaseBuffers()
			a.Rewind(mark)
		}()
	}

	node := d.Node
	var bufA, bufB, bufBias, acc *layout.PaddedBuffer
	for _, req := range planner.MatMulCasts(d) {
		buf := bt.cast(req)
		switch req.Role {
		case planner.RoleA:
			bufA = buf
		case planner.RoleB:
			bufB = buf
		case planner.RoleBias:
			bufBias = buf
		case planner.RoleAccumulator:
			acc = buf
		}
	}

	i, j, k := node.Rows(), node.Cols(), node.Src[0].Cols()
	jPad := align.RoundUp(j, layout.TileWidth)
	for _, buf := range []*layout.PaddedBuffer{bufA, bufB, acc} {
		if stride := buf.StrideElems(); !align.IsAligned(stride, layout.TileWidth) {
			exceptions.Panicf("gemmini: %q has a row stride of %d elements, not a multiple of %d",
				buf.Name(), stride, layout.TileWidth)
		}
	}

	p := accel.DefaultParams()
	p.I, p.J, p.K = i, jPad, k
	p.A, p.StrideA = bufA.Int8s(), bufA.StrideElems()
	p.B, p.StrideB = bufB.Int8s(), bufB.StrideElems()
	p.C, p.StrideC = acc.Int32s(), acc.StrideElems()
	if bufBias != nil {
		p.D, p.StrideD = bufBias.Int32s(), bufBias.StrideElems()
		p.RepeatingBias = d.Bias.Rows() == 1
	} else {
		p.D, p.StrideD = make([]int32, jPad), jPad
		p.RepeatingBias = true
	}
	if klog.V(2).Enabled() {
		klog.Infof("gemmini: %q %s", d.Output().Name, &p)
	}
	bt.backend.accel.TiledMatMulAuto(&p)

	layout.CopyToFloat32(acc, d.Output())
	bt.numMatMuls++
	return nil
}
