// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"fmt"

	"github.com/code0-god/ggml-gemmini/backends/gemmini/layout"
	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/code0-god/ggml-gemmini/pkg/support/align"
	"github.com/gomlx/exceptions"
)

// Role of a converted buffer in a matrix multiplication.
type Role int

const (
	RoleA Role = iota
	RoleB
	RoleBias
	RoleAccumulator
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleA:
		return "A"
	case RoleB:
		return "B"
	case RoleBias:
		return "bias"
	case RoleAccumulator:
		return "acc"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// CastKey identifies a conversion: two requests with the same key produce identical buffers.
type CastKey struct {
	Source  *hostgraph.Tensor
	Kind    layout.Kind
	Options layout.Options
}

// CastRequest is one conversion needed to dispatch a matrix multiplication.
type CastRequest struct {
	Role Role
	CastKey
}

// Geometry of the converted buffer.
func (r CastRequest) Geometry() layout.Geometry {
	return layout.SourceGeometry(r.Source, r.Kind, r.Options)
}

// Bytes of arena data the converted buffer takes.
func (r CastRequest) Bytes() int {
	return r.Geometry().Bytes()
}

// Dispatch is one accelerator call: the product of the operands of the MulMat Node, plus the
// optional Bias, written into Dst.
//
// Dst is Node itself, or the Add node a bias is fused into. A nil Dst means Node.
type Dispatch struct {
	Node, Bias, Dst *hostgraph.Tensor
}

// Output returns the tensor the dispatch writes.
func (d Dispatch) Output() *hostgraph.Tensor {
	if d.Dst == nil {
		return d.Node
	}
	return d.Dst
}

// Dispatches returns one unbiased Dispatch per MulMat node of g, in order.
func Dispatches(g *hostgraph.Graph) []Dispatch {
	var dispatches []Dispatch
	for _, node := range g.Nodes {
		if node.Op == hostgraph.OpMulMat {
			dispatches = append(dispatches, Dispatch{Node: node})
		}
	}
	return dispatches
}

// MatMulCasts returns the conversions needed by the dispatch, in dispatch order:
// A as int8, B as int8 transposed to K x J (rows padded to the tile width), the optional bias
// as int32, and the zeroed int32 accumulator.
//
// The bias rows are padded to at least J rounded up to the tile width. The accumulator is keyed
// by the output, so two dispatches of the same MulMat never share one.
func MatMulCasts(d Dispatch) []CastRequest {
	node := d.Node
	if node.Op != hostgraph.OpMulMat {
		exceptions.Panicf("planner.MatMulCasts(%s): not a %s node", node, hostgraph.OpMulMat)
	}
	a, b := node.Src[0], node.Src[1]
	k := a.Cols()
	jPad := align.RoundUp(b.Rows(), layout.TileWidth)
	requests := make([]CastRequest, 0, 4)
	requests = append(requests,
		CastRequest{Role: RoleA, CastKey: CastKey{Source: a, Kind: layout.Int8}},
		CastRequest{Role: RoleB, CastKey: CastKey{Source: b, Kind: layout.Int8, Options: layout.Options{
			Transpose: true,
			PadRows:   align.RoundUp(k, layout.TileWidth),
			Suffix:    ".i8T",
		}}})
	if d.Bias != nil {
		requests = append(requests, CastRequest{Role: RoleBias, CastKey: CastKey{Source: d.Bias, Kind: layout.Int32,
			Options: layout.Options{PadRows: max(jPad, d.Bias.Rows())}}})
	}
	requests = append(requests, CastRequest{Role: RoleAccumulator, CastKey: CastKey{Source: d.Output(), Kind: layout.Int32,
		Options: layout.Options{Accumulator: true, Suffix: ".acc"}}})
	return requests
}
