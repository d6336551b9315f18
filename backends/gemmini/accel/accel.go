// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package accel defines the call boundary of the Gemmini systolic array, the blocking
// tiled_matmul_auto primitive, and a software model of it.
package accel

import "fmt"

// Dim is the side of the systolic array.
const Dim = 16

// Activation applied to the results.
type Activation int

const (
	NoActivation Activation = iota
	ReLU
	LayerNorm
	Softmax
)

// String implements fmt.Stringer.
func (a Activation) String() string {
	switch a {
	case NoActivation:
		return "NoActivation"
	case ReLU:
		return "ReLU"
	case LayerNorm:
		return "LayerNorm"
	case Softmax:
		return "Softmax"
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// Dataflow selects how the matrix multiplication is mapped to the array.
type Dataflow int

const (
	// OutputStationary keeps the partial sums in the array.
	OutputStationary Dataflow = iota

	// WeightStationary keeps B in the array.
	WeightStationary

	// CPU runs the multiplication on the host core.
	CPU
)

// String implements fmt.Stringer.
func (d Dataflow) String() string {
	switch d {
	case OutputStationary:
		return "OS"
	case WeightStationary:
		return "WS"
	case CPU:
		return "CPU"
	}
	return fmt.Sprintf("Dataflow(%d)", int(d))
}

// Params of one tiled_matmul_auto call: C = act(Scale * (AScale*A x BScale*B + DScale*D)).
//
// A is I x K, B is K x J, D (the bias) is I x J or, with RepeatingBias, a single row of J.
// Strides are measured in elements.
type Params struct {
	I, J, K int

	A []int8
	B []int8
	// D is the bias. It may be nil, in which case no bias is added.
	D []int32
	C []int32

	StrideA, StrideB, StrideD, StrideC int

	AScale, BScale, DScale float32

	// Scale is applied to the accumulated results before the activation.
	Scale float32

	// BertScale is only used by the LayerNorm and Softmax activations.
	BertScale float32

	Activation Activation

	// RepeatingBias broadcasts the first row of D over all rows of C.
	RepeatingBias bool

	// TransposeA and TransposeB read A as K x I and B as J x K.
	TransposeA, TransposeB bool

	// FullC stores the full 32 bits results. Otherwise results saturate to the int8 range.
	FullC bool

	// LowD indicates D holds 8 bits values.
	LowD bool

	// WeightA selects A as the stationary operand in the WS dataflow.
	WeightA int

	Dataflow Dataflow
}

// DefaultParams returns the parameters for C = A x B + D with unit scales and no activation.
func DefaultParams() Params {
	return Params{
		AScale:    1,
		BScale:    1,
		DScale:    1,
		Scale:     1,
		BertScale: 1,
		FullC:     true,
		Dataflow:  CPU,
	}
}

// String implements fmt.Stringer.
func (p *Params) String() string {
	return fmt.Sprintf("tiled_matmul_auto(I=%d, J=%d, K=%d, sA=%d, sB=%d, sD=%d, sC=%d, bias=%v, repeating=%v, act=%s, %s)",
		p.I, p.J, p.K, p.StrideA, p.StrideB, p.StrideD, p.StrideC, p.D != nil, p.RepeatingBias, p.Activation, p.Dataflow)
}

// Accelerator is the tiled matrix multiplication primitive.
//
// TiledMatMulAuto blocks until C is written. It reports no status: parameters are expected to
// be valid, and implementations panic if they are not.
type Accelerator interface {
	TiledMatMulAuto(p *Params)
}
