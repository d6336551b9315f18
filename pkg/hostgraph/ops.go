// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostgraph

import (
	"github.com/gomlx/exceptions"
)

// MulMat returns the node for a x b^T, where a is I rows by K columns and b is J rows by K columns.
// The result is a packed F32 tensor of I rows by J columns.
func MulMat(a, b *Tensor) *Tensor {
	if a.Cols() != b.Cols() {
		exceptions.Panicf("MulMat(%q, %q): inner dimensions don't match: %d != %d", a.Name, b.Name, a.Cols(), b.Cols())
	}
	out := NewTensor2D(a.Name+"*"+b.Name, F32, a.Rows(), b.Rows())
	out.Op = OpMulMat
	out.Src = [2]*Tensor{a, b}
	return out
}

// Add returns the node for the element-wise a + b, where b is either shaped like a or a single row
// broadcast over the rows of a.
func Add(a, b *Tensor) *Tensor {
	if a.Cols() != b.Cols() || (b.Rows() != 1 && b.Rows() != a.Rows()) {
		exceptions.Panicf("Add(%q, %q): incompatible shapes %v and %v", a.Name, b.Name, a.Ne, b.Ne)
	}
	out := NewTensor2D(a.Name+"+"+b.Name, F32, a.Rows(), a.Cols())
	out.Op = OpAdd
	out.Src = [2]*Tensor{a, b}
	return out
}

// Scale returns the node for x * factor. The factor is kept only as a name suffix: the host
// runtime computes it, backends merely need to recognize the op.
func Scale(x *Tensor, name string) *Tensor {
	out := NewTensor2D(x.Name+"*"+name, x.Type, x.Rows(), x.Cols())
	out.Op = OpScale
	out.Src[0] = x
	return out
}

// Transpose returns a view of x with rows and columns swapped. No data is moved.
func Transpose(x *Tensor) *Tensor {
	out := *x
	out.Name = x.Name + ".T"
	out.Op = OpTranspose
	out.Src = [2]*Tensor{x, nil}
	out.Ne[0], out.Ne[1] = x.Ne[1], x.Ne[0]
	out.Nb[0], out.Nb[1] = x.Nb[1], x.Nb[0]
	return &out
}

// Reshape returns a view of the contiguous tensor x with the new number of rows and columns.
func Reshape(x *Tensor, rows, cols int) *Tensor {
	if !x.IsContiguous() {
		exceptions.Panicf("Reshape(%q): only contiguous tensors can be reshaped", x.Name)
	}
	if rows*cols != x.Rows()*x.Cols() {
		exceptions.Panicf("Reshape(%q): cannot reshape %dx%d to %dx%d", x.Name, x.Rows(), x.Cols(), rows, cols)
	}
	out := *x
	out.Name = x.Name + ".reshaped"
	out.Op = OpReshape
	out.Src = [2]*Tensor{x, nil}
	out.Ne = [MaxDims]int{cols, rows, 1, 1}
	out.Nb[1] = x.Type.RowBytes(cols)
	for d := 2; d < MaxDims; d++ {
		out.Nb[d] = out.Nb[d-1] * out.Ne[d-1]
	}
	return &out
}
