// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hostgraph models the host runtime's computation graph as consumed by a backend:
// typed multi-dimensional array descriptors with extents, byte strides and raw storage,
// plus the operation that produces each of them.
//
// Conventions:
//
//   - Ne[0] is the number of columns (fastest moving axis), Ne[1] the number of rows.
//   - Nb[d] is the byte stride of axis d, so the element (row, col) lives at
//     Offset + row*Nb[1] + col*Nb[0] within Data.
//   - Views (Transpose, Reshape, ...) share Data with their source and only change Ne/Nb.
package hostgraph

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
)

// MaxDims is the number of axes tracked by a Tensor. Axes beyond the ones used have extent 1.
const MaxDims = 4

// Tensor describes a host tensor and the operation that produced it.
type Tensor struct {
	Name string
	Type TensorType
	Op   OpType

	// Ne are the extents per axis, Nb the byte strides per axis.
	Ne [MaxDims]int
	Nb [MaxDims]int

	// Src are the operands of Op, nil for leaves.
	Src [2]*Tensor

	// Data is the externally owned storage, and Offset the position of element (0, 0) in it.
	Data   []byte
	Offset int
}

// NewTensor2D allocates a packed row-major tensor with the given number of rows and columns.
func NewTensor2D(name string, dtype TensorType, rows, cols int) *Tensor {
	if rows <= 0 || cols <= 0 {
		exceptions.Panicf("NewTensor2D(%q): invalid dimensions rows=%d, cols=%d", name, rows, cols)
	}
	t := &Tensor{
		Name: name,
		Type: dtype,
		Ne:   [MaxDims]int{cols, rows, 1, 1},
	}
	t.Nb[0] = dtype.ElementBytes()
	t.Nb[1] = dtype.RowBytes(cols)
	for d := 2; d < MaxDims; d++ {
		t.Nb[d] = t.Nb[d-1] * t.Ne[d-1]
	}
	t.Data = make([]byte, t.Nb[MaxDims-1]*t.Ne[MaxDims-1])
	return t
}

// FromFloat32 creates a packed F32 tensor with rows x cols values given in row-major order.
func FromFloat32(name string, rows, cols int, values []float32) *Tensor {
	if len(values) != rows*cols {
		exceptions.Panicf("FromFloat32(%q): got %d values for a %dx%d matrix", name, len(values), rows, cols)
	}
	t := NewTensor2D(name, F32, rows, cols)
	for r := range rows {
		for c := range cols {
			t.SetFloat32At(r, c, values[r*cols+c])
		}
	}
	return t
}

// Rows returns Ne[1].
func (t *Tensor) Rows() int { return t.Ne[1] }

// Cols returns Ne[0].
func (t *Tensor) Cols() int { return t.Ne[0] }

// IsMatrix returns whether all axes beyond the second have extent 1.
func (t *Tensor) IsMatrix() bool {
	for d := 2; d < MaxDims; d++ {
		if t.Ne[d] != 1 {
			return false
		}
	}
	return true
}

// IsContiguous returns whether the tensor is laid out packed in row-major order.
func (t *Tensor) IsContiguous() bool {
	if t.Nb[0] != t.Type.ElementBytes() || t.Nb[1] != t.Type.RowBytes(t.Ne[0]) {
		return false
	}
	for d := 2; d < MaxDims; d++ {
		if t.Nb[d] != t.Nb[d-1]*t.Ne[d-1] {
			return false
		}
	}
	return true
}

// ByteOffset of element (row, col) within Data.
func (t *Tensor) ByteOffset(row, col int) int {
	return t.Offset + row*t.Nb[1] + col*t.Nb[0]
}

// Float32At reads element (row, col) of an F32 tensor.
func (t *Tensor) Float32At(row, col int) float32 {
	if t.Type != F32 {
		exceptions.Panicf("Float32At(%q): tensor type is %s, not f32", t.Name, t.Type)
	}
	pos := t.ByteOffset(row, col)
	return math.Float32frombits(binary.LittleEndian.Uint32(t.Data[pos : pos+4]))
}

// SetFloat32At writes element (row, col) of an F32 tensor.
func (t *Tensor) SetFloat32At(row, col int, value float32) {
	if t.Type != F32 {
		exceptions.Panicf("SetFloat32At(%q): tensor type is %s, not f32", t.Name, t.Type)
	}
	pos := t.ByteOffset(row, col)
	binary.LittleEndian.PutUint32(t.Data[pos:pos+4], math.Float32bits(value))
}

// Float32s returns a copy of the values of a 2D F32 tensor in logical row-major order.
func (t *Tensor) Float32s() []float32 {
	rows, cols := t.Rows(), t.Cols()
	values := make([]float32, 0, rows*cols)
	for r := range rows {
		for c := range cols {
			values = append(values, t.Float32At(r, c))
		}
	}
	return values
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("%s(%s %s ne=%v nb=%v)", t.Name, t.Op, t.Type, t.Ne, t.Nb)
}
