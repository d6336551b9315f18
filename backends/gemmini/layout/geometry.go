// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layout converts host float matrices to the tile-aligned, zero-padded integer buffers
// consumed by the Gemmini systolic array, and back.
//
// A converted buffer has its columns padded to a multiple of TileWidth and its rows laid out
// with a byte stride that is a multiple of Align. Everything outside the logical region is zero.
package layout

import (
	"fmt"

	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/code0-god/ggml-gemmini/pkg/support/align"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// TileWidth is the dimension of the systolic array: row widths are padded to a multiple of it.
	TileWidth = 16

	// Align is the byte alignment of buffers and of row strides.
	Align = 16
)

// Kind is the integer element type of a converted buffer: the set is closed, operands are
// Int8 and accumulators (or biases) are Int32.
type Kind int

const (
	KindInvalid Kind = iota
	Int8
	Int32
)

// DType returns the corresponding dtypes.DType.
func (k Kind) DType() dtypes.DType {
	switch k {
	case Int8:
		return dtypes.Int8
	case Int32:
		return dtypes.Int32
	}
	return dtypes.InvalidDType
}

// Size in bytes of one element.
func (k Kind) Size() int {
	if k != Int8 && k != Int32 {
		exceptions.Panicf("layout.Kind(%d) has no element size", int(k))
	}
	return int(k.DType().Memory())
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Int8:
		return "i8"
	case Int32:
		return "i32"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Options configure a conversion.
type Options struct {
	// Transpose reads the source as a transposed view: element (r, c) of the result is
	// element (c, r) of the source. Data is only moved by the conversion itself.
	Transpose bool

	// PadRows, if > 0, is the physical number of rows of the result. It must be at least the
	// number of logical rows, and the extra rows are zero.
	PadRows int

	// Accumulator skips reading the source: the whole buffer is zeroed.
	Accumulator bool

	// Suffix appended to the source name to name the result. Defaults to ".i8" or ".i32".
	Suffix string
}

// Geometry of a converted buffer.
type Geometry struct {
	Kind Kind

	// LogicalRows and LogicalCols delimit the region holding source values.
	LogicalRows, LogicalCols int

	// PaddedCols is LogicalCols rounded up to TileWidth.
	PaddedCols int

	// Rows is the physical number of rows, >= LogicalRows.
	Rows int

	// RowStride is the distance in bytes between rows, a multiple of Align.
	RowStride int

	// Ne and Nb are the extents and byte strides of the buffer as a host tensor. Axes beyond
	// the second are degenerate (extent 1) with row-major stride propagation.
	Ne, Nb [hostgraph.MaxDims]int
}

// ComputeGeometry returns the geometry of a buffer of the given kind holding rows x cols logical values,
// optionally with its physical row count forced to padRows (if > 0).
//
// It panics if the shape cannot be laid out.
func ComputeGeometry(kind Kind, rows, cols, padRows int) Geometry {
	if rows <= 0 || cols <= 0 {
		exceptions.Panicf("layout: cannot lay out a %dx%d matrix", rows, cols)
	}
	if padRows > 0 && padRows < rows {
		exceptions.Panicf("layout: cannot pad %d rows down to %d", rows, padRows)
	}
	elemSize := kind.Size()
	g := Geometry{
		Kind:        kind,
		LogicalRows: rows,
		LogicalCols: cols,
		PaddedCols:  align.RoundUp(cols, TileWidth),
		Rows:        rows,
	}
	if padRows > 0 {
		g.Rows = padRows
	}
	g.RowStride = align.RoundUp(g.PaddedCols*elemSize, Align)
	g.Ne = [hostgraph.MaxDims]int{g.PaddedCols, g.Rows, 1, 1}
	g.Nb[0] = elemSize
	g.Nb[1] = g.RowStride
	for d := 2; d < hostgraph.MaxDims; d++ {
		g.Nb[d] = g.Nb[d-1] * g.Ne[d-1]
	}
	return g
}

// SourceGeometry returns the geometry of the conversion of src with the given options.
func SourceGeometry(src *hostgraph.Tensor, kind Kind, opts Options) Geometry {
	if !src.IsMatrix() {
		exceptions.Panicf("layout: %s is not a 2D matrix", src)
	}
	rows, cols := src.Rows(), src.Cols()
	if opts.Transpose {
		rows, cols = cols, rows
	}
	return ComputeGeometry(kind, rows, cols, opts.PadRows)
}

// Bytes is the total size of the buffer.
func (g Geometry) Bytes() int { return g.RowStride * g.Rows }

// StrideElems is the row stride measured in elements.
func (g Geometry) StrideElems() int { return g.RowStride / g.Kind.Size() }

// String implements fmt.Stringer.
func (g Geometry) String() string {
	return fmt.Sprintf("%s[%dx%d padded to %dx%d, stride=%dB]", g.Kind, g.LogicalRows, g.LogicalCols,
		g.Rows, g.PaddedCols, g.RowStride)
}
