// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/gomlx/exceptions"
)

// CopyToFloat32 writes the logical region of the accumulator acc into the F32 matrix dst,
// converting each int32 value to float32. Padding columns and rows are never read.
//
// Rows of acc are read with its padded stride and written with dst's own strides.
func CopyToFloat32(acc *PaddedBuffer, dst *hostgraph.Tensor) {
	geom := acc.Geometry()
	if geom.Kind != Int32 {
		exceptions.Panicf("layout.CopyToFloat32(%q): accumulator must be i32, got %s", acc.Name(), geom.Kind)
	}
	if dst.Type != hostgraph.F32 {
		exceptions.Panicf("layout.CopyToFloat32(%q): destination %q must be f32, got %s", acc.Name(), dst.Name, dst.Type)
	}
	if dst.Rows() != geom.LogicalRows || dst.Cols() != geom.LogicalCols {
		exceptions.Panicf("layout.CopyToFloat32(%q): destination %q is %dx%d, accumulator holds %dx%d",
			acc.Name(), dst.Name, dst.Rows(), dst.Cols(), geom.LogicalRows, geom.LogicalCols)
	}
	flat := acc.Int32s()
	stride := geom.StrideElems()
	for r := range geom.LogicalRows {
		row := flat[r*stride : r*stride+geom.LogicalCols]
		for c, v := range row {
			dst.SetFloat32At(r, c, float32(v))
		}
	}
}
