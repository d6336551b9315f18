// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"encoding/binary"
	"math"

	"github.com/code0-god/ggml-gemmini/backends"
	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Cast converts the 2D matrix src to a padded buffer of the given kind, with storage from alloc.
//
// Only F32 sources are supported. A Q8_0 source panics with an error wrapping
// backends.ErrNotImplemented, and any other source type panics: both are caller contract
// violations, callers are expected to check the source type before.
func Cast(src *hostgraph.Tensor, kind Kind, alloc Allocator, opts Options) *PaddedBuffer {
	if !opts.Accumulator {
		switch src.Type {
		case hostgraph.F32:
			// Supported.
		case hostgraph.Q8_0:
			panic(errors.Wrapf(backends.ErrNotImplemented, "layout.Cast(%q): block quantized %s source", src.Name, src.Type))
		default:
			exceptions.Panicf("layout.Cast(%q): unsupported source type %s", src.Name, src.Type)
		}
	}
	geom := SourceGeometry(src, kind, opts)
	suffix := opts.Suffix
	if suffix == "" {
		suffix = "." + kind.String()
	}
	buf := newPaddedBuffer(src.Name+suffix, geom, alloc)
	if opts.Accumulator {
		clear(buf.data)
	} else {
		castFloat32(src, buf, opts.Transpose)
	}
	if klog.V(2).Enabled() {
		klog.Infof("cast: %-24s -> %s nb1=%d", buf.name, geom, geom.Nb[1])
	}
	return buf
}

// NewAccumulator returns a zeroed Int32 buffer for rows x cols results.
func NewAccumulator(name string, rows, cols int, alloc Allocator) *PaddedBuffer {
	buf := newPaddedBuffer(name, ComputeGeometry(Int32, rows, cols, 0), alloc)
	clear(buf.data)
	return buf
}

// castFloat32 copies and narrows the logical region of src into buf, zero filling everything else.
func castFloat32(src *hostgraph.Tensor, buf *PaddedBuffer, transpose bool) {
	geom := buf.geom
	// Strides to walk the source along the buffer's rows and columns.
	rowStep, colStep := src.Nb[1], src.Nb[0]
	if transpose {
		rowStep, colStep = colStep, rowStep
	}
	lastByte := src.Offset + (geom.LogicalRows-1)*rowStep + (geom.LogicalCols-1)*colStep + 4
	if src.Offset < 0 || rowStep < 0 || colStep < 0 || lastByte > len(src.Data) {
		exceptions.Panicf("layout.Cast(%q): strides %v reach byte %d, past the %d bytes of storage",
			src.Name, src.Nb, lastByte, len(src.Data))
	}

	stride := geom.StrideElems()
	var (
		flatInt8  []int8
		flatInt32 []int32
	)
	if geom.Kind == Int8 {
		flatInt8 = buf.Int8s()
	} else {
		flatInt32 = buf.Int32s()
	}
	for r := range geom.Rows {
		rowStart := r * stride
		if r >= geom.LogicalRows {
			clear(buf.data[r*geom.RowStride : (r+1)*geom.RowStride])
			continue
		}
		srcPos := src.Offset + r*rowStep
		switch geom.Kind {
		case Int8:
			row := flatInt8[rowStart : rowStart+stride]
			for c := range geom.LogicalCols {
				row[c] = int8(truncate(readFloat32(src.Data, srcPos)))
				srcPos += colStep
			}
			clear(row[geom.LogicalCols:])
		case Int32:
			row := flatInt32[rowStart : rowStart+stride]
			for c := range geom.LogicalCols {
				row[c] = truncate(readFloat32(src.Data, srcPos))
				srcPos += colStep
			}
			clear(row[geom.LogicalCols:])
		}
	}
}

func readFloat32(data []byte, pos int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[pos : pos+4]))
}

// truncate rounds v toward zero and saturates it to the int32 range. NaN becomes 0.
// Narrowing to int8 afterward keeps the low byte.
func truncate(v float32) int32 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
