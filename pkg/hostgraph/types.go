// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostgraph

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// TensorType is the element encoding of a host tensor.
type TensorType int

const (
	TypeInvalid TensorType = iota
	F32
	F16
	I8
	I32

	// Q8_0 is the block quantized 8-bit encoding: blocks of Q8BlockSize int8 values
	// sharing one float16 scale.
	Q8_0
)

// Q8BlockSize is the number of values in one Q8_0 block.
const Q8BlockSize = 32

// q8BlockBytes is the size of one Q8_0 block: a float16 scale followed by the quantized values.
const q8BlockBytes = 2 + Q8BlockSize

// String implements fmt.Stringer.
func (t TensorType) String() string {
	switch t {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case I8:
		return "i8"
	case I32:
		return "i32"
	case Q8_0:
		return "q8_0"
	default:
		return fmt.Sprintf("TensorType(%d)", int(t))
	}
}

// IsQuantized returns whether the type is block quantized.
func (t TensorType) IsQuantized() bool { return t == Q8_0 }

// DType returns the dense element type, or dtypes.InvalidDType for block quantized types.
func (t TensorType) DType() dtypes.DType {
	switch t {
	case F32:
		return dtypes.Float32
	case F16:
		return dtypes.Float16
	case I8:
		return dtypes.Int8
	case I32:
		return dtypes.Int32
	default:
		return dtypes.InvalidDType
	}
}

// RowBytes returns the packed size in bytes of a row with the given number of elements.
func (t TensorType) RowBytes(cols int) int {
	if t == Q8_0 {
		return (cols + Q8BlockSize - 1) / Q8BlockSize * q8BlockBytes
	}
	return cols * int(t.DType().Memory())
}

// ElementBytes is the byte stride between consecutive elements of a dense type.
// For block quantized types it returns the size of a whole block.
func (t TensorType) ElementBytes() int {
	if t == Q8_0 {
		return q8BlockBytes
	}
	return int(t.DType().Memory())
}

// OpType enumerates the host graph operations a backend may be asked to run.
type OpType int

const (
	OpNone OpType = iota
	OpReshape
	OpView
	OpPermute
	OpTranspose
	OpMulMat
	OpAdd
	OpOutProd
	OpScale
)

// String implements fmt.Stringer.
func (op OpType) String() string {
	switch op {
	case OpNone:
		return "NONE"
	case OpReshape:
		return "RESHAPE"
	case OpView:
		return "VIEW"
	case OpPermute:
		return "PERMUTE"
	case OpTranspose:
		return "TRANSPOSE"
	case OpMulMat:
		return "MUL_MAT"
	case OpAdd:
		return "ADD"
	case OpOutProd:
		return "OUT_PROD"
	case OpScale:
		return "SCALE"
	default:
		return fmt.Sprintf("OpType(%d)", int(op))
	}
}

// IsView returns whether the op only reinterprets its source without computing anything.
func (op OpType) IsView() bool {
	switch op {
	case OpNone, OpReshape, OpView, OpPermute, OpTranspose:
		return true
	}
	return false
}
