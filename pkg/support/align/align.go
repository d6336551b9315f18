// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package align provides the integer rounding helpers used to lay out buffers on
// byte and tile boundaries.
package align

import "golang.org/x/exp/constraints"

// RoundUp returns the smallest multiple of align that is >= value.
//
// align is expected to be a power of two, although the formula works for any positive align.
func RoundUp[T constraints.Integer](value, align T) T {
	return ((value + align - 1) / align) * align
}

// IsAligned returns whether value is a multiple of align.
func IsAligned[T constraints.Integer](value, align T) bool {
	return value%align == 0
}
