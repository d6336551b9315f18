// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"unsafe"

	"github.com/gomlx/exceptions"
)

// Allocator provides the storage of converted buffers.
type Allocator interface {
	// Alloc returns nbytes of storage aligned to Align bytes. Contents are unspecified.
	Alloc(nbytes int) []byte
}

// HeapAllocator allocates each buffer independently from the Go heap. It is the standalone
// mode, used when no arena is active.
type HeapAllocator struct{}

var _ Allocator = HeapAllocator{}

// Alloc implements Allocator.
func (HeapAllocator) Alloc(nbytes int) []byte {
	return AlignedBytes(nbytes)
}

// AlignedBytes returns a zeroed slice of n bytes whose first element is aligned to Align bytes.
func AlignedBytes(n int) []byte {
	if n <= 0 {
		exceptions.Panicf("layout.AlignedBytes(%d): invalid size", n)
	}
	raw := make([]byte, n+Align-1)
	shift := 0
	if misalign := int(uintptr(unsafe.Pointer(&raw[0])) % Align); misalign != 0 {
		shift = Align - misalign
	}
	return raw[shift : shift+n : shift+n]
}

// PaddedBuffer is a converted, tile-aligned integer matrix.
//
// It is a single-owner handle: Move transfers the storage to a new handle and invalidates
// the old one, and Release drops the storage. Using a moved or released buffer panics.
type PaddedBuffer struct {
	name  string
	geom  Geometry
	data  []byte
	owned bool
}

// newPaddedBuffer wraps storage from alloc. owned marks storage that belongs to the buffer
// itself (as opposed to an arena).
func newPaddedBuffer(name string, geom Geometry, alloc Allocator) *PaddedBuffer {
	data := alloc.Alloc(geom.Bytes())
	if data == nil || len(data) < geom.Bytes() {
		exceptions.Panicf("layout: allocation of %d bytes for %q failed", geom.Bytes(), name)
	}
	if uintptr(unsafe.Pointer(&data[0]))%Align != 0 {
		exceptions.Panicf("layout: allocation for %q is not %d-byte aligned", name, Align)
	}
	_, owned := alloc.(HeapAllocator)
	return &PaddedBuffer{
		name:  name,
		geom:  geom,
		data:  data[:geom.Bytes()],
		owned: owned,
	}
}

// Name of the buffer: the source name plus a suffix.
func (b *PaddedBuffer) Name() string { return b.name }

// Geometry of the buffer.
func (b *PaddedBuffer) Geometry() Geometry { return b.geom }

// Kind of the elements.
func (b *PaddedBuffer) Kind() Kind { return b.geom.Kind }

// StrideElems is the row stride in elements, as expected by the accelerator.
func (b *PaddedBuffer) StrideElems() int { return b.geom.StrideElems() }

// IsValid returns whether the buffer still holds its storage.
func (b *PaddedBuffer) IsValid() bool { return b != nil && b.data != nil }

// IsOwned returns whether the storage belongs to the buffer (standalone mode) rather than to an arena.
func (b *PaddedBuffer) IsOwned() bool { return b.owned }

func (b *PaddedBuffer) assertValid() {
	if !b.IsValid() {
		exceptions.Panicf("layout: use of a moved or released buffer %q", b.name)
	}
}

// Bytes returns the raw storage.
func (b *PaddedBuffer) Bytes() []byte {
	b.assertValid()
	return b.data
}

// Int8s returns the storage as int8 values. It panics if the buffer is not of Kind Int8.
func (b *PaddedBuffer) Int8s() []int8 {
	b.assertValid()
	if b.geom.Kind != Int8 {
		exceptions.Panicf("layout: buffer %q is %s, not i8", b.name, b.geom.Kind)
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b.data[0])), len(b.data))
}

// Int32s returns the storage as int32 values. It panics if the buffer is not of Kind Int32.
func (b *PaddedBuffer) Int32s() []int32 {
	b.assertValid()
	if b.geom.Kind != Int32 {
		exceptions.Panicf("layout: buffer %q is %s, not i32", b.name, b.geom.Kind)
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// At returns the element at (row, col) of the physical buffer, widened to int32.
func (b *PaddedBuffer) At(row, col int) int32 {
	b.assertValid()
	if row < 0 || row >= b.geom.Rows || col < 0 || col >= b.geom.StrideElems() {
		exceptions.Panicf("layout: (%d, %d) out of bounds for %q %s", row, col, b.name, b.geom)
	}
	idx := row*b.geom.StrideElems() + col
	if b.geom.Kind == Int8 {
		return int32(b.Int8s()[idx])
	}
	return b.Int32s()[idx]
}

// Move transfers the storage to a new handle. b is invalid afterwards.
func (b *PaddedBuffer) Move() *PaddedBuffer {
	b.assertValid()
	moved := *b
	b.data = nil
	b.owned = false
	return &moved
}

// Release drops the storage. It is a no-op if the buffer was already released or moved.
//
// Storage owned by an arena is only returned when the arena itself is released.
func (b *PaddedBuffer) Release() {
	if b == nil {
		return
	}
	b.data = nil
	b.owned = false
}
