// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arena implements the transient memory region that holds every converted buffer of
// one batch of accelerator calls.
//
// An Arena is one contiguous, 16-byte aligned block of bytes with a bump offset. Allocations are
// never freed individually: the whole region is released at once when the batch completes.
// Mark and Rewind roll the offset back to an earlier point, so buffers of an operation that
// completed can be overwritten by the next one.
package arena

import (
	"fmt"

	"github.com/code0-god/ggml-gemmini/backends/gemmini/layout"
	"github.com/code0-god/ggml-gemmini/pkg/support/align"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

const (
	// TensorOverhead is the number of bytes charged for the descriptor of each allocation,
	// the size of a host runtime tensor header.
	TensorOverhead = 368

	// HeaderMargin is the extra space reserved for the arena's own header.
	HeaderMargin = layout.Align
)

// Arena is a bump allocator over a single region. It is not safe for concurrent use: an arena
// serves exactly one batch on the goroutine that dispatches it.
type Arena struct {
	id   uuid.UUID
	buf  []byte
	used int

	highWater int
	numAllocs int
	released  bool
}

var _ layout.Allocator = (*Arena)(nil)

// New allocates an arena of size bytes.
func New(size int) *Arena {
	if size <= 0 {
		exceptions.Panicf("arena.New(%d): invalid size", size)
	}
	a := &Arena{
		id:  uuid.New(),
		buf: layout.AlignedBytes(align.RoundUp(size, layout.Align)),
	}
	klog.V(1).Infof("arena %s: allocated %s", a.id, humanize.IBytes(uint64(len(a.buf))))
	return a
}

// ID identifies the arena in logs.
func (a *Arena) ID() uuid.UUID { return a.id }

// Size of the region in bytes.
func (a *Arena) Size() int { return len(a.buf) }

// Used returns the current bump offset.
func (a *Arena) Used() int { return a.used }

// Available returns the bytes left.
func (a *Arena) Available() int { return len(a.buf) - a.used }

// HighWater returns the largest offset reached since the arena was created.
func (a *Arena) HighWater() int { return a.highWater }

// NumAllocs returns the number of allocations done, including rewound ones.
func (a *Arena) NumAllocs() int { return a.numAllocs }

// IsReleased returns whether the region was already released.
func (a *Arena) IsReleased() bool { return a.released }

// Alloc implements layout.Allocator: it bumps the offset by TensorOverhead for the buffer
// descriptor plus nbytes rounded up to layout.Align.
//
// Running out of space is a fatal error: arena sizes are planned ahead for the whole batch.
func (a *Arena) Alloc(nbytes int) []byte {
	if a.released {
		exceptions.Panicf("arena %s: Alloc(%d) after release", a.id, nbytes)
	}
	if nbytes <= 0 {
		exceptions.Panicf("arena %s: invalid allocation of %d bytes", a.id, nbytes)
	}
	start := a.used + TensorOverhead
	end := start + align.RoundUp(nbytes, layout.Align)
	if end > len(a.buf) {
		exceptions.Panicf("arena %s exhausted: allocation of %d bytes needs %d, only %d of %d left",
			a.id, nbytes, end-a.used, a.Available(), len(a.buf))
	}
	a.used = end
	a.highWater = max(a.highWater, end)
	a.numAllocs++
	return a.buf[start : start+nbytes : start+nbytes]
}

// Mark is a position in the arena to Rewind to.
type Mark struct {
	arena *Arena
	used  int
}

// Mark returns the current position.
func (a *Arena) Mark() Mark {
	return Mark{arena: a, used: a.used}
}

// Rewind rolls the offset back to m: storage handed out after m is reused by later allocations,
// so any buffer allocated after m must no longer be used.
func (a *Arena) Rewind(m Mark) {
	if m.arena != a {
		exceptions.Panicf("arena %s: rewinding to a mark of another arena", a.id)
	}
	if m.used > a.used {
		exceptions.Panicf("arena %s: rewinding forward from %d to %d", a.id, a.used, m.used)
	}
	a.used = m.used
}

// Release drops the region. It is idempotent.
func (a *Arena) Release() {
	if a == nil || a.released {
		return
	}
	klog.V(1).Infof("arena %s: released, high-water mark %s of %s in %d allocations",
		a.id, humanize.IBytes(uint64(a.highWater)), humanize.IBytes(uint64(len(a.buf))), a.numAllocs)
	a.buf = nil
	a.used = 0
	a.released = true
}

// String implements fmt.Stringer.
func (a *Arena) String() string {
	return fmt.Sprintf("arena %s (%s used of %s)", a.id,
		humanize.IBytes(uint64(a.used)), humanize.IBytes(uint64(len(a.buf))))
}
