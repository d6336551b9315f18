// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package planner computes, before any allocation, the size of the arena a batch of matrix
// multiplications needs.
//
// The plan is a pure function of the shapes of the batch and of its bias bindings, and is
// derived from the same cast geometries the dispatcher uses, so a batch can never outgrow it.
package planner

import (
	"fmt"
	"strings"

	"github.com/code0-god/ggml-gemmini/backends/gemmini/arena"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/layout"
	"github.com/code0-god/ggml-gemmini/pkg/support/align"
	"github.com/code0-god/ggml-gemmini/pkg/support/sets"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// DefaultMargin is the safety margin added to every plan.
const DefaultMargin = 16 * 1024

// Policy defines how long converted buffers live within a batch.
type Policy int

const (
	// Sequential frees (rewinds) every buffer of an operation once it is dispatched:
	// the arena only has to hold the largest operation.
	Sequential Policy = iota

	// Retain keeps converted operands for the whole batch, and later operations reading the
	// same source with the same conversion reuse them: the arena has to hold every distinct
	// conversion of the batch.
	Retain
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case Sequential:
		return "sequential"
	case Retain:
		return "retain"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses the name of a policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "sequential", "seq":
		return Sequential, nil
	case "retain":
		return Retain, nil
	}
	return Sequential, errors.Errorf("unknown arena policy %q, valid values are \"sequential\" or \"retain\"", name)
}

// Plan is the arena requirement of a batch.
type Plan struct {
	Policy Policy

	// DataBytes is the space for converted buffers, margin included, rounded up to layout.Align.
	DataBytes int

	// MetadataCount is the number of buffer descriptors allocated at the peak.
	MetadataCount int

	// NumMatMuls is the number of matrix multiplications in the batch.
	NumMatMuls int

	// PeakNode is the name of the operation with the largest footprint.
	PeakNode string
}

// ArenaSize is the number of bytes to allocate for the arena.
func (p Plan) ArenaSize() int {
	return p.DataBytes + p.MetadataCount*arena.TensorOverhead + arena.HeaderMargin
}

// String implements fmt.Stringer.
func (p Plan) String() string {
	return fmt.Sprintf("plan(%s: %d matmuls, data=%s, %d buffers, arena=%s, peak at %q)",
		p.Policy, p.NumMatMuls, humanize.IBytes(uint64(p.DataBytes)), p.MetadataCount,
		humanize.IBytes(uint64(p.ArenaSize())), p.PeakNode)
}

// Compute plans the arena for the dispatches, in the order they are executed.
// A negative margin selects DefaultMargin.
//
// With no dispatches, the plan is empty and its DataBytes is just the margin.
func Compute(dispatches []Dispatch, policy Policy, margin int) Plan {
	if margin < 0 {
		margin = DefaultMargin
	}
	plan := Plan{Policy: policy, NumMatMuls: len(dispatches)}
	var peakBytes, peakCount, maxOpBytes int
	retained := sets.Make[CastKey]()
	for _, d := range dispatches {
		var opBytes, opCount int
		if policy == Sequential {
			// Conversions are still shared within one operation.
			retained.Clear()
		}
		for _, req := range MatMulCasts(d) {
			if !retained.InsertNew(req.CastKey) {
				continue
			}
			opBytes += req.Bytes()
			opCount++
		}
		if opBytes > maxOpBytes || plan.PeakNode == "" {
			maxOpBytes = opBytes
			plan.PeakNode = d.Output().Name
		}
		switch policy {
		case Sequential:
			peakBytes = max(peakBytes, opBytes)
			peakCount = max(peakCount, opCount)
		case Retain:
			peakBytes += opBytes
			peakCount += opCount
		}
	}
	plan.DataBytes = align.RoundUp(peakBytes+margin, layout.Align)
	plan.MetadataCount = peakCount
	return plan
}

// OpFootprint returns the data bytes and buffer count of one dispatch in isolation.
func OpFootprint(d Dispatch) (bytes, count int) {
	seen := sets.Make[CastKey]()
	for _, req := range MatMulCasts(d) {
		if seen.InsertNew(req.CastKey) {
			bytes += req.Bytes()
			count++
		}
	}
	return
}
