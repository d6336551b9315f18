// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accel

import (
	"math"
	"sync/atomic"

	"github.com/code0-god/ggml-gemmini/internal/workerspool"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Emulator is a software model of the systolic array: it computes the exact integer results
// of the primitive, with bands of Dim rows of C computed in parallel.
type Emulator struct {
	pool     *workerspool.Pool
	numCalls atomic.Int64
}

var _ Accelerator = (*Emulator)(nil)

// NewEmulator creates an Emulator using up to parallelism goroutines.
// 0 computes everything inline, and -1 doesn't limit parallelism.
func NewEmulator(parallelism int) *Emulator {
	e := &Emulator{pool: workerspool.New()}
	e.pool.SetMaxParallelism(parallelism)
	return e
}

// NumCalls returns the number of calls to TiledMatMulAuto so far.
func (e *Emulator) NumCalls() int64 { return e.numCalls.Load() }

// MaxParallelism returns the parallelism limit of the emulator.
func (e *Emulator) MaxParallelism() int { return e.pool.MaxParallelism() }

// TiledMatMulAuto implements Accelerator.
func (e *Emulator) TiledMatMulAuto(p *Params) {
	checkParams(p)
	e.numCalls.Add(1)
	if klog.V(3).Enabled() {
		klog.Infof("emulator: %s", p)
	}
	numBands := (p.I + Dim - 1) / Dim
	if !e.pool.IsEnabled() || numBands == 1 {
		for i := range p.I {
			computeRow(p, i)
		}
		return
	}
	bands := make(chan int, numBands)
	for band := range numBands {
		bands <- band * Dim
	}
	close(bands)
	e.pool.Saturate(func() {
		for rowStart := range bands {
			for i := rowStart; i < min(rowStart+Dim, p.I); i++ {
				computeRow(p, i)
			}
		}
	})
}

func checkParams(p *Params) {
	if p.I <= 0 || p.J <= 0 || p.K <= 0 {
		exceptions.Panicf("accel: invalid dimensions I=%d, J=%d, K=%d", p.I, p.J, p.K)
	}
	switch p.Activation {
	case NoActivation, ReLU:
	default:
		exceptions.Panicf("accel: activation %s not supported by the emulator", p.Activation)
	}
	if p.LowD {
		exceptions.Panicf("accel: 8 bits bias (LowD) not supported by the emulator")
	}
	aRows, aCols := p.I, p.K
	if p.TransposeA {
		aRows, aCols = aCols, aRows
	}
	bRows, bCols := p.K, p.J
	if p.TransposeB {
		bRows, bCols = bCols, bRows
	}
	checkOperand("A", len(p.A), aRows, aCols, p.StrideA)
	checkOperand("B", len(p.B), bRows, bCols, p.StrideB)
	checkOperand("C", len(p.C), p.I, p.J, p.StrideC)
	if p.D != nil {
		dRows := p.I
		if p.RepeatingBias {
			dRows = 1
		}
		checkOperand("D", len(p.D), dRows, p.J, p.StrideD)
	}
}

func checkOperand(name string, length, rows, cols, stride int) {
	if stride < cols {
		exceptions.Panicf("accel: stride of %s (%d) smaller than its %d columns", name, stride, cols)
	}
	if need := (rows-1)*stride + cols; length < need {
		exceptions.Panicf("accel: %s has %d elements, %dx%d with stride %d needs %d", name, length, rows, cols, stride, need)
	}
}

// computeRow computes row i of C.
func computeRow(p *Params, i int) {
	exact := p.AScale == 1 && p.BScale == 1 && p.DScale == 1 && p.Scale == 1
	cRow := p.C[i*p.StrideC : i*p.StrideC+p.J]
	for j := range p.J {
		var sum int64
		for k := range p.K {
			sum += int64(elemA(p, i, k)) * int64(elemB(p, k, j))
		}
		var bias int64
		if p.D != nil {
			dRow := i
			if p.RepeatingBias {
				dRow = 0
			}
			bias = int64(p.D[dRow*p.StrideD+j])
		}
		var v int64
		if exact {
			v = sum + bias
		} else {
			scaled := (float64(sum)*float64(p.AScale)*float64(p.BScale) + float64(bias)*float64(p.DScale)) * float64(p.Scale)
			v = int64(math.RoundToEven(max(min(scaled, math.MaxInt64/2), math.MinInt64/2)))
		}
		if p.Activation == ReLU && v < 0 {
			v = 0
		}
		if p.FullC {
			v = max(min(v, math.MaxInt32), math.MinInt32)
		} else {
			v = max(min(v, math.MaxInt8), math.MinInt8)
		}
		cRow[j] = int32(v)
	}
}

func elemA(p *Params, i, k int) int8 {
	if p.TransposeA {
		return p.A[k*p.StrideA+i]
	}
	return p.A[i*p.StrideA+k]
}

func elemB(p *Params, k, j int) int8 {
	if p.TransposeB {
		return p.B[j*p.StrideB+k]
	}
	return p.B[k*p.StrideB+j]
}
