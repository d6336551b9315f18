// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemmini

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/code0-god/ggml-gemmini/backends"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/accel"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/arena"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/planner"
	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAccelerator runs the emulator and keeps a copy of the parameters of every call.
type recordingAccelerator struct {
	emulator *accel.Emulator
	calls    []accel.Params
	panicMsg string
}

func newRecording() *recordingAccelerator {
	return &recordingAccelerator{emulator: accel.NewEmulator(2)}
}

func (r *recordingAccelerator) TiledMatMulAuto(p *accel.Params) {
	if r.panicMsg != "" {
		exceptions.Panicf("%s", r.panicMsg)
	}
	r.calls = append(r.calls, *p)
	r.emulator.TiledMatMulAuto(p)
}

func newTestBackend(t *testing.T, config string) (*Backend, *recordingAccelerator) {
	cfg, err := ParseConfig(config)
	require.NoError(t, err)
	rec := newRecording()
	return NewWithAccelerator(cfg, rec), rec
}

func iota32(rows, cols int, start float32) []float32 {
	values := make([]float32, rows*cols)
	for ii := range values {
		values[ii] = start + float32(ii)
	}
	return values
}

// reference computes a x b^T (+ bias) with truncated operands, as the accelerator sees them.
func reference(a, b, bias *hostgraph.Tensor) []float32 {
	rows, cols, inner := a.Rows(), b.Rows(), a.Cols()
	out := make([]float32, 0, rows*cols)
	for i := range rows {
		for j := range cols {
			var sum int64
			for k := range inner {
				sum += int64(int8(int32(a.Float32At(i, k)))) * int64(int8(int32(b.Float32At(j, k))))
			}
			if bias != nil {
				biasRow := 0
				if bias.Rows() > 1 {
					biasRow = i
				}
				sum += int64(int32(bias.Float32At(biasRow, j)))
			}
			out = append(out, float32(sum))
		}
	}
	return out
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = ParseConfig("parallelism=3, policy=retain,margin=1KiB,max_arena=2MiB")
	require.NoError(t, err)
	assert.Equal(t, Config{Parallelism: 3, Policy: planner.Retain, Margin: 1024, MaxArena: 2 * 1024 * 1024}, cfg)
	roundTrip, err := ParseConfig(cfg.String())
	require.NoError(t, err)
	assert.Equal(t, cfg, roundTrip)

	for _, bad := range []string{
		"parallelism",
		"parallelism=x",
		"parallelism=-2",
		"policy=greedy",
		"margin=lots",
		"max_arena=1XB",
		"turbo=true",
	} {
		_, err := ParseConfig(bad)
		require.Error(t, err, "config %q should fail", bad)
	}
}

func TestRegistry(t *testing.T) {
	require.Contains(t, backends.List(), BackendName)
	backend, err := backends.NewWithConfig("gemmini:policy=retain,parallelism=0")
	require.NoError(t, err)
	require.Equal(t, BackendName, backend.Name())
	assert.Equal(t, planner.Retain, backend.(*Backend).Config().Policy)

	backend = must.M1(backends.NewWithConfig(BackendName))
	assert.Equal(t, DefaultConfig(), backend.(*Backend).Config())

	_, err = backends.NewWithConfig("gemmini:turbo=true")
	require.ErrorContains(t, err, "turbo")

	t.Setenv(backends.ConfigEnvVar, "gemmini:parallelism=1")
	backend = backends.MustNew()
	assert.Equal(t, 1, backend.(*Backend).Config().Parallelism)
}

func TestDeviceProps(t *testing.T) {
	b, _ := newTestBackend(t, "max_arena=1MiB")
	props := b.DeviceProps()
	assert.Equal(t, DeviceName, props.Name)
	assert.Equal(t, backends.DeviceTypeAccelerator, props.Type)
	assert.Equal(t, uint64(1<<20), props.MemoryTotal)
	assert.Equal(t, backends.DeviceCaps{BufferFromHostPtr: true}, props.Caps)
	assert.True(t, b.Capabilities().Operations[hostgraph.OpMulMat])
	assert.False(t, b.Capabilities().Operations[hostgraph.OpOutProd])
	assert.True(t, b.Capabilities().SourceTypes[hostgraph.F32])
	assert.False(t, b.Capabilities().SourceTypes[hostgraph.Q8_0])
}

func TestSupportsOp(t *testing.T) {
	b, _ := newTestBackend(t, "")
	x := hostgraph.FromFloat32("x", 3, 5, iota32(3, 5, 0))
	w := hostgraph.FromFloat32("w", 4, 5, iota32(4, 5, 0))
	q := hostgraph.NewTensor2D("q", hostgraph.Q8_0, 4, 32)
	h := hostgraph.NewTensor2D("h", hostgraph.F16, 4, 5)
	mm := hostgraph.MulMat(x, w)

	outProd := hostgraph.NewTensor2D("outer", hostgraph.F32, 3, 4)
	outProd.Op = hostgraph.OpOutProd
	outProd.Src = [2]*hostgraph.Tensor{x, w}

	for name, tc := range map[string]struct {
		node *hostgraph.Tensor
		want bool
	}{
		"leaf":              {x, true},
		"transpose":         {hostgraph.Transpose(x), true},
		"reshape":           {hostgraph.Reshape(x, 5, 3), true},
		"mul_mat":           {mm, true},
		"mul_mat of view":   {hostgraph.MulMat(hostgraph.Transpose(hostgraph.Transpose(x)), w), true},
		"mul_mat q8_0":      {hostgraph.MulMat(hostgraph.FromFloat32("y", 2, 32, iota32(2, 32, 0)), q), false},
		"mul_mat f16":       {hostgraph.MulMat(x, h), false},
		"add row bias":      {hostgraph.Add(mm, hostgraph.FromFloat32("b", 1, 4, iota32(1, 4, 0))), true},
		"add full bias":     {hostgraph.Add(mm, hostgraph.FromFloat32("b", 3, 4, iota32(3, 4, 0))), true},
		"add of non matmul": {hostgraph.Add(x, x), false},
		"add of itself":     {hostgraph.Add(mm, mm), false},
		"scale":             {hostgraph.Scale(x, "2"), false},
		"out_prod":          {outProd, false},
	} {
		assert.Equal(t, tc.want, b.SupportsOp(tc.node), name)
	}
}

func TestMatMulWithoutBias(t *testing.T) {
	b, rec := newTestBackend(t, "")
	x := hostgraph.FromFloat32("x", 3, 5, iota32(3, 5, 0))
	w := hostgraph.FromFloat32("w", 4, 5, iota32(4, 5, 1))
	mm := hostgraph.MulMat(x, w)
	require.NoError(t, b.GraphCompute(hostgraph.Build(mm)))

	assert.Equal(t, reference(x, w, nil), mm.Float32s())
	require.Len(t, rec.calls, 1)
	p := rec.calls[0]
	assert.Equal(t, 3, p.I)
	assert.Equal(t, 16, p.J)
	assert.Equal(t, 5, p.K)
	assert.Equal(t, []int{16, 16, 16}, []int{p.StrideA, p.StrideB, p.StrideC})
	assert.True(t, p.RepeatingBias)
	assert.Equal(t, make([]int32, 16), p.D)
	assert.True(t, p.FullC)
	assert.Equal(t, accel.NoActivation, p.Activation)
	assert.Equal(t, float32(1), p.Scale)

	stats := b.Stats()
	assert.Equal(t, 1, stats.Batches)
	assert.Equal(t, 1, stats.MatMuls)
	assert.Equal(t, 1, stats.Arenas)
	assert.Equal(t, 1, stats.ArenasReleased)
	assert.LessOrEqual(t, stats.PeakUsedBytes, stats.PeakArenaBytes)
	assert.Equal(t, stats.LastPlan.ArenaSize(), stats.PeakArenaBytes)
}

func TestMatMulFusedBias(t *testing.T) {
	for _, biasRows := range []int{1, 3} {
		t.Run(fmt.Sprintf("rows=%d", biasRows), func(t *testing.T) {
			b, rec := newTestBackend(t, "")
			x := hostgraph.FromFloat32("x", 3, 5, iota32(3, 5, -7))
			w := hostgraph.FromFloat32("w", 20, 5, iota32(20, 5, -50))
			bias := hostgraph.FromFloat32("bias", biasRows, 20, iota32(biasRows, 20, 100))
			mm := hostgraph.MulMat(x, w)
			add := hostgraph.Add(mm, bias)
			require.NoError(t, b.GraphCompute(hostgraph.Build(add)))

			assert.Equal(t, reference(x, w, bias), add.Float32s())
			assert.Equal(t, make([]float32, 3*20), mm.Float32s(), "fused MulMat output is not written")
			require.Len(t, rec.calls, 1)
			p := rec.calls[0]
			assert.Equal(t, 32, p.J)
			assert.Equal(t, biasRows == 1, p.RepeatingBias)
			assert.Equal(t, 32, p.StrideD)
			assert.Equal(t, 1, b.Stats().FusedAdd)
		})
	}
}

func TestBiasComputedInSameGraph(t *testing.T) {
	for _, policy := range []planner.Policy{planner.Sequential, planner.Retain} {
		t.Run(policy.String(), func(t *testing.T) {
			b, rec := newTestBackend(t, "policy="+policy.String())
			x := hostgraph.FromFloat32("x", 4, 5, iota32(4, 5, 0))
			y := hostgraph.FromFloat32("y", 4, 5, iota32(4, 5, -10))
			w := hostgraph.FromFloat32("w", 3, 5, iota32(3, 5, -3))
			mmX, mmY := hostgraph.MulMat(x, w), hostgraph.MulMat(y, w)
			add := hostgraph.Add(mmX, mmY)
			g := hostgraph.Build(add)
			require.Equal(t, []*hostgraph.Tensor{mmX, mmY, add}, g.Nodes)
			require.NoError(t, b.GraphCompute(g))

			// The bias is read only after its own MulMat was dispatched.
			wantY := reference(y, w, nil)
			assert.Equal(t, wantY, mmY.Float32s())
			assert.Equal(t, reference(x, w, hostgraph.FromFloat32("want", 4, 3, wantY)), add.Float32s())
			require.Len(t, rec.calls, 2)
			assert.True(t, rec.calls[0].RepeatingBias)
			assert.False(t, rec.calls[1].RepeatingBias)
			assert.Equal(t, 1, b.Stats().FusedAdd)
		})
	}
}

func TestFusedMulMatAlsoOutput(t *testing.T) {
	for _, policy := range []planner.Policy{planner.Sequential, planner.Retain} {
		t.Run(policy.String(), func(t *testing.T) {
			b, rec := newTestBackend(t, "policy="+policy.String())
			x := hostgraph.FromFloat32("x", 3, 5, iota32(3, 5, 0))
			w := hostgraph.FromFloat32("w", 4, 5, iota32(4, 5, 0))
			bias := hostgraph.FromFloat32("bias", 1, 4, iota32(1, 4, 1))
			mm := hostgraph.MulMat(x, w)
			add := hostgraph.Add(mm, bias)
			require.NoError(t, b.GraphCompute(hostgraph.Build(mm, add)))

			assert.Equal(t, []float32{30, 80, 130, 180, 80, 255, 430, 605, 130, 430, 730, 1030}, mm.Float32s())
			assert.Equal(t, reference(x, w, nil), mm.Float32s())
			assert.Equal(t, reference(x, w, bias), add.Float32s())
			require.Len(t, rec.calls, 2)
			assert.Equal(t, 1, b.Stats().FusedAdd)
			if policy == planner.Retain {
				assert.Same(t, &rec.calls[0].B[0], &rec.calls[1].B[0], "operands converted once")
				assert.NotSame(t, &rec.calls[0].C[0], &rec.calls[1].C[0], "each output has its own accumulator")
			}
		})
	}
}

func TestSharedMulMatDispatchedUnbiased(t *testing.T) {
	b, rec := newTestBackend(t, "")
	x := hostgraph.FromFloat32("x", 2, 3, iota32(2, 3, 0))
	w := hostgraph.FromFloat32("w", 3, 3, iota32(3, 3, 0))
	mm := hostgraph.MulMat(x, w)
	bias := hostgraph.FromFloat32("bias", 1, 3, iota32(1, 3, 0))
	add := hostgraph.Add(mm, bias)
	chained := hostgraph.MulMat(mm, w)
	require.NoError(t, b.GraphCompute(hostgraph.Build(add, chained)))

	// mm is read by chained, so it is dispatched unbiased besides the fused Add.
	assert.Equal(t, reference(x, w, nil), mm.Float32s())
	assert.Equal(t, reference(x, w, bias), add.Float32s())
	assert.Equal(t, reference(mm, w, nil), chained.Float32s())
	assert.Len(t, rec.calls, 3)
}

func TestChainedAndTransposed(t *testing.T) {
	b, rec := newTestBackend(t, "policy=retain")
	// xT holds x transposed: x = Transpose(xT) is a 4x6 view.
	xT := hostgraph.FromFloat32("xT", 6, 4, iota32(6, 4, -12))
	x := hostgraph.Transpose(xT)
	w1 := hostgraph.FromFloat32("w1", 5, 6, iota32(5, 6, -15))
	h := hostgraph.MulMat(x, w1)
	w2 := hostgraph.FromFloat32("w2", 3, 5, iota32(3, 5, -1))
	out := hostgraph.MulMat(h, w2)
	require.NoError(t, b.GraphCompute(hostgraph.Build(out)))

	assert.Equal(t, reference(x, w1, nil), h.Float32s())
	assert.Equal(t, reference(h, w2, nil), out.Float32s())
	assert.Len(t, rec.calls, 2)
}

func TestRetainReusesConversions(t *testing.T) {
	for _, policy := range []planner.Policy{planner.Sequential, planner.Retain} {
		t.Run(policy.String(), func(t *testing.T) {
			b, rec := newTestBackend(t, "policy="+policy.String())
			w := hostgraph.FromFloat32("w", 4, 5, iota32(4, 5, 0))
			x1 := hostgraph.FromFloat32("x1", 3, 5, iota32(3, 5, 0))
			x2 := hostgraph.FromFloat32("x2", 20, 5, iota32(20, 5, 0))
			m1, m2 := hostgraph.MulMat(x1, w), hostgraph.MulMat(x2, w)
			require.NoError(t, b.GraphCompute(hostgraph.Build(m1, m2)))
			assert.Equal(t, reference(x2, w, nil), m2.Float32s())

			require.Len(t, rec.calls, 2)
			sameB := &rec.calls[0].B[0] == &rec.calls[1].B[0]
			stats := b.Stats()
			if policy == planner.Retain {
				assert.True(t, sameB, "w must be converted once")
				assert.Equal(t, 5, stats.LastPlan.MetadataCount)
			} else {
				assert.False(t, sameB, "arena rewound between operations")
				assert.Equal(t, 3, stats.LastPlan.MetadataCount)
			}
			assert.LessOrEqual(t, stats.PeakUsedBytes, stats.PeakArenaBytes)
		})
	}
}

func TestBatchLifecycle(t *testing.T) {
	b, rec := newTestBackend(t, "")
	x := hostgraph.FromFloat32("x", 2, 2, []float32{1, 2, 3, 4})
	mm := hostgraph.MulMat(x, x)
	require.NoError(t, b.GraphCompute(hostgraph.Build(mm)))
	assert.Equal(t, []float32{5, 11, 11, 25}, mm.Float32s())

	// A second, unrelated and larger batch gets a fresh arena.
	y := hostgraph.FromFloat32("y", 40, 30, iota32(40, 30, -600))
	bias := hostgraph.FromFloat32("bias", 1, 40, iota32(1, 40, 0))
	add := hostgraph.Add(hostgraph.MulMat(y, y), bias)
	require.NoError(t, b.GraphCompute(hostgraph.Build(add)))
	assert.Equal(t, reference(y, y, bias), add.Float32s())

	// No MulMat, no arena.
	require.NoError(t, b.GraphCompute(hostgraph.Build(hostgraph.Transpose(x))))

	stats := b.Stats()
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 2, stats.MatMuls)
	assert.Equal(t, 2, stats.Arenas)
	assert.Equal(t, 2, stats.ArenasReleased)
	assert.Len(t, rec.calls, 2)
}

func TestReleaseAfterPanic(t *testing.T) {
	b, rec := newTestBackend(t, "")
	rec.panicMsg = "device fault"
	x := hostgraph.FromFloat32("x", 2, 2, []float32{1, 2, 3, 4})
	err := exceptions.TryCatch[error](func() {
		_ = b.GraphCompute(hostgraph.Build(hostgraph.MulMat(x, x)))
	})
	require.ErrorContains(t, err, "device fault")
	stats := b.Stats()
	assert.Equal(t, 0, stats.Batches)
	assert.Equal(t, 1, stats.Arenas)
	assert.Equal(t, 1, stats.ArenasReleased)

	// The backend is still usable.
	rec.panicMsg = ""
	mm := hostgraph.MulMat(x, x)
	require.NoError(t, b.GraphCompute(hostgraph.Build(mm)))
	assert.Equal(t, []float32{5, 11, 11, 25}, mm.Float32s())
	assert.Equal(t, 2, b.Stats().ArenasReleased)
}

func TestBatchRelease(t *testing.T) {
	b, _ := newTestBackend(t, "")
	x := hostgraph.FromFloat32("x", 2, 2, []float32{1, 2, 3, 4})
	bt := newBatch(b, hostgraph.Build(hostgraph.MulMat(x, x)))
	bt.planDispatches()
	a, err := bt.acquireArena()
	require.NoError(t, err)
	require.Equal(t, arena.Active, bt.manager.State())

	bt.release()
	bt.release()
	assert.True(t, a.IsReleased())
	assert.Equal(t, arena.Uninitialized, bt.manager.State())
	assert.Empty(t, bt.dispatches)
	stats := b.Stats()
	assert.Equal(t, 1, stats.Arenas)
	assert.Equal(t, 1, stats.ArenasReleased, "released arenas are recorded once")
}

func TestRejectedBeforeDispatch(t *testing.T) {
	x := hostgraph.FromFloat32("x", 2, 32, iota32(2, 32, 0))
	good := hostgraph.MulMat(x, x)

	t.Run("Q8_0", func(t *testing.T) {
		b, rec := newTestBackend(t, "")
		q := hostgraph.NewTensor2D("q", hostgraph.Q8_0, 4, 32)
		err := b.GraphCompute(hostgraph.Build(good, hostgraph.MulMat(x, q)))
		require.Error(t, err)
		assert.True(t, errors.Is(err, backends.ErrNotImplemented))
		assert.Empty(t, rec.calls)
		assert.Zero(t, b.Stats().Arenas)
	})

	t.Run("Unsupported op", func(t *testing.T) {
		b, rec := newTestBackend(t, "")
		err := b.GraphCompute(hostgraph.Build(good, hostgraph.Scale(good, "0.5")))
		require.ErrorContains(t, err, "SCALE")
		assert.Empty(t, rec.calls)
	})

	t.Run("Add without MulMat", func(t *testing.T) {
		b, rec := newTestBackend(t, "")
		err := b.GraphCompute(hostgraph.Build(good, hostgraph.Add(x, x)))
		require.ErrorContains(t, err, "ADD")
		assert.Empty(t, rec.calls)
	})

	t.Run("Arena limit", func(t *testing.T) {
		b, rec := newTestBackend(t, "max_arena=4KiB")
		err := b.GraphCompute(hostgraph.Build(good))
		require.ErrorContains(t, err, "maximum")
		assert.Empty(t, rec.calls)
		assert.Zero(t, b.Stats().Arenas)
	})

	t.Run("Finalized", func(t *testing.T) {
		b, rec := newTestBackend(t, "")
		b.Finalize()
		require.True(t, b.IsFinalized())
		require.Error(t, b.GraphCompute(hostgraph.Build(good)))
		assert.Empty(t, rec.calls)
	})
}

func TestRandomBatches(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 14))
	dim := func() int { return 1 + rng.IntN(70) }
	random := func(name string, rows, cols int) *hostgraph.Tensor {
		v := make([]float32, rows*cols)
		for ii := range v {
			v[ii] = float32(rng.IntN(41)-20) + 0.5
		}
		return hostgraph.FromFloat32(name, rows, cols, v)
	}
	for _, config := range []string{"policy=sequential,parallelism=0", "policy=retain,parallelism=4"} {
		b := must.M1(New(config)).(*Backend)
		for batch := range 5 {
			t.Run(fmt.Sprintf("%s/%d", config, batch), func(t *testing.T) {
				k := dim()
				w := random("w", dim(), k)
				var outputs []*hostgraph.Tensor
				var wants [][]float32
				for op := range 3 {
					x := random(fmt.Sprintf("x%d", op), dim(), k)
					mm := hostgraph.MulMat(x, w)
					if op%2 == 0 {
						outputs = append(outputs, mm)
						wants = append(wants, reference(x, w, nil))
						continue
					}
					bias := random("bias", 1, w.Rows())
					outputs = append(outputs, hostgraph.Add(mm, bias))
					wants = append(wants, reference(x, w, bias))
				}
				require.NoError(t, b.GraphCompute(hostgraph.Build(outputs...)))
				for ii, output := range outputs {
					require.Equal(t, wants[ii], output.Float32s(), "output %q", output.Name)
				}
			})
		}
		stats := b.Stats()
		assert.Equal(t, stats.Arenas, stats.ArenasReleased)
		assert.LessOrEqual(t, stats.PeakUsedBytes, stats.PeakArenaBytes)
	}
}
