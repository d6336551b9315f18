// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gemmini_bench runs random batches of matrix multiplications through the Gemmini backend and
// reports the arena plans, the memory used and, optionally, the error against a float reference.
//
// Example:
//
//	gemmini_bench -batches=20 -ops=4 -max_dim=512 -bias -backend="gemmini:policy=retain" -verify
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/code0-god/ggml-gemmini/backends"
	"github.com/code0-god/ggml-gemmini/backends/gemmini"
	"github.com/code0-god/ggml-gemmini/backends/gemmini/planner"
	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBatches = flag.Int("batches", 10, "Number of batches (graph executions) to run.")
	flagOps     = flag.Int("ops", 3, "Number of matrix multiplications per batch.")
	flagMaxDim  = flag.Int("max_dim", 256, "Largest extent of the random matrices, each dimension is drawn from [1, max_dim].")
	flagBias    = flag.Bool("bias", false, "Add a fused bias to every other matrix multiplication.")
	flagSeed    = flag.Uint64("seed", 42, "Seed for the random shapes and values.")
	flagBackend = flag.String("backend", "gemmini", "Backend configuration, formatted as \"<backend_name>:<config>\". "+
		"If empty, $"+backends.ConfigEnvVar+" is used.")
	flagVerify = flag.Bool("verify", false, "Verify the results against a float reference.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// batchReport is one row of the report.
type batchReport struct {
	plan     planner.Plan
	elapsed  time.Duration
	maxError float64
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(newBackend); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// newBackend creates the backend selected by -backend.
func newBackend() (backends.Backend, error) {
	if *flagBackend == "" {
		return backends.New()
	}
	return backends.NewWithConfig(*flagBackend)
}

// run executes the benchmark. The backend is finalized before it returns, on success or failure.
func run(newBackendFn func() (backends.Backend, error)) error {
	if *flagBatches <= 0 || *flagOps <= 0 || *flagMaxDim <= 0 {
		return errors.New("-batches, -ops and -max_dim must be positive. See 'gemmini_bench -help'.")
	}
	backend, err := newBackendFn()
	if err != nil {
		return err
	}
	defer backend.Finalize()
	gemminiBackend, ok := backend.(*gemmini.Backend)
	if !ok {
		return errors.Errorf("backend %q is not a Gemmini backend", backend.Name())
	}
	fmt.Println(titleStyle.Render(gemminiBackend.Description()))

	rng := rand.New(rand.NewPCG(*flagSeed, 0))
	reports := make([]batchReport, 0, *flagBatches)
	bar := progressbar.NewOptions(*flagBatches,
		progressbar.OptionSetDescription("batches"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	for ii := range *flagBatches {
		g, expected := randomBatch(rng)
		start := time.Now()
		if err := backend.GraphCompute(g); err != nil {
			_ = bar.Exit()
			return errors.WithMessagef(err, "batch #%d failed", ii)
		}
		report := batchReport{plan: gemminiBackend.Stats().LastPlan, elapsed: time.Since(start)}
		if *flagVerify {
			report.maxError = maxAbsError(expected)
		}
		reports = append(reports, report)
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Println()
	printReport(gemminiBackend, reports)
	return nil
}

// expectedOutput pairs an output node with its reference values.
type expectedOutput struct {
	node   *hostgraph.Tensor
	values []float32
}

// randomBatch builds a graph of *flagOps matrix multiplications with integer valued operands.
func randomBatch(rng *rand.Rand) (*hostgraph.Graph, []expectedOutput) {
	dim := func() int { return 1 + rng.IntN(*flagMaxDim) }
	random := func(name string, rows, cols int) *hostgraph.Tensor {
		values := make([]float32, rows*cols)
		for ii := range values {
			values[ii] = float32(rng.IntN(255) - 127)
		}
		return hostgraph.FromFloat32(name, rows, cols, values)
	}

	var outputs []*hostgraph.Tensor
	var expected []expectedOutput
	for op := range *flagOps {
		k := dim()
		x := random(fmt.Sprintf("x%d", op), dim(), k)
		w := random(fmt.Sprintf("w%d", op), dim(), k)
		node := hostgraph.MulMat(x, w)
		var bias *hostgraph.Tensor
		if *flagBias && op%2 == 1 {
			bias = random(fmt.Sprintf("b%d", op), 1, w.Rows())
			node = hostgraph.Add(node, bias)
		}
		outputs = append(outputs, node)
		if *flagVerify {
			expected = append(expected, expectedOutput{node: node, values: referenceMatMul(x, w, bias)})
		}
	}
	return hostgraph.Build(outputs...), expected
}

// referenceMatMul computes x * w^T + bias in float64.
func referenceMatMul(x, w, bias *hostgraph.Tensor) []float32 {
	values := make([]float32, 0, x.Rows()*w.Rows())
	for i := range x.Rows() {
		for j := range w.Rows() {
			var sum float64
			for k := range x.Cols() {
				sum += float64(x.Float32At(i, k)) * float64(w.Float32At(j, k))
			}
			if bias != nil {
				sum += float64(bias.Float32At(0, j))
			}
			values = append(values, float32(sum))
		}
	}
	return values
}

func maxAbsError(expected []expectedOutput) float64 {
	var maxErr float64
	for _, e := range expected {
		for ii, got := range e.node.Float32s() {
			maxErr = max(maxErr, math.Abs(float64(got)-float64(e.values[ii])))
		}
	}
	return maxErr
}

func printReport(b *gemmini.Backend, reports []batchReport) {
	table := newPlainTable(true)
	headers := []string{"Batch", "MatMuls", "Policy", "Data", "Buffers", "Arena", "Peak op", "Time"}
	if *flagVerify {
		headers = append(headers, "Max |error|")
	}
	table.Headers(headers...)
	for ii, report := range reports {
		row := []string{
			humanize.Comma(int64(ii)),
			humanize.Comma(int64(report.plan.NumMatMuls)),
			report.plan.Policy.String(),
			humanize.IBytes(uint64(report.plan.DataBytes)),
			humanize.Comma(int64(report.plan.MetadataCount)),
			humanize.IBytes(uint64(report.plan.ArenaSize())),
			report.plan.PeakNode,
			report.elapsed.Round(time.Microsecond).String(),
		}
		if *flagVerify {
			row = append(row, fmt.Sprintf("%g", report.maxError))
		}
		table.Row(row...)
	}
	fmt.Println(table.Render())

	stats := b.Stats()
	fmt.Println(titleStyle.Render("Summary"))
	summary := newPlainTable(false)
	summary.Row("backend", b.String())
	summary.Row("batches", humanize.Comma(int64(stats.Batches)))
	summary.Row("matmuls", humanize.Comma(int64(stats.MatMuls)))
	summary.Row("fused biases", humanize.Comma(int64(stats.FusedAdd)))
	summary.Row("arenas allocated / released", fmt.Sprintf("%d / %d", stats.Arenas, stats.ArenasReleased))
	summary.Row("largest arena", humanize.IBytes(uint64(stats.PeakArenaBytes)))
	summary.Row("largest high-water mark", humanize.IBytes(uint64(stats.PeakUsedBytes)))
	fmt.Println(summary.Render())
}
