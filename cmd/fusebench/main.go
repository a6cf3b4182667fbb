// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

// fusebench builds a fused epilogue over a synthetic matrix-product problem,
// runs it through the tile pipeline, optionally verifies every output element
// against a scalar reference, and reports workspace/staging footprints and
// throughput.
//
// Example:
//
//	fusebench -m=1024 -n=768 -k=512 -alpha=1.25 -beta=0.5 -activation=gelu \
//	    -row_reduce=sum -iters=20
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/fusion/fusionops"
	"github.com/tilefuse/tilefuse/layout"
	"github.com/tilefuse/tilefuse/pipeline"
	"github.com/tilefuse/tilefuse/types/shapes"
)

var (
	flagM = flag.Int("m", 512, "Rows of the output matrix.")
	flagN = flag.Int("n", 384, "Columns of the output matrix.")
	flagK = flag.Int("k", 256, "Inner (contraction) dimension of the matrix product.")
	flagL = flag.Int("l", 1, "Batch count.")

	flagTileM    = flag.Int("tile_m", 128, "Tile rows.")
	flagTileN    = flag.Int("tile_n", 128, "Tile columns.")
	flagSubTileM = flag.Int("sub_m", 32, "Sub-tile rows, the unit of one pipeline sub-step.")
	flagSubTileN = flag.Int("sub_n", 32, "Sub-tile columns.")
	flagFragLen  = flag.Int("frag", 8, "Lanes per fragment, the unit of one visit.")
	flagDepth    = flag.Int("staging_depth", 2, "In-flight staging buffers between the load stage and the consumers.")
	flagThreads  = flag.Int("threads", 4, "Consumer thread group size.")

	flagAlpha = flag.Float64("alpha", 1.25, "Accumulator scale.")
	flagBeta  = flag.Float64("beta", 0.5, "Source term scale. Zero drops the source tensor and its load stage entirely.")
	flagBias  = flag.Bool("bias", true, "Add a per-column bias vector, broadcast down the rows.")
	flagActivation = flag.String("activation", "relu",
		"Activation applied to the combined value: \"none\", \"relu\" or \"gelu\".")
	flagAuxStore = flag.Bool("aux_store", false,
		"Also store the pre-activation values to an auxiliary tensor, on a separate branch of the epilogue.")
	flagRowReduce = flag.String("row_reduce", "",
		"Reduce the pre-activation values along each row into the workspace: \"\", \"sum\" or \"max\".")

	flagIters  = flag.Int("iters", 10, "Timed iterations over the full problem.")
	flagVerify = flag.Bool("verify", true, "Check every output element against a scalar reference before timing.")
	flagSeed   = flag.Int64("seed", 42, "Seed for the synthetic inputs.")
)

func main() {
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("fusebench takes no positional arguments. See 'fusebench -help'.")
		os.Exit(1)
	}
	b := newBench()
	b.buildEpilogue()
	b.run()
}

const benchDType = dtypes.Float32

// bench holds one problem instance: the synthetic operands, the accumulator
// produced by a reference matrix product, and the composed epilogue.
type bench struct {
	problem layout.Problem
	rng     *rand.Rand

	acc, dst, source, bias, aux layout.TensorRef

	op   fusion.Op
	args fusion.Arguments
	// Path of indices from the composite params down to the row-reduction
	// params; nil when no reduction was requested.
	reducePath []int
	reduceKind fusionops.ReduceKind
}

func newBench() *bench {
	b := &bench{
		problem: layout.Problem{
			M: *flagM, N: *flagN, K: *flagK, L: *flagL,
			TileM: *flagTileM, TileN: *flagTileN,
			SubTileM: *flagSubTileM, SubTileN: *flagSubTileN,
			FragLen:      *flagFragLen,
			StagingDepth: *flagDepth,
		},
		rng: rand.New(rand.NewSource(*flagSeed)),
	}
	must.M(b.problem.Validate())

	p := b.problem
	outShape := shapes.Make(benchDType, p.L, p.M, p.N)
	b.acc = layout.NewTensorRef(outShape)
	b.dst = layout.NewTensorRef(outShape)
	b.fillAccumulator()
	if *flagBeta != 0 {
		b.source = b.randomTensor(outShape)
	}
	if *flagBias {
		b.bias = b.randomTensor(shapes.Make(benchDType, p.N))
	}
	if *flagAuxStore {
		b.aux = layout.NewTensorRef(outShape)
	}
	return b
}

func (b *bench) randomTensor(shape shapes.Shape) layout.TensorRef {
	t := layout.NewTensorRef(shape)
	for i := 0; i < t.Len(); i++ {
		t.Set(i, 2*b.rng.Float64()-1)
	}
	return t
}

// fillAccumulator computes acc = lhs x rhs per batch with random operands.
func (b *bench) fillAccumulator() {
	p := b.problem
	for l := 0; l < p.L; l++ {
		lhs := mat.NewDense(p.M, p.K, b.randomValues(p.M*p.K))
		rhs := mat.NewDense(p.K, p.N, b.randomValues(p.K*p.N))
		var out mat.Dense
		out.Mul(lhs, rhs)
		for m := 0; m < p.M; m++ {
			for n := 0; n < p.N; n++ {
				b.acc.Set(p.Offset(l, m, n), out.At(m, n))
			}
		}
	}
}

func (b *bench) randomValues(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = 2*b.rng.Float64() - 1
	}
	return values
}

func (b *bench) activation() *fusionops.ComputeOp {
	switch *flagActivation {
	case "", "none":
		return nil
	case "relu":
		return fusionops.ReLU(benchDType)
	case "gelu":
		return fusionops.GELU(benchDType)
	}
	klog.Errorf("Unknown -activation=%q, want \"none\", \"relu\" or \"gelu\".", *flagActivation)
	os.Exit(1)
	return nil
}

// buildEpilogue assembles the requested epilogue from the inside out:
// alpha*acc + beta*source + bias, then the row reduction, then an auxiliary
// store branch and/or the activation.
func (b *bench) buildEpilogue() {
	op, args := fusionops.LinearCombinationBias(benchDType, *flagAlpha, *flagBeta, b.source, b.bias)

	if *flagRowReduce != "" {
		switch *flagRowReduce {
		case "sum":
			b.reduceKind = fusionops.ReduceSum
		case "max":
			b.reduceKind = fusionops.ReduceMax
		default:
			klog.Errorf("Unknown -row_reduce=%q, want \"\", \"sum\" or \"max\".", *flagRowReduce)
			os.Exit(1)
		}
		op = fusion.Tree(fusionops.RowReduce(), op)
		args = []fusion.Arguments{args, fusionops.RowReduceArgs{Kind: b.reduceKind}}
		b.reducePath = []int{1}
	}

	act := b.activation()
	if *flagAuxStore {
		output := act
		if output == nil {
			output = fusionops.Identity(benchDType)
		}
		op = fusion.SplitTree(op,
			fusion.Tree(output, fusionops.AccFetch()),
			fusion.Tree(fusionops.AuxStore(), fusionops.AccFetch()))
		args = []fusion.Arguments{args,
			[]fusion.Arguments{nil, fusionops.AuxStoreArgs{Tensor: b.aux}},
			[]fusion.Arguments{nil, nil}}
		b.reducePath = append([]int{0}, b.reducePath...)
	} else if act != nil {
		op, args = fusionops.WithActivation(act, op, args)
		b.reducePath = append([]int{0}, b.reducePath...)
	}
	b.op = op
	b.args = args
}

func (b *bench) run() {
	p := b.problem
	fmt.Printf("Problem: %dx%dx%d", p.M, p.N, p.K)
	if p.L > 1 {
		fmt.Printf(" x%d batches", p.L)
	}
	fmt.Printf(", %dx%d tiles (%d), %dx%d sub-tiles (%d steps/tile), %d lanes/fragment\n",
		p.TileM, p.TileN, p.NumTiles(), p.SubTileM, p.SubTileN, p.NumSteps(), p.FragLen)
	fmt.Printf("Epilogue: %s, workspace %s, staging %s x%d deep, %d consumer threads\n",
		b.op.Name(),
		humanize.Bytes(uint64(b.op.WorkspaceSize(p, b.args))),
		humanize.Bytes(uint64(b.op.StagingSize(p, b.args))),
		p.StagingDepth, *flagThreads)

	ctx := context.Background()
	exec := must.M1(pipeline.Prepare(ctx, p, b.op, b.args, pipeline.Config{NumThreads: *flagThreads}))

	if *flagVerify {
		must.M(exec.Run(ctx, b.acc, b.dst))
		b.verify(exec)
		fmt.Println("Verification: PASSED")
	}

	iters := *flagIters
	if iters <= 0 {
		return
	}
	bar := progressbar.Default(int64(iters), "benchmark")
	start := time.Now()
	for i := 0; i < iters; i++ {
		must.M(exec.Run(ctx, b.acc, b.dst))
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)
	perIter := elapsed / time.Duration(iters)
	elements := int64(p.L) * int64(p.M) * int64(p.N)
	rate := float64(elements) / perIter.Seconds()
	fmt.Printf("Timing: %s/iteration over %d iterations, %s elements/s\n",
		perIter.Round(time.Microsecond), iters, humanize.SIWithDigits(rate, 2, ""))
}

// verify recomputes every output element with plain scalar arithmetic and
// compares, including the auxiliary tensor and the row-reduction results.
// It must run after exactly one pipeline pass: the reduction workspace
// accumulates across passes.
func (b *bench) verify(exec *pipeline.Executor) {
	p := b.problem
	var rowRef []float64
	if b.reducePath != nil {
		rowRef = make([]float64, p.L*p.M)
		for i := range rowRef {
			rowRef[i] = b.reduceIdentity()
		}
	}
	for l := 0; l < p.L; l++ {
		for m := 0; m < p.M; m++ {
			for n := 0; n < p.N; n++ {
				off := p.Offset(l, m, n)
				v := *flagAlpha * b.acc.At(off)
				if b.source.Ok() {
					v += *flagBeta * b.source.At(off)
				}
				if b.bias.Ok() {
					v += b.bias.At(n)
				}
				if rowRef != nil {
					rowRef[l*p.M+m] = b.reduceFold(rowRef[l*p.M+m], v)
				}
				if b.aux.Ok() {
					checkClose("aux", l, m, n, b.aux.At(off), v)
				}
				checkClose("output", l, m, n, b.dst.At(off), referenceActivation(v))
			}
		}
	}
	if rowRef != nil {
		results := fusionops.RowReduceResults(paramsAt(exec.Params(), b.reducePath))
		for i, want := range rowRef {
			checkClose("row reduction", i/p.M, i%p.M, -1, float64(results[i]), want)
		}
	}
}

func (b *bench) reduceIdentity() float64 {
	if b.reduceKind == fusionops.ReduceMax {
		return math.Inf(-1)
	}
	return 0
}

func (b *bench) reduceFold(a, v float64) float64 {
	if b.reduceKind == fusionops.ReduceMax {
		return math.Max(a, v)
	}
	return a + v
}

func referenceActivation(v float64) float64 {
	switch *flagActivation {
	case "relu":
		return math.Max(0, v)
	case "gelu":
		return v * 0.5 * (1 + math.Erf(v/math.Sqrt2))
	}
	return v
}

func checkClose(what string, l, m, n int, got, want float64) {
	// The pipeline rounds through float32 fragments, the reference does not.
	tol := 1e-3 * math.Max(1, math.Abs(want))
	if math.Abs(got-want) <= tol {
		return
	}
	klog.Errorf("Verification FAILED: %s at (l=%d, m=%d, n=%d): got %g, want %g", what, l, m, n, got, want)
	os.Exit(1)
}

// paramsAt walks a nested composite params down the given child indices.
func paramsAt(params fusion.Params, path []int) fusion.Params {
	for _, i := range path {
		params = params.([]fusion.Params)[i]
	}
	return params
}
