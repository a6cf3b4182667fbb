// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

// ComputeOp applies an elementwise functor to its input fragments, lane by
// lane, emitting a fragment of the configured dtype. The functor and arity
// are fixed at composition time; ComputeOp takes no host arguments.
type ComputeOp struct {
	baseOp
	name  string
	dtype dtypes.DType
	arity int
	fn    func(ins []float64) float64
}

var _ fusion.Op = (*ComputeOp)(nil)

// Compute returns an elementwise operation of the given arity applying fn
// lane-wise. The accumulator fragment is not an implicit input: leaf inputs
// are wired explicitly by the composition.
func Compute(name string, dtype dtypes.DType, arity int, fn func(ins []float64) float64) *ComputeOp {
	if arity < 0 {
		exceptions.Panicf("fusionops.Compute(%q): negative arity %d", name, arity)
	}
	return &ComputeOp{name: name, dtype: dtype, arity: arity, fn: fn}
}

func (op *ComputeOp) Name() string { return op.name }

func (op *ComputeOp) CanImplement(_ layout.Problem, _ fusion.Arguments) bool {
	return supportedDType(op.dtype)
}

func (op *ComputeOp) Bind(layout.Problem, fusion.Arguments, fusion.Params, []byte) fusion.Node {
	return computeNode{op: op}
}

type computeNode struct {
	baseNode
	op *ComputeOp
}

func (n computeNode) ConsumerStore(fusion.ConsumerStoreArgs) fusion.ConsumerStoreCallbacks {
	return computeCallbacks{op: n.op}
}

type computeCallbacks struct {
	fusion.EmptyConsumerStoreCallbacks
	op *ComputeOp
}

func (c computeCallbacks) Visit(acc fusion.Fragment, _, _, _ int, inputs ...fusion.Fragment) fusion.Fragment {
	op := c.op
	if len(inputs) != op.arity {
		exceptions.Panicf("fusionops.Compute(%q): %d input fragments for arity %d", op.name, len(inputs), op.arity)
	}
	length := acc.Len()
	out := fusion.NewFragment(op.dtype, length)
	ins := make([]float64, op.arity)
	for lane := range length {
		for k, in := range inputs {
			ins[k] = in.At(lane)
		}
		out.Set(lane, op.fn(ins))
	}
	return out
}

// Identity passes its single input through, converting to dtype. Used as the
// type-conversion stage of an epilogue.
func Identity(dtype dtypes.DType) *ComputeOp {
	return Compute("Identity", dtype, 1, func(ins []float64) float64 { return ins[0] })
}

// ReLU clamps its single input at zero.
func ReLU(dtype dtypes.DType) *ComputeOp {
	return Compute("ReLU", dtype, 1, func(ins []float64) float64 {
		return math.Max(ins[0], 0)
	})
}

// GELU applies x * 0.5 * (1 + erf(x/sqrt(2))) to its single input.
func GELU(dtype dtypes.DType) *ComputeOp {
	return Compute("GELU", dtype, 1, func(ins []float64) float64 {
		x := ins[0]
		return x * 0.5 * (1 + math.Erf(x/math.Sqrt2))
	})
}

// Clamp limits its single input to [lo, hi].
func Clamp(dtype dtypes.DType, lo, hi float64) *ComputeOp {
	return Compute("Clamp", dtype, 1, func(ins []float64) float64 {
		return math.Min(math.Max(ins[0], lo), hi)
	})
}

// Add sums its two inputs.
func Add(dtype dtypes.DType) *ComputeOp {
	return Compute("Add", dtype, 2, func(ins []float64) float64 { return ins[0] + ins[1] })
}

// Multiply multiplies its two inputs.
func Multiply(dtype dtypes.DType) *ComputeOp {
	return Compute("Multiply", dtype, 2, func(ins []float64) float64 { return ins[0] * ins[1] })
}

// MultiplyAdd computes ins[0]*ins[1] + ins[2].
func MultiplyAdd(dtype dtypes.DType) *ComputeOp {
	return Compute("MultiplyAdd", dtype, 3, func(ins []float64) float64 {
		return ins[0]*ins[1] + ins[2]
	})
}
