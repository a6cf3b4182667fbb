// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

// Recipes assemble the composition and its matching nested arguments for
// the common epilogues. Each returns an operation plus the []Arguments tree
// mirroring its internal order.

// LinearCombination builds alpha*acc + beta*source. A zero beta or an
// invalid source drops the source term (and its load) entirely.
func LinearCombination(dtype dtypes.DType, alpha, beta float64, source layout.TensorRef) (fusion.Op, fusion.Arguments) {
	if beta == 0 || !source.Ok() {
		op := fusion.Tree(Multiply(dtype), ScalarBroadcast(), AccFetch())
		args := []fusion.Arguments{ScalarBroadcastArgs{Value: alpha, DType: dtype}, nil, nil}
		return op, args
	}
	op := fusion.Tree(MultiplyAdd(dtype),
		ScalarBroadcast(),
		AccFetch(),
		fusion.Tree(Multiply(dtype), ScalarBroadcast(), AuxLoad()),
	)
	args := []fusion.Arguments{
		ScalarBroadcastArgs{Value: alpha, DType: dtype},
		nil,
		[]fusion.Arguments{
			ScalarBroadcastArgs{Value: beta, DType: dtype},
			AuxLoadArgs{Tensor: source, Source: true},
			nil,
		},
		nil,
	}
	return op, args
}

// LinearCombinationBias builds alpha*acc + beta*source + bias, with bias a
// per-column vector broadcast down the rows.
func LinearCombinationBias(dtype dtypes.DType, alpha, beta float64, source layout.TensorRef, bias layout.TensorRef) (fusion.Op, fusion.Arguments) {
	if !bias.Ok() {
		return LinearCombination(dtype, alpha, beta, source)
	}
	inner, innerArgs := LinearCombination(dtype, alpha, beta, source)
	op := fusion.Tree(Add(dtype), inner, RowBroadcast())
	args := []fusion.Arguments{innerArgs, RowBroadcastArgs{Vector: bias}, nil}
	return op, args
}

// WithActivation applies the unary activation to the result of inner.
func WithActivation(activation *ComputeOp, inner fusion.Op, innerArgs fusion.Arguments) (fusion.Op, fusion.Arguments) {
	op := fusion.Tree(activation, inner)
	args := []fusion.Arguments{innerArgs, nil}
	return op, args
}
