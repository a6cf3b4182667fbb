// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

func opsTestProblem() layout.Problem {
	return layout.Problem{
		M: 8, N: 8, K: 2, L: 1,
		TileM: 8, TileN: 8,
		SubTileM: 4, SubTileN: 4,
		FragLen:      4,
		StagingDepth: 2,
	}
}

// bindOp runs the dry-run host setup and binds the operation.
func bindOp(t *testing.T, problem layout.Problem, op fusion.Op, args fusion.Arguments) fusion.Node {
	params, err := op.FinalizeParams(problem, args, nil)
	require.NoError(t, err)
	staging := make([]byte, op.StagingSize(problem, args))
	return op.Bind(problem, args, params, staging)
}

func frag(values ...float64) fusion.Fragment {
	out := fusion.NewFragment(dtypes.Float32, len(values))
	for i, v := range values {
		out.Set(i, v)
	}
	return out
}

func visitOnce(t *testing.T, op fusion.Op, args fusion.Arguments, acc fusion.Fragment, inputs ...fusion.Fragment) fusion.Fragment {
	problem := opsTestProblem()
	node := bindOp(t, problem, op, args)
	ccb := node.ConsumerStore(fusion.ConsumerStoreArgs{Problem: problem, NumThreads: 1, FragEnd: 1})
	return ccb.Visit(acc, 0, 0, 0, inputs...)
}

func TestComputeFunctors(t *testing.T) {
	in := frag(-1.5, 0, 2)
	acc := frag(0, 0, 0)

	tests := []struct {
		op   *ComputeOp
		want []float64
		tol  float64
	}{
		{Identity(dtypes.Float32), []float64{-1.5, 0, 2}, 0},
		{ReLU(dtypes.Float32), []float64{0, 0, 2}, 0},
		{GELU(dtypes.Float32), []float64{-0.100211, 0, 1.954500}, 1e-5},
		{Clamp(dtypes.Float32, -1, 1), []float64{-1, 0, 1}, 0},
	}
	for _, test := range tests {
		t.Run(test.op.Name(), func(t *testing.T) {
			out := visitOnce(t, test.op, nil, acc, in)
			require.Equal(t, in.Len(), out.Len())
			for i, want := range test.want {
				assert.InDelta(t, want, out.At(i), test.tol, "lane %d", i)
			}
		})
	}
}

func TestComputeBinaryAndTernary(t *testing.T) {
	acc := frag(0, 0)
	a := frag(2, -3)
	b := frag(5, 4)
	c := frag(1, 1)

	out := visitOnce(t, Add(dtypes.Float32), nil, acc, a, b)
	assert.Equal(t, 7.0, out.At(0))
	assert.Equal(t, 1.0, out.At(1))

	out = visitOnce(t, Multiply(dtypes.Float32), nil, acc, a, b)
	assert.Equal(t, 10.0, out.At(0))
	assert.Equal(t, -12.0, out.At(1))

	out = visitOnce(t, MultiplyAdd(dtypes.Float32), nil, acc, a, b, c)
	assert.Equal(t, 11.0, out.At(0))
	assert.Equal(t, -11.0, out.At(1))
}

func TestComputeOutputDType(t *testing.T) {
	out := visitOnce(t, Identity(dtypes.Float64), nil, frag(1), frag(1))
	assert.Equal(t, dtypes.Float64, out.DType())
}

func TestComputeArityMismatchPanics(t *testing.T) {
	require.Panics(t, func() {
		visitOnce(t, Add(dtypes.Float32), nil, frag(0), frag(1))
	})
}

func TestComputeNegativeArityPanics(t *testing.T) {
	require.Panics(t, func() {
		Compute("bad", dtypes.Float32, -1, nil)
	})
}

func TestComputeUnsupportedDType(t *testing.T) {
	assert.False(t, Identity(dtypes.Bool).CanImplement(opsTestProblem(), nil))
}
