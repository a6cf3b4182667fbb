// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

func TestAccFetch(t *testing.T) {
	acc := frag(1, 2, 3)
	out := visitOnce(t, AccFetch(), nil, acc)
	require.Equal(t, acc.Len(), out.Len())
	for i := 0; i < acc.Len(); i++ {
		assert.Equal(t, acc.At(i), out.At(i))
	}
}

func TestScalarBroadcast(t *testing.T) {
	problem := opsTestProblem()
	args := ScalarBroadcastArgs{Value: 2.5, DType: dtypes.Float32}
	out := visitOnce(t, ScalarBroadcast(), args, frag(0, 0, 0, 0))
	require.Equal(t, problem.FragLen, out.Len())
	for i := 0; i < out.Len(); i++ {
		assert.Equal(t, 2.5, out.At(i))
	}
}

func TestScalarBroadcastDefaultsToFloat32(t *testing.T) {
	out := visitOnce(t, ScalarBroadcast(), ScalarBroadcastArgs{Value: 1}, frag(0))
	assert.Equal(t, dtypes.Float32, out.DType())
}

func TestScalarBroadcastUnsupportedDType(t *testing.T) {
	assert.False(t, ScalarBroadcast().CanImplement(opsTestProblem(), ScalarBroadcastArgs{DType: dtypes.Bool}))
}

func TestScalarBroadcastPerBatch(t *testing.T) {
	problem := opsTestProblem()
	problem.L = 3
	op := ScalarBroadcast()
	args := ScalarBroadcastArgs{Value: 1, PerBatch: []float64{2, 4, 8}}
	require.True(t, op.CanImplement(problem, args))
	require.Equal(t, 12, op.WorkspaceSize(problem, args))

	workspace := make([]byte, op.WorkspaceSize(problem, args))
	params, err := op.FinalizeParams(problem, args, workspace)
	require.NoError(t, err)
	require.NoError(t, op.InitializeWorkspace(context.Background(), problem, args, workspace))
	node := op.Bind(problem, args, params, nil)

	for l, want := range []float64{2, 4, 8} {
		ccb := node.ConsumerStore(fusion.ConsumerStoreArgs{
			Problem: problem, Tile: layout.TileCoord{L: l}, NumThreads: 1, FragEnd: 1,
		})
		out := ccb.Visit(fusion.Fragment{}, 0, 0, 0)
		require.Equal(t, problem.FragLen, out.Len())
		for lane := 0; lane < out.Len(); lane++ {
			assert.Equal(t, want, out.At(lane), "l=%d lane=%d", l, lane)
		}
	}
}

func TestScalarBroadcastPerBatchLengthMismatch(t *testing.T) {
	problem := opsTestProblem()
	problem.L = 3
	args := ScalarBroadcastArgs{PerBatch: []float64{1, 2}}
	assert.False(t, ScalarBroadcast().CanImplement(problem, args))
}

func TestTypedViewPanicsOnShortBuffer(t *testing.T) {
	require.Panics(t, func() { typedView[float32](make([]byte, 4), 2) })
}

func TestStagingView(t *testing.T) {
	b := make([]byte, 16)
	view := stagingView(dtypes.Float32, b, 4).([]float32)
	view[0] = 1.5
	assert.EqualValues(t, 1.5, view[0])

	require.Panics(t, func() { stagingView(dtypes.Bool, b, 4) })
}
