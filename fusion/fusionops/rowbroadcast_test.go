// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
	"github.com/tilefuse/tilefuse/types/shapes"
)

func TestRowBroadcastStagesColumnSegment(t *testing.T) {
	problem := opsTestProblem()
	vector := layout.NewTensorRef(shapes.Make(dtypes.Float32, problem.N))
	for j := 0; j < problem.N; j++ {
		vector.Set(j, float64(10+j))
	}

	node := bindOp(t, problem, RowBroadcast(), RowBroadcastArgs{Vector: vector})
	require.True(t, node.IsProducerLoadNeeded())

	// Sub-step (0, 1) covers columns 4..7.
	stageStep(node, problem, layout.TileCoord{}, 0, 1)

	ccb := node.ConsumerStore(fusion.ConsumerStoreArgs{Problem: problem, NumThreads: 1, FragEnd: problem.FragmentsPerStep()})
	for fragIdx := 0; fragIdx < problem.FragmentsPerStep(); fragIdx++ {
		out := ccb.Visit(frag(0, 0, 0, 0), fragIdx, 0, 1)
		// Every row of the sub-tile sees the same column values.
		for lane := 0; lane < problem.FragLen; lane++ {
			assert.Equal(t, float64(14+lane), out.At(lane), "frag %d lane %d", fragIdx, lane)
		}
	}
}

func TestRowBroadcastBatched(t *testing.T) {
	problem := opsTestProblem()
	problem.L = 2
	vector := layout.NewTensorRef(shapes.Make(dtypes.Float32, problem.L, problem.N))
	for j := 0; j < problem.N; j++ {
		vector.Set(j, 1)
		vector.Set(problem.N+j, 2)
	}

	node := bindOp(t, problem, RowBroadcast(), RowBroadcastArgs{Vector: vector})
	stageStep(node, problem, layout.TileCoord{L: 1}, 0, 0)

	ccb := node.ConsumerStore(fusion.ConsumerStoreArgs{Problem: problem, NumThreads: 1, FragEnd: problem.FragmentsPerStep()})
	out := ccb.Visit(frag(0, 0, 0, 0), 0, 0, 0)
	assert.Equal(t, 2.0, out.At(0))
}

func TestRowBroadcastZeroFillsOutOfBounds(t *testing.T) {
	problem := opsTestProblem()
	problem.N = 6 // columns 6 and 7 of the single 8x8 tile fall outside
	vector := layout.NewTensorRef(shapes.Make(dtypes.Float32, problem.N))
	for j := 0; j < problem.N; j++ {
		vector.Set(j, 3)
	}

	node := bindOp(t, problem, RowBroadcast(), RowBroadcastArgs{Vector: vector})
	stageStep(node, problem, layout.TileCoord{}, 0, 1)

	ccb := node.ConsumerStore(fusion.ConsumerStoreArgs{Problem: problem, NumThreads: 1, FragEnd: problem.FragmentsPerStep()})
	out := ccb.Visit(frag(0, 0, 0, 0), 0, 0, 1)
	assert.Equal(t, 3.0, out.At(0)) // col 4
	assert.Equal(t, 3.0, out.At(1)) // col 5
	assert.Equal(t, 0.0, out.At(2)) // col 6, predicated
	assert.Equal(t, 0.0, out.At(3)) // col 7, predicated
}

func TestRowBroadcastCanImplement(t *testing.T) {
	problem := opsTestProblem()
	op := RowBroadcast()
	assert.True(t, op.CanImplement(problem, RowBroadcastArgs{Vector: layout.NewTensorRef(shapes.Make(dtypes.Float32, problem.N))}))
	assert.False(t, op.CanImplement(problem, RowBroadcastArgs{Vector: layout.NewTensorRef(shapes.Make(dtypes.Float32, problem.N+1))}))
	assert.False(t, op.CanImplement(problem, RowBroadcastArgs{}))
}

func TestRowBroadcastStagingSize(t *testing.T) {
	problem := opsTestProblem()
	vector := layout.NewTensorRef(shapes.Make(dtypes.Float32, problem.N))
	want := problem.StagingDepth * problem.SubTileN * 4
	assert.Equal(t, want, RowBroadcast().StagingSize(problem, RowBroadcastArgs{Vector: vector}))
}
