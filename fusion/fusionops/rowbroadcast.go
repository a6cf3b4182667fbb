// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"github.com/pkg/errors"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

// RowBroadcastArgs configures a RowBroadcastOp: a vector shaped (N) — or
// (L, N) for per-batch values — broadcast down the rows of the output tile.
// The classic use is the bias term of a fused dense layer.
type RowBroadcastArgs struct {
	Vector layout.TensorRef
}

type rowBroadcastParams struct {
	vector  layout.TensorRef
	batched bool
}

// RowBroadcastOp stages the sub-step's segment of a per-column vector
// through the producer pipeline and emits it broadcast across rows.
type RowBroadcastOp struct {
	baseOp
}

var _ fusion.Op = RowBroadcastOp{}

// RowBroadcast returns the row-broadcast operation.
func RowBroadcast() RowBroadcastOp { return RowBroadcastOp{} }

func (RowBroadcastOp) Name() string { return "RowBroadcast" }

func (RowBroadcastOp) CanImplement(problem layout.Problem, args fusion.Arguments) bool {
	a := args.(RowBroadcastArgs)
	if !a.Vector.Ok() || !supportedDType(a.Vector.Shape.DType) {
		return false
	}
	dims := a.Vector.Shape.Dimensions
	switch len(dims) {
	case 1:
		return dims[0] == problem.N
	case 2:
		return dims[0] == problem.L && dims[1] == problem.N
	}
	return false
}

func (RowBroadcastOp) StagingSize(problem layout.Problem, args fusion.Arguments) int {
	a := args.(RowBroadcastArgs)
	elemSize := int(a.Vector.Shape.DType.Memory())
	return problem.StagingDepth * problem.SubTileN * elemSize
}

func (RowBroadcastOp) FinalizeParams(_ layout.Problem, args fusion.Arguments, _ []byte) (fusion.Params, error) {
	a := args.(RowBroadcastArgs)
	if !a.Vector.Ok() {
		return nil, errors.Errorf("RowBroadcast: no vector to broadcast")
	}
	return rowBroadcastParams{vector: a.Vector, batched: a.Vector.Shape.Rank() == 2}, nil
}

func (RowBroadcastOp) Bind(problem layout.Problem, _ fusion.Arguments, params fusion.Params, staging []byte) fusion.Node {
	return &rowBroadcastNode{params: params.(rowBroadcastParams), problem: problem, staging: staging}
}

type rowBroadcastNode struct {
	params  rowBroadcastParams
	problem layout.Problem
	staging []byte
}

func (n *rowBroadcastNode) IsProducerLoadNeeded() bool { return true }
func (n *rowBroadcastNode) IsSourceLoadNeeded() bool   { return false }

func (n *rowBroadcastNode) slot(stepM, stepN int) fusion.Fragment {
	p := n.problem
	elemSize := int(n.params.vector.Shape.DType.Memory())
	slotIdx := p.StepIndex(stepM, stepN) % p.StagingDepth
	offset := slotIdx * p.SubTileN * elemSize
	view := stagingView(n.params.vector.Shape.DType, n.staging[offset:offset+p.SubTileN*elemSize], p.SubTileN)
	return fusion.WrapFragment(n.params.vector.Shape.DType, view)
}

func (n *rowBroadcastNode) ProducerLoad(args fusion.ProducerLoadArgs) fusion.ProducerLoadCallbacks {
	return &rowBroadcastProducer{node: n, tile: args.Tile}
}

type rowBroadcastProducer struct {
	fusion.EmptyProducerLoadCallbacks
	node *rowBroadcastNode
	tile layout.TileCoord
}

func (c *rowBroadcastProducer) Step(signal *fusion.TransferSignal, stepM, stepN, _ int, issueLoad bool) {
	if !issueLoad {
		return
	}
	n := c.node
	p := n.problem
	slot := n.slot(stepM, stepN)
	bytes := p.SubTileN * int(n.params.vector.Shape.DType.Memory())
	signal.ExpectBytes(bytes)
	tile := c.tile
	go func() {
		batch := 0
		if n.params.batched {
			batch = tile.L
		}
		colBase := tile.N*p.TileN + stepN*p.SubTileN
		for i := 0; i < p.SubTileN; i++ {
			col := colBase + i
			if col >= p.N {
				slot.Set(i, 0)
				continue
			}
			slot.Set(i, n.params.vector.At(p.ColOffset(batch, col)))
		}
		signal.Arrive(bytes)
	}()
}

func (n *rowBroadcastNode) ConsumerStore(fusion.ConsumerStoreArgs) fusion.ConsumerStoreCallbacks {
	return &rowBroadcastConsumer{node: n}
}

type rowBroadcastConsumer struct {
	fusion.EmptyConsumerStoreCallbacks
	node *rowBroadcastNode
}

func (c *rowBroadcastConsumer) Visit(_ fusion.Fragment, fragIdx, stepM, stepN int, _ ...fusion.Fragment) fusion.Fragment {
	n := c.node
	p := n.problem
	slot := c.node.slot(stepM, stepN)
	out := fusion.NewFragment(n.params.vector.Shape.DType, p.FragLen)
	for lane := 0; lane < p.FragLen; lane++ {
		idx := fragIdx*p.FragLen + lane
		out.Set(lane, slot.At(idx%p.SubTileN))
	}
	return out
}
