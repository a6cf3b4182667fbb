// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"github.com/pkg/errors"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

// AuxLoadArgs configures an AuxLoadOp: the auxiliary tensor to load, shaped
// (M, N) or (L, M, N), and whether it is the source operand C of the
// epilogue (which lets the runtime skip the source path tile-by-tile when no
// operation needs it).
type AuxLoadArgs struct {
	Tensor layout.TensorRef
	Source bool
}

type auxLoadParams struct {
	tensor  layout.TensorRef
	source  bool
	batched bool
}

// AuxLoadOp loads one sub-step block of an auxiliary tensor per sub-step,
// staged ahead of compute by the producer pipeline, and emits it as a
// fragment of the tensor's native dtype.
type AuxLoadOp struct {
	baseOp
}

var _ fusion.Op = AuxLoadOp{}

// AuxLoad returns the auxiliary-tensor load operation.
func AuxLoad() AuxLoadOp { return AuxLoadOp{} }

func (AuxLoadOp) Name() string { return "AuxLoad" }

func (AuxLoadOp) CanImplement(problem layout.Problem, args fusion.Arguments) bool {
	a := args.(AuxLoadArgs)
	if !a.Tensor.Ok() || !supportedDType(a.Tensor.Shape.DType) {
		return false
	}
	dims := a.Tensor.Shape.Dimensions
	switch len(dims) {
	case 2:
		return dims[0] == problem.M && dims[1] == problem.N
	case 3:
		return dims[0] == problem.L && dims[1] == problem.M && dims[2] == problem.N
	}
	return false
}

func (AuxLoadOp) StagingSize(problem layout.Problem, args fusion.Arguments) int {
	a := args.(AuxLoadArgs)
	elemSize := int(a.Tensor.Shape.DType.Memory())
	return problem.StagingDepth * problem.SubTileM * problem.SubTileN * elemSize
}

func (AuxLoadOp) FinalizeParams(_ layout.Problem, args fusion.Arguments, _ []byte) (fusion.Params, error) {
	a := args.(AuxLoadArgs)
	if !a.Tensor.Ok() {
		return nil, errors.Errorf("AuxLoad: no tensor to load")
	}
	return auxLoadParams{tensor: a.Tensor, source: a.Source, batched: a.Tensor.Shape.Rank() == 3}, nil
}

func (AuxLoadOp) Bind(problem layout.Problem, _ fusion.Arguments, params fusion.Params, staging []byte) fusion.Node {
	return &auxLoadNode{params: params.(auxLoadParams), problem: problem, staging: staging}
}

type auxLoadNode struct {
	params  auxLoadParams
	problem layout.Problem
	staging []byte
}

func (n *auxLoadNode) IsProducerLoadNeeded() bool { return true }
func (n *auxLoadNode) IsSourceLoadNeeded() bool   { return n.params.source }

// slot returns the staged fragment view of the given sub-step's slot.
func (n *auxLoadNode) slot(stepM, stepN int) fusion.Fragment {
	p := n.problem
	elems := p.SubTileM * p.SubTileN
	elemSize := int(n.params.tensor.Shape.DType.Memory())
	slotIdx := p.StepIndex(stepM, stepN) % p.StagingDepth
	offset := slotIdx * elems * elemSize
	view := stagingView(n.params.tensor.Shape.DType, n.staging[offset:offset+elems*elemSize], elems)
	return fusion.WrapFragment(n.params.tensor.Shape.DType, view)
}

func (n *auxLoadNode) ProducerLoad(args fusion.ProducerLoadArgs) fusion.ProducerLoadCallbacks {
	return &auxLoadProducer{node: n, tile: args.Tile}
}

type auxLoadProducer struct {
	fusion.EmptyProducerLoadCallbacks
	node *auxLoadNode
	tile layout.TileCoord
}

// Step issues the asynchronous block transfer for the sub-step and registers
// its size with the completion signal before returning.
func (c *auxLoadProducer) Step(signal *fusion.TransferSignal, stepM, stepN, _ int, issueLoad bool) {
	if !issueLoad {
		return
	}
	n := c.node
	p := n.problem
	slot := n.slot(stepM, stepN)
	bytes := slot.Len() * int(n.params.tensor.Shape.DType.Memory())
	signal.ExpectBytes(bytes)
	tile := c.tile
	go func() {
		batch := 0
		if n.params.batched {
			batch = tile.L
		}
		for frag := 0; frag < p.FragmentsPerStep(); frag++ {
			for lane := 0; lane < p.FragLen; lane++ {
				idx := frag*p.FragLen + lane
				row, col, ok := p.Coord(tile, stepM, stepN, frag, lane)
				if !ok {
					slot.Set(idx, 0)
					continue
				}
				slot.Set(idx, n.params.tensor.At(p.Offset(batch, row, col)))
			}
		}
		signal.Arrive(bytes)
	}()
}

func (n *auxLoadNode) ConsumerStore(fusion.ConsumerStoreArgs) fusion.ConsumerStoreCallbacks {
	return &auxLoadConsumer{node: n}
}

type auxLoadConsumer struct {
	fusion.EmptyConsumerStoreCallbacks
	node *auxLoadNode
}

// Visit returns the staged block for the fragment. The staged data is
// guaranteed visible: the caller waited on the sub-step's completion signal
// before PreVisit.
func (c *auxLoadConsumer) Visit(_ fusion.Fragment, fragIdx, stepM, stepN int, _ ...fusion.Fragment) fusion.Fragment {
	n := c.node
	slot := c.node.slot(stepM, stepN)
	view := slot.Slice(fragIdx*n.problem.FragLen, (fragIdx+1)*n.problem.FragLen)
	return view
}
