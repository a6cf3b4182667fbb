// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"github.com/pkg/errors"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

// AuxStoreArgs configures an AuxStoreOp: the auxiliary destination tensor,
// shaped (M, N) or (L, M, N). The classic use is persisting a pre-activation
// tensor needed by the backward pass.
type AuxStoreArgs struct {
	Tensor layout.TensorRef
}

type auxStoreParams struct {
	tensor  layout.TensorRef
	batched bool
}

// AuxStoreOp passes its single input through unchanged while writing it to
// an auxiliary tensor: visits stage the values, and the bulk store for the
// sub-step is issued in the TMAStore stage, after the staging fence.
type AuxStoreOp struct {
	baseOp
}

var _ fusion.Op = AuxStoreOp{}

// AuxStore returns the auxiliary-tensor store operation.
func AuxStore() AuxStoreOp { return AuxStoreOp{} }

func (AuxStoreOp) Name() string { return "AuxStore" }

func (AuxStoreOp) CanImplement(problem layout.Problem, args fusion.Arguments) bool {
	a := args.(AuxStoreArgs)
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

func (AuxStoreOp) StagingSize(problem layout.Problem, args fusion.Arguments) int {
	a := args.(AuxStoreArgs)
	elemSize := int(a.Tensor.Shape.DType.Memory())
	return problem.StagingDepth * problem.SubTileM * problem.SubTileN * elemSize
}

func (AuxStoreOp) FinalizeParams(_ layout.Problem, args fusion.Arguments, _ []byte) (fusion.Params, error) {
	a := args.(AuxStoreArgs)
	if !a.Tensor.Ok() {
		return nil, errors.Errorf("AuxStore: no destination tensor")
	}
	return auxStoreParams{tensor: a.Tensor, batched: a.Tensor.Shape.Rank() == 3}, nil
}

func (AuxStoreOp) Bind(problem layout.Problem, _ fusion.Arguments, params fusion.Params, staging []byte) fusion.Node {
	return &auxStoreNode{params: params.(auxStoreParams), problem: problem, staging: staging}
}

type auxStoreNode struct {
	baseNode
	params  auxStoreParams
	problem layout.Problem
	staging []byte
}

func (n *auxStoreNode) slot(stepM, stepN int) fusion.Fragment {
	p := n.problem
	elems := p.SubTileM * p.SubTileN
	elemSize := int(n.params.tensor.Shape.DType.Memory())
	slotIdx := p.StepIndex(stepM, stepN) % p.StagingDepth
	offset := slotIdx * elems * elemSize
	view := stagingView(n.params.tensor.Shape.DType, n.staging[offset:offset+elems*elemSize], elems)
	return fusion.WrapFragment(n.params.tensor.Shape.DType, view)
}

func (n *auxStoreNode) ConsumerStore(args fusion.ConsumerStoreArgs) fusion.ConsumerStoreCallbacks {
	return &auxStoreConsumer{node: n, args: args}
}

type auxStoreConsumer struct {
	fusion.EmptyConsumerStoreCallbacks
	node *auxStoreNode
	args fusion.ConsumerStoreArgs
}

// Visit stages its input into the sub-step's staging slot and passes it
// through. Each thread writes only its own fragment partition, so sibling
// visits never overlap.
func (c *auxStoreConsumer) Visit(_ fusion.Fragment, fragIdx, stepM, stepN int, inputs ...fusion.Fragment) fusion.Fragment {
	if len(inputs) != 1 {
		panicUnaryArity("AuxStore", len(inputs))
	}
	in := inputs[0]
	n := c.node
	slot := n.slot(stepM, stepN)
	base := fragIdx * n.problem.FragLen
	for lane := 0; lane < in.Len(); lane++ {
		slot.Set(base+lane, in.At(lane))
	}
	return in
}

// TMAStore issues the bulk store of the staged sub-step. The caller fenced
// the staging buffer between PostReduce and this stage, so every thread's
// staged values are visible to the issuing thread.
func (c *auxStoreConsumer) TMAStore(stepM, stepN, _ int, issueStore bool) {
	if !issueStore {
		return
	}
	n := c.node
	p := n.problem
	slot := n.slot(stepM, stepN)
	batch := 0
	if n.params.batched {
		batch = c.args.Tile.L
	}
	for frag := 0; frag < p.FragmentsPerStep(); frag++ {
		for lane := 0; lane < p.FragLen; lane++ {
			row, col, ok := p.Coord(c.args.Tile, stepM, stepN, frag, lane)
			if !ok {
				continue
			}
			n.params.tensor.Set(p.Offset(batch, row, col), slot.At(frag*p.FragLen+lane))
		}
	}
}
