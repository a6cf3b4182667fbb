// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"context"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

// ScalarBroadcastArgs configures a ScalarBroadcastOp: the scalar value and
// the dtype of the fragments it emits.
//
// When PerBatch is set it overrides Value with one scalar per batch: the
// vector is copied into the operation's workspace region and the tile's
// batch index selects the entry. Its length must equal the problem's L.
type ScalarBroadcastArgs struct {
	Value    float64
	PerBatch []float64
	DType    dtypes.DType
}

type scalarBroadcastParams struct {
	value    float64
	perBatch []float32 // workspace view; nil when broadcasting the immediate value
	dtype    dtypes.DType
}

// ScalarBroadcastOp broadcasts one host-configured scalar (e.g. alpha or
// beta of a linear combination) as a constant fragment. The scalar is either
// an immediate from the arguments or, per batch, an entry of a workspace
// vector.
type ScalarBroadcastOp struct {
	baseOp
}

var _ fusion.Op = ScalarBroadcastOp{}

// ScalarBroadcast returns the scalar-broadcast operation.
func ScalarBroadcast() ScalarBroadcastOp { return ScalarBroadcastOp{} }

func (ScalarBroadcastOp) Name() string { return "ScalarBroadcast" }

func (ScalarBroadcastOp) CanImplement(problem layout.Problem, args fusion.Arguments) bool {
	a := args.(ScalarBroadcastArgs)
	if a.DType != dtypes.InvalidDType && !supportedDType(a.DType) {
		return false
	}
	return len(a.PerBatch) == 0 || len(a.PerBatch) == problem.L
}

func (ScalarBroadcastOp) WorkspaceSize(_ layout.Problem, args fusion.Arguments) int {
	a := args.(ScalarBroadcastArgs)
	return len(a.PerBatch) * 4
}

func (ScalarBroadcastOp) FinalizeParams(_ layout.Problem, args fusion.Arguments, workspace []byte) (fusion.Params, error) {
	a := args.(ScalarBroadcastArgs)
	dtype := a.DType
	if dtype == dtypes.InvalidDType {
		dtype = dtypes.Float32
	}
	p := scalarBroadcastParams{value: a.Value, dtype: dtype}
	if len(a.PerBatch) > 0 && workspace != nil {
		p.perBatch = typedView[float32](workspace, len(a.PerBatch))
	}
	return p, nil
}

// InitializeWorkspace copies the per-batch scalar vector to the workspace.
func (ScalarBroadcastOp) InitializeWorkspace(_ context.Context, _ layout.Problem, args fusion.Arguments, workspace []byte) error {
	a := args.(ScalarBroadcastArgs)
	if workspace == nil || len(a.PerBatch) == 0 {
		return nil
	}
	view := typedView[float32](workspace, len(a.PerBatch))
	for i, v := range a.PerBatch {
		view[i] = float32(v)
	}
	return nil
}

func (ScalarBroadcastOp) Bind(problem layout.Problem, _ fusion.Arguments, params fusion.Params, _ []byte) fusion.Node {
	p := params.(scalarBroadcastParams)
	n := scalarBroadcastNode{params: p, fragLen: problem.FragLen}
	if p.perBatch == nil {
		n.frag = constantFragment(p.dtype, problem.FragLen, p.value)
	}
	return n
}

func constantFragment(dtype dtypes.DType, fragLen int, value float64) fusion.Fragment {
	frag := fusion.NewFragment(dtype, fragLen)
	for i := range fragLen {
		frag.Set(i, value)
	}
	return frag
}

type scalarBroadcastNode struct {
	baseNode
	params  scalarBroadcastParams
	fragLen int
	frag    fusion.Fragment
}

func (n scalarBroadcastNode) ConsumerStore(args fusion.ConsumerStoreArgs) fusion.ConsumerStoreCallbacks {
	frag := n.frag
	if n.params.perBatch != nil {
		frag = constantFragment(n.params.dtype, n.fragLen, float64(n.params.perBatch[args.Tile.L]))
	}
	return scalarBroadcastCallbacks{frag: frag}
}

type scalarBroadcastCallbacks struct {
	fusion.EmptyConsumerStoreCallbacks
	frag fusion.Fragment
}

func (c scalarBroadcastCallbacks) Visit(_ fusion.Fragment, _, _, _ int, _ ...fusion.Fragment) fusion.Fragment {
	return c.frag
}
