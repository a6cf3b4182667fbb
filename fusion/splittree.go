// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"context"

	"github.com/tilefuse/tilefuse/layout"
)

// SplitTreeOp is the shared-input fan-out composition: one input subtree, K
// auxiliary output subtrees and one primary output subtree. Per Visit, the
// input subtree runs first; its fragment is fed as the accumulator input to
// each auxiliary subtree in order, whose return values are discarded (they
// exist for their side effects, e.g. storing an auxiliary tensor), and
// finally to the primary subtree, whose return value is the overall result.
//
// This models a DAG with exactly one shared ancestor and otherwise
// independent branches. The internal operation order is input first, then
// the auxiliary subtrees, then the primary output subtree.
type SplitTreeOp struct {
	set    *OpSet
	numAux int
}

var _ Op = (*SplitTreeOp)(nil)

// SplitTree composes the input subtree, the auxiliary output subtrees and
// the primary output subtree.
func SplitTree(input Op, output Op, aux ...Op) *SplitTreeOp {
	ops := make([]Op, 0, len(aux)+2)
	ops = append(ops, input)
	ops = append(ops, aux...)
	ops = append(ops, output)
	return &SplitTreeOp{set: NewOpSet(ops...), numAux: len(aux)}
}

// Set exposes the internal ordered operation set (input, aux..., output).
func (t *SplitTreeOp) Set() *OpSet { return t.set }

func (t *SplitTreeOp) Name() string { return "SplitTree" }

func (t *SplitTreeOp) CanImplement(problem layout.Problem, args Arguments) bool {
	return t.set.CanImplement(problem, asArgsList(args, t.set.Len(), t.Name()))
}

func (t *SplitTreeOp) WorkspaceSize(problem layout.Problem, args Arguments) int {
	return t.set.WorkspaceSize(problem, asArgsList(args, t.set.Len(), t.Name()))
}

func (t *SplitTreeOp) FinalizeParams(problem layout.Problem, args Arguments, workspace []byte) (Params, error) {
	params, err := t.set.FinalizeParams(problem, asArgsList(args, t.set.Len(), t.Name()), workspace)
	if err != nil {
		return nil, err
	}
	return params, nil
}

func (t *SplitTreeOp) InitializeWorkspace(ctx context.Context, problem layout.Problem, args Arguments, workspace []byte) error {
	return t.set.InitializeWorkspace(ctx, problem, asArgsList(args, t.set.Len(), t.Name()), workspace)
}

func (t *SplitTreeOp) StagingSize(problem layout.Problem, args Arguments) int {
	return t.set.StagingSize(problem, asArgsList(args, t.set.Len(), t.Name()))
}

func (t *SplitTreeOp) Bind(problem layout.Problem, args Arguments, params Params, staging []byte) Node {
	nodes := t.set.Bind(problem, asArgsList(args, t.set.Len(), t.Name()), asParamsList(params, t.Name()), staging)
	return &splitTreeNode{visitorImpl: visitorImpl{nodes: nodes}, numAux: t.numAux}
}

type splitTreeNode struct {
	visitorImpl
	numAux int
}

func (n *splitTreeNode) ConsumerStore(args ConsumerStoreArgs) ConsumerStoreCallbacks {
	return &splitTreeConsumerStore{
		consumerStoreFanout: n.consumerStoreFanout(args),
		numAux:              n.numAux,
	}
}

type splitTreeConsumerStore struct {
	*consumerStoreFanout
	numAux int
}

func (c *splitTreeConsumerStore) Visit(acc Fragment, fragIdx, stepM, stepN int, inputs ...Fragment) Fragment {
	shared := c.children[0].Visit(acc, fragIdx, stepM, stepN, inputs...)
	for _, aux := range c.children[1 : 1+c.numAux] {
		aux.Visit(shared, fragIdx, stepM, stepN)
	}
	primary := c.children[1+c.numAux]
	return primary.Visit(shared, fragIdx, stepM, stepN)
}
