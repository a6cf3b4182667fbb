// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"context"

	"github.com/tilefuse/tilefuse/layout"
)

// TreeOp is the linear-tree composition: N nullary child operations plus one
// terminal operation. Per Visit, each child is visited first, in order, and
// its output fragment is passed — in the same order — as an input to the
// terminal operation's Visit. Only the terminal's return value is the tree's
// output.
//
// The internal operation order is children first, terminal last; composite
// Arguments and Params follow that order.
type TreeOp struct {
	set         *OpSet
	numChildren int
}

var _ Op = (*TreeOp)(nil)

// Tree composes the terminal operation with its nullary children. Children
// may themselves be composites (sub-trees).
func Tree(terminal Op, children ...Op) *TreeOp {
	ops := make([]Op, 0, len(children)+1)
	ops = append(ops, children...)
	ops = append(ops, terminal)
	return &TreeOp{set: NewOpSet(ops...), numChildren: len(children)}
}

// Set exposes the internal ordered operation set (children..., terminal).
func (t *TreeOp) Set() *OpSet { return t.set }

func (t *TreeOp) Name() string { return "Tree" }

func (t *TreeOp) CanImplement(problem layout.Problem, args Arguments) bool {
	return t.set.CanImplement(problem, asArgsList(args, t.set.Len(), t.Name()))
}

func (t *TreeOp) WorkspaceSize(problem layout.Problem, args Arguments) int {
	return t.set.WorkspaceSize(problem, asArgsList(args, t.set.Len(), t.Name()))
}

func (t *TreeOp) FinalizeParams(problem layout.Problem, args Arguments, workspace []byte) (Params, error) {
	params, err := t.set.FinalizeParams(problem, asArgsList(args, t.set.Len(), t.Name()), workspace)
	if err != nil {
		return nil, err
	}
	return params, nil
}

func (t *TreeOp) InitializeWorkspace(ctx context.Context, problem layout.Problem, args Arguments, workspace []byte) error {
	return t.set.InitializeWorkspace(ctx, problem, asArgsList(args, t.set.Len(), t.Name()), workspace)
}

func (t *TreeOp) StagingSize(problem layout.Problem, args Arguments) int {
	return t.set.StagingSize(problem, asArgsList(args, t.set.Len(), t.Name()))
}

func (t *TreeOp) Bind(problem layout.Problem, args Arguments, params Params, staging []byte) Node {
	nodes := t.set.Bind(problem, asArgsList(args, t.set.Len(), t.Name()), asParamsList(params, t.Name()), staging)
	return &treeNode{visitorImpl: visitorImpl{nodes: nodes}, numChildren: t.numChildren}
}

type treeNode struct {
	visitorImpl
	numChildren int
}

func (n *treeNode) ConsumerStore(args ConsumerStoreArgs) ConsumerStoreCallbacks {
	return &treeConsumerStore{
		consumerStoreFanout: n.consumerStoreFanout(args),
		numChildren:         n.numChildren,
	}
}

type treeConsumerStore struct {
	*consumerStoreFanout
	numChildren int
}

// Visit evaluates the nullary children in order and feeds their outputs to
// the terminal operation.
func (c *treeConsumerStore) Visit(acc Fragment, fragIdx, stepM, stepN int, inputs ...Fragment) Fragment {
	childOutputs := make([]Fragment, 0, c.numChildren+len(inputs))
	for _, child := range c.children[:c.numChildren] {
		childOutputs = append(childOutputs, child.Visit(acc, fragIdx, stepM, stepN))
	}
	childOutputs = append(childOutputs, inputs...)
	terminal := c.children[c.numChildren]
	return terminal.Visit(acc, fragIdx, stepM, stepN, childOutputs...)
}
