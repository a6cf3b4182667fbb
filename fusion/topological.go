// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/tilefuse/tilefuse/layout"
)

// EdgeList names, for each operation of a topological composition, the
// earlier operations that supply its input fragments. Entry i may only
// reference indices strictly less than i: the graph is acyclic and a single
// forward pass suffices.
type EdgeList [][]int

// Validate panics if the edge list has a self or forward reference, or if
// its length does not match numOps. These are programming errors in the
// composition, detected at composition time.
func (e EdgeList) Validate(numOps int) {
	if len(e) != numOps {
		exceptions.Panicf("fusion.EdgeList: %d entries for %d operations", len(e), numOps)
	}
	for i, edges := range e {
		for _, from := range edges {
			if from < 0 || from >= i {
				exceptions.Panicf("fusion.EdgeList: operation %d references operation %d; edges must reference strictly earlier operations", i, from)
			}
		}
	}
}

// TopologicalOp is the general DAG composition: N operations in topological
// order with an explicit edge list, operation N-1 being the designated sink.
//
// Deducing an output type per edge would explode combinatorially across
// differently-typed operations, so every intermediate is converted to one
// common compute dtype; only the sink's return value keeps its native type.
// Fusions needing multiple compute types split into multiple sub-graphs
// grouped by type.
type TopologicalOp struct {
	set          *OpSet
	edges        EdgeList
	computeDType dtypes.DType
}

var _ Op = (*TopologicalOp)(nil)

// Topological composes the operations (in topological order, sink last)
// under the given edge list, converting intermediates to computeDType.
// It panics if the edge list is invalid or fewer than two operations are
// given.
func Topological(computeDType dtypes.DType, edges EdgeList, ops ...Op) *TopologicalOp {
	if len(ops) < 2 {
		exceptions.Panicf("fusion.Topological: at least two operations are required, got %d", len(ops))
	}
	edges.Validate(len(ops))
	return &TopologicalOp{set: NewOpSet(ops...), edges: edges, computeDType: computeDType}
}

// Set exposes the internal ordered operation set.
func (t *TopologicalOp) Set() *OpSet { return t.set }

// Edges returns the edge list.
func (t *TopologicalOp) Edges() EdgeList { return t.edges }

func (t *TopologicalOp) Name() string { return "Topological" }

func (t *TopologicalOp) CanImplement(problem layout.Problem, args Arguments) bool {
	return t.set.CanImplement(problem, asArgsList(args, t.set.Len(), t.Name()))
}

func (t *TopologicalOp) WorkspaceSize(problem layout.Problem, args Arguments) int {
	return t.set.WorkspaceSize(problem, asArgsList(args, t.set.Len(), t.Name()))
}

func (t *TopologicalOp) FinalizeParams(problem layout.Problem, args Arguments, workspace []byte) (Params, error) {
	params, err := t.set.FinalizeParams(problem, asArgsList(args, t.set.Len(), t.Name()), workspace)
	if err != nil {
		return nil, err
	}
	return params, nil
}

func (t *TopologicalOp) InitializeWorkspace(ctx context.Context, problem layout.Problem, args Arguments, workspace []byte) error {
	return t.set.InitializeWorkspace(ctx, problem, asArgsList(args, t.set.Len(), t.Name()), workspace)
}

func (t *TopologicalOp) StagingSize(problem layout.Problem, args Arguments) int {
	return t.set.StagingSize(problem, asArgsList(args, t.set.Len(), t.Name()))
}

func (t *TopologicalOp) Bind(problem layout.Problem, args Arguments, params Params, staging []byte) Node {
	nodes := t.set.Bind(problem, asArgsList(args, t.set.Len(), t.Name()), asParamsList(params, t.Name()), staging)
	return &topologicalNode{
		visitorImpl:  visitorImpl{nodes: nodes},
		edges:        t.edges,
		computeDType: t.computeDType,
	}
}

type topologicalNode struct {
	visitorImpl
	edges        EdgeList
	computeDType dtypes.DType
}

func (n *topologicalNode) ConsumerStore(args ConsumerStoreArgs) ConsumerStoreCallbacks {
	return &topologicalConsumerStore{
		consumerStoreFanout: n.consumerStoreFanout(args),
		edges:               n.edges,
		computeDType:        n.computeDType,
	}
}

type topologicalConsumerStore struct {
	*consumerStoreFanout
	edges        EdgeList
	computeDType dtypes.DType
}

// Visit evaluates every operation in index order, gathering each one's
// inputs from the stored outputs of the operations its edges name. All
// intermediates are converted to the common compute dtype; the sink's result
// is returned with its native type.
func (c *topologicalConsumerStore) Visit(acc Fragment, fragIdx, stepM, stepN int, inputs ...Fragment) Fragment {
	last := len(c.children) - 1
	intermediates := make([]Fragment, last)
	for i, child := range c.children[:last] {
		out := child.Visit(acc, fragIdx, stepM, stepN, c.gather(intermediates, i)...)
		intermediates[i] = out.ConvertTo(c.computeDType)
	}
	return c.children[last].Visit(acc, fragIdx, stepM, stepN, c.gather(intermediates, last)...)
}

func (c *topologicalConsumerStore) gather(intermediates []Fragment, i int) []Fragment {
	edges := c.edges[i]
	if len(edges) == 0 {
		return nil
	}
	ins := make([]Fragment, len(edges))
	for k, from := range edges {
		ins[k] = intermediates[from]
	}
	return ins
}
