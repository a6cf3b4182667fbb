// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"context"
	"math"
	"sync"

	"github.com/gomlx/exceptions"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

// ReduceKind selects the reduction applied by RowReduceOp.
type ReduceKind int

const (
	ReduceSum ReduceKind = iota
	ReduceMax
)

// String implements fmt.Stringer.
func (k ReduceKind) String() string {
	switch k {
	case ReduceSum:
		return "Sum"
	case ReduceMax:
		return "Max"
	}
	return "InvalidReduceKind"
}

func (k ReduceKind) identity() float64 {
	if k == ReduceMax {
		return math.Inf(-1)
	}
	return 0
}

func (k ReduceKind) fold(a, b float64) float64 {
	if k == ReduceMax {
		return math.Max(a, b)
	}
	return a + b
}

// RowReduceArgs configures a RowReduceOp.
type RowReduceArgs struct {
	Kind ReduceKind
}

type rowReduceParams struct {
	kind    ReduceKind
	results []float32 // workspace view, one entry per (l, m) row; nil on dry runs
	mu      *sync.Mutex
}

// RowReduceOp passes its single input through while reducing it along the
// columns, producing one value per output row in its workspace region.
//
// Per sub-step it accumulates lane contributions into the shared reduction
// scratch under the callback-provided sync, folds them into a per-tile
// partial, and merges the tile partial into the workspace when the tile
// ends. The workspace must be initialized (InitializeWorkspace) before the
// first tile.
type RowReduceOp struct {
	baseOp
}

var _ fusion.Op = RowReduceOp{}

// RowReduce returns the row-reduction operation.
func RowReduce() RowReduceOp { return RowReduceOp{} }

func (RowReduceOp) Name() string { return "RowReduce" }

func (RowReduceOp) CanImplement(_ layout.Problem, args fusion.Arguments) bool {
	a := args.(RowReduceArgs)
	return a.Kind == ReduceSum || a.Kind == ReduceMax
}

func (RowReduceOp) WorkspaceSize(problem layout.Problem, _ fusion.Arguments) int {
	return problem.L * problem.M * 4
}

func (RowReduceOp) FinalizeParams(problem layout.Problem, args fusion.Arguments, workspace []byte) (fusion.Params, error) {
	a := args.(RowReduceArgs)
	p := rowReduceParams{kind: a.Kind, mu: &sync.Mutex{}}
	if workspace != nil {
		p.results = typedView[float32](workspace, problem.L*problem.M)
	}
	return p, nil
}

// InitializeWorkspace fills the per-row results with the reduction identity.
func (RowReduceOp) InitializeWorkspace(_ context.Context, problem layout.Problem, args fusion.Arguments, workspace []byte) error {
	if workspace == nil {
		return nil
	}
	a := args.(RowReduceArgs)
	results := typedView[float32](workspace, problem.L*problem.M)
	identity := float32(a.Kind.identity())
	for i := range results {
		results[i] = identity
	}
	return nil
}

// RowReduceResults returns the per-row reduction results held by the
// operation's finalized params, laid out row-major over (L, M).
func RowReduceResults(params fusion.Params) []float32 {
	return params.(rowReduceParams).results
}

func (RowReduceOp) Bind(problem layout.Problem, _ fusion.Arguments, params fusion.Params, _ []byte) fusion.Node {
	return &rowReduceNode{params: params.(rowReduceParams), problem: problem}
}

type rowReduceNode struct {
	baseNode
	params  rowReduceParams
	problem layout.Problem
}

func (n *rowReduceNode) ConsumerStore(args fusion.ConsumerStoreArgs) fusion.ConsumerStoreCallbacks {
	return &rowReduceConsumer{
		node:        n,
		args:        args,
		pending:     make([]float64, n.problem.SubTileM),
		tilePartial: make([]float64, n.problem.TileM),
	}
}

type rowReduceConsumer struct {
	fusion.EmptyConsumerStoreCallbacks
	node *rowReduceNode
	args fusion.ConsumerStoreArgs

	// pending accumulates this thread's lane contributions of the current
	// sub-step, indexed by sub-tile row.
	pending []float64
	// tilePartial accumulates the whole tile's reduction, indexed by tile
	// row. Only the leader thread's instance folds into it.
	tilePartial []float64
}

func (c *rowReduceConsumer) Begin() {
	identity := c.node.params.kind.identity()
	for i := range c.pending {
		c.pending[i] = identity
	}
	for i := range c.tilePartial {
		c.tilePartial[i] = identity
	}
}

// Visit accumulates the predicated lanes of its input into the thread's
// pending partials and passes the input through.
func (c *rowReduceConsumer) Visit(_ fusion.Fragment, fragIdx, stepM, stepN int, inputs ...fusion.Fragment) fusion.Fragment {
	if len(inputs) != 1 {
		panicUnaryArity("RowReduce", len(inputs))
	}
	in := inputs[0]
	p := c.node.problem
	kind := c.node.params.kind
	for lane := 0; lane < in.Len(); lane++ {
		_, _, ok := p.Coord(c.args.Tile, stepM, stepN, fragIdx, lane)
		if !ok {
			continue
		}
		subRow := (fragIdx*p.FragLen + lane) / p.SubTileN
		c.pending[subRow] = kind.fold(c.pending[subRow], in.At(lane))
	}
	return in
}

// Reduce publishes the thread's pending partials through the shared scratch
// and lets the leader fold them into the tile partials. Two syncs bracket
// the leader's read so the scratch is safe for reuse on return.
func (c *rowReduceConsumer) Reduce(scratch []float64, sync func(), stepM, _ int, _ bool, _ []fusion.Fragment) {
	p := c.node.problem
	kind := c.node.params.kind
	need := c.args.NumThreads * p.SubTileM
	if len(scratch) < need {
		exceptions.Panicf("fusionops.RowReduce: reduction scratch of %d entries, need %d", len(scratch), need)
	}
	base := c.args.ThreadIdx * p.SubTileM
	copy(scratch[base:base+p.SubTileM], c.pending)
	identity := kind.identity()
	for i := range c.pending {
		c.pending[i] = identity
	}
	sync()
	if c.args.IsLeader() {
		for subRow := 0; subRow < p.SubTileM; subRow++ {
			acc := identity
			for t := 0; t < c.args.NumThreads; t++ {
				acc = kind.fold(acc, scratch[t*p.SubTileM+subRow])
			}
			tileRow := stepM*p.SubTileM + subRow
			c.tilePartial[tileRow] = kind.fold(c.tilePartial[tileRow], acc)
		}
	}
	sync()
}

// End merges the leader's tile partials into the workspace results.
func (c *rowReduceConsumer) End() {
	if !c.args.IsLeader() {
		return
	}
	params := c.node.params
	if params.results == nil {
		return
	}
	p := c.node.problem
	params.mu.Lock()
	defer params.mu.Unlock()
	for tileRow := 0; tileRow < p.TileM; tileRow++ {
		row := c.args.Tile.M*p.TileM + tileRow
		if row >= p.M {
			break
		}
		idx := c.args.Tile.L*p.M + row
		params.results[idx] = float32(params.kind.fold(float64(params.results[idx]), c.tilePartial[tileRow]))
	}
}
