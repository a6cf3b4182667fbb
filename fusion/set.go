// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"

	"github.com/tilefuse/tilefuse/layout"
)

// WorkspaceAlignment is the minimum alignment boundary of every operation's
// workspace region. Every partial sum of workspace sizes is rounded up to
// this boundary before the next operation's size is added, so every region
// starts aligned regardless of its own size.
const WorkspaceAlignment = 16

// StagingAlignment is the alignment boundary of staging-buffer slots.
const StagingAlignment = 16

// alignUp rounds x up to the next multiple of alignment.
func alignUp[T constraints.Integer](x, alignment T) T {
	return (x + alignment - 1) / alignment * alignment
}

// WorkspaceRegion describes one operation's scratch region: assigned offset,
// requested size and alignment. Offsets are stable for a given operation set
// plus arguments; they do not change between invocations of the same problem.
type WorkspaceRegion struct {
	Offset    int
	Size      int
	Alignment int
}

// OpSet is an ordered, fixed-length sequence of operations with the
// aggregated host-side contract: the workspace allocator of the fusion
// engine. Order is significant: it determines workspace offset assignment,
// staging slot assignment and, for the tree and topological strategies,
// evaluation order.
type OpSet struct {
	ops []Op
}

// NewOpSet returns the set over the given operations, in order.
func NewOpSet(ops ...Op) *OpSet {
	if len(ops) == 0 {
		exceptions.Panicf("fusion.NewOpSet: at least one operation is required")
	}
	return &OpSet{ops: ops}
}

// Len returns the number of operations in the set.
func (s *OpSet) Len() int { return len(s.ops) }

// Ops returns the ordered operations. The returned slice must not be mutated.
func (s *OpSet) Ops() []Op { return s.ops }

func (s *OpSet) checkArgs(args []Arguments) {
	if len(args) != len(s.ops) {
		exceptions.Panicf("fusion.OpSet: %d arguments for %d operations", len(args), len(s.ops))
	}
}

// CanImplement reports whether every operation in the set supports the given
// problem: the set is usable only if every member is.
func (s *OpSet) CanImplement(problem layout.Problem, args []Arguments) bool {
	s.checkArgs(args)
	for i, op := range s.ops {
		if !op.CanImplement(problem, args[i]) {
			klog.V(2).Infof("fusion: op #%d (%s) cannot implement problem %+v", i, op.Name(), problem)
			return false
		}
	}
	return true
}

// WorkspaceSize returns the total scratch bytes of the set: each operation's
// size independently rounded up to WorkspaceAlignment, then summed.
func (s *OpSet) WorkspaceSize(problem layout.Problem, args []Arguments) int {
	s.checkArgs(args)
	total := 0
	for i, op := range s.ops {
		total += op.WorkspaceSize(problem, args[i])
		total = alignUp(total, WorkspaceAlignment)
	}
	return total
}

// WorkspaceRegions returns the per-operation workspace layout. Regions are
// mutually disjoint with monotonically increasing offsets.
func (s *OpSet) WorkspaceRegions(problem layout.Problem, args []Arguments) []WorkspaceRegion {
	s.checkArgs(args)
	regions := make([]WorkspaceRegion, len(s.ops))
	offset := 0
	for i, op := range s.ops {
		size := op.WorkspaceSize(problem, args[i])
		regions[i] = WorkspaceRegion{Offset: offset, Size: size, Alignment: WorkspaceAlignment}
		offset = alignUp(offset+size, WorkspaceAlignment)
	}
	return regions
}

// FinalizeParams walks the operations in order, handing operation i a slice
// of the workspace starting at the sum of all aligned sizes of operations
// 0..i-1. A nil workspace (size query or dry run) skips the cumulative
// arithmetic and hands every operation a nil slice.
func (s *OpSet) FinalizeParams(problem layout.Problem, args []Arguments, workspace []byte) ([]Params, error) {
	s.checkArgs(args)
	params := make([]Params, len(s.ops))
	if workspace == nil {
		for i, op := range s.ops {
			p, err := op.FinalizeParams(problem, args[i], nil)
			if err != nil {
				return nil, err
			}
			params[i] = p
		}
		return params, nil
	}
	if need := s.WorkspaceSize(problem, args); len(workspace) < need {
		return nil, errors.Errorf("fusion: workspace of %d bytes is smaller than the %d bytes required", len(workspace), need)
	}
	for i, region := range s.WorkspaceRegions(problem, args) {
		op := s.ops[i]
		p, err := op.FinalizeParams(problem, args[i], workspace[region.Offset:region.Offset+region.Size])
		if err != nil {
			return nil, err
		}
		params[i] = p
	}
	return params, nil
}

// InitializeWorkspace initializes each operation's scratch region in order,
// aborting at the first failure and propagating it unchanged. Operations
// after the failed one are never invoked.
func (s *OpSet) InitializeWorkspace(ctx context.Context, problem layout.Problem, args []Arguments, workspace []byte) error {
	s.checkArgs(args)
	for i, region := range s.WorkspaceRegions(problem, args) {
		op := s.ops[i]
		var slice []byte
		if workspace != nil {
			slice = workspace[region.Offset : region.Offset+region.Size]
		}
		if err := op.InitializeWorkspace(ctx, problem, args[i], slice); err != nil {
			klog.V(1).Infof("fusion: workspace initialization of op #%d (%s) failed: %v", i, op.Name(), err)
			return err
		}
	}
	return nil
}

// StagingSize returns the total staging-buffer bytes of the set, with every
// slot aligned to StagingAlignment.
func (s *OpSet) StagingSize(problem layout.Problem, args []Arguments) int {
	s.checkArgs(args)
	total := 0
	for i, op := range s.ops {
		total += op.StagingSize(problem, args[i])
		total = alignUp(total, StagingAlignment)
	}
	return total
}

// Bind constructs the per-invocation node of every operation, handing each
// its Params and its disjoint slice of the staging buffer.
func (s *OpSet) Bind(problem layout.Problem, args []Arguments, params []Params, staging []byte) []Node {
	s.checkArgs(args)
	if len(params) != len(s.ops) {
		exceptions.Panicf("fusion.OpSet.Bind: %d params for %d operations", len(params), len(s.ops))
	}
	nodes := make([]Node, len(s.ops))
	offset := 0
	for i, op := range s.ops {
		size := op.StagingSize(problem, args[i])
		var slot []byte
		if size > 0 {
			if offset+size > len(staging) {
				exceptions.Panicf("fusion.OpSet.Bind: staging buffer of %d bytes overrun by op #%d (%s)", len(staging), i, op.Name())
			}
			slot = staging[offset : offset+size]
		}
		nodes[i] = op.Bind(problem, args[i], params[i], slot)
		offset = alignUp(offset+size, StagingAlignment)
	}
	return nodes
}

// visitorImpl aggregates the Node queries and the lifecycle fan-out over the
// ordered children of a composite. Composition strategies embed it and
// supply their own Visit wiring.
type visitorImpl struct {
	nodes []Node
}

// IsProducerLoadNeeded is true iff at least one child needs the load stage.
// Stable per invocation because every child's answer is.
func (v *visitorImpl) IsProducerLoadNeeded() bool {
	for _, n := range v.nodes {
		if n.IsProducerLoadNeeded() {
			return true
		}
	}
	return false
}

// IsSourceLoadNeeded is true iff at least one child needs a source load for
// the current tile.
func (v *visitorImpl) IsSourceLoadNeeded() bool {
	for _, n := range v.nodes {
		if n.IsSourceLoadNeeded() {
			return true
		}
	}
	return false
}

func (v *visitorImpl) ProducerLoad(args ProducerLoadArgs) ProducerLoadCallbacks {
	children := make([]ProducerLoadCallbacks, len(v.nodes))
	for i, n := range v.nodes {
		children[i] = n.ProducerLoad(args)
	}
	return &producerLoadFanout{children: children}
}

func (v *visitorImpl) consumerStoreFanout(args ConsumerStoreArgs) *consumerStoreFanout {
	children := make([]ConsumerStoreCallbacks, len(v.nodes))
	for i, n := range v.nodes {
		children[i] = n.ConsumerStore(args)
	}
	return &consumerStoreFanout{children: children}
}

// asArgsList converts a composite's Arguments to the per-child list.
// nil expands to a list of nils, a convenience for composites whose children
// all take no configuration.
func asArgsList(args Arguments, numOps int, who string) []Arguments {
	if args == nil {
		return make([]Arguments, numOps)
	}
	list, ok := args.([]Arguments)
	if !ok {
		exceptions.Panicf("fusion.%s: composite arguments must be []Arguments, got %T", who, args)
	}
	return list
}

// asParamsList converts a composite's Params to the per-child list.
func asParamsList(params Params, who string) []Params {
	list, ok := params.([]Params)
	if !ok {
		exceptions.Panicf("fusion.%s: composite params must be []Params, got %T", who, params)
	}
	return list
}
