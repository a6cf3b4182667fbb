// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilefuse/tilefuse/layout"
)

// stubOp is a fully scriptable operation used by the composition tests.
type stubOp struct {
	name       string
	workspace  int
	staging    int
	unable     bool
	initErr    error
	needsLoad  bool
	sourceLoad bool
	beginSync  bool
	visit      func(acc Fragment, inputs []Fragment) Fragment
	log        *[]string
}

type stubParams struct{ ws []byte }

func (o *stubOp) Name() string                                { return o.name }
func (o *stubOp) CanImplement(layout.Problem, Arguments) bool { return !o.unable }
func (o *stubOp) WorkspaceSize(layout.Problem, Arguments) int { return o.workspace }
func (o *stubOp) StagingSize(layout.Problem, Arguments) int   { return o.staging }

func (o *stubOp) FinalizeParams(_ layout.Problem, _ Arguments, ws []byte) (Params, error) {
	return stubParams{ws: ws}, nil
}

func (o *stubOp) InitializeWorkspace(_ context.Context, _ layout.Problem, _ Arguments, _ []byte) error {
	o.logf("init:" + o.name)
	return o.initErr
}

func (o *stubOp) Bind(_ layout.Problem, _ Arguments, _ Params, staging []byte) Node {
	return &stubNode{op: o, staging: staging}
}

func (o *stubOp) logf(event string) {
	if o.log != nil {
		*o.log = append(*o.log, event)
	}
}

type stubNode struct {
	op      *stubOp
	staging []byte
}

func (n *stubNode) IsProducerLoadNeeded() bool { return n.op.needsLoad }
func (n *stubNode) IsSourceLoadNeeded() bool   { return n.op.sourceLoad }
func (n *stubNode) ProducerLoad(ProducerLoadArgs) ProducerLoadCallbacks {
	return EmptyProducerLoadCallbacks{}
}
func (n *stubNode) ConsumerStore(ConsumerStoreArgs) ConsumerStoreCallbacks {
	return &stubCallbacks{op: n.op}
}

type stubCallbacks struct {
	EmptyConsumerStoreCallbacks
	op *stubOp
}

func (c *stubCallbacks) Begin()                { c.op.logf("begin:" + c.op.name) }
func (c *stubCallbacks) BeginSyncNeeded() bool { return c.op.beginSync }
func (c *stubCallbacks) End()                  { c.op.logf("end:" + c.op.name) }

func (c *stubCallbacks) Visit(acc Fragment, _, _, _ int, inputs ...Fragment) Fragment {
	c.op.logf("visit:" + c.op.name)
	if c.op.visit != nil {
		return c.op.visit(acc, inputs)
	}
	return acc
}

// constOp always produces a fragment filled with value.
func constOp(name string, value float64) *stubOp {
	return &stubOp{name: name, visit: func(acc Fragment, _ []Fragment) Fragment {
		out := NewFragment(dtypes.Float32, acc.Len())
		for i := 0; i < acc.Len(); i++ {
			out.Set(i, value)
		}
		return out
	}}
}

// sumOp produces the lane-wise sum of its inputs.
func sumOp(name string) *stubOp {
	return &stubOp{name: name, visit: func(acc Fragment, inputs []Fragment) Fragment {
		out := NewFragment(dtypes.Float32, acc.Len())
		for i := 0; i < acc.Len(); i++ {
			v := 0.0
			for _, in := range inputs {
				v += in.At(i)
			}
			out.Set(i, v)
		}
		return out
	}}
}

func f32Frag(values ...float64) Fragment {
	out := NewFragment(dtypes.Float32, len(values))
	for i, v := range values {
		out.Set(i, v)
	}
	return out
}

func fusionTestProblem() layout.Problem {
	return layout.Problem{
		M: 8, N: 8, K: 2, L: 1,
		TileM: 8, TileN: 8,
		SubTileM: 4, SubTileN: 4,
		FragLen:      4,
		StagingDepth: 2,
	}
}

// bindForTest runs the dry-run host setup and binds the operation.
func bindForTest(t *testing.T, op Op, args Arguments) Node {
	problem := fusionTestProblem()
	params, err := op.FinalizeParams(problem, args, nil)
	require.NoError(t, err)
	staging := make([]byte, op.StagingSize(problem, args))
	return op.Bind(problem, args, params, staging)
}

func TestNewOpSetRequiresOps(t *testing.T) {
	require.Panics(t, func() { NewOpSet() })
}

func TestOpSetWorkspaceLayout(t *testing.T) {
	problem := fusionTestProblem()
	set := NewOpSet(
		&stubOp{name: "a", workspace: 5},
		&stubOp{name: "b", workspace: 16},
		&stubOp{name: "c", workspace: 0},
		&stubOp{name: "d", workspace: 7},
	)
	args := make([]Arguments, 4)

	assert.Equal(t, 48, set.WorkspaceSize(problem, args))

	regions := set.WorkspaceRegions(problem, args)
	require.Len(t, regions, 4)
	assert.Equal(t, WorkspaceRegion{Offset: 0, Size: 5, Alignment: 16}, regions[0])
	assert.Equal(t, WorkspaceRegion{Offset: 16, Size: 16, Alignment: 16}, regions[1])
	assert.Equal(t, WorkspaceRegion{Offset: 32, Size: 0, Alignment: 16}, regions[2])
	assert.Equal(t, WorkspaceRegion{Offset: 32, Size: 7, Alignment: 16}, regions[3])
}

func TestOpSetWorkspaceLayoutSingleOp(t *testing.T) {
	problem := fusionTestProblem()
	set := NewOpSet(&stubOp{name: "a", workspace: 5})
	args := make([]Arguments, 1)
	assert.Equal(t, 16, set.WorkspaceSize(problem, args))
}

func TestOpSetFinalizeParams(t *testing.T) {
	problem := fusionTestProblem()
	set := NewOpSet(
		&stubOp{name: "a", workspace: 5},
		&stubOp{name: "b", workspace: 16},
	)
	args := make([]Arguments, 2)

	workspace := make([]byte, set.WorkspaceSize(problem, args))
	params, err := set.FinalizeParams(problem, args, workspace)
	require.NoError(t, err)
	require.Len(t, params, 2)

	// Each op sees exactly its region of the shared workspace.
	wsA := params[0].(stubParams).ws
	wsB := params[1].(stubParams).ws
	require.Len(t, wsA, 5)
	require.Len(t, wsB, 16)
	wsA[0] = 1
	wsB[0] = 2
	assert.EqualValues(t, 1, workspace[0])
	assert.EqualValues(t, 2, workspace[16])
}

func TestOpSetFinalizeParamsNilWorkspace(t *testing.T) {
	problem := fusionTestProblem()
	set := NewOpSet(&stubOp{name: "a", workspace: 64}, &stubOp{name: "b", workspace: 64})
	args := make([]Arguments, 2)

	params, err := set.FinalizeParams(problem, args, nil)
	require.NoError(t, err)
	for _, p := range params {
		assert.Nil(t, p.(stubParams).ws)
	}
}

func TestOpSetFinalizeParamsShortWorkspace(t *testing.T) {
	problem := fusionTestProblem()
	set := NewOpSet(&stubOp{name: "a", workspace: 64})
	args := make([]Arguments, 1)

	_, err := set.FinalizeParams(problem, args, make([]byte, 8))
	require.Error(t, err)
}

func TestOpSetInitializeWorkspaceAbortsOnFailure(t *testing.T) {
	problem := fusionTestProblem()
	boom := errors.New("boom")
	var log []string
	set := NewOpSet(
		&stubOp{name: "a", log: &log},
		&stubOp{name: "b", log: &log, initErr: boom},
		&stubOp{name: "c", log: &log},
	)
	args := make([]Arguments, 3)

	err := set.InitializeWorkspace(context.Background(), problem, args, nil)
	// The failure propagates unchanged and later ops are never invoked.
	assert.Equal(t, boom, err)
	assert.Equal(t, []string{"init:a", "init:b"}, log)
}

func TestOpSetCanImplement(t *testing.T) {
	problem := fusionTestProblem()
	args := make([]Arguments, 2)
	assert.True(t, NewOpSet(&stubOp{name: "a"}, &stubOp{name: "b"}).CanImplement(problem, args))
	assert.False(t, NewOpSet(&stubOp{name: "a"}, &stubOp{name: "b", unable: true}).CanImplement(problem, args))
}

func TestOpSetArgsLengthMismatchPanics(t *testing.T) {
	problem := fusionTestProblem()
	set := NewOpSet(&stubOp{name: "a"})
	require.Panics(t, func() { set.CanImplement(problem, make([]Arguments, 2)) })
}

func TestOpSetStagingLayout(t *testing.T) {
	problem := fusionTestProblem()
	set := NewOpSet(
		&stubOp{name: "a", staging: 3},
		&stubOp{name: "b", staging: 10},
	)
	args := make([]Arguments, 2)

	assert.Equal(t, 32, set.StagingSize(problem, args))

	params, err := set.FinalizeParams(problem, args, nil)
	require.NoError(t, err)
	staging := make([]byte, set.StagingSize(problem, args))
	nodes := set.Bind(problem, args, params, staging)
	require.Len(t, nodes, 2)

	slotA := nodes[0].(*stubNode).staging
	slotB := nodes[1].(*stubNode).staging
	require.Len(t, slotA, 3)
	require.Len(t, slotB, 10)
	slotA[0] = 1
	slotB[0] = 2
	assert.EqualValues(t, 1, staging[0])
	assert.EqualValues(t, 2, staging[16])
}

func TestOpSetBindStagingOverrunPanics(t *testing.T) {
	problem := fusionTestProblem()
	set := NewOpSet(&stubOp{name: "a", staging: 3}, &stubOp{name: "b", staging: 10})
	args := make([]Arguments, 2)
	params, err := set.FinalizeParams(problem, args, nil)
	require.NoError(t, err)

	require.Panics(t, func() { set.Bind(problem, args, params, make([]byte, 8)) })
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, 0, alignUp(0, 16))
	assert.Equal(t, 16, alignUp(1, 16))
	assert.Equal(t, 16, alignUp(16, 16))
	assert.Equal(t, 32, alignUp(17, 16))
}
