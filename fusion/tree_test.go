// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func treeVisit(t *testing.T, op Op, acc Fragment, inputs ...Fragment) Fragment {
	node := bindForTest(t, op, nil)
	ccb := node.ConsumerStore(ConsumerStoreArgs{Problem: fusionTestProblem(), NumThreads: 1, FragEnd: 1})
	return ccb.Visit(acc, 0, 0, 0, inputs...)
}

func TestTreeVisitDataflow(t *testing.T) {
	var log []string
	x := constOp("x", 2)
	y := constOp("y", 3)
	terminal := sumOp("t")
	for _, op := range []*stubOp{x, y, terminal} {
		op.log = &log
	}

	out := treeVisit(t, Tree(terminal, x, y), f32Frag(1, 1))
	require.Equal(t, 2, out.Len())
	assert.Equal(t, 5.0, out.At(0))
	// Children evaluate in declaration order, the terminal last.
	assert.Equal(t, []string{"visit:x", "visit:y", "visit:t"}, log)
}

func TestTreePassthroughInputs(t *testing.T) {
	var got []Fragment
	terminal := &stubOp{name: "t", visit: func(acc Fragment, inputs []Fragment) Fragment {
		got = inputs
		return acc
	}}

	extra := f32Frag(10, 10)
	treeVisit(t, Tree(terminal, constOp("x", 2)), f32Frag(0, 0), extra)
	// Child outputs come first, caller-supplied inputs after.
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].At(0))
	assert.Equal(t, 10.0, got[1].At(0))
}

func TestTreeTerminalOnly(t *testing.T) {
	double := &stubOp{name: "d", visit: func(acc Fragment, inputs []Fragment) Fragment {
		require.Empty(t, inputs)
		out := acc.Clone()
		for i := 0; i < out.Len(); i++ {
			out.Set(i, 2*acc.At(i))
		}
		return out
	}}
	out := treeVisit(t, Tree(double), f32Frag(3))
	assert.Equal(t, 6.0, out.At(0))
}

func TestTreeNested(t *testing.T) {
	inner := Tree(sumOp("s1"), constOp("a", 2), constOp("b", 3))
	outer := Tree(sumOp("s2"), inner, constOp("c", 4))
	out := treeVisit(t, outer, f32Frag(0))
	assert.Equal(t, 9.0, out.At(0))
}

func TestTreeProducerLoadNeeded(t *testing.T) {
	// Every subset of 4 children reporting the load as needed.
	for mask := 0; mask < 16; mask++ {
		t.Run(fmt.Sprintf("mask=%d", mask), func(t *testing.T) {
			children := make([]Op, 4)
			for i := range children {
				children[i] = &stubOp{
					name:      fmt.Sprintf("c%d", i),
					needsLoad: mask&(1<<i) != 0,
				}
			}
			node := bindForTest(t, Tree(sumOp("t"), children...), nil)
			assert.Equal(t, mask != 0, node.IsProducerLoadNeeded())
		})
	}
}

func TestTreeSourceLoadNeeded(t *testing.T) {
	a := &stubOp{name: "a", needsLoad: true, sourceLoad: true}
	node := bindForTest(t, Tree(sumOp("t"), a), nil)
	assert.True(t, node.IsSourceLoadNeeded())

	node = bindForTest(t, Tree(sumOp("t"), &stubOp{name: "b"}), nil)
	assert.False(t, node.IsSourceLoadNeeded())
}

func TestTreeLifecycleFanout(t *testing.T) {
	var log []string
	a := &stubOp{name: "a", log: &log}
	b := &stubOp{name: "b", log: &log}
	node := bindForTest(t, Tree(sumOp("t"), a, b), nil)
	ccb := node.ConsumerStore(ConsumerStoreArgs{Problem: fusionTestProblem(), NumThreads: 1, FragEnd: 1})

	ccb.Begin()
	ccb.End()
	assert.Equal(t, []string{"begin:a", "begin:b", "end:a", "end:b"}, log)
}

func TestTreeBeginSyncNeeded(t *testing.T) {
	node := bindForTest(t, Tree(sumOp("t"), &stubOp{name: "a", beginSync: true}), nil)
	ccb := node.ConsumerStore(ConsumerStoreArgs{Problem: fusionTestProblem(), NumThreads: 1, FragEnd: 1})
	assert.True(t, ccb.BeginSyncNeeded())

	node = bindForTest(t, Tree(sumOp("t"), &stubOp{name: "a"}), nil)
	assert.False(t, node.ConsumerStore(ConsumerStoreArgs{}).BeginSyncNeeded())
}

func TestTreeNilArgsExpand(t *testing.T) {
	problem := fusionTestProblem()
	op := Tree(sumOp("t"), constOp("x", 1))
	assert.True(t, op.CanImplement(problem, nil))
	assert.Equal(t, 0, op.WorkspaceSize(problem, nil))

	require.Panics(t, func() { op.CanImplement(problem, "not a list") })
}
