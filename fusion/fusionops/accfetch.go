// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusionops

import (
	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

// AccFetchOp returns the tile accumulator fragment unchanged: the leaf that
// feeds the multiply-accumulate result into a fusion dataflow.
type AccFetchOp struct {
	baseOp
}

var _ fusion.Op = AccFetchOp{}

// AccFetch returns the accumulator-fetch operation. It takes no arguments.
func AccFetch() AccFetchOp { return AccFetchOp{} }

func (AccFetchOp) Name() string { return "AccFetch" }

func (AccFetchOp) Bind(layout.Problem, fusion.Arguments, fusion.Params, []byte) fusion.Node {
	return accFetchNode{}
}

type accFetchNode struct {
	baseNode
}

func (accFetchNode) ConsumerStore(fusion.ConsumerStoreArgs) fusion.ConsumerStoreCallbacks {
	return accFetchCallbacks{}
}

type accFetchCallbacks struct {
	fusion.EmptyConsumerStoreCallbacks
}

func (accFetchCallbacks) Visit(acc fusion.Fragment, _, _, _ int, _ ...fusion.Fragment) fusion.Fragment {
	return acc
}
