// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package fusionops provides the fusable operations that plug into the
// fusion engine: accumulator fetch, scalar and row broadcasts, auxiliary
// tensor loads and stores, elementwise compute functors and partial
// reductions. Each operation satisfies the fusion.Op contract and is glued
// into a pipeline by one of the composition strategies; none of them is part
// of the composition core.
package fusionops

import (
	"context"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
)

// baseOp supplies the neutral host-side contract: always implementable, no
// workspace, no staging, nil params. Operations embed it and override what
// they need.
type baseOp struct{}

func (baseOp) CanImplement(layout.Problem, fusion.Arguments) bool  { return true }
func (baseOp) WorkspaceSize(layout.Problem, fusion.Arguments) int  { return 0 }
func (baseOp) StagingSize(layout.Problem, fusion.Arguments) int    { return 0 }
func (baseOp) FinalizeParams(layout.Problem, fusion.Arguments, []byte) (fusion.Params, error) {
	return nil, nil
}
func (baseOp) InitializeWorkspace(context.Context, layout.Problem, fusion.Arguments, []byte) error {
	return nil
}

// baseNode answers the runtime queries for operations without a load stage.
type baseNode struct{}

func (baseNode) IsProducerLoadNeeded() bool { return false }
func (baseNode) IsSourceLoadNeeded() bool   { return false }
func (baseNode) ProducerLoad(fusion.ProducerLoadArgs) fusion.ProducerLoadCallbacks {
	return fusion.EmptyProducerLoadCallbacks{}
}

// typedView reinterprets an aligned byte slice as n elements of T.
func typedView[T any](b []byte, n int) []T {
	var t T
	if uintptr(n)*unsafe.Sizeof(t) > uintptr(len(b)) {
		exceptions.Panicf("fusionops: staging slot of %d bytes cannot hold %d elements of %T", len(b), n, t)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// stagingView reinterprets a staging slot as n elements of the given dtype.
func stagingView(dtype dtypes.DType, b []byte, n int) any {
	switch dtype {
	case dtypes.Float32:
		return typedView[float32](b, n)
	case dtypes.Float64:
		return typedView[float64](b, n)
	case dtypes.Float16:
		return typedView[float16.Float16](b, n)
	case dtypes.Int32:
		return typedView[int32](b, n)
	}
	exceptions.Panicf("fusionops: unsupported staging dtype %s", dtype)
	return nil
}

// panicUnaryArity reports a composition wiring a unary operation with the
// wrong number of inputs.
func panicUnaryArity(name string, got int) {
	exceptions.Panicf("fusionops.%s: expects exactly one input fragment, got %d", name, got)
}

// supportedDType limits operations to the dtypes fragments can hold.
func supportedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.Int32:
		return true
	}
	return false
}
