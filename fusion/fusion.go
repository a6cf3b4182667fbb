// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion implements the operation-composition framework of the
// epilogue: the contract every fusable operation implements, the workspace
// allocator that lays out per-operation scratch memory, the producer and
// consumer callback aggregators that fan the tile lifecycle out to every
// composed operation, and the three composition strategies (linear tree,
// split tree, topological DAG) that wire per-operation Visit steps into a
// dataflow.
//
// Every operation is selected and composed before the first tile is
// processed; the lifecycle callbacks carry no per-call dispatch decisions.
// Composites implement Op themselves, so trees nest freely.
package fusion

import (
	"context"

	"github.com/tilefuse/tilefuse/layout"
)

// Arguments is the host-supplied configuration of one operation: a small,
// trivially copyable, op-specific struct. Composite operations use []Arguments
// ordered like their internal operation set.
type Arguments = any

// Params is the device-resident parameter block of one operation, derived
// from its Arguments plus absolute workspace offsets. Exactly one Params
// corresponds to each Arguments, produced once per host-side problem setup
// and reused for every tile-processing invocation of that problem.
type Params = any

// Op is the host-side contract of a fusable operation. Implementations are
// stateless values; all per-problem state lives in Params and all per-tile
// state in the Node returned by Bind.
type Op interface {
	// Name identifies the operation in logs and errors.
	Name() string

	// CanImplement reports whether this operation supports the given
	// problem and arguments. False signals an unsupported configuration,
	// not an error: the caller selects a different operation.
	CanImplement(problem layout.Problem, args Arguments) bool

	// WorkspaceSize returns an upper bound on the scratch bytes this
	// operation needs, computable without the workspace itself.
	WorkspaceSize(problem layout.Problem, args Arguments) int

	// FinalizeParams derives the device-side Params from the arguments and
	// this operation's workspace region. It must be pure and idempotent
	// for identical inputs and must not allocate device memory.
	// workspace is nil on size queries and dry runs.
	FinalizeParams(problem layout.Problem, args Arguments, workspace []byte) (Params, error)

	// InitializeWorkspace performs any one-time population of the scratch
	// region (e.g. zeroing accumulators). Failures are returned as errors,
	// never panics.
	InitializeWorkspace(ctx context.Context, problem layout.Problem, args Arguments, workspace []byte) error

	// StagingSize returns the bytes of staging-buffer storage this
	// operation needs per pipeline instance.
	StagingSize(problem layout.Problem, args Arguments) int

	// Bind constructs the per-tile-processing-call instance of this
	// operation from its Params and its disjoint slice of the staging
	// buffer. The instance is not persisted across invocations.
	Bind(problem layout.Problem, args Arguments, params Params, staging []byte) Node
}

// Node is the per-invocation instance of a fused operation: the factory for
// the two lifecycle callback objects, plus the aggregate queries the kernel
// runtime needs before entering the tile loop.
type Node interface {
	// IsProducerLoadNeeded reports whether the asynchronous load stage must
	// run at all. The answer must be stable across every sub-step of every
	// tile of one invocation: it decides whether the entire load stage
	// executes.
	IsProducerLoadNeeded() bool

	// IsSourceLoadNeeded reports whether a source-operand load is needed
	// for the current tile. Unlike IsProducerLoadNeeded it may vary
	// tile-to-tile. If true, IsProducerLoadNeeded must also be true.
	IsSourceLoadNeeded() bool

	// ProducerLoad returns the load-stage callbacks for one tile.
	ProducerLoad(args ProducerLoadArgs) ProducerLoadCallbacks

	// ConsumerStore returns the compute/store-stage callbacks for one tile.
	ConsumerStore(args ConsumerStoreArgs) ConsumerStoreCallbacks
}

// ProducerLoadArgs carries the tile context handed to the load-stage
// callback factory.
type ProducerLoadArgs struct {
	Problem layout.Problem
	Tile    layout.TileCoord
}

// ConsumerStoreArgs carries the tile context handed to the compute/store
// callback factory. Each participating thread binds its own callbacks over a
// disjoint fragment partition [FragBegin, FragEnd).
type ConsumerStoreArgs struct {
	Problem    layout.Problem
	Tile       layout.TileCoord
	ThreadIdx  int
	NumThreads int
	FragBegin  int
	FragEnd    int
}

// IsLeader reports whether this thread issues the per-step bulk operations.
func (a ConsumerStoreArgs) IsLeader() bool { return a.ThreadIdx == 0 }
