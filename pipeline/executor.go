// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline executes a composed epilogue over the tiles of a problem:
// an asynchronous producer load stage and a lockstep consumer compute/store
// thread group, synchronized only through per-sub-step completion signals
// and explicit group barriers.
package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tilefuse/tilefuse/fusion"
	"github.com/tilefuse/tilefuse/layout"
	"github.com/tilefuse/tilefuse/types/xsync"
)

// Config tunes the executor.
type Config struct {
	// NumThreads is the size of the consumer thread group. Defaults to 1.
	NumThreads int
}

// Executor runs a composed epilogue operation. It is constructed once per
// kernel invocation (binding every operation to its params and staging
// slice) and processes tiles through ProcessTile or Run.
type Executor struct {
	problem layout.Problem
	op      fusion.Op
	args    fusion.Arguments
	cfg     Config

	params    fusion.Params
	staging   []byte
	prodNode  fusion.Node
	consNodes []fusion.Node
}

// Params returns the finalized params the executor was bound with.
func (e *Executor) Params() fusion.Params { return e.params }

// NewExecutor binds the operation for one kernel invocation. params must
// come from op.FinalizeParams over a workspace already initialized with
// op.InitializeWorkspace.
func NewExecutor(problem layout.Problem, op fusion.Op, args fusion.Arguments, params fusion.Params, cfg Config) (*Executor, error) {
	if err := problem.Validate(); err != nil {
		return nil, err
	}
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	if cfg.NumThreads > problem.FragmentsPerStep() {
		cfg.NumThreads = problem.FragmentsPerStep()
	}
	staging := make([]byte, op.StagingSize(problem, args))
	e := &Executor{
		problem: problem,
		op:      op,
		args:    args,
		cfg:     cfg,
		params:  params,
		staging: staging,
	}
	// The producer thread group and each consumer thread bind their own
	// instances over the shared staging buffer.
	e.prodNode = op.Bind(problem, args, params, staging)
	e.consNodes = make([]fusion.Node, cfg.NumThreads)
	for t := range e.consNodes {
		e.consNodes[t] = op.Bind(problem, args, params, staging)
	}
	klog.V(1).Infof("pipeline: bound %s over %d consumer threads, %d bytes staging", op.Name(), cfg.NumThreads, len(staging))
	return e, nil
}

// Prepare runs the full host-side setup for one problem: feasibility check,
// workspace sizing and allocation, params finalization, workspace
// initialization, and executor binding.
func Prepare(ctx context.Context, problem layout.Problem, op fusion.Op, args fusion.Arguments, cfg Config) (*Executor, error) {
	if err := problem.Validate(); err != nil {
		return nil, err
	}
	if !op.CanImplement(problem, args) {
		return nil, errors.Errorf("pipeline: %s cannot implement the given problem configuration", op.Name())
	}
	size := op.WorkspaceSize(problem, args)
	var workspace []byte
	if size > 0 {
		workspace = make([]byte, size)
	}
	params, err := op.FinalizeParams(problem, args, workspace)
	if err != nil {
		return nil, err
	}
	if err = op.InitializeWorkspace(ctx, problem, args, workspace); err != nil {
		return nil, err
	}
	return NewExecutor(problem, op, args, params, cfg)
}

// Run processes every tile of the problem in order, reading accumulator
// values from acc and writing results to dst, both shaped (L, M, N) —
// or (M, N) when L is 1. The context is only observed between tiles: a tile
// either completes its fixed lifecycle or the invocation fails.
func (e *Executor) Run(ctx context.Context, acc, dst layout.TensorRef) error {
	if err := e.checkTensor("accumulator", acc); err != nil {
		return err
	}
	if err := e.checkTensor("destination", dst); err != nil {
		return err
	}
	return e.problem.ForEachTile(func(tile layout.TileCoord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.ProcessTile(tile, acc, dst)
		return nil
	})
}

func (e *Executor) checkTensor(what string, t layout.TensorRef) error {
	p := e.problem
	if !t.Ok() {
		return errors.Errorf("pipeline: %s tensor is not set", what)
	}
	if t.Len() != p.L*p.M*p.N {
		return errors.Errorf("pipeline: %s tensor has %d elements, want %d", what, t.Len(), p.L*p.M*p.N)
	}
	return nil
}

// ProcessTile runs the full producer/consumer lifecycle for one tile.
func (e *Executor) ProcessTile(tile layout.TileCoord, acc, dst layout.TensorRef) {
	p := e.problem
	numSteps := p.NumSteps()
	numThreads := e.cfg.NumThreads

	// Whether the load stage runs at all is decided once per tile and
	// holds for every sub-step.
	loadNeeded := e.prodNode.IsProducerLoadNeeded()

	ring := newStagingRing(p.StagingDepth)
	if loadNeeded {
		go e.produceTile(tile, ring, numSteps)
	}

	barrier := xsync.NewBarrier(numThreads)
	scratch := make([]float64, numThreads*p.SubTileM*p.SubTileN)
	// Written by the leader, published to the group by the barrier.
	var stepSignal *fusion.TransferSignal

	var wg sync.WaitGroup
	wg.Add(numThreads)
	for t := 0; t < numThreads; t++ {
		go func(threadIdx int) {
			defer wg.Done()
			fps := p.FragmentsPerStep()
			args := fusion.ConsumerStoreArgs{
				Problem:    p,
				Tile:       tile,
				ThreadIdx:  threadIdx,
				NumThreads: numThreads,
				FragBegin:  threadIdx * fps / numThreads,
				FragEnd:    (threadIdx + 1) * fps / numThreads,
			}
			leader := args.IsLeader()
			ccb := e.consNodes[threadIdx].ConsumerStore(args)

			ccb.Begin()
			if ccb.BeginSyncNeeded() {
				barrier.Wait()
			}
			visitResults := make([]fusion.Fragment, 0, args.FragEnd-args.FragBegin)
			for step := 0; step < numSteps; step++ {
				stepM, stepN := p.StepCoord(step)
				ccb.BeginLoop(stepM, stepN)
				if loadNeeded {
					if leader {
						stepSignal = ring.nextSignal()
					}
					barrier.Wait()
					// Sole producer-to-consumer ordering guarantee:
					// staged data for this sub-step is visible after
					// its signal completes.
					stepSignal.Wait()
				}
				ccb.PreVisit(stepM, stepN, step, loadNeeded)
				visitResults = visitResults[:0]
				for frag := args.FragBegin; frag < args.FragEnd; frag++ {
					accFrag := e.loadFragment(acc, tile, stepM, stepN, frag)
					out := ccb.Visit(accFrag, frag, stepM, stepN)
					e.storeFragment(dst, tile, stepM, stepN, frag, out)
					visitResults = append(visitResults, out)
				}
				ccb.Reduce(scratch, barrier.Wait, stepM, stepN, step == numSteps-1, visitResults)
				ccb.PostReduce(stepM, stepN, step, leader)
				// Staging fence: every thread's staged stores are
				// visible before the bulk store is issued.
				barrier.Wait()
				ccb.TMAStore(stepM, stepN, step, leader)
				ccb.EndLoop(stepM, stepN)
				// No thread may still read the sub-step's staging slot
				// once its buffer is recycled.
				barrier.Wait()
				if leader && loadNeeded {
					ring.release()
				}
			}
			ccb.End()
		}(t)
	}
	wg.Wait()
}

// produceTile is the asynchronous load stage of one tile: sub-steps issued
// in increasing step-index order, throttled by the staging ring.
func (e *Executor) produceTile(tile layout.TileCoord, ring *stagingRing, numSteps int) {
	p := e.problem
	pcb := e.prodNode.ProducerLoad(fusion.ProducerLoadArgs{Problem: p, Tile: tile})
	pcb.Begin()
	for step := 0; step < numSteps; step++ {
		ring.acquire()
		stepM, stepN := p.StepCoord(step)
		signal := fusion.NewTransferSignal()
		pcb.Step(signal, stepM, stepN, step, true)
		// The callbacks registered their transfer sizes; the commit is
		// the producer's.
		signal.Commit()
		ring.publish(signal)
	}
	pcb.End()
}

// loadFragment gathers one accumulator fragment, zero-filling predicated-off
// lanes.
func (e *Executor) loadFragment(acc layout.TensorRef, tile layout.TileCoord, stepM, stepN, frag int) fusion.Fragment {
	p := e.problem
	out := fusion.NewFragment(acc.Shape.DType, p.FragLen)
	for lane := 0; lane < p.FragLen; lane++ {
		row, col, ok := p.Coord(tile, stepM, stepN, frag, lane)
		if !ok {
			continue
		}
		out.Set(lane, acc.At(p.Offset(tile.L, row, col)))
	}
	return out
}

// storeFragment writes one result fragment to the destination, converting to
// the destination dtype and skipping predicated-off lanes.
func (e *Executor) storeFragment(dst layout.TensorRef, tile layout.TileCoord, stepM, stepN, frag int, values fusion.Fragment) {
	p := e.problem
	for lane := 0; lane < values.Len(); lane++ {
		row, col, ok := p.Coord(tile, stepM, stepN, frag, lane)
		if !ok {
			continue
		}
		dst.Set(p.Offset(tile.L, row, col), values.At(lane))
	}
}
