// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"github.com/gomlx/exceptions"
)

// ProducerLoadCallbacks is the lifecycle of the asynchronous load stage of
// one tile. Per tile the caller invokes Begin once, Step once per sub-step in
// increasing step-index order, and End once.
//
// When issueLoad is true, Step must have issued any asynchronous bulk
// transfer for the sub-step and registered the expected transfer size with
// the signal before returning; the caller performs the final commit. When
// issueLoad is false, Step must not issue a transfer.
type ProducerLoadCallbacks interface {
	Begin()
	Step(signal *TransferSignal, stepM, stepN, loadIteration int, issueLoad bool)
	End()
}

// ConsumerStoreCallbacks is the lifecycle of the synchronous compute/store
// stage of one tile. Stages execute in declaration order: Begin (followed by
// a thread-group sync if BeginSyncNeeded), then per sub-step BeginLoop,
// PreVisit, Visit (per fragment), Reduce, PostReduce, TMAStore, EndLoop, and
// finally End.
type ConsumerStoreCallbacks interface {
	// Begin runs before the sub-step loop. Broadcast values fetched once
	// per tile belong here.
	Begin()

	// BeginSyncNeeded reports whether the caller must insert a full
	// thread-group synchronization immediately after Begin, before any
	// child observes another child's Begin side effects.
	BeginSyncNeeded() bool

	// BeginLoop starts one sub-step iteration.
	BeginLoop(stepM, stepN int)

	// PreVisit runs before the visits of a sub-step. On entry all producer
	// loads for this sub-step are complete and visible. Staging-buffer
	// broadcasts belong here.
	PreVisit(stepM, stepN, loadIteration int, producerLoadNeeded bool)

	// Visit computes one fragment point-wise from the accumulator fragment
	// and zero or more input fragments supplied by earlier operations in
	// the composition. It is the only stage with a return value and the
	// only stage whose fan-out the composition strategy owns.
	Visit(acc Fragment, fragIdx, stepM, stepN int, inputs ...Fragment) Fragment

	// Reduce runs after the visits of a sub-step. Operations may
	// accumulate partial reductions into the shared scratch buffer here,
	// calling sync themselves when cross-thread visibility is required
	// before they return. Each operation must leave the scratch safe for
	// reuse before returning. visitResults holds the Visit outputs of this
	// thread's fragment partition for the sub-step.
	Reduce(scratch []float64, sync func(), stepM, stepN int, lastStep bool, visitResults []Fragment)

	// PostReduce runs after Reduce, before the staging fence. Staging
	// stores belong here.
	PostReduce(stepM, stepN, storeIteration int, issueStore bool)

	// TMAStore is reserved exclusively for asynchronous bulk store
	// issuance. Other device-memory stores belong in Reduce or PostReduce.
	TMAStore(stepM, stepN, storeIteration int, issueStore bool)

	// EndLoop ends one sub-step iteration.
	EndLoop(stepM, stepN int)

	// End runs after the sub-step loop. Tile-granularity reduction
	// finalization and stores belong here.
	End()
}

// EmptyProducerLoadCallbacks is a no-op base for operations that need no
// load stage. Embed it and override what is needed.
type EmptyProducerLoadCallbacks struct{}

func (EmptyProducerLoadCallbacks) Begin()                                              {}
func (EmptyProducerLoadCallbacks) Step(*TransferSignal, int, int, int, bool)           {}
func (EmptyProducerLoadCallbacks) End()                                                {}

// EmptyConsumerStoreCallbacks is a no-op base for the compute/store stage.
// Its Visit panics: every operation must define its own Visit.
type EmptyConsumerStoreCallbacks struct{}

func (EmptyConsumerStoreCallbacks) Begin()                               {}
func (EmptyConsumerStoreCallbacks) BeginSyncNeeded() bool                { return false }
func (EmptyConsumerStoreCallbacks) BeginLoop(stepM, stepN int)           {}
func (EmptyConsumerStoreCallbacks) PreVisit(int, int, int, bool)         {}
func (EmptyConsumerStoreCallbacks) Reduce([]float64, func(), int, int, bool, []Fragment) {
}
func (EmptyConsumerStoreCallbacks) PostReduce(int, int, int, bool) {}
func (EmptyConsumerStoreCallbacks) TMAStore(int, int, int, bool)   {}
func (EmptyConsumerStoreCallbacks) EndLoop(stepM, stepN int)       {}
func (EmptyConsumerStoreCallbacks) End()                           {}

// Visit must be implemented by each operation.
func (EmptyConsumerStoreCallbacks) Visit(Fragment, int, int, int, ...Fragment) Fragment {
	exceptions.Panicf("fusion: Visit not implemented for this operation")
	return Fragment{}
}

// producerLoadFanout fans every load-stage call out to every child, in
// composition order. Pure side effect, no return-value aggregation.
type producerLoadFanout struct {
	children []ProducerLoadCallbacks
}

func (f *producerLoadFanout) Begin() {
	for _, c := range f.children {
		c.Begin()
	}
}

func (f *producerLoadFanout) Step(signal *TransferSignal, stepM, stepN, loadIteration int, issueLoad bool) {
	for _, c := range f.children {
		c.Step(signal, stepM, stepN, loadIteration, issueLoad)
	}
}

func (f *producerLoadFanout) End() {
	for _, c := range f.children {
		c.End()
	}
}

// consumerStoreFanout fans every compute/store-stage call out to every child,
// in composition order — except Visit, which is owned by the composition
// strategy wrapping this fan-out, since Visit is the only stage with data
// dependencies between children.
type consumerStoreFanout struct {
	children []ConsumerStoreCallbacks
}

func (f *consumerStoreFanout) Begin() {
	for _, c := range f.children {
		c.Begin()
	}
}

func (f *consumerStoreFanout) BeginSyncNeeded() bool {
	for _, c := range f.children {
		if c.BeginSyncNeeded() {
			return true
		}
	}
	return false
}

func (f *consumerStoreFanout) BeginLoop(stepM, stepN int) {
	for _, c := range f.children {
		c.BeginLoop(stepM, stepN)
	}
}

func (f *consumerStoreFanout) PreVisit(stepM, stepN, loadIteration int, producerLoadNeeded bool) {
	for _, c := range f.children {
		c.PreVisit(stepM, stepN, loadIteration, producerLoadNeeded)
	}
}

func (f *consumerStoreFanout) Visit(Fragment, int, int, int, ...Fragment) Fragment {
	exceptions.Panicf("fusion: Visit called on a bare callback aggregate; a composition strategy must wrap it")
	return Fragment{}
}

func (f *consumerStoreFanout) Reduce(scratch []float64, sync func(), stepM, stepN int, lastStep bool, visitResults []Fragment) {
	for _, c := range f.children {
		c.Reduce(scratch, sync, stepM, stepN, lastStep, visitResults)
	}
}

func (f *consumerStoreFanout) PostReduce(stepM, stepN, storeIteration int, issueStore bool) {
	for _, c := range f.children {
		c.PostReduce(stepM, stepN, storeIteration, issueStore)
	}
}

func (f *consumerStoreFanout) TMAStore(stepM, stepN, storeIteration int, issueStore bool) {
	for _, c := range f.children {
		c.TMAStore(stepM, stepN, storeIteration, issueStore)
	}
}

func (f *consumerStoreFanout) EndLoop(stepM, stepN int) {
	for _, c := range f.children {
		c.EndLoop(stepM, stepN)
	}
}

func (f *consumerStoreFanout) End() {
	for _, c := range f.children {
		c.End()
	}
}
