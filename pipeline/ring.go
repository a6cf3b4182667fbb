// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import "github.com/tilefuse/tilefuse/fusion"

// stagingRing enforces the structural backpressure of the load stage: the
// producer may not run ahead of the consumer beyond the number of in-flight
// staging buffers, via an acquire/release token protocol around the
// completion signals.
type stagingRing struct {
	signals chan *fusion.TransferSignal
	tokens  chan struct{}
}

func newStagingRing(depth int) *stagingRing {
	r := &stagingRing{
		signals: make(chan *fusion.TransferSignal, depth),
		tokens:  make(chan struct{}, depth),
	}
	for i := 0; i < depth; i++ {
		r.tokens <- struct{}{}
	}
	return r
}

// acquire blocks the producer until a staging buffer is free.
func (r *stagingRing) acquire() { <-r.tokens }

// publish hands the committed signal of an issued sub-step to the consumer.
func (r *stagingRing) publish(s *fusion.TransferSignal) { r.signals <- s }

// nextSignal returns the completion signal of the next sub-step, in issue
// order.
func (r *stagingRing) nextSignal() *fusion.TransferSignal { return <-r.signals }

// release returns the oldest in-flight staging buffer to the producer.
func (r *stagingRing) release() { r.tokens <- struct{}{} }
