// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"sync"

	"github.com/tilefuse/tilefuse/types/xsync"
)

// TransferSignal is the completion-signal handle for one sub-step's
// asynchronous bulk transfers.
//
// Load callbacks register the byte count of every transfer they issue with
// ExpectBytes before returning from Step; the transfers themselves report
// completion with Arrive. The producer — not the callbacks — commits the
// signal once the whole sub-step's fan-out has returned. A consumer Wait
// completes only after the commit and after every expected byte has arrived,
// which is the sole producer-to-consumer ordering guarantee.
type TransferSignal struct {
	mu        sync.Mutex
	expected  int
	arrived   int
	committed bool
	done      *xsync.Latch
}

// NewTransferSignal returns a signal with no expected transfers.
func NewTransferSignal() *TransferSignal {
	return &TransferSignal{done: xsync.NewLatch()}
}

// ExpectBytes registers n bytes of in-flight transfer. It must be called by
// the load callback before its Step returns.
func (s *TransferSignal) ExpectBytes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed {
		panic("fusion.TransferSignal: ExpectBytes after Commit")
	}
	s.expected += n
}

// Arrive reports that n bytes of a previously expected transfer completed.
func (s *TransferSignal) Arrive(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arrived += n
	s.maybeTriggerLocked()
}

// Commit seals the expected-byte count. Called once by the producer after the
// sub-step fan-out returns.
func (s *TransferSignal) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
	s.maybeTriggerLocked()
}

func (s *TransferSignal) maybeTriggerLocked() {
	if s.committed && s.arrived >= s.expected {
		s.done.Trigger()
	}
}

// Wait blocks until the signal is committed and every expected byte arrived.
// Data staged under this signal is visible to the waiter afterwards.
func (s *TransferSignal) Wait() {
	s.done.Wait()
}

// Test reports whether the signal is already complete.
func (s *TransferSignal) Test() bool {
	return s.done.Test()
}
