// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())

	var released atomic.Bool
	done := make(chan struct{})
	go func() {
		l.Wait()
		released.Store(true)
		close(done)
	}()

	l.Trigger()
	<-done
	assert.True(t, released.Load())
	assert.True(t, l.Test())

	// Triggering again is a no-op.
	l.Trigger()
	l.Wait()

	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan not closed after trigger")
	}
}

func TestBarrier(t *testing.T) {
	const members = 4
	const rounds = 100
	b := NewBarrier(members)
	require.Equal(t, members, b.N())

	// Every member must observe the same count at every round: nobody runs
	// ahead through the barrier.
	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(members)
	for m := 0; m < members; m++ {
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				count.Add(1)
				b.Wait()
				require.Equal(t, int32((r+1)*members), count.Load())
				b.Wait()
			}
		}()
	}
	wg.Wait()
}

func TestBarrierSingleMember(t *testing.T) {
	b := NewBarrier(1)
	for i := 0; i < 10; i++ {
		b.Wait() // must not block
	}
}
