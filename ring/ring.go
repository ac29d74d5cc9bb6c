// Copyright 2025 The tracedemux Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ring implements the fixed-capacity raw block ring that couples
// the source thread to the Distribution Processor. It is
// single-producer/single-consumer: the source owns wp, the processor
// owns rp.
package ring

import (
	"sync"
	"sync/atomic"

	"github.com/tracedemux/tracedemux/internal/bufbytes"
)

// Block is one ring slot: a fixed-capacity byte buffer plus a fill
// level, exactly the RawBlock of the design. Generalized from the
// teacher's internal/bufbytes.Bytes, which already is a fixed-capacity
// append buffer - the ring slot and the staging buffer used by
// demux.Handler are literally the same abstraction, so no separate
// type was introduced.
type Block = bufbytes.Bytes

// Ring is a fixed-size circular buffer of Blocks.
//
// The producer (source thread) calls Acquire to get the slot at wp,
// fills it, and calls Publish to make it visible to the consumer. The
// consumer (processor thread) calls Wait to block until wp != rp, then
// Advance once it has finished with the slot at rp.
//
// When the ring is full at Publish time the oldest unprocessed block is
// dropped (rp is advanced) rather than blocking the producer - USB
// traffic is realtime and must never be throttled by a slow consumer.
type Ring struct {
	mu      sync.Mutex
	cond    *sync.Cond
	slots   []*Block
	wp, rp  uint64
	dropped atomic.Uint64
	closed  bool
}

// New returns a Ring of n slots, each with the given block capacity.
func New(n, blockSize int) *Ring {
	if n < 1 {
		n = 1
	}

	r := &Ring{
		slots: make([]*Block, n),
	}
	for i := range r.slots {
		r.slots[i] = bufbytes.New(blockSize)
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Ring) size() uint64 {
	return uint64(len(r.slots))
}

// full reports whether every slot is currently occupied by an
// unconsumed block, i.e. the producer cannot advance wp without
// overtaking rp.
func (r *Ring) full() bool {
	return r.wp-r.rp >= r.size()
}

// Acquire returns the slot the producer should fill next. The caller
// must Reset it before writing (a freshly-published slot used by a
// prior lap is not cleared automatically).
func (r *Ring) Acquire() *Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[r.wp%r.size()]
}

// Publish makes the slot at wp visible to the consumer and wakes it.
// If the ring is already full, the oldest unconsumed slot is dropped
// first and the dropped-block counter is incremented.
func (r *Ring) Publish() {
	r.mu.Lock()
	if r.full() {
		r.rp++
		r.dropped.Add(1)
	}
	r.wp++
	r.mu.Unlock()
	r.cond.Signal()
}

// Wait blocks until a block is available or the Ring is closed. It
// returns the slot at rp and true, or nil and false if the Ring was
// closed while waiting.
func (r *Ring) Wait() (*Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.wp == r.rp && !r.closed {
		r.cond.Wait()
	}
	if r.closed && r.wp == r.rp {
		return nil, false
	}
	return r.slots[r.rp%r.size()], true
}

// Advance releases the slot at rp back to the producer.
func (r *Ring) Advance() {
	r.mu.Lock()
	r.rp++
	r.mu.Unlock()
}

// Dropped reports the number of blocks ever dropped under the
// drop-oldest policy.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Close unblocks any consumer waiting in Wait.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
}
