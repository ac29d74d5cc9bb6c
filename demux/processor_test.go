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

package demux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracedemux/tracedemux/oflow"
	"github.com/tracedemux/tracedemux/ring"
)

// memSink collects everything Sent to it.
type memSink struct {
	mut  sync.Mutex
	data []byte
}

func (m *memSink) Send(p []byte) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.data = append(m.data, p...)
}

func (m *memSink) bytes() []byte {
	m.mut.Lock()
	defer m.mut.Unlock()
	return append([]byte{}, m.data...)
}

// runBlocks publishes each blob as one ring block, runs the processor
// to completion and returns it.
func runBlocks(t *testing.T, p *Processor, rb *ring.Ring, blobs ...[]byte) {
	t.Helper()

	go p.Run()
	for _, blob := range blobs {
		blk := rb.Acquire()
		blk.Reset()
		blk.Write(blob)
		rb.Publish()
	}
	rb.Close()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("processor never drained the ring")
	}
}

// tpiuTestStream builds sync + one 16-byte frame that switches between
// streams 1 and 2 mid-frame, exercising both aux-bit polarities.
//
// Walking the frame: pair 0 switches to stream 1 (aux bit clear, so
// 0x10 follows the new stream), pair 1 carries 1's data, pair 2's
// marker switches to stream 2, pair 4's marker switches back to 1 with
// its aux bit set so 0x70 still belongs to 2, and the rest runs on 1.
func tpiuTestStream() (raw []byte, wantCh1, wantCh2 []byte) {
	frame := [16]byte{
		0x03, 0x10, // switch to stream 1; 0x10 tagged to 1
		0x20, 0x30, // stream 1 data
		0x05, 0x40, // switch to stream 2; 0x40 tagged to 2
		0x50, 0x60, // stream 2 data
		0x03, 0x70, // switch back to 1; aux bit 4 set: 0x70 tagged to 2
		0x80, 0x90, // stream 1 data
		0xA0, 0xB0, // stream 1 data
		0xC0, // stream 1 data
		0x10, // aux: only bit 4 set
	}
	raw = append([]byte{0xFF, 0xFF, 0xFF, 0x7F}, frame[:]...)
	wantCh1 = []byte{0x10, 0x20, 0x30, 0x80, 0x90, 0xA0, 0xB0, 0xC0}
	wantCh2 = []byte{0x40, 0x50, 0x60, 0x70}
	return raw, wantCh1, wantCh2
}

func TestProcessorTPIURouting(t *testing.T) {
	rb := ring.New(4, 4096)
	ch1, ch2 := &memSink{}, &memSink{}
	handlers := []*Handler{
		NewHandler(1, 4096, ch1),
		NewHandler(2, 4096, ch2),
	}

	raw, wantCh1, wantCh2 := tpiuTestStream()
	p := New(rb, FramingTPIU, handlers, nil)
	runBlocks(t, p, rb, raw)

	assert.Equal(t, wantCh1, ch1.bytes())
	assert.Equal(t, wantCh2, ch2.bytes())
	assert.Equal(t, uint64(1), p.TPIUStats().TotalFrames)
}

func TestProcessorTPIUIgnoresLeadingNoise(t *testing.T) {
	rb := ring.New(4, 4096)
	ch1, ch2 := &memSink{}, &memSink{}
	handlers := []*Handler{
		NewHandler(1, 4096, ch1),
		NewHandler(2, 4096, ch2),
	}

	raw, wantCh1, wantCh2 := tpiuTestStream()
	noisy := append([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x42}, raw...)

	p := New(rb, FramingTPIU, handlers, nil)
	runBlocks(t, p, rb, noisy)

	assert.Equal(t, wantCh1, ch1.bytes())
	assert.Equal(t, wantCh2, ch2.bytes())
}

// TestProcessorTPIUSplitAcrossBlocks feeds the same stream split at an
// arbitrary point across two ring blocks: decoder state must carry
// over the block boundary and produce identical routing.
func TestProcessorTPIUSplitAcrossBlocks(t *testing.T) {
	raw, wantCh1, wantCh2 := tpiuTestStream()

	for split := 1; split < len(raw); split++ {
		rb := ring.New(4, 4096)
		ch1, ch2 := &memSink{}, &memSink{}
		handlers := []*Handler{
			NewHandler(1, 4096, ch1),
			NewHandler(2, 4096, ch2),
		}

		p := New(rb, FramingTPIU, handlers, nil)
		runBlocks(t, p, rb, raw[:split], raw[split:])

		require.Equal(t, wantCh1, ch1.bytes(), "split at %d", split)
		require.Equal(t, wantCh2, ch2.bytes(), "split at %d", split)
	}
}

func TestProcessorTPIUDropsUnconfiguredChannels(t *testing.T) {
	rb := ring.New(4, 4096)
	ch2 := &memSink{}
	handlers := []*Handler{
		NewHandler(2, 4096, ch2),
	}

	raw, _, wantCh2 := tpiuTestStream()
	p := New(rb, FramingTPIU, handlers, nil)
	runBlocks(t, p, rb, raw)

	// Stream 1's bytes have no handler and vanish; stream 2 is intact.
	assert.Equal(t, wantCh2, ch2.bytes())
}

func TestProcessorOFlowRouting(t *testing.T) {
	rb := ring.New(4, 4096)
	ch7 := &memSink{}
	handlers := []*Handler{
		NewHandler(7, 4096, ch7),
	}

	// Record for channel 7 carrying ABC, plus one for an unconfigured
	// channel that must be dropped.
	raw := oflow.Encode(7, []byte{0x41, 0x42, 0x43})
	raw = append(raw, oflow.Encode(9, []byte{0xFF})...)

	p := New(rb, FramingOFlow, handlers, nil)
	runBlocks(t, p, rb, raw)

	assert.Equal(t, []byte{0x41, 0x42, 0x43}, ch7.bytes())
	assert.Zero(t, p.OFlowErrors())
}

func TestProcessorOFlowRecordSplitAcrossBlocks(t *testing.T) {
	raw := oflow.Encode(7, []byte{0x41, 0x42, 0x43})

	for split := 1; split < len(raw); split++ {
		rb := ring.New(4, 4096)
		ch7 := &memSink{}
		handlers := []*Handler{NewHandler(7, 4096, ch7)}

		p := New(rb, FramingOFlow, handlers, nil)
		runBlocks(t, p, rb, raw[:split], raw[split:])

		require.Equal(t, []byte{0x41, 0x42, 0x43}, ch7.bytes(), "split at %d", split)
	}
}

func TestProcessorPassthrough(t *testing.T) {
	rb := ring.New(4, 4096)
	sink := &memSink{}

	p := New(rb, FramingNone, nil, sink)
	runBlocks(t, p, rb, []byte{0x01, 0x02}, []byte{0x03})

	assert.Equal(t, []byte{0x01, 0x02, 0x03}, sink.bytes())
}

func TestProcessorIntervalBytes(t *testing.T) {
	rb := ring.New(4, 4096)
	sink := &memSink{}

	p := New(rb, FramingNone, nil, sink)
	runBlocks(t, p, rb, make([]byte, 100), make([]byte, 28))

	assert.Equal(t, uint64(128), p.IntervalBytes())
	assert.Zero(t, p.IntervalBytes(), "read resets the counter")
}

func TestProcessorBusPublishesFlushEvents(t *testing.T) {
	rb := ring.New(4, 4096)
	ch7 := &memSink{}
	handlers := []*Handler{NewHandler(7, 4096, ch7)}

	p := New(rb, FramingOFlow, handlers, nil)
	queue := p.Bus().Subscribe(4)
	defer p.Bus().Unsubscribe(queue)

	runBlocks(t, p, rb, oflow.Encode(7, []byte{0x41, 0x42, 0x43}))

	data, ok := queue.PopTimeout(time.Second)
	require.True(t, ok)
	ev, ok := data.(FlushEvent)
	require.True(t, ok)
	assert.Equal(t, byte(7), ev.Channel)
	assert.Equal(t, 3, ev.Bytes)
}

func TestHandlerFlushOnlyWhenStaged(t *testing.T) {
	sink := &memSink{}
	h := NewHandler(1, 16, sink)

	h.Flush()
	assert.Empty(t, sink.bytes())

	h.Append(0x01)
	h.Append(0x02)
	h.Flush()
	assert.Equal(t, []byte{0x01, 0x02}, sink.bytes())

	h.Flush()
	assert.Equal(t, []byte{0x01, 0x02}, sink.bytes(), "second flush must not resend")
}

func TestHandlerAppendBytesSpillsInOrder(t *testing.T) {
	sink := &memSink{}
	h := NewHandler(1, 4, sink)

	h.AppendBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	h.Flush()
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, sink.bytes())
}
