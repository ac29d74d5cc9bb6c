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

// Package demux owns the consumer end of the raw block ring: it pulls
// filled blocks, strips the configured framing (TPIU, ORBFLOW, or
// none) and routes the per-channel output into Handler staging
// buffers, flushing them to their subscriber registries at block end.
package demux

import (
	"sync/atomic"

	"github.com/tracedemux/tracedemux/internal/pubsub"
	"github.com/tracedemux/tracedemux/internal/rescue"
	"github.com/tracedemux/tracedemux/internal/zerocopy"
	"github.com/tracedemux/tracedemux/logger"
	"github.com/tracedemux/tracedemux/oflow"
	"github.com/tracedemux/tracedemux/ring"
	"github.com/tracedemux/tracedemux/tpiu"
)

// Framing selects how raw blocks are interpreted.
type Framing int

const (
	// FramingNone passes blocks through untouched to a single sink.
	FramingNone Framing = iota

	// FramingTPIU strips ARM TPIU 16-byte synchronous frames.
	FramingTPIU

	// FramingOFlow strips COBS-delimited ORBFLOW records.
	FramingOFlow
)

// walkChunk is how many bytes of a raw block are handed to a decoder
// per zerocopy read.
const walkChunk = 512

// Processor is the distribution processor. One per process; it is the
// ring's only consumer and the only goroutine that touches the
// decoders and handler staging buffers.
type Processor struct {
	rb      *ring.Ring
	framing Framing

	tpiuDec  *tpiu.Decoder
	oflowDec *oflow.Decoder

	handlers []*Handler
	cached   *Handler // most recently matched channel
	fallback Sender   // sink for FramingNone
	bus      *pubsub.PubSub

	intervalBytes atomic.Uint64
	resync        atomic.Bool
	done          chan struct{}

	// Decoder counters mirrored once per block so the Interval
	// Reporter can read them without touching decoder-owned state.
	tpiuSnap    atomic.Value // tpiu.Stats
	oflowErrors atomic.Uint64
}

// New returns a Processor consuming rb. handlers carries one entry per
// configured channel; fallback is only used with FramingNone.
func New(rb *ring.Ring, framing Framing, handlers []*Handler, fallback Sender) *Processor {
	p := &Processor{
		rb:       rb,
		framing:  framing,
		handlers: handlers,
		fallback: fallback,
		bus:      pubsub.New(),
		done:     make(chan struct{}),
	}
	switch framing {
	case FramingTPIU:
		p.tpiuDec = tpiu.NewDecoder()
	case FramingOFlow:
		p.oflowDec = oflow.NewDecoder()
	}
	return p
}

// TPIUStats returns the TPIU decoder's counters as of the last
// processed block, or a zero value when TPIU framing is not active.
func (p *Processor) TPIUStats() tpiu.Stats {
	s, ok := p.tpiuSnap.Load().(tpiu.Stats)
	if !ok {
		return tpiu.Stats{}
	}
	return s
}

// OFlowErrors returns the ORBFLOW decode-error count as of the last
// processed block.
func (p *Processor) OFlowErrors() uint64 {
	return p.oflowErrors.Load()
}

// IntervalBytes reads and resets the throughput counter. Called by the
// Interval Reporter once per reporting window.
func (p *Processor) IntervalBytes() uint64 {
	return p.intervalBytes.Swap(0)
}

// Resync requests a decoder reset. The reset is applied between
// blocks, on the processor's own goroutine.
func (p *Processor) Resync() {
	p.resync.Store(true)
}

// Done is closed once the processor has drained the ring and exited.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// FlushEvent describes one staging-buffer flush: which channel moved
// and how many bytes. Payload contents are never published.
type FlushEvent struct {
	Channel byte
	Bytes   int
}

// Bus is the flush-event feed behind the admin server's /watch route.
// Publishing is skipped entirely while nobody is subscribed.
func (p *Processor) Bus() *pubsub.PubSub {
	return p.bus
}

// Run consumes the ring until it is closed and drained. It is the
// processor thread of the pipeline; run it on its own goroutine.
func (p *Processor) Run() {
	defer rescue.HandleCrash()
	defer close(p.done)

	for {
		blk, ok := p.rb.Wait()
		if !ok {
			p.flush()
			return
		}

		if p.resync.CompareAndSwap(true, false) {
			p.applyResync()
		}

		p.intervalBytes.Add(uint64(blk.Len()))
		p.dispatch(blk.Bytes())
		p.flush()
		p.mirrorStats()
		p.rb.Advance()
	}
}

func (p *Processor) mirrorStats() {
	if p.tpiuDec != nil {
		p.tpiuSnap.Store(p.tpiuDec.Stats())
	}
	if p.oflowDec != nil {
		p.oflowErrors.Store(p.oflowDec.Perror())
	}
}

func (p *Processor) applyResync() {
	logger.Infof("decoder resync requested")
	if p.tpiuDec != nil {
		p.tpiuDec.Resync()
	}
	if p.oflowDec != nil {
		p.oflowDec.Resync()
	}
}

func (p *Processor) dispatch(data []byte) {
	switch p.framing {
	case FramingTPIU:
		p.dispatchTPIU(data)
	case FramingOFlow:
		p.dispatchOFlow(data)
	default:
		p.fallback.Send(data)
	}
}

// dispatchTPIU pumps the block a byte at a time through the TPIU
// decoder and routes each decoded (stream, byte) entry to its channel
// handler. Entries on channels outside the configured set are dropped.
func (p *Processor) dispatchTPIU(data []byte) {
	buf := zerocopy.NewBuffer(data)
	for {
		chunk, err := buf.Read(walkChunk)
		if err != nil {
			return
		}
		for _, b := range chunk {
			ev, frame := p.tpiuDec.Pump(b)
			if ev != tpiu.EventPacketReady {
				continue
			}
			for _, e := range frame.Entries {
				if h := p.lookup(e.Stream); h != nil {
					h.Append(e.Data)
				}
			}
		}
	}
}

// dispatchOFlow pumps the block through the COBS layer and routes each
// good record's payload by its tag. Bad records were already dropped
// and counted by the decoder.
func (p *Processor) dispatchOFlow(data []byte) {
	buf := zerocopy.NewBuffer(data)
	for {
		chunk, err := buf.Read(walkChunk)
		if err != nil {
			return
		}
		for _, f := range p.oflowDec.Pump(chunk) {
			if h := p.lookup(f.Tag); h != nil {
				h.AppendBytes(f.Payload)
			}
		}
	}
}

// lookup finds the handler for channel ch: a linear scan over the
// small configured set, fronted by a one-element cache of the most
// recently matched channel. Trace traffic runs in long per-channel
// bursts, so the cache hits nearly always.
func (p *Processor) lookup(ch byte) *Handler {
	if p.cached != nil && p.cached.Channel == ch {
		return p.cached
	}
	for _, h := range p.handlers {
		if h.Channel == ch {
			p.cached = h
			return h
		}
	}
	return nil
}

func (p *Processor) flush() {
	watched := p.bus.Num() > 0
	for _, h := range p.handlers {
		n := h.Flush()
		if watched && n > 0 {
			p.bus.Publish(FlushEvent{Channel: h.Channel, Bytes: n})
		}
	}
}
