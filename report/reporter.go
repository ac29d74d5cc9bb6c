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

// Package report renders periodic throughput statistics to the
// operator terminal and mirrors the same numbers into prometheus
// gauges for the admin server's /metrics endpoint.
package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tracedemux/tracedemux/internal/rescue"
	"github.com/tracedemux/tracedemux/tpiu"
)

// Snapshot is one reporting window's worth of pipeline statistics.
type Snapshot struct {
	// IntervalBytes is the number of raw bytes ingested since the
	// previous snapshot. The collector resets the counter on read.
	IntervalBytes uint64

	// DroppedBlocks is the ring's cumulative drop-oldest count.
	DroppedBlocks uint64

	// TPIUActive selects whether the TPIU decoder columns render.
	TPIUActive bool
	TPIU       tpiu.Stats

	// OFlowErrors is the ORBFLOW decoder's cumulative bad-record count.
	OFlowErrors uint64

	// Subscribers is the number of currently-attached clients across
	// every channel.
	Subscribers int
}

// Collector produces a Snapshot on each tick.
type Collector func() Snapshot

// Reporter prints one status line per interval, using cursor-up plus
// clear-line so the display stays stationary on a terminal.
type Reporter struct {
	ctx    context.Context
	cancel context.CancelFunc

	interval time.Duration
	maxRate  uint64 // configured link capacity in bits/sec, 0 if unknown
	collect  Collector
	out      io.Writer

	printed bool
}

// New returns a Reporter ticking every interval. maxRate is the
// configured maximum data rate in bits per second, used for the
// link-utilisation column; pass 0 to omit it.
func New(interval time.Duration, maxRate uint64, collect Collector, out io.Writer) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		ctx:      ctx,
		cancel:   cancel,
		interval: interval,
		maxRate:  maxRate,
		collect:  collect,
		out:      out,
	}
}

// Start launches the reporting loop.
func (r *Reporter) Start() {
	go r.loopReport()
}

// Stop ends the reporting loop.
func (r *Reporter) Stop() {
	r.cancel()
}

func (r *Reporter) loopReport() {
	defer rescue.HandleCrash()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			s := r.collect()
			recordMetrics(s, r.interval)
			r.print(s)
		}
	}
}

func (r *Reporter) print(s Snapshot) {
	line := renderLine(s, r.interval, r.maxRate)
	if r.printed {
		// Rewind over the previous status line so the display stays
		// stationary.
		fmt.Fprint(r.out, "\x1b[A\x1b[2K")
	}
	fmt.Fprintln(r.out, line)
	r.printed = true
}

// renderLine formats one status line: throughput, link utilisation and
// (with TPIU active) the decoder's counters and led state.
func renderLine(s Snapshot, interval time.Duration, maxRate uint64) string {
	bps := bitsPerSec(s.IntervalBytes, interval)
	line := fmt.Sprintf("%s %3d%% full", humanBits(bps), utilisation(bps, maxRate))

	if s.TPIUActive {
		line += fmt.Sprintf(" | leds %s frames %d pending %d lost %d",
			renderLEDs(s.TPIU.LEDs), s.TPIU.TotalFrames, s.TPIU.PendingCount, s.TPIU.LostFrames)
	}
	if s.OFlowErrors > 0 {
		line += fmt.Sprintf(" | frame errors %d", s.OFlowErrors)
	}
	if s.DroppedBlocks > 0 {
		line += fmt.Sprintf(" | dropped blocks %d", s.DroppedBlocks)
	}
	return line
}

func bitsPerSec(bytes uint64, interval time.Duration) uint64 {
	ms := uint64(interval.Milliseconds())
	if ms == 0 {
		return 0
	}
	return bytes * 8 * 1000 / ms
}

// utilisation scales bps against the configured link capacity,
// clamped to 100.
func utilisation(bps, maxRate uint64) int {
	if maxRate == 0 {
		return 0
	}
	pct := bps * 100 / maxRate
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

func humanBits(bps uint64) string {
	switch {
	case bps >= 1_000_000:
		return fmt.Sprintf("%7.2f MBits/sec", float64(bps)/1_000_000)
	case bps >= 1_000:
		return fmt.Sprintf("%7.2f KBits/sec", float64(bps)/1_000)
	default:
		return fmt.Sprintf("%7d  Bits/sec", bps)
	}
}

// renderLEDs shows the decoder's four indicator bits as fixed-position
// characters: data, tx, overflow, heartbeat.
func renderLEDs(leds uint8) string {
	out := []byte{'-', '-', '-', '-'}
	if leds&(1<<0) != 0 {
		out[0] = 'd'
	}
	if leds&(1<<1) != 0 {
		out[1] = 't'
	}
	if leds&(1<<5) != 0 {
		out[2] = 'o'
	}
	if leds&(1<<7) != 0 {
		out[3] = 'h'
	}
	return string(out)
}
